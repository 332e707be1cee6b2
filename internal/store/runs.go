package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

// StartRun records a RUNNING pipeline run.
func (r *Repository) StartRun(ctx context.Context, run models.PipelineRun) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, status, stage, started_at, total_documents, processed_documents)
		VALUES (?, 'RUNNING', ?, ?, 0, 0)`,
		run.RunID, run.Stage, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.RunID, err)
	}
	return nil
}

// UpdateRunStage records the stage a run has entered.
func (r *Repository) UpdateRunStage(ctx context.Context, runID string, stage models.Stage) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE pipeline_runs SET stage = ? WHERE run_id = ? AND status = 'RUNNING'",
		string(stage), runID)
	if err != nil {
		return fmt.Errorf("failed to update stage of run %s: %w", runID, err)
	}
	return expectOneRow(res, runID)
}

// FinishRun closes a run with its final status, counts and summary.
func (r *Repository) FinishRun(ctx context.Context, run models.PipelineRun) error {
	completedAt := r.now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, completed_at = ?, total_documents = ?, processed_documents = ?,
			error_message = ?, summary = ?
		WHERE run_id = ?`,
		string(run.Status), formatTime(completedAt), run.TotalDocuments, run.ProcessedDocuments,
		run.ErrorMessage, run.Summary, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.RunID, err)
	}
	return expectOneRow(res, run.RunID)
}

// LatestRun returns the most recently started run.
func (r *Repository) LatestRun(ctx context.Context) (models.PipelineRun, error) {
	var (
		run               models.PipelineRun
		status, startedAt string
		completedAt       sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT run_id, status, stage, started_at, completed_at, total_documents,
			processed_documents, error_message, summary
		FROM pipeline_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).
		Scan(&run.RunID, &status, &run.Stage, &startedAt, &completedAt, &run.TotalDocuments,
			&run.ProcessedDocuments, &run.ErrorMessage, &run.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PipelineRun{}, ErrNotFound
	}
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("failed to get latest run: %w", err)
	}

	run.Status = models.RunStatus(status)
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return models.PipelineRun{}, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.PipelineRun{}, err
	}
	return run, nil
}
