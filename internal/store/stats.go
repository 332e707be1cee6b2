package store

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

// ProcessingStats reports progress over ACTIVE pages. A page is complete
// when all four stages are SUCCESS.
func (r *Repository) ProcessingStats(ctx context.Context) (models.ProcessingStats, error) {
	var stats models.ProcessingStats

	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN extracted = 'SUCCESS' AND summarized = 'SUCCESS'
				AND embedded = 'SUCCESS' AND indexed = 'SUCCESS' THEN 1 ELSE 0 END), 0)
		FROM pdf_pages WHERE status = 'ACTIVE'`).
		Scan(&stats.TotalActivePages, &stats.CompletedPages)
	if err != nil {
		return models.ProcessingStats{}, fmt.Errorf("failed to count pages: %w", err)
	}
	stats.RemainingPages = stats.TotalActivePages - stats.CompletedPages
	if stats.TotalActivePages > 0 {
		stats.CompletionRate = float64(stats.CompletedPages) / float64(stats.TotalActivePages) * 100
	}

	if err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pdf_documents WHERE status = 'ACTIVE'").Scan(&stats.ActiveDocuments); err != nil {
		return models.ProcessingStats{}, fmt.Errorf("failed to count documents: %w", err)
	}

	stats.Stages = make(map[models.Stage]models.StageCounts, len(models.PageStages))
	for _, stage := range models.PageStages {
		cols, err := columnsFor(stage)
		if err != nil {
			return models.ProcessingStats{}, err
		}
		var counts models.StageCounts
		err = r.q.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN `+cols.status+` = 'PENDING' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN `+cols.status+` = 'SUCCESS' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN `+cols.status+` = 'FAILED' THEN 1 ELSE 0 END), 0)
			FROM pdf_pages WHERE status = 'ACTIVE'`).
			Scan(&counts.Pending, &counts.Success, &counts.Failed)
		if err != nil {
			return models.ProcessingStats{}, fmt.Errorf("failed to count %s statuses: %w", stage, err)
		}
		stats.Stages[stage] = counts
	}
	return stats, nil
}
