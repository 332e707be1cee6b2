package models

import "time"

// RunStatus is the lifecycle of one pipeline invocation.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// PipelineRun is the bookkeeping row written for every run.
type PipelineRun struct {
	RunID              string     `json:"runId"`
	Status             RunStatus  `json:"status"`
	Stage              string     `json:"stage"`
	StartedAt          time.Time  `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	TotalDocuments     int        `json:"totalDocuments"`
	ProcessedDocuments int        `json:"processedDocuments"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	Summary            string     `json:"summary,omitempty"`
}

// StageSummary counts what happened to the entities of one stage.
type StageSummary struct {
	Stage     Stage `json:"stage"`
	Attempted int   `json:"attempted"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// ChangeCounts is the size of each ChangeSet partition.
type ChangeCounts struct {
	New        int `json:"new"`
	Moved      int `json:"moved"`
	Deleted    int `json:"deleted"`
	Unchanged  int `json:"unchanged"`
	Restored   int `json:"restored"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// CountChanges summarises a ChangeSet.
func CountChanges(c ChangeSet) ChangeCounts {
	return ChangeCounts{
		New:        len(c.New),
		Moved:      len(c.Moved),
		Deleted:    len(c.Deleted),
		Unchanged:  len(c.Unchanged),
		Restored:   len(c.Restored),
		Duplicates: len(c.Duplicates),
		Skipped:    len(c.Skipped),
	}
}

// RunSummary is the end-of-run report.
type RunSummary struct {
	RunID      string          `json:"runId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Changes    ChangeCounts    `json:"changes"`
	Stages     []StageSummary  `json:"stages"`
	Stats      ProcessingStats `json:"stats"`
}

// Stage returns the summary for one stage, or a zero summary.
func (r RunSummary) Stage(stage Stage) StageSummary {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s
		}
	}
	return StageSummary{Stage: stage}
}

// StageCounts is the per-status breakdown of one page-level stage.
type StageCounts struct {
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ProcessingStats describes progress over ACTIVE pages.
type ProcessingStats struct {
	TotalActivePages int                   `json:"totalActivePages"`
	CompletedPages   int                   `json:"completedPages"`
	RemainingPages   int                   `json:"remainingPages"`
	CompletionRate   float64               `json:"completionRate"`
	ActiveDocuments  int                   `json:"activeDocuments"`
	Stages           map[Stage]StageCounts `json:"stages"`
}
