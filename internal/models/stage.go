package models

import "fmt"

// StageStatus is the closed set of per-stage outcomes for a page.
type StageStatus string

const (
	StagePending StageStatus = "PENDING"
	StageSuccess StageStatus = "SUCCESS"
	StageFailed  StageStatus = "FAILED"
)

// Valid reports whether s is one of the three known values.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageSuccess, StageFailed:
		return true
	}
	return false
}

// ParseStageStatus converts a stored value back into a StageStatus.
func ParseStageStatus(v string) (StageStatus, error) {
	s := StageStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage status %q", v)
	}
	return s, nil
}

// Stage names one step of the pipeline. Split is document-level; the rest
// are page-level and run in the order of PageStages.
type Stage string

const (
	StageSplit     Stage = "split"
	StageExtract   Stage = "extract"
	StageSummarize Stage = "summarize"
	StageEmbed     Stage = "embed"
	StageIndex     Stage = "index"
)

// PageStages lists the page-level stages in dependency order.
var PageStages = []Stage{StageExtract, StageSummarize, StageEmbed, StageIndex}

// StageResult is what the orchestrator writes back for one page and stage.
// Only the payload field matching the stage is persisted.
type StageResult struct {
	Status    StageStatus
	Text      string
	Summary   string
	Embedding []float32
	Err       string
}

// Succeeded builds a SUCCESS result.
func Succeeded() StageResult {
	return StageResult{Status: StageSuccess}
}

// Failed builds a FAILED result carrying the error text.
func Failed(err error) StageResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return StageResult{Status: StageFailed, Err: msg}
}
