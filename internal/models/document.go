package models

import (
	"fmt"
	"time"
)

// ActivityStatus marks whether a document's source file currently exists.
// Pages carry a copy of their document's value.
type ActivityStatus string

const (
	StatusActive   ActivityStatus = "ACTIVE"
	StatusInactive ActivityStatus = "INACTIVE"
)

// Document is the persisted record for one source PDF.
type Document struct {
	DocID       string
	SourcePath  string
	ContentHash string
	FileSize    int64
	Status      ActivityStatus
	LastError   string

	// Split tracking. Processed=false with a nil ProcessedAt means the
	// document was never attempted; a non-nil ProcessedAt means it failed.
	Processed   bool
	ProcessedAt *time.Time
	PageCount   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeverSplit reports whether no split has been attempted yet.
func (d Document) NeverSplit() bool {
	return !d.Processed && d.ProcessedAt == nil
}

// SplitFailed reports whether a previous split attempt failed.
func (d Document) SplitFailed() bool {
	return !d.Processed && d.ProcessedAt != nil
}

// PageNumberWidth is the zero-padded width of Page.PageNumber.
const PageNumberWidth = 5

// FormatPageNumber renders a 1-based page number in fixed width.
func FormatPageNumber(n int) string {
	return fmt.Sprintf("%0*d", PageNumberWidth, n)
}

// MakePageID composes the page primary key from its document and number.
func MakePageID(docID string, pageNumber int) string {
	return docID + "_" + FormatPageNumber(pageNumber)
}

// Page is one rendered page of a Document, tracked through four stages.
type Page struct {
	PageID        string
	DocID         string
	PageNumber    string
	ImagePath     string
	SourcePDFPath string

	Extracted  StageStatus
	Summarized StageStatus
	Embedded   StageStatus
	Indexed    StageStatus

	ExtractedText string
	Summary       string
	Embedding     []float32
	ErrorMessage  string

	Status    ActivityStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageStatus returns the page's status for a page-level stage.
func (p Page) StageStatus(stage Stage) StageStatus {
	switch stage {
	case StageExtract:
		return p.Extracted
	case StageSummarize:
		return p.Summarized
	case StageEmbed:
		return p.Embedded
	case StageIndex:
		return p.Indexed
	}
	return ""
}

// Complete reports whether every stage has succeeded.
func (p Page) Complete() bool {
	return p.Extracted == StageSuccess && p.Summarized == StageSuccess &&
		p.Embedded == StageSuccess && p.Indexed == StageSuccess
}

// NewPage builds a freshly split page with every stage PENDING.
func NewPage(docID string, pageNumber int, imagePath, sourcePDFPath string) Page {
	return Page{
		PageID:        MakePageID(docID, pageNumber),
		DocID:         docID,
		PageNumber:    FormatPageNumber(pageNumber),
		ImagePath:     imagePath,
		SourcePDFPath: sourcePDFPath,
		Extracted:     StagePending,
		Summarized:    StagePending,
		Embedded:      StagePending,
		Indexed:       StagePending,
		Status:        StatusActive,
	}
}
