package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

const pageColumns = `page_id, doc_id, page_number, image_path, source_pdf_path,
	extracted, summarized, embedded, indexed, extracted_text, summary, embedding,
	error_message, status, created_at, updated_at`

// stageColumns describes how a page-level stage maps onto pdf_pages.
// requires holds extra WHERE conditions that gate the stage.
type stageColumns struct {
	status   string
	payload  string
	requires string
}

func columnsFor(stage models.Stage) (stageColumns, error) {
	switch stage {
	case models.StageExtract:
		return stageColumns{status: "extracted", payload: "extracted_text"}, nil
	case models.StageSummarize:
		return stageColumns{status: "summarized", payload: "summary"}, nil
	case models.StageEmbed:
		return stageColumns{
			status:   "embedded",
			payload:  "embedding",
			requires: "extracted = 'SUCCESS' AND summarized = 'SUCCESS'",
		}, nil
	case models.StageIndex:
		return stageColumns{status: "indexed", requires: "embedded = 'SUCCESS'"}, nil
	case models.StageSplit:
		return stageColumns{}, fmt.Errorf("stage %q is document-level", stage)
	}
	return stageColumns{}, fmt.Errorf("unknown stage %q", stage)
}

func scanPage(row rowScanner) (models.Page, error) {
	var (
		p                                        models.Page
		extracted, summarized, embedded, indexed string
		status, createdAt, updatedAt             string
		embedding                                []byte
	)
	if err := row.Scan(&p.PageID, &p.DocID, &p.PageNumber, &p.ImagePath, &p.SourcePDFPath,
		&extracted, &summarized, &embedded, &indexed, &p.ExtractedText, &p.Summary, &embedding,
		&p.ErrorMessage, &status, &createdAt, &updatedAt); err != nil {
		return models.Page{}, err
	}

	var err error
	for _, f := range []struct {
		dst *models.StageStatus
		raw string
	}{
		{&p.Extracted, extracted},
		{&p.Summarized, summarized},
		{&p.Embedded, embedded},
		{&p.Indexed, indexed},
	} {
		if *f.dst, err = models.ParseStageStatus(f.raw); err != nil {
			return models.Page{}, fmt.Errorf("page %s: %w", p.PageID, err)
		}
	}
	p.Embedding = deserializeVector(embedding)
	p.Status = models.ActivityStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Page{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Page{}, err
	}
	return p, nil
}

func (r *Repository) queryPages(ctx context.Context, query string, args ...any) ([]models.Page, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CreatePages inserts freshly split pages. Pages that already exist are left
// untouched so a re-split never resets stage progress. It returns the number
// of rows actually inserted.
func (r *Repository) CreatePages(ctx context.Context, pages []models.Page) (int, error) {
	now := formatTime(r.now())
	inserted := 0
	for _, p := range pages {
		res, err := r.q.ExecContext(ctx, `
			INSERT INTO pdf_pages (page_id, doc_id, page_number, image_path, source_pdf_path,
				extracted, summarized, embedded, indexed, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'PENDING', 'PENDING', 'PENDING', 'PENDING', 'ACTIVE', ?, ?)
			ON CONFLICT (page_id) DO NOTHING`,
			p.PageID, p.DocID, p.PageNumber, p.ImagePath, p.SourcePDFPath, now, now)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert page %s: %w", p.PageID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

// GetPage returns one page by id.
func (r *Repository) GetPage(ctx context.Context, pageID string) (models.Page, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+pageColumns+" FROM pdf_pages WHERE page_id = ?", pageID)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Page{}, ErrNotFound
	}
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	return p, nil
}

// ListPages returns all pages of a document in page order.
func (r *Repository) ListPages(ctx context.Context, docID string) ([]models.Page, error) {
	pages, err := r.queryPages(ctx,
		"SELECT "+pageColumns+" FROM pdf_pages WHERE doc_id = ? ORDER BY page_number", docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages of %s: %w", docID, err)
	}
	return pages, nil
}

// FirstPages returns up to n pages of a document by ascending page number.
func (r *Repository) FirstPages(ctx context.Context, docID string, n int) ([]models.Page, error) {
	pages, err := r.queryPages(ctx,
		"SELECT "+pageColumns+" FROM pdf_pages WHERE doc_id = ? ORDER BY page_number LIMIT ?", docID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get first pages of %s: %w", docID, err)
	}
	return pages, nil
}

// ListEligiblePages returns the ACTIVE pages that may be attempted for a
// page-level stage, ordered by document and page number.
func (r *Repository) ListEligiblePages(ctx context.Context, stage models.Stage) ([]models.Page, error) {
	cols, err := columnsFor(stage)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + pageColumns + " FROM pdf_pages WHERE status = 'ACTIVE' AND " +
		cols.status + " IN ('PENDING', 'FAILED')"
	if cols.requires != "" {
		query += " AND " + cols.requires
	}
	query += " ORDER BY doc_id, page_number"

	pages, err := r.queryPages(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages eligible for %s: %w", stage, err)
	}
	return pages, nil
}

// RecordStageResult writes the outcome of one stage for one page as a single
// guarded UPDATE. SUCCESS is terminal, and embed/index additionally require
// their upstream stages. ErrTransitionRejected means the guard matched nothing.
func (r *Repository) RecordStageResult(ctx context.Context, pageID string, stage models.Stage, result models.StageResult) error {
	cols, err := columnsFor(stage)
	if err != nil {
		return err
	}

	var (
		set  string
		args []any
		now  = formatTime(r.now())
	)
	switch result.Status {
	case models.StageSuccess:
		set = cols.status + " = 'SUCCESS', error_message = '', updated_at = ?"
		args = append(args, now)
		switch stage {
		case models.StageExtract:
			set += ", " + cols.payload + " = ?"
			args = append(args, result.Text)
		case models.StageSummarize:
			set += ", " + cols.payload + " = ?"
			args = append(args, result.Summary)
		case models.StageEmbed:
			set += ", " + cols.payload + " = ?"
			args = append(args, serializeVector(result.Embedding))
		}
	case models.StageFailed:
		set = cols.status + " = 'FAILED', error_message = ?, updated_at = ?"
		args = append(args, result.Err, now)
	default:
		return fmt.Errorf("cannot record %q for page %s", result.Status, pageID)
	}

	where := "page_id = ? AND " + cols.status + " IN ('PENDING', 'FAILED')"
	if cols.requires != "" {
		where += " AND " + cols.requires
	}
	args = append(args, pageID)

	res, err := r.q.ExecContext(ctx, "UPDATE pdf_pages SET "+set+" WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("failed to record %s result for page %s: %w", stage, pageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for page %s: %w", pageID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", stage, pageID, ErrTransitionRejected)
	}
	return nil
}

// SyncPageStatusWithDocuments copies each document's activity status onto
// its pages. It returns how many pages were deactivated and reactivated.
func (r *Repository) SyncPageStatusWithDocuments(ctx context.Context) (deactivated, reactivated int64, err error) {
	now := formatTime(r.now())

	res, err := r.q.ExecContext(ctx, `
		UPDATE pdf_pages SET status = 'INACTIVE', updated_at = ?
		WHERE status = 'ACTIVE'
		  AND doc_id IN (SELECT doc_id FROM pdf_documents WHERE status = 'INACTIVE')`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to deactivate pages: %w", err)
	}
	if deactivated, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	res, err = r.q.ExecContext(ctx, `
		UPDATE pdf_pages SET status = 'ACTIVE', updated_at = ?
		WHERE status = 'INACTIVE'
		  AND doc_id IN (SELECT doc_id FROM pdf_documents WHERE status = 'ACTIVE')`, now)
	if err != nil {
		return deactivated, 0, fmt.Errorf("failed to reactivate pages: %w", err)
	}
	if reactivated, err = res.RowsAffected(); err != nil {
		return deactivated, 0, err
	}
	return deactivated, reactivated, nil
}

// ListOrphanPages returns pages whose document row is missing. The foreign
// key should make this impossible, so any result is an integrity problem.
func (r *Repository) ListOrphanPages(ctx context.Context) ([]models.Page, error) {
	pages, err := r.queryPages(ctx, "SELECT "+pageColumns+` FROM pdf_pages
		WHERE doc_id NOT IN (SELECT doc_id FROM pdf_documents)
		ORDER BY doc_id, page_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan pages: %w", err)
	}
	return pages, nil
}
