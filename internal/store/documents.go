package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

const documentColumns = `doc_id, source_path, content_hash, file_size, status, processed,
	processed_at, page_count, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (models.Document, error) {
	var (
		doc         models.Document
		status      string
		processed   int
		processedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&doc.DocID, &doc.SourcePath, &doc.ContentHash, &doc.FileSize, &status,
		&processed, &processedAt, &doc.PageCount, &doc.LastError, &createdAt, &updatedAt); err != nil {
		return models.Document{}, err
	}
	doc.Status = models.ActivityStatus(status)
	doc.Processed = processed != 0

	var err error
	if doc.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return models.Document{}, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Document{}, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

func (r *Repository) queryDocuments(ctx context.Context, query string, args ...any) ([]models.Document, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateDocument inserts a new ACTIVE, never-split document.
func (r *Repository) CreateDocument(ctx context.Context, doc models.Document) error {
	now := formatTime(r.now())
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pdf_documents (doc_id, source_path, content_hash, file_size, status,
			processed, processed_at, page_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'ACTIVE', 0, NULL, 0, '', ?, ?)`,
		doc.DocID, doc.SourcePath, doc.ContentHash, doc.FileSize, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.DocID, err)
	}
	return nil
}

// GetDocument returns one document by id.
func (r *Repository) GetDocument(ctx context.Context, docID string) (models.Document, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM pdf_documents WHERE doc_id = ?", docID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	return doc, nil
}

// DocumentExists reports whether a row with this id is persisted.
func (r *Repository) DocumentExists(ctx context.Context, docID string) (bool, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM pdf_documents WHERE doc_id = ?", docID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check document %s: %w", docID, err)
	}
	return n > 0, nil
}

// ListDocuments returns every persisted document, active or not.
func (r *Repository) ListDocuments(ctx context.Context) ([]models.Document, error) {
	docs, err := r.queryDocuments(ctx, "SELECT "+documentColumns+" FROM pdf_documents ORDER BY doc_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// ListActiveDocuments returns the ACTIVE documents.
func (r *Repository) ListActiveDocuments(ctx context.Context) ([]models.Document, error) {
	docs, err := r.queryDocuments(ctx,
		"SELECT "+documentColumns+" FROM pdf_documents WHERE status = 'ACTIVE' ORDER BY doc_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list active documents: %w", err)
	}
	return docs, nil
}

// ListUnsplitDocuments returns ACTIVE documents that were never split.
func (r *Repository) ListUnsplitDocuments(ctx context.Context) ([]models.Document, error) {
	docs, err := r.queryDocuments(ctx, "SELECT "+documentColumns+` FROM pdf_documents
		WHERE status = 'ACTIVE' AND processed = 0 AND processed_at IS NULL
		ORDER BY created_at, doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsplit documents: %w", err)
	}
	return docs, nil
}

// ListFailedSplitDocuments returns ACTIVE documents whose last split failed.
func (r *Repository) ListFailedSplitDocuments(ctx context.Context) ([]models.Document, error) {
	docs, err := r.queryDocuments(ctx, "SELECT "+documentColumns+` FROM pdf_documents
		WHERE status = 'ACTIVE' AND processed = 0 AND processed_at IS NOT NULL
		ORDER BY processed_at, doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed split documents: %w", err)
	}
	return docs, nil
}

// SetDocumentStatus flips the activity status of one document.
func (r *Repository) SetDocumentStatus(ctx context.Context, docID string, status models.ActivityStatus) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE pdf_documents SET status = ?, updated_at = ? WHERE doc_id = ?",
		string(status), formatTime(r.now()), docID)
	if err != nil {
		return fmt.Errorf("failed to set status of document %s: %w", docID, err)
	}
	return expectOneRow(res, docID)
}

// ReactivateDocument marks an INACTIVE document ACTIVE again and records the
// path it was observed at.
func (r *Repository) ReactivateDocument(ctx context.Context, docID, sourcePath string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE pdf_documents SET status = 'ACTIVE', source_path = ?, updated_at = ?
		WHERE doc_id = ? AND status = 'INACTIVE'`,
		sourcePath, formatTime(r.now()), docID)
	if err != nil {
		return fmt.Errorf("failed to reactivate document %s: %w", docID, err)
	}
	return expectOneRow(res, docID)
}

// DeleteDocument removes a document and, by cascade, its pages.
func (r *Repository) DeleteDocument(ctx context.Context, docID string) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM pdf_documents WHERE doc_id = ?", docID)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	return expectOneRow(res, docID)
}

// MarkDocumentSplit records the outcome of a split attempt. A failure keeps
// processed=0 but stamps processed_at so the retry intake picks it up.
func (r *Repository) MarkDocumentSplit(ctx context.Context, docID string, pageCount int, splitErr error) error {
	now := formatTime(r.now())
	lastError := ""
	if splitErr != nil {
		lastError = splitErr.Error()
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE pdf_documents
		SET processed = ?, processed_at = ?, page_count = ?, last_error = ?, updated_at = ?
		WHERE doc_id = ?`,
		boolToInt(splitErr == nil), now, pageCount, lastError, now, docID)
	if err != nil {
		return fmt.Errorf("failed to mark split for document %s: %w", docID, err)
	}
	return expectOneRow(res, docID)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
