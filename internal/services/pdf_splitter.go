package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

type PDFSplitterConfig struct {
	UploadConcurrency int
	MaxRetries        int
	InitialBackoff    time.Duration
	UploadTimeout     time.Duration
}

// PDFSplitter splits a source PDF into single-page PDFs with pdfcpu and
// uploads each page to the processed bucket.
type PDFSplitter struct {
	blobs  BlobStore
	config PDFSplitterConfig
}

func NewPDFSplitter(blobs BlobStore, config PDFSplitterConfig) *PDFSplitter {
	if config.UploadConcurrency < 1 {
		config.UploadConcurrency = 10
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 4
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 50 * time.Second
	}
	return &PDFSplitter{blobs: blobs, config: config}
}

// Split downloads the document, validates and splits it locally, then
// uploads every page. Any failure fails the whole document.
func (s *PDFSplitter) Split(ctx context.Context, doc models.Document) ([]PageArtifact, error) {
	logCtx := slog.With("documentId", doc.DocID, "sourcePath", doc.SourcePath)

	tempDir, err := os.MkdirTemp("", "pdf-splitter-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	data, err := s.blobs.Fetch(ctx, doc.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to download source PDF: %w", err)
	}
	sourcePdfPath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePdfPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write temp file at %s: %w", sourcePdfPath, err)
	}

	optimizedPdfPath := filepath.Join(tempDir, "optimized.pdf")
	pageCount, err := optimizeAndSplit(sourcePdfPath, optimizedPdfPath)
	if err != nil {
		return nil, err
	}
	logCtx.Info("PDF optimized and split locally.", "pageCount", pageCount)

	artifacts, err := s.uploadSplitPages(ctx, logCtx, doc, optimizedPdfPath, pageCount)
	if err != nil {
		return nil, err
	}
	logCtx.Info("All pages uploaded successfully.", "pageCount", pageCount)
	return artifacts, nil
}

func optimizeAndSplit(source, optimized string) (int, error) {
	if err := optimizePDF(source, optimized); err != nil {
		return 0, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return 0, fmt.Errorf("PDF has no pages")
	}
	if err := api.SplitFile(optimized, filepath.Dir(optimized), 1, nil); err != nil {
		return 0, fmt.Errorf("failed to split PDF: %w", err)
	}
	return pageCount, nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func (s *PDFSplitter) uploadSplitPages(ctx context.Context, logCtx *slog.Logger, doc models.Document, optimizedPdfPath string, pageCount int) ([]PageArtifact, error) {
	logCtx.Info("Starting concurrent upload of pages.", "pageCount", pageCount)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.config.UploadConcurrency)

	splitFileBase := strings.TrimSuffix(optimizedPdfPath, filepath.Ext(optimizedPdfPath))
	artifacts := make([]PageArtifact, pageCount)

	for i := 1; i <= pageCount; i++ {
		pageNumber := i
		localSplitFilePath := fmt.Sprintf("%s_%d.pdf", splitFileBase, pageNumber)
		destObject := s.blobs.DerivePagePath(doc.SourcePath, doc.DocID, pageNumber)

		eg.Go(func() error {
			uri, err := s.uploadFile(gctx, localSplitFilePath, destObject)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			artifacts[pageNumber-1] = PageArtifact{PageNumber: pageNumber, ImagePath: uri}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("one or more pages failed to upload: %w", err)
	}
	return artifacts, nil
}

// uploadFile puts one local file, retrying with exponential backoff.
func (s *PDFSplitter) uploadFile(ctx context.Context, localPath, destObject string) (string, error) {
	backoff := s.config.InitialBackoff
	var lastErr error

	for i := 0; i < s.config.MaxRetries; i++ {
		uri, err := func() (string, error) {
			data, err := os.ReadFile(localPath)
			if err != nil {
				return "", fmt.Errorf("could not read local file %s: %w", localPath, err)
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.config.UploadTimeout)
			defer cancel()
			return s.blobs.Put(writeCtx, destObject, data)
		}()
		if err == nil {
			return uri, nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"object", destObject,
			"attempt", i+1,
			"maxRetries", s.config.MaxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "object", destObject, "error", ctx.Err())
			return "", ctx.Err()
		}
	}
	slog.Error("Upload failed after all retries.", "object", destObject, "error", lastErr)
	return "", fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}
