package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/store"
)

// Dependencies are the collaborators a Pipeline drives. Notifier may be nil.
type Dependencies struct {
	Store      *store.Store
	Blobs      BlobStore
	Splitter   PageSplitter
	Extractor  TextExtractor
	Summarizer Summarizer
	Embedder   Embedder
	Index      SearchIndex
	Notifier   RunNotifier
}

// Pipeline reconciles the source bucket with the state store and advances
// every page through extract, summarize, embed and index.
type Pipeline struct {
	config   PipelineConfig
	deps     Dependencies
	detector *ChangeDetector
	lock     runLock
	now      func() time.Time
	closers  []func() error
}

// NewPipeline opens the state store and creates every Google Cloud client.
func NewPipeline(ctx context.Context, config PipelineConfig) (*Pipeline, error) {
	var closers []func() error
	fail := func(err error) (*Pipeline, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	st, err := store.Open(ctx, config.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("failed to open state store: %w", err))
	}
	closers = append(closers, st.Close)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to create Storage client: %w", err))
	}
	closers = append(closers, storageClient.Close)
	blobs := gcp.NewGCSBlobStore(storageClient, config.SourceBucket, config.ProcessedBucket)

	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion,
		config.ExtractTextModel, config.ExtractSummaryModel)
	if err != nil {
		return fail(fmt.Errorf("failed to create vertex client: %w", err))
	}
	closers = append(closers, vertexClient.Close)

	embeddingClient, err := gcp.NewEmbeddingClient(ctx, config.ProjectID, config.VertexAIRegion)
	if err != nil {
		return fail(fmt.Errorf("failed to create embedding client: %w", err))
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID, config.FirestoreDatabase)
	if err != nil {
		return fail(fmt.Errorf("failed to create firestore client: %w", err))
	}
	closers = append(closers, firestoreClient.Close)

	deps := Dependencies{
		Store:      st,
		Blobs:      blobs,
		Splitter:   NewPDFSplitter(blobs, PDFSplitterConfig{UploadConcurrency: config.UploadConcurrency}),
		Extractor:  NewVertexExtractor(vertexClient.ExtractModel),
		Summarizer: NewVertexSummarizer(vertexClient.SummaryModel),
		Embedder:   NewGenAIEmbedder(embeddingClient.Models, config.EmbeddingModel, config.EmbeddingDimension),
		Index:      NewFirestoreIndex(firestoreClient, config.FirestoreCollection),
	}

	if config.WorkflowID != "" {
		notifier, err := gcp.NewWorkflowNotifier(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
		if err != nil {
			return fail(fmt.Errorf("failed to create workflow notifier: %w", err))
		}
		closers = append(closers, notifier.Close)
		deps.Notifier = notifier
	}

	p := NewPipelineFromDeps(config, deps)
	p.closers = closers
	slog.Info("Pipeline initialized.", "sourceBucket", config.SourceBucket,
		"processedBucket", config.ProcessedBucket, "workflowId", config.WorkflowID)
	return p, nil
}

// NewPipelineFromDeps wires a Pipeline around already-built collaborators.
func NewPipelineFromDeps(config PipelineConfig, deps Dependencies) *Pipeline {
	if config.StageWorkers < 1 {
		config.StageWorkers = 1
	}
	return &Pipeline{
		config:   config,
		deps:     deps,
		detector: NewChangeDetector(deps.Blobs, config.SourcePrefix, config.ScanWorkers),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close releases every client created by NewPipeline, in reverse order.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Running reports whether a run currently holds the lock.
func (p *Pipeline) Running() bool {
	return p.lock.Running()
}

// Run executes one full pass: detect, apply, reconcile, split, then the
// four page stages in order. Per-entity failures never abort the run.
func (p *Pipeline) Run(ctx context.Context) (models.RunSummary, error) {
	if !p.lock.TryAcquire() {
		return models.RunSummary{}, ErrRunInProgress
	}
	defer p.lock.Release()

	summary := models.RunSummary{RunID: uuid.NewString(), StartedAt: p.now()}
	logCtx := slog.With("runId", summary.RunID)
	logCtx.Info("Pipeline run started.")

	p.withRepo(ctx, logCtx, "failed to record run start", func(r *store.Repository) error {
		return r.StartRun(ctx, models.PipelineRun{RunID: summary.RunID, StartedAt: summary.StartedAt, Stage: "detect"})
	})

	changes, err := p.detectChanges(ctx)
	if err != nil {
		logCtx.Error("Change detection failed. Continuing with persisted state.", "error", err)
	} else {
		summary.Changes = models.CountChanges(changes)
		logCtx.Info("Changes detected.", "new", summary.Changes.New, "moved", summary.Changes.Moved,
			"deleted", summary.Changes.Deleted, "unchanged", summary.Changes.Unchanged,
			"restored", summary.Changes.Restored, "duplicates", summary.Changes.Duplicates,
			"skipped", summary.Changes.Skipped)
		p.applyChanges(ctx, logCtx, changes)
	}

	p.reconcile(ctx, logCtx)
	p.logStats(ctx, logCtx, "Processing stats before stages.")

	p.markStage(ctx, logCtx, summary.RunID, models.StageSplit)
	summary.Stages = append(summary.Stages, p.runSplitStage(ctx, logCtx))

	for _, stage := range models.PageStages {
		if ctx.Err() != nil {
			break
		}
		p.markStage(ctx, logCtx, summary.RunID, stage)
		summary.Stages = append(summary.Stages, p.runPageStage(ctx, logCtx, stage))
	}

	summary.Stats = p.logStats(ctx, logCtx, "Processing stats after stages.")
	summary.FinishedAt = p.now()
	p.finishRun(ctx, logCtx, summary)

	for _, s := range summary.Stages {
		logCtx.Info("Stage summary.", "stage", s.Stage, "attempted", s.Attempted,
			"succeeded", s.Succeeded, "failed", s.Failed, "skipped", s.Skipped)
	}

	if p.deps.Notifier != nil && ctx.Err() == nil {
		if err := p.deps.Notifier.NotifyRunFinished(ctx, summary); err != nil {
			logCtx.Error("Failed to notify run completion.", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		logCtx.Warn("Pipeline run interrupted.", "error", err)
		return summary, err
	}
	logCtx.Info("Pipeline run finished.", "duration", summary.FinishedAt.Sub(summary.StartedAt).String())
	return summary, nil
}

func (p *Pipeline) detectChanges(ctx context.Context) (models.ChangeSet, error) {
	listing, err := p.detector.Scan(ctx)
	if err != nil {
		return models.ChangeSet{}, err
	}
	var docs []models.Document
	err = p.deps.Store.Session(ctx, func(r *store.Repository) error {
		var err error
		docs, err = r.ListDocuments(ctx)
		return err
	})
	if err != nil {
		return models.ChangeSet{}, fmt.Errorf("failed to load documents: %w", err)
	}
	return DetectChanges(listing, docs), nil
}

// applyChanges writes the change set in the order deleted, moved, restored,
// new. Each entry is its own unit of work; a failure is logged and skipped.
func (p *Pipeline) applyChanges(ctx context.Context, logCtx *slog.Logger, changes models.ChangeSet) {
	for _, doc := range changes.Deleted {
		p.withRepo(ctx, logCtx.With("documentId", doc.DocID, "path", doc.SourcePath), "failed to deactivate deleted document",
			func(r *store.Repository) error {
				return r.SetDocumentStatus(ctx, doc.DocID, models.StatusInactive)
			})
	}

	for _, move := range changes.Moved {
		moveCtx := logCtx.With("oldPath", move.OldPath, "newPath", move.NewPath, "oldDocId", move.OldDocID, "newDocId", move.NewDocID)
		err := p.deps.Store.Tx(ctx, func(r *store.Repository) error {
			return applyMove(ctx, r, move)
		})
		if err != nil {
			moveCtx.Error("failed to apply move", "error", err)
			continue
		}
		moveCtx.Info("Document moved.")
	}

	for _, file := range changes.Restored {
		p.withRepo(ctx, logCtx.With("documentId", file.DocID, "path", file.Path), "failed to restore document",
			func(r *store.Repository) error {
				return r.ReactivateDocument(ctx, file.DocID, file.Path)
			})
	}

	for _, file := range changes.New {
		p.withRepo(ctx, logCtx.With("documentId", file.DocID, "path", file.Path), "failed to register new document",
			func(r *store.Repository) error {
				return r.CreateDocument(ctx, models.Document{
					DocID:       file.DocID,
					SourcePath:  file.Path,
					ContentHash: file.ContentHash,
					FileSize:    file.Size,
				})
			})
	}
}

// applyMove retires the old document and activates the one at the new path.
// The new doc id may already exist when a file returns to a path it once had.
func applyMove(ctx context.Context, r *store.Repository, move models.Move) error {
	old, err := r.GetDocument(ctx, move.OldDocID)
	if err != nil {
		return err
	}
	if old.Status == models.StatusActive {
		if err := r.SetDocumentStatus(ctx, old.DocID, models.StatusInactive); err != nil {
			return err
		}
	}

	exists, err := r.DocumentExists(ctx, move.NewDocID)
	if err != nil {
		return err
	}
	if exists {
		return r.ReactivateDocument(ctx, move.NewDocID, move.NewPath)
	}
	return r.CreateDocument(ctx, models.Document{
		DocID:       move.NewDocID,
		SourcePath:  move.NewPath,
		ContentHash: move.ContentHash,
		FileSize:    move.Size,
	})
}

func (p *Pipeline) reconcile(ctx context.Context, logCtx *slog.Logger) {
	p.withRepo(ctx, logCtx, "failed to sync page status with documents", func(r *store.Repository) error {
		deactivated, reactivated, err := r.SyncPageStatusWithDocuments(ctx)
		if err != nil {
			return err
		}
		logCtx.Info("Page activity synced with documents.", "deactivated", deactivated, "reactivated", reactivated)
		return nil
	})
}

// runSplitStage retries previously failed splits first, then splits the
// documents that were never attempted.
func (p *Pipeline) runSplitStage(ctx context.Context, logCtx *slog.Logger) models.StageSummary {
	t := &tally{summary: models.StageSummary{Stage: models.StageSplit}}

	var failed, unsplit []models.Document
	err := p.deps.Store.Session(ctx, func(r *store.Repository) error {
		var err error
		if failed, err = r.ListFailedSplitDocuments(ctx); err != nil {
			return err
		}
		unsplit, err = r.ListUnsplitDocuments(ctx)
		return err
	})
	if err != nil {
		logCtx.Error("Failed to list documents to split.", "error", err)
		return t.summary
	}
	logCtx.Info("Split stage selected documents.", "retry", len(failed), "new", len(unsplit))

	split := func(ctx context.Context, doc models.Document) {
		p.splitDocument(ctx, doc, t)
	}
	runBounded(ctx, p.config.StageWorkers, failed, split)
	runBounded(ctx, p.config.StageWorkers, unsplit, split)
	return t.summary
}

func (p *Pipeline) splitDocument(ctx context.Context, doc models.Document, t *tally) {
	logCtx := slog.With("stage", models.StageSplit, "documentId", doc.DocID, "sourcePath", doc.SourcePath)
	t.attempt()

	artifacts, splitErr := p.deps.Splitter.Split(ctx, doc)
	if splitErr != nil {
		logCtx.Error("failed to split document", "error", splitErr)
		p.withRepo(ctx, logCtx, "CRITICAL: failed to record split failure", func(r *store.Repository) error {
			return r.MarkDocumentSplit(ctx, doc.DocID, 0, splitErr)
		})
		t.fail()
		return
	}

	pages := make([]models.Page, 0, len(artifacts))
	for _, a := range artifacts {
		pages = append(pages, models.NewPage(doc.DocID, a.PageNumber, a.ImagePath, doc.SourcePath))
	}
	err := p.deps.Store.Tx(ctx, func(r *store.Repository) error {
		if _, err := r.CreatePages(ctx, pages); err != nil {
			return err
		}
		return r.MarkDocumentSplit(ctx, doc.DocID, len(pages), nil)
	})
	if err != nil {
		logCtx.Error("failed to persist split pages", "error", err)
		p.withRepo(ctx, logCtx, "CRITICAL: failed to record split failure", func(r *store.Repository) error {
			return r.MarkDocumentSplit(ctx, doc.DocID, 0, err)
		})
		t.fail()
		return
	}
	logCtx.Info("Document split.", "pageCount", len(pages))
	t.succeed()
}

// runPageStage runs one page-level stage over a snapshot of eligible pages.
func (p *Pipeline) runPageStage(ctx context.Context, logCtx *slog.Logger, stage models.Stage) models.StageSummary {
	t := &tally{summary: models.StageSummary{Stage: stage}}

	var pages []models.Page
	orphans := make(map[string]bool)
	err := p.deps.Store.Session(ctx, func(r *store.Repository) error {
		var err error
		if pages, err = r.ListEligiblePages(ctx, stage); err != nil {
			return err
		}
		missing, err := r.ListOrphanPages(ctx)
		if err != nil {
			return err
		}
		for _, page := range missing {
			orphans[page.PageID] = true
		}
		return nil
	})
	if err != nil {
		logCtx.Error("Failed to list eligible pages.", "stage", stage, "error", err)
		return t.summary
	}
	logCtx.Info("Stage selected pages.", "stage", stage, "eligible", len(pages))

	runnable := pages[:0:0]
	for _, page := range pages {
		if orphans[page.PageID] {
			logCtx.Warn("INTEGRITY: page references a missing document. Skipping.",
				"stage", stage, "pageId", page.PageID, "documentId", page.DocID)
			t.skip()
			continue
		}
		runnable = append(runnable, page)
	}

	runBounded(ctx, p.config.StageWorkers, runnable, func(ctx context.Context, page models.Page) {
		p.processPage(ctx, stage, page, t)
	})
	return t.summary
}

func (p *Pipeline) processPage(ctx context.Context, stage models.Stage, page models.Page, t *tally) {
	logCtx := slog.With("stage", stage, "pageId", page.PageID, "documentId", page.DocID)
	t.attempt()

	result := p.invokeRunner(ctx, stage, page)
	if ctx.Err() != nil {
		logCtx.Warn("Run cancelled before the result was recorded.", "error", ctx.Err())
		t.skip()
		return
	}
	if result.Status == models.StageFailed {
		logCtx.Error("stage runner failed", "error", result.Err)
	}

	err := p.deps.Store.Session(ctx, func(r *store.Repository) error {
		return r.RecordStageResult(ctx, page.PageID, stage, result)
	})
	switch {
	case errors.Is(err, store.ErrTransitionRejected):
		logCtx.Warn("Stage result rejected by the store guard. Skipping.", "error", err)
		t.skip()
	case err != nil:
		logCtx.Error("failed to record stage result", "error", err)
		t.fail()
	case result.Status == models.StageSuccess:
		t.succeed()
	default:
		t.fail()
	}
}

// invokeRunner calls the runner for one page and stage, giving it only the
// inputs it needs.
func (p *Pipeline) invokeRunner(ctx context.Context, stage models.Stage, page models.Page) models.StageResult {
	switch stage {
	case models.StageExtract:
		text, err := p.deps.Extractor.ExtractText(ctx, page.ImagePath)
		if err != nil {
			return models.Failed(err)
		}
		return models.StageResult{Status: models.StageSuccess, Text: text}

	case models.StageSummarize:
		contextPaths, err := p.contextPaths(ctx, page.DocID)
		if err != nil {
			return models.Failed(err)
		}
		summary, err := p.deps.Summarizer.Summarize(ctx, page.ImagePath, contextPaths)
		if err != nil {
			return models.Failed(err)
		}
		return models.StageResult{Status: models.StageSuccess, Summary: summary}

	case models.StageEmbed:
		vector, err := p.deps.Embedder.Embed(ctx, embeddingInput(page.Summary, page.ExtractedText))
		if err != nil {
			return models.Failed(err)
		}
		return models.StageResult{Status: models.StageSuccess, Embedding: vector}

	case models.StageIndex:
		err := p.deps.Index.Upsert(ctx, page.PageID, IndexDocument{
			PageID:        page.PageID,
			DocID:         page.DocID,
			PageNumber:    page.PageNumber,
			ImagePath:     page.ImagePath,
			SourcePDFPath: page.SourcePDFPath,
			Text:          page.ExtractedText,
			Summary:       page.Summary,
			Embedding:     page.Embedding,
		})
		if err != nil {
			return models.Failed(err)
		}
		return models.Succeeded()
	}
	return models.Failed(fmt.Errorf("no runner for stage %q", stage))
}

func (p *Pipeline) contextPaths(ctx context.Context, docID string) ([]string, error) {
	if p.config.ContextPages == 0 {
		return nil, nil
	}
	var paths []string
	err := p.deps.Store.Session(ctx, func(r *store.Repository) error {
		pages, err := r.FirstPages(ctx, docID, p.config.ContextPages)
		if err != nil {
			return err
		}
		for _, cp := range pages {
			paths = append(paths, cp.ImagePath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load context pages: %w", err)
	}
	return paths, nil
}

// Stats returns processing stats and the latest run, if any.
func (p *Pipeline) Stats(ctx context.Context) (models.ProcessingStats, *models.PipelineRun, error) {
	var (
		stats  models.ProcessingStats
		latest *models.PipelineRun
	)
	err := p.deps.Store.Session(ctx, func(r *store.Repository) error {
		var err error
		if stats, err = r.ProcessingStats(ctx); err != nil {
			return err
		}
		run, err := r.LatestRun(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		latest = &run
		return nil
	})
	if err != nil {
		return models.ProcessingStats{}, nil, err
	}
	return stats, latest, nil
}

func (p *Pipeline) logStats(ctx context.Context, logCtx *slog.Logger, msg string) models.ProcessingStats {
	var stats models.ProcessingStats
	p.withRepo(ctx, logCtx, "failed to compute processing stats", func(r *store.Repository) error {
		var err error
		stats, err = r.ProcessingStats(ctx)
		return err
	})
	args := []any{
		"totalActivePages", stats.TotalActivePages,
		"completedPages", stats.CompletedPages,
		"remainingPages", stats.RemainingPages,
		"completionRate", fmt.Sprintf("%.1f", stats.CompletionRate),
	}
	for _, stage := range models.PageStages {
		c := stats.Stages[stage]
		args = append(args, string(stage)+"Pending", c.Pending, string(stage)+"Failed", c.Failed)
	}
	logCtx.Info(msg, args...)
	return stats
}

func (p *Pipeline) markStage(ctx context.Context, logCtx *slog.Logger, runID string, stage models.Stage) {
	p.withRepo(ctx, logCtx, "failed to record run stage", func(r *store.Repository) error {
		return r.UpdateRunStage(ctx, runID, stage)
	})
}

func (p *Pipeline) finishRun(ctx context.Context, logCtx *slog.Logger, summary models.RunSummary) {
	run := models.PipelineRun{
		RunID:       summary.RunID,
		Status:      models.RunCompleted,
		CompletedAt: &summary.FinishedAt,
	}
	if err := ctx.Err(); err != nil {
		run.Status = models.RunFailed
		run.ErrorMessage = err.Error()
	}
	if data, err := json.Marshal(summary); err == nil {
		run.Summary = string(data)
	}

	// The run row is written even when ctx is already cancelled.
	writeCtx := context.WithoutCancel(ctx)
	p.withRepo(writeCtx, logCtx, "failed to record run completion", func(r *store.Repository) error {
		docs, err := r.ListActiveDocuments(writeCtx)
		if err != nil {
			return err
		}
		run.TotalDocuments = len(docs)
		for _, d := range docs {
			if d.Processed {
				run.ProcessedDocuments++
			}
		}
		return r.FinishRun(writeCtx, run)
	})
}

// withRepo runs fn in a store session and logs, rather than returns, any
// error. Used for writes whose failure must not stop the run.
func (p *Pipeline) withRepo(ctx context.Context, logCtx *slog.Logger, message string, fn func(*store.Repository) error) {
	if err := p.deps.Store.Session(ctx, fn); err != nil {
		logCtx.Error(message, "error", err)
	}
}

// tally counts stage outcomes from concurrent workers.
type tally struct {
	mu      sync.Mutex
	summary models.StageSummary
}

func (t *tally) update(fn func(*models.StageSummary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.summary)
}

func (t *tally) attempt() { t.update(func(s *models.StageSummary) { s.Attempted++ }) }
func (t *tally) succeed() { t.update(func(s *models.StageSummary) { s.Succeeded++ }) }
func (t *tally) fail() { t.update(func(s *models.StageSummary) { s.Failed++ }) }
func (t *tally) skip() { t.update(func(s *models.StageSummary) { s.Skipped++ }) }

// runBounded calls fn for every item with at most workers in flight. Items
// not yet started when ctx is cancelled are dropped.
func runBounded[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T)) {
	if workers < 1 {
		workers = 1
	}
	eg := new(errgroup.Group)
	eg.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx, item)
			return nil
		})
	}
	_ = eg.Wait()
}
