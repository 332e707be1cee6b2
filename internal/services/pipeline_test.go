package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/store"
)

func TestThreePageDocumentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("manual-bytes")
	h.blobs.add("docs/manual.pdf", data)

	changes, err := h.pipeline.detectChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes.New, 1)
	h.pipeline.applyChanges(ctx, slog.Default(), changes)
	h.pipeline.reconcile(ctx, slog.Default())

	split := h.pipeline.runSplitStage(ctx, slog.Default())
	assert.Equal(t, models.StageSummary{Stage: models.StageSplit, Attempted: 1, Succeeded: 1}, split)

	docID := DocumentID("docs/manual.pdf", data)
	doc := h.document(docID)
	assert.True(t, doc.Processed)
	assert.Equal(t, 3, doc.PageCount)

	pages := h.pages(docID)
	require.Len(t, pages, 3)
	for i, page := range pages {
		assert.Equal(t, models.MakePageID(docID, i+1), page.PageID)
		assert.Equal(t, pageURI("docs/manual.pdf", data, i+1), page.ImagePath)
		assert.Equal(t, "docs/manual.pdf", page.SourcePDFPath)
		assert.Equal(t, models.StatusActive, page.Status)
		for _, stage := range models.PageStages {
			assert.Equal(t, models.StagePending, page.StageStatus(stage))
		}
	}

	for _, stage := range models.PageStages {
		s := h.pipeline.runPageStage(ctx, slog.Default(), stage)
		assert.Equal(t, 3, s.Attempted, stage)
		assert.Equal(t, 3, s.Succeeded, stage)
	}

	for _, page := range h.pages(docID) {
		assert.True(t, page.Complete(), page.PageID)
		assert.NotEmpty(t, page.ExtractedText)
		assert.NotEmpty(t, page.Summary)
		assert.Len(t, page.Embedding, 3)
	}

	stats := h.stats()
	assert.Equal(t, 3, stats.TotalActivePages)
	assert.Equal(t, 3, stats.CompletedPages)
	assert.Equal(t, 0, stats.RemainingPages)
	assert.InDelta(t, 100.0, stats.CompletionRate, 0.001)
}

func TestRunProcessesNewDocumentEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/a.pdf", []byte("a"))
	h.blobs.add("docs/b.pdf", []byte("b"))
	h.splitter.pageCounts["docs/b.pdf"] = 2

	summary := h.run()

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 2, summary.Changes.New)
	assert.Equal(t, models.StageSummary{Stage: models.StageSplit, Attempted: 2, Succeeded: 2}, summary.Stage(models.StageSplit))
	for _, stage := range models.PageStages {
		assert.Equal(t, 5, summary.Stage(stage).Succeeded, stage)
	}
	assert.Equal(t, 5, summary.Stats.CompletedPages)
	assert.Len(t, h.runners.indexed, 5)

	_, latest, err := h.pipeline.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, summary.RunID, latest.RunID)
	assert.Equal(t, models.RunCompleted, latest.Status)
	assert.Equal(t, 2, latest.TotalDocuments)
	assert.Equal(t, 2, latest.ProcessedDocuments)
	assert.Contains(t, latest.Summary, summary.RunID)
}

func TestDeletedFileDeactivatesDocumentAndPages(t *testing.T) {
	h := newHarness(t)
	data := []byte("to-be-removed")
	h.blobs.add("docs/old.pdf", data)
	h.run()

	h.blobs.remove("docs/old.pdf")
	h.runners.reset()
	summary := h.run()

	assert.Equal(t, 1, summary.Changes.Deleted)
	docID := DocumentID("docs/old.pdf", data)
	assert.Equal(t, models.StatusInactive, h.document(docID).Status)
	for _, page := range h.pages(docID) {
		assert.Equal(t, models.StatusInactive, page.Status)
	}
	for _, stage := range models.PageStages {
		assert.Empty(t, h.eligible(stage), stage)
	}
	assert.Zero(t, h.runners.totalCalls())
	assert.Equal(t, 0, h.stats().TotalActivePages)
}

func TestFileReappearingAtNewPathIsMoved(t *testing.T) {
	h := newHarness(t)
	data := []byte("travelling-bytes")
	h.blobs.add("inbox/report.pdf", data)
	h.run()

	h.blobs.remove("inbox/report.pdf")
	h.run()
	oldID := DocumentID("inbox/report.pdf", data)
	require.Equal(t, models.StatusInactive, h.document(oldID).Status)

	h.blobs.add("archive/report.pdf", data)
	changes, err := h.pipeline.detectChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, changes.Moved, 1)
	assert.Empty(t, changes.New)
	assert.Equal(t, oldID, changes.Moved[0].OldDocID)
	assert.Equal(t, "archive/report.pdf", changes.Moved[0].NewPath)

	summary := h.run()
	assert.Equal(t, 1, summary.Changes.Moved)

	newID := DocumentID("archive/report.pdf", data)
	assert.Equal(t, models.StatusActive, h.document(newID).Status)
	assert.Equal(t, models.StatusInactive, h.document(oldID).Status)
	for _, page := range h.pages(newID) {
		assert.True(t, page.Complete())
	}
	for _, page := range h.pages(oldID) {
		assert.Equal(t, models.StatusInactive, page.Status)
	}

	// A later run leaves the retired document alone.
	h.run()
	assert.Equal(t, models.StatusInactive, h.document(oldID).Status)
}

func TestRenameBetweenRunsIsSingleMove(t *testing.T) {
	h := newHarness(t)
	data := []byte("renamed")
	h.blobs.add("a/file.pdf", data)
	h.run()

	h.blobs.rename("a/file.pdf", "b/file.pdf")
	summary := h.run()

	assert.Equal(t, models.ChangeCounts{Moved: 1}, summary.Changes)
	assert.Equal(t, models.StatusInactive, h.document(DocumentID("a/file.pdf", data)).Status)
	assert.Equal(t, models.StatusActive, h.document(DocumentID("b/file.pdf", data)).Status)
	assert.Equal(t, 3, summary.Stats.CompletedPages)
}

func TestFileReturningToOriginalPathIsRestored(t *testing.T) {
	h := newHarness(t)
	data := []byte("comes-back")
	h.blobs.add("docs/x.pdf", data)
	h.run()
	h.blobs.remove("docs/x.pdf")
	h.run()

	h.blobs.add("docs/x.pdf", data)
	h.runners.reset()
	summary := h.run()

	assert.Equal(t, 1, summary.Changes.Restored)
	docID := DocumentID("docs/x.pdf", data)
	assert.Equal(t, models.StatusActive, h.document(docID).Status)
	for _, page := range h.pages(docID) {
		assert.Equal(t, models.StatusActive, page.Status)
		assert.True(t, page.Complete())
	}
	assert.Zero(t, h.runners.totalCalls(), "completed pages are not reprocessed")
	assert.Zero(t, summary.Stage(models.StageSplit).Attempted)
}

func TestNewFileAtReusedPathGetsItsOwnPageArtifacts(t *testing.T) {
	h := newHarness(t)
	first := []byte("version-1")
	h.blobs.add("docs/spec.pdf", first)
	h.run()
	h.blobs.remove("docs/spec.pdf")
	h.run()

	second := []byte("version-2")
	h.blobs.add("docs/spec.pdf", second)
	summary := h.run()

	assert.Equal(t, 1, summary.Changes.New)
	oldPages := h.pages(DocumentID("docs/spec.pdf", first))
	newPages := h.pages(DocumentID("docs/spec.pdf", second))
	require.Len(t, oldPages, 3)
	require.Len(t, newPages, 3)
	for i := range newPages {
		assert.NotEqual(t, oldPages[i].ImagePath, newPages[i].ImagePath)
		assert.Equal(t, models.StatusInactive, oldPages[i].Status)
		assert.True(t, newPages[i].Complete())

		stored := h.blobs.puts[strings.TrimPrefix(newPages[i].ImagePath, "mem://")]
		assert.Equal(t, []byte(ContentHash(second)), stored, newPages[i].PageID)
		assert.Equal(t, 1, h.runners.extractCalls[newPages[i].ImagePath])
	}
}

func TestSecondRunWithoutChangesIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/a.pdf", []byte("a"))
	h.blobs.add("docs/b.pdf", []byte("b"))
	h.run()
	before := h.documents()
	splits := h.splitter.calls

	h.runners.reset()
	summary := h.run()

	assert.Equal(t, models.ChangeCounts{Unchanged: 2}, summary.Changes)
	assert.Zero(t, h.runners.totalCalls())
	assert.Equal(t, splits, h.splitter.calls)
	for _, stage := range models.PageStages {
		assert.Zero(t, summary.Stage(stage).Attempted, stage)
	}
	after := h.documents()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].PageCount, after[i].PageCount)
	}
}

func TestFailedPageDoesNotBlockOthersAndIsRetried(t *testing.T) {
	h := newHarness(t)
	data := []byte("flaky")
	h.blobs.add("docs/flaky.pdf", data)
	h.runners.failExtract[pageURI("docs/flaky.pdf", data, 2)] = true

	summary := h.run()

	extract := summary.Stage(models.StageExtract)
	assert.Equal(t, 3, extract.Attempted)
	assert.Equal(t, 2, extract.Succeeded)
	assert.Equal(t, 1, extract.Failed)
	assert.Equal(t, 2, summary.Stage(models.StageEmbed).Succeeded)

	docID := DocumentID("docs/flaky.pdf", data)
	pages := h.pages(docID)
	assert.Equal(t, models.StageFailed, pages[1].Extracted)
	assert.Contains(t, pages[1].ErrorMessage, "ocr quota exceeded")
	assert.Equal(t, models.StagePending, pages[1].Embedded)
	assert.True(t, pages[0].Complete())
	assert.True(t, pages[2].Complete())
	assert.Equal(t, 1, summary.Stats.RemainingPages)

	h.runners.failExtract[pageURI("docs/flaky.pdf", data, 2)] = false
	h.runners.reset()
	summary = h.run()

	assert.Equal(t, 1, summary.Stage(models.StageExtract).Succeeded)
	assert.Equal(t, 3, summary.Stats.CompletedPages)
	page := h.pages(docID)[1]
	assert.True(t, page.Complete())
	assert.Empty(t, page.ErrorMessage)
}

func TestEmbedWaitsForSummary(t *testing.T) {
	h := newHarness(t)
	data := []byte("gated")
	h.blobs.add("docs/gated.pdf", data)
	h.runners.failSummarize[pageURI("docs/gated.pdf", data, 1)] = true

	summary := h.run()

	assert.Equal(t, 2, summary.Stage(models.StageEmbed).Attempted)
	assert.Equal(t, 2, summary.Stage(models.StageIndex).Attempted)
	assert.Equal(t, 2, h.runners.embedCalls)

	page := h.pages(DocumentID("docs/gated.pdf", data))[0]
	assert.Equal(t, models.StageSuccess, page.Extracted)
	assert.Equal(t, models.StageFailed, page.Summarized)
	assert.Equal(t, models.StagePending, page.Embedded)
	assert.Equal(t, models.StagePending, page.Indexed)
	assert.Equal(t, 1, summary.Stats.Stages[models.StageSummarize].Failed)
}

func TestEmbeddingInputIsSummaryThenText(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/one.pdf", []byte("one"))
	h.splitter.pageCounts["docs/one.pdf"] = 1

	h.run()

	require.Len(t, h.runners.embedTexts, 1)
	assert.Equal(t, "summary of one-page-00001.pdf\n\ntext of one-page-00001.pdf", h.runners.embedTexts[0])
}

func TestIndexFailureLeavesEmbeddingInPlace(t *testing.T) {
	h := newHarness(t)
	data := []byte("index-down")
	h.blobs.add("docs/i.pdf", data)
	h.splitter.pageCounts["docs/i.pdf"] = 1
	docID := DocumentID("docs/i.pdf", data)
	h.runners.failIndex[models.MakePageID(docID, 1)] = true

	summary := h.run()
	assert.Equal(t, 1, summary.Stage(models.StageIndex).Failed)

	page := h.pages(docID)[0]
	assert.Equal(t, models.StageSuccess, page.Embedded)
	assert.Equal(t, models.StageFailed, page.Indexed)
	assert.NotEmpty(t, page.Embedding)

	h.runners.failIndex[models.MakePageID(docID, 1)] = false
	h.runners.reset()
	h.run()
	assert.Equal(t, 1, h.runners.indexCalls[page.PageID])
	assert.Zero(t, h.runners.embedCalls)
	assert.True(t, h.pages(docID)[0].Complete())
}

func TestSplitFailureIsRetriedOnNextRun(t *testing.T) {
	h := newHarness(t)
	data := []byte("corrupt")
	h.blobs.add("docs/broken.pdf", data)
	h.splitter.fail["docs/broken.pdf"] = errors.New("pdf has no pages")

	summary := h.run()

	assert.Equal(t, 1, summary.Stage(models.StageSplit).Failed)
	docID := DocumentID("docs/broken.pdf", data)
	doc := h.document(docID)
	assert.False(t, doc.Processed)
	assert.True(t, doc.SplitFailed())
	assert.Contains(t, doc.LastError, "pdf has no pages")
	assert.Empty(t, h.pages(docID))

	delete(h.splitter.fail, "docs/broken.pdf")
	summary = h.run()

	assert.Equal(t, models.StageSummary{Stage: models.StageSplit, Attempted: 1, Succeeded: 1}, summary.Stage(models.StageSplit))
	doc = h.document(docID)
	assert.True(t, doc.Processed)
	assert.Empty(t, doc.LastError)
	assert.Len(t, h.pages(docID), 3)
}

func TestUnreadableFileIsNotTreatedAsDeleted(t *testing.T) {
	h := newHarness(t)
	data := []byte("sometimes-unreachable")
	h.blobs.add("docs/s.pdf", data)
	h.run()

	h.blobs.failFetch["docs/s.pdf"] = true
	summary := h.run()

	assert.Equal(t, 1, summary.Changes.Skipped)
	assert.Zero(t, summary.Changes.Deleted)
	assert.Equal(t, models.StatusActive, h.document(DocumentID("docs/s.pdf", data)).Status)
}

func TestListingFailureStillAdvancesPersistedWork(t *testing.T) {
	h := newHarness(t)
	data := []byte("pending-work")
	h.blobs.add("docs/p.pdf", data)
	h.runners.failExtract[pageURI("docs/p.pdf", data, 1)] = true
	h.run()

	h.runners.failExtract[pageURI("docs/p.pdf", data, 1)] = false
	h.blobs.failList = errors.New("bucket unavailable")
	summary := h.run()

	assert.Equal(t, models.ChangeCounts{}, summary.Changes)
	assert.Equal(t, 1, summary.Stage(models.StageExtract).Succeeded)
	assert.Equal(t, 3, summary.Stats.CompletedPages)
	assert.Equal(t, models.StatusActive, h.document(DocumentID("docs/p.pdf", data)).Status)
}

func TestSummarizerReceivesOpeningPagesAsContext(t *testing.T) {
	h := newHarness(t)
	data := []byte("long")
	h.blobs.add("docs/long.pdf", data)
	h.splitter.pageCounts["docs/long.pdf"] = 7

	h.run()

	want := []string{
		pageURI("docs/long.pdf", data, 1),
		pageURI("docs/long.pdf", data, 2),
		pageURI("docs/long.pdf", data, 3),
		pageURI("docs/long.pdf", data, 4),
		pageURI("docs/long.pdf", data, 5),
	}
	assert.Equal(t, want, h.runners.contexts[pageURI("docs/long.pdf", data, 7)])
	assert.Equal(t, want, h.runners.contexts[pageURI("docs/long.pdf", data, 1)])
}

func TestSummarizerContextCanBeDisabled(t *testing.T) {
	h := newHarness(t, func(c *PipelineConfig) { c.ContextPages = 0 })
	data := []byte("short")
	h.blobs.add("docs/short.pdf", data)

	h.run()

	assert.Empty(t, h.runners.contexts[pageURI("docs/short.pdf", data, 2)])
}

func TestConcurrentWorkersReachSameOutcome(t *testing.T) {
	h := newHarness(t, func(c *PipelineConfig) { c.StageWorkers = 4 })
	for i := 0; i < 6; i++ {
		h.blobs.add(fmt.Sprintf("docs/%02d.pdf", i), []byte(fmt.Sprintf("doc-%d", i)))
	}

	summary := h.run()

	assert.Equal(t, 6, summary.Stage(models.StageSplit).Succeeded)
	for _, stage := range models.PageStages {
		assert.Equal(t, 18, summary.Stage(stage).Succeeded, stage)
	}
	assert.Equal(t, 18, summary.Stats.CompletedPages)
}

type blockingSplitter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSplitter) Split(ctx context.Context, _ models.Document) ([]PageArtifact, error) {
	close(b.started)
	<-b.release
	return nil, errors.New("released")
}

func TestOverlappingRunIsRejected(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/slow.pdf", []byte("slow"))
	blocker := &blockingSplitter{started: make(chan struct{}), release: make(chan struct{})}
	h.pipeline.deps.Splitter = blocker

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(context.Background())
		done <- err
	}()
	<-blocker.started

	assert.True(t, h.pipeline.Running())
	_, err := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(blocker.release)
	require.NoError(t, <-done)
	assert.False(t, h.pipeline.Running())
}

type cancellingSplitter struct {
	cancel context.CancelFunc
}

func (c *cancellingSplitter) Split(context.Context, models.Document) ([]PageArtifact, error) {
	c.cancel()
	return nil, context.Canceled
}

func TestCancelledRunIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/c.pdf", []byte("c"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pipeline.deps.Splitter = &cancellingSplitter{cancel: cancel}

	summary, err := h.pipeline.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, summary.Stages, 1, "page stages never start")
	assert.Empty(t, h.notifier.summaries)
	assert.Zero(t, h.runners.totalCalls())

	_, latest, statsErr := h.pipeline.Stats(context.Background())
	require.NoError(t, statsErr)
	require.NotNil(t, latest)
	assert.Equal(t, summary.RunID, latest.RunID)
	assert.Equal(t, models.RunFailed, latest.Status)
	assert.Contains(t, latest.ErrorMessage, "context canceled")
}

func TestNotifierReceivesEveryFinishedRun(t *testing.T) {
	h := newHarness(t)
	h.blobs.add("docs/n.pdf", []byte("n"))

	first := h.run()
	second := h.run()

	require.Len(t, h.notifier.summaries, 2)
	assert.Equal(t, first.RunID, h.notifier.summaries[0].RunID)
	assert.Equal(t, second.RunID, h.notifier.summaries[1].RunID)
	assert.Equal(t, 1, h.notifier.summaries[0].Changes.New)
}

func TestOrphanPagesAreSkippedWithWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Session(ctx, func(r *store.Repository) error {
		if err := r.CreateDocument(ctx, models.Document{DocID: "doc-x", SourcePath: "x.pdf", ContentHash: "hx"}); err != nil {
			return err
		}
		if _, err := r.CreatePages(ctx, []models.Page{models.NewPage("doc-x", 1, "mem://x/1", "x.pdf")}); err != nil {
			return err
		}
		return r.MarkDocumentSplit(ctx, "doc-x", 1, nil)
	})
	require.NoError(t, err)

	// A second connection has foreign keys off, so the delete does not cascade.
	raw, err := sql.Open("sqlite", h.dbPath)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, "DELETE FROM pdf_documents WHERE doc_id = ?", "doc-x")
	require.NoError(t, err)

	s := h.pipeline.runPageStage(ctx, slog.Default(), models.StageExtract)
	assert.Equal(t, models.StageSummary{Stage: models.StageExtract, Skipped: 1}, s)
	assert.Zero(t, h.runners.totalCalls())
}
