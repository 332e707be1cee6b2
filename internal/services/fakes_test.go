package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/store"
)

type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	puts      map[string][]byte
	failFetch map[string]bool
	failList  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects:   make(map[string][]byte),
		puts:      make(map[string][]byte),
		failFetch: make(map[string]bool),
	}
}

func (f *fakeBlobStore) add(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
}

func (f *fakeBlobStore) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
}

func (f *fakeBlobStore) rename(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[to] = f.objects[from]
	delete(f.objects, from)
}

func (f *fakeBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeBlobStore) Fetch(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch[path] {
		return nil, fmt.Errorf("fetch %s: connection reset", path)
	}
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("fetch %s: object not found", path)
	}
	return data, nil
}

// Put keeps the first write to a path, like the conditional GCS write.
func (f *fakeBlobStore) Put(_ context.Context, path string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.puts[path]; !ok {
		f.puts[path] = data
	}
	return "mem://" + path, nil
}

func (f *fakeBlobStore) DerivePagePath(sourcePath, docID string, pageNumber int) string {
	return gcp.DerivePagePath(sourcePath, docID, pageNumber)
}

// fakeSplitter uploads pageCount artifacts per document without touching
// real PDF bytes. Each artifact holds the document's content hash.
type fakeSplitter struct {
	mu         sync.Mutex
	blobs      BlobStore
	pageCounts map[string]int
	fail       map[string]error
	calls      int
}

func (f *fakeSplitter) Split(ctx context.Context, doc models.Document) ([]PageArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[doc.SourcePath]; err != nil {
		return nil, err
	}
	n, ok := f.pageCounts[doc.SourcePath]
	if !ok {
		n = 3
	}
	artifacts := make([]PageArtifact, 0, n)
	for i := 1; i <= n; i++ {
		uri, err := f.blobs.Put(ctx, f.blobs.DerivePagePath(doc.SourcePath, doc.DocID, i), []byte(doc.ContentHash))
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, PageArtifact{PageNumber: i, ImagePath: uri})
	}
	return artifacts, nil
}

// fakeRunners implements every page-level runner and records each call.
type fakeRunners struct {
	mu sync.Mutex

	extractCalls   map[string]int
	summarizeCalls map[string]int
	embedCalls     int
	indexCalls     map[string]int

	failExtract   map[string]bool
	failSummarize map[string]bool
	failIndex     map[string]bool

	contexts   map[string][]string
	embedTexts []string
	indexed    map[string]IndexDocument
}

func newFakeRunners() *fakeRunners {
	return &fakeRunners{
		extractCalls:   make(map[string]int),
		summarizeCalls: make(map[string]int),
		indexCalls:     make(map[string]int),
		failExtract:    make(map[string]bool),
		failSummarize:  make(map[string]bool),
		failIndex:      make(map[string]bool),
		contexts:       make(map[string][]string),
		indexed:        make(map[string]IndexDocument),
	}
}

func (f *fakeRunners) ExtractText(_ context.Context, imagePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls[imagePath]++
	if f.failExtract[imagePath] {
		return "", fmt.Errorf("ocr quota exceeded")
	}
	return "text of " + filepath.Base(imagePath), nil
}

func (f *fakeRunners) Summarize(_ context.Context, imagePath string, contextPaths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls[imagePath]++
	f.contexts[imagePath] = append([]string(nil), contextPaths...)
	if f.failSummarize[imagePath] {
		return "", fmt.Errorf("summary model unavailable")
	}
	return "summary of " + filepath.Base(imagePath), nil
}

func (f *fakeRunners) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	f.embedTexts = append(f.embedTexts, text)
	return []float32{float32(len(text)), 0.5, -0.5}, nil
}

func (f *fakeRunners) Upsert(_ context.Context, id string, doc IndexDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls[id]++
	if f.failIndex[id] {
		return fmt.Errorf("index unavailable")
	}
	f.indexed[id] = doc
	return nil
}

func (f *fakeRunners) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := f.embedCalls
	for _, m := range []map[string]int{f.extractCalls, f.summarizeCalls, f.indexCalls} {
		for _, n := range m {
			total += n
		}
	}
	return total
}

func (f *fakeRunners) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls = make(map[string]int)
	f.summarizeCalls = make(map[string]int)
	f.indexCalls = make(map[string]int)
	f.embedCalls = 0
	f.embedTexts = nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []models.RunSummary
}

func (f *fakeNotifier) NotifyRunFinished(_ context.Context, summary models.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

type harness struct {
	t        *testing.T
	dbPath   string
	store    *store.Store
	blobs    *fakeBlobStore
	splitter *fakeSplitter
	runners  *fakeRunners
	notifier *fakeNotifier
	pipeline *Pipeline
}

func newHarness(t *testing.T, tweak ...func(*PipelineConfig)) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pipeline.db")
	st, err := store.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	config := DefaultPipelineConfig()
	for _, fn := range tweak {
		fn(&config)
	}

	blobs := newFakeBlobStore()
	h := &harness{
		t:        t,
		dbPath:   dbPath,
		store:    st,
		blobs:    blobs,
		splitter: &fakeSplitter{blobs: blobs, pageCounts: map[string]int{}, fail: map[string]error{}},
		runners:  newFakeRunners(),
		notifier: &fakeNotifier{},
	}
	h.pipeline = NewPipelineFromDeps(config, Dependencies{
		Store:      st,
		Blobs:      blobs,
		Splitter:   h.splitter,
		Extractor:  h.runners,
		Summarizer: h.runners,
		Embedder:   h.runners,
		Index:      h.runners,
		Notifier:   h.notifier,
	})
	return h
}

func (h *harness) run() models.RunSummary {
	h.t.Helper()
	summary, err := h.pipeline.Run(context.Background())
	require.NoError(h.t, err)
	return summary
}

func (h *harness) document(docID string) models.Document {
	h.t.Helper()
	var doc models.Document
	err := h.store.Session(context.Background(), func(r *store.Repository) error {
		var err error
		doc, err = r.GetDocument(context.Background(), docID)
		return err
	})
	require.NoError(h.t, err)
	return doc
}

func (h *harness) documents() []models.Document {
	h.t.Helper()
	var docs []models.Document
	err := h.store.Session(context.Background(), func(r *store.Repository) error {
		var err error
		docs, err = r.ListDocuments(context.Background())
		return err
	})
	require.NoError(h.t, err)
	return docs
}

func (h *harness) pages(docID string) []models.Page {
	h.t.Helper()
	var pages []models.Page
	err := h.store.Session(context.Background(), func(r *store.Repository) error {
		var err error
		pages, err = r.ListPages(context.Background(), docID)
		return err
	})
	require.NoError(h.t, err)
	return pages
}

func (h *harness) eligible(stage models.Stage) []models.Page {
	h.t.Helper()
	var pages []models.Page
	err := h.store.Session(context.Background(), func(r *store.Repository) error {
		var err error
		pages, err = r.ListEligiblePages(context.Background(), stage)
		return err
	})
	require.NoError(h.t, err)
	return pages
}

func (h *harness) stats() models.ProcessingStats {
	h.t.Helper()
	stats, _, err := h.pipeline.Stats(context.Background())
	require.NoError(h.t, err)
	return stats
}

// pageURI is where the fake splitter puts page n of the file at sourcePath
// holding data.
func pageURI(sourcePath string, data []byte, n int) string {
	return "mem://" + gcp.DerivePagePath(sourcePath, DocumentID(sourcePath, data), n)
}
