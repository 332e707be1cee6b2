package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

type flakyBlobStore struct {
	*fakeBlobStore

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyBlobStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return "", errors.New("503 backend error")
	}
	return f.fakeBlobStore.Put(ctx, path, data)
}

func fastSplitter(blobs BlobStore) *PDFSplitter {
	return NewPDFSplitter(blobs, PDFSplitterConfig{
		UploadConcurrency: 2,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		UploadTimeout:     time.Second,
	})
}

func TestNewPDFSplitterDefaults(t *testing.T) {
	s := NewPDFSplitter(newFakeBlobStore(), PDFSplitterConfig{})

	assert.Equal(t, PDFSplitterConfig{
		UploadConcurrency: 10,
		MaxRetries:        4,
		InitialBackoff:    time.Second,
		UploadTimeout:     50 * time.Second,
	}, s.config)
}

func TestSplitRejectsInvalidPDF(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.add("docs/not-a-pdf.pdf", []byte("just some text"))

	_, err := fastSplitter(blobs).Split(context.Background(),
		models.Document{DocID: "d1", SourcePath: "docs/not-a-pdf.pdf"})

	assert.ErrorContains(t, err, "failed to validate/optimize PDF")
	assert.Empty(t, blobs.puts)
}

func TestSplitFailsWhenSourceIsMissing(t *testing.T) {
	_, err := fastSplitter(newFakeBlobStore()).Split(context.Background(),
		models.Document{DocID: "d1", SourcePath: "docs/missing.pdf"})

	assert.ErrorContains(t, err, "failed to download source PDF")
}

func TestUploadFileRetriesTransientFailures(t *testing.T) {
	local := filepath.Join(t.TempDir(), "page_1.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF page"), 0o600))
	blobs := &flakyBlobStore{fakeBlobStore: newFakeBlobStore(), failures: 2}

	uri, err := fastSplitter(blobs).uploadFile(context.Background(), local, "docs/a/a-page-00001.pdf")

	require.NoError(t, err)
	assert.Equal(t, "mem://docs/a/a-page-00001.pdf", uri)
	assert.Equal(t, 3, blobs.attempts)
	assert.Equal(t, []byte("%PDF page"), blobs.puts["docs/a/a-page-00001.pdf"])
}

func TestUploadFileGivesUpAfterMaxRetries(t *testing.T) {
	local := filepath.Join(t.TempDir(), "page_1.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF page"), 0o600))
	blobs := &flakyBlobStore{fakeBlobStore: newFakeBlobStore(), failures: 10}

	_, err := fastSplitter(blobs).uploadFile(context.Background(), local, "docs/a/a-page-00001.pdf")

	assert.ErrorContains(t, err, "failed after all retries")
	assert.ErrorContains(t, err, "503 backend error")
	assert.Equal(t, 3, blobs.attempts)
}

func TestUploadFileStopsOnCancellation(t *testing.T) {
	local := filepath.Join(t.TempDir(), "page_1.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF page"), 0o600))
	blobs := &flakyBlobStore{fakeBlobStore: newFakeBlobStore(), failures: 10}
	s := NewPDFSplitter(blobs, PDFSplitterConfig{MaxRetries: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.uploadFile(ctx, local, "docs/a/a-page-00001.pdf")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, blobs.attempts)
}

func TestUploadSplitPagesOrdersArtifacts(t *testing.T) {
	dir := t.TempDir()
	optimized := filepath.Join(dir, "optimized.pdf")
	for _, name := range []string{"optimized_1.pdf", "optimized_2.pdf", "optimized_3.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	blobs := newFakeBlobStore()
	s := fastSplitter(blobs)

	doc := models.Document{DocID: "d1", SourcePath: "docs/m.pdf"}

	artifacts, err := s.uploadSplitPages(context.Background(), slog.Default(), doc, optimized, 3)

	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	for i, a := range artifacts {
		assert.Equal(t, i+1, a.PageNumber)
		assert.Equal(t, fmt.Sprintf("mem://docs/m/d1/m-page-%05d.pdf", i+1), a.ImagePath)
	}
	assert.Equal(t, []byte("optimized_2.pdf"), blobs.puts["docs/m/d1/m-page-00002.pdf"])
}

// writeTestPDF builds an uncompressed PDF with pageCount blank pages.
func writeTestPDF(pageCount int) []byte {
	var buf bytes.Buffer
	var offsets []int
	object := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	object("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pageCount)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount))
	for i := 0; i < pageCount; i++ {
		object("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestOptimizeAndSplitWritesOneFilePerPage(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.pdf")
	require.NoError(t, os.WriteFile(source, writeTestPDF(3), 0o600))
	optimized := filepath.Join(dir, "optimized.pdf")

	pageCount, err := optimizeAndSplit(source, optimized)

	require.NoError(t, err)
	assert.Equal(t, 3, pageCount)
	for i := 1; i <= 3; i++ {
		assert.FileExists(t, filepath.Join(dir, fmt.Sprintf("optimized_%d.pdf", i)))
	}
}

func TestSplitUploadsEveryPageOfRealPDF(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.add("manuals/pump.pdf", writeTestPDF(2))
	doc := models.Document{DocID: "d7", SourcePath: "manuals/pump.pdf"}

	artifacts, err := fastSplitter(blobs).Split(context.Background(), doc)

	require.NoError(t, err)
	assert.Equal(t, []PageArtifact{
		{PageNumber: 1, ImagePath: "mem://manuals/pump/d7/pump-page-00001.pdf"},
		{PageNumber: 2, ImagePath: "mem://manuals/pump/d7/pump-page-00002.pdf"},
	}, artifacts)
	require.Len(t, blobs.puts, 2)
	for _, data := range blobs.puts {
		assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
	}
}
