package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// URI renders a gs:// URI for an object.
func URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not an error: page artifact names carry the document ID,
// which is derived from the content, so an existing object holds the same bytes.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/pdf"

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// GCSBlobStore reads source PDFs from one bucket and writes page artifacts
// to another.
type GCSBlobStore struct {
	client          *storage.Client
	sourceBucket    string
	processedBucket string
}

func NewGCSBlobStore(client *storage.Client, sourceBucket, processedBucket string) *GCSBlobStore {
	return &GCSBlobStore{client: client, sourceBucket: sourceBucket, processedBucket: processedBucket}
}

// List returns the sorted names of every .pdf object under prefix.
func (g *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.sourceBucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in gs://%s/%s: %w", g.sourceBucket, prefix, err)
		}
		if IsPDF(attrs.Name) {
			names = append(names, attrs.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Fetch downloads a source object.
func (g *GCSBlobStore) Fetch(ctx context.Context, object string) ([]byte, error) {
	reader, err := g.client.Bucket(g.sourceBucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", URI(g.sourceBucket, object), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", URI(g.sourceBucket, object), err)
	}
	return data, nil
}

// Put writes a page artifact to the processed bucket and returns its URI.
func (g *GCSBlobStore) Put(ctx context.Context, object string, data []byte) (string, error) {
	if err := SaveToGCSAtomically(ctx, g.client.Bucket(g.processedBucket), object, data); err != nil {
		return "", err
	}
	return URI(g.processedBucket, object), nil
}

// DerivePagePath maps a source object, its document ID and a page number to
// the artifact name "<dir>/<base>/<docID>/<base>-page-00001.pdf".
func (g *GCSBlobStore) DerivePagePath(sourcePath, docID string, pageNumber int) string {
	return DerivePagePath(sourcePath, docID, pageNumber)
}

func DerivePagePath(sourcePath, docID string, pageNumber int) string {
	dir := path.Dir(sourcePath)
	base := strings.TrimSuffix(path.Base(sourcePath), path.Ext(sourcePath))
	name := fmt.Sprintf("%s-page-%05d.pdf", base, pageNumber)
	if dir == "." || dir == "/" {
		return path.Join(base, docID, name)
	}
	return path.Join(dir, base, docID, name)
}

// IsPDF reports whether an object name has a .pdf extension, in any case.
func IsPDF(name string) bool {
	return strings.EqualFold(path.Ext(name), ".pdf")
}
