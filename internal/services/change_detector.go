package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

// Listing is the fingerprinted view of the source bucket for one run.
// Skipped paths exist but could not be read; they are neither new nor deleted.
type Listing struct {
	Files   map[string]models.FileInfo
	Skipped []string
}

// ChangeDetector lists and fingerprints the source files.
type ChangeDetector struct {
	blobs   BlobStore
	prefix  string
	workers int
}

func NewChangeDetector(blobs BlobStore, prefix string, workers int) *ChangeDetector {
	if workers < 1 {
		workers = 1
	}
	return &ChangeDetector{blobs: blobs, prefix: prefix, workers: workers}
}

// Scan lists every PDF under the prefix and fingerprints it. A listing
// failure is returned; a per-file fetch failure only skips that file.
func (d *ChangeDetector) Scan(ctx context.Context) (Listing, error) {
	paths, err := d.blobs.List(ctx, d.prefix)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to list source files: %w", err)
	}

	infos := make([]*models.FileInfo, len(paths))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.workers)
	for i, path := range paths {
		eg.Go(func() error {
			data, err := d.blobs.Fetch(gctx, path)
			if err != nil {
				slog.Warn("Could not fetch source file. Skipping for this run.", "path", path, "error", err)
				return nil
			}
			infos[i] = &models.FileInfo{
				Path:        path,
				DocID:       DocumentID(path, data),
				ContentHash: ContentHash(data),
				Size:        int64(len(data)),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Listing{}, err
	}
	if err := ctx.Err(); err != nil {
		return Listing{}, err
	}

	listing := Listing{Files: make(map[string]models.FileInfo, len(paths))}
	for i, info := range infos {
		if info == nil {
			listing.Skipped = append(listing.Skipped, paths[i])
			continue
		}
		listing.Files[info.Path] = *info
	}
	sort.Strings(listing.Skipped)
	slog.Info("Scanned source files.", "listed", len(paths), "fingerprinted", len(listing.Files), "skipped", len(listing.Skipped))
	return listing, nil
}

// DetectChanges partitions the listing against the persisted documents.
// It is pure: the same inputs always give the same ChangeSet. Every lookup
// goes through a map keyed by path, doc id or content hash.
func DetectChanges(listing Listing, persisted []models.Document) models.ChangeSet {
	var cs models.ChangeSet
	cs.Skipped = append(cs.Skipped, listing.Skipped...)

	docs := make([]models.Document, len(persisted))
	copy(docs, persisted)
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	var (
		byID           = make(map[string]models.Document, len(docs))
		activeByPath   = make(map[string]models.Document)
		activeByHash   = make(map[string]models.Document)
		inactiveByHash = make(map[string]models.Document)
	)
	for _, doc := range docs {
		byID[doc.DocID] = doc
		if doc.Status != models.StatusActive {
			if _, ok := inactiveByHash[doc.ContentHash]; !ok {
				inactiveByHash[doc.ContentHash] = doc
			}
			continue
		}
		// Docs are sorted, so the first one seen wins every tie.
		if prev, ok := activeByHash[doc.ContentHash]; ok {
			slog.Warn("Multiple ACTIVE documents share a content hash. Keeping the lowest doc id.",
				"contentHash", doc.ContentHash, "kept", prev.DocID, "ignored", doc.DocID)
		} else {
			activeByHash[doc.ContentHash] = doc
		}
		if prev, ok := activeByPath[doc.SourcePath]; ok {
			slog.Warn("Multiple ACTIVE documents share a source path. Keeping the lowest doc id.",
				"path", doc.SourcePath, "kept", prev.DocID, "ignored", doc.DocID)
		} else {
			activeByPath[doc.SourcePath] = doc
		}
	}

	paths := make([]string, 0, len(listing.Files))
	for path := range listing.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	// held marks active docs whose path is still present, and claimed marks
	// content hashes already owned by an ACTIVE document after this pass.
	held := make(map[string]bool)
	claimed := make(map[string]bool)

	for _, path := range listing.Skipped {
		if doc, ok := activeByPath[path]; ok {
			held[doc.DocID] = true
			claimed[doc.ContentHash] = true
		}
	}

	var candidates []models.FileInfo
	for _, path := range paths {
		file := listing.Files[path]
		doc, ok := activeByPath[path]
		if !ok {
			candidates = append(candidates, file)
			continue
		}
		if doc.DocID != file.DocID {
			slog.Warn("Source file content changed in place. Keeping the existing document.",
				"path", path, "docId", doc.DocID, "liveDocId", file.DocID)
		}
		held[doc.DocID] = true
		claimed[doc.ContentHash] = true
		cs.Unchanged = append(cs.Unchanged, file)
	}

	movedFrom := make(map[string]bool)
	for _, file := range candidates {
		if claimed[file.ContentHash] {
			slog.Warn("Source file duplicates content already tracked. Skipping.",
				"path", file.Path, "contentHash", file.ContentHash)
			cs.Duplicates = append(cs.Duplicates, file)
			continue
		}

		if old, ok := activeByHash[file.ContentHash]; ok && !held[old.DocID] && !movedFrom[old.DocID] {
			cs.Moved = append(cs.Moved, moveOf(old, file))
			movedFrom[old.DocID] = true
			claimed[file.ContentHash] = true
			continue
		}

		if _, ok := byID[file.DocID]; ok {
			cs.Restored = append(cs.Restored, file)
			claimed[file.ContentHash] = true
			continue
		}

		if old, ok := inactiveByHash[file.ContentHash]; ok {
			cs.Moved = append(cs.Moved, moveOf(old, file))
			claimed[file.ContentHash] = true
			continue
		}

		cs.New = append(cs.New, file)
		claimed[file.ContentHash] = true
	}

	for _, doc := range docs {
		if doc.Status != models.StatusActive || held[doc.DocID] || movedFrom[doc.DocID] {
			continue
		}
		cs.Deleted = append(cs.Deleted, doc)
	}
	return cs
}

func moveOf(old models.Document, file models.FileInfo) models.Move {
	return models.Move{
		OldPath:     old.SourcePath,
		NewPath:     file.Path,
		ContentHash: file.ContentHash,
		OldDocID:    old.DocID,
		NewDocID:    file.DocID,
		Size:        file.Size,
	}
}
