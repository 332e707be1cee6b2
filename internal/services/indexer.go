package services

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

// FirestoreIndex stores one Firestore document per page with its vector in
// a Vector32 field, so the collection can serve nearest-neighbour queries.
type FirestoreIndex struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreIndex(client *firestore.Client, collection string) *FirestoreIndex {
	return &FirestoreIndex{client: client, collection: collection}
}

// Upsert overwrites the page document, so repeated delivery is harmless.
func (f *FirestoreIndex) Upsert(ctx context.Context, id string, doc IndexDocument) error {
	if id == "" {
		return fmt.Errorf("index document id cannot be empty")
	}
	if _, err := f.client.Collection(f.collection).Doc(id).Set(ctx, indexFields(doc, time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to upsert index document %s: %w", id, err)
	}
	return nil
}

func indexFields(doc IndexDocument, indexedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"pageId":        doc.PageID,
		"documentId":    doc.DocID,
		"pageNumber":    doc.PageNumber,
		"imagePath":     doc.ImagePath,
		"sourcePdfPath": doc.SourcePDFPath,
		"text":          doc.Text,
		"summary":       doc.Summary,
		"embedding":     firestore.Vector32(doc.Embedding),
		"indexedAt":     indexedAt,
	}
}
