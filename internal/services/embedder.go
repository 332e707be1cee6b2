package services

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	embeddingTaskType = "RETRIEVAL_DOCUMENT"
	embeddingTitle    = "Content of Document"
)

// contentEmbedder is satisfied by the Models service of *genai.Client.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GenAIEmbedder produces retrieval embeddings for page text.
type GenAIEmbedder struct {
	models    contentEmbedder
	model     string
	dimension int
}

func NewGenAIEmbedder(models contentEmbedder, model string, dimension int) *GenAIEmbedder {
	return &GenAIEmbedder{models: models, model: model, dimension: dimension}
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	outputDim := int32(e.dimension)
	embeddingConfig := &genai.EmbedContentConfig{
		TaskType:             embeddingTaskType,
		Title:                embeddingTitle,
		OutputDimensionality: &outputDim,
	}

	result, err := e.models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, embeddingConfig)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}

	var embedding []float32
	if result != nil && len(result.Embeddings) > 0 && result.Embeddings[0] != nil {
		embedding = result.Embeddings[0].Values
	}
	if embedding == nil {
		return nil, fmt.Errorf("no embedding returned from API")
	}
	if len(embedding) != e.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", e.dimension, len(embedding))
	}
	return embedding, nil
}

// embeddingInput is the text embedded for a page: its summary, a blank
// line, then the extracted text.
func embeddingInput(summary, text string) string {
	return summary + "\n\n" + text
}
