package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
)

// VertexSummarizer summarizes one page, giving the model the opening pages
// of the same document as context.
type VertexSummarizer struct {
	model contentGenerator
}

func NewVertexSummarizer(model contentGenerator) *VertexSummarizer {
	return &VertexSummarizer{model: model}
}

func (s *VertexSummarizer) Summarize(ctx context.Context, imagePath string, contextPaths []string) (string, error) {
	parts := make([]genai.Part, 0, len(contextPaths)+4)
	if len(contextPaths) > 0 {
		parts = append(parts, genai.Text(gcp.SummaryContextPrompt))
		for _, p := range contextPaths {
			parts = append(parts, pageFilePart(p))
		}
	}
	parts = append(parts,
		genai.Text(gcp.SummaryTargetPrompt),
		pageFilePart(imagePath),
		genai.Text(gcp.SummaryUserPrompt),
	)

	resp, err := s.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary from gemini: %w", err)
	}

	summary := responseText(resp, imagePath)
	if err := checkRefusal(summary); err != nil {
		return "", err
	}
	if summary == "" {
		slog.Warn("Gemini returned an empty summary.", "imagePath", imagePath)
	}
	return summary, nil
}
