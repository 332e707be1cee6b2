package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
)

// contentGenerator is satisfied by *genai.GenerativeModel.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexExtractor transcribes one page artifact into Markdown with Gemini.
type VertexExtractor struct {
	model contentGenerator
}

func NewVertexExtractor(model contentGenerator) *VertexExtractor {
	return &VertexExtractor{model: model}
}

func (e *VertexExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	resp, err := e.model.GenerateContent(ctx, pageFilePart(imagePath), genai.Text(gcp.ExtractUserPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	text := responseText(resp, imagePath)
	if err := checkRefusal(text); err != nil {
		return "", err
	}
	if text == "" {
		slog.Warn("No text extracted from response. Treating as empty page.", "imagePath", imagePath)
	}
	return text, nil
}

func pageFilePart(uri string) genai.FileData {
	return genai.FileData{
		MIMEType: "application/pdf",
		FileURI:  uri,
	}
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// checkRefusal fails a response that reads like the model declined the task.
func checkRefusal(text string) error {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("gemini response indicates refusal: %q", phrase)
		}
	}
	return nil
}

// responseText concatenates the text parts of the first candidate and strips
// a surrounding code fence.
func responseText(resp *genai.GenerateContentResponse, imagePath string) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	var textPartsFound int
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
			textPartsFound++
		}
	}
	if textPartsFound > 1 {
		slog.Warn("Gemini response contained several text parts; they have been concatenated.",
			"imagePath", imagePath, "parts", textPartsFound)
	}

	contentStr := strings.TrimSpace(content.String())
	contentStr = strings.TrimPrefix(contentStr, "```markdown")
	contentStr = strings.TrimPrefix(contentStr, "```")
	contentStr = strings.TrimSuffix(contentStr, "```")
	return strings.TrimSpace(contentStr)
}
