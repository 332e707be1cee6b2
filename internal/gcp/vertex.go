package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Extraction Model Prompts ---
const ExtractSystemPrompt = "You are an OCR engine that transcribes a single document page into clean Markdown. Accuracy and completeness of the transcribed text matter more than anything else."
const ExtractUserPrompt = `You will be provided with one page of a PDF document.

Transcribe the page into Markdown following these rules:

Text: Reproduce all visible text, keeping headings, paragraphs, lists and inline emphasis.
Figures: Wrap every image, chart or diagram in <image>...</image>. Put its caption, legend or a one-line description inside the tags. Use <image></image> when the figure carries no text.
Tables: Wrap every table in <table>...</table> and write it as a Markdown table inside. Expand merged cells into extra rows or columns so no value is lost. Keep a caption inside the block if the page has one.
Math: Write formulas in LaTeX, $...$ inline and $$...$$ for display equations.
Noise: Drop leader dots, alignment underscores and runs of blank lines. Keep every number, word and symbol that carries meaning.

Return only the Markdown. Do not add commentary and do not wrap the output in code fences. If the page has no text at all, return an empty response.`

// --- Summary Model Prompts ---
const SummarySystemPrompt = "You are a technical document analyst. You write short, factual summaries of single pages so they can be found later by semantic search."
const SummaryContextPrompt = "The following pages are the opening pages of the same document. Use them only to understand what the document is about:"
const SummaryTargetPrompt = "This is the page to summarize:"
const SummaryUserPrompt = `Summarize the target page in three to five sentences.

Name the document it belongs to if the opening pages make that clear. State what the page covers, including any section title, key figures, tables or requirements. Do not describe the opening pages themselves and do not speculate beyond what is printed.

Return plain text only.`

// VertexClient holds the pre-configured generative models for page processing.
type VertexClient struct {
	ExtractModel *genai.GenerativeModel
	SummaryModel *genai.GenerativeModel
	baseClient   *genai.Client
}

var permissiveSafety = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
}

// NewVertexClient creates a client holding the extraction and summary models.
func NewVertexClient(ctx context.Context, projectID, region, extractModel, summaryModel string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extract := baseClient.GenerativeModel(extractModel)
	extract.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractSystemPrompt)},
	}
	extract.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0),
		TopP:            genai.Ptr[float32](0.95),
		MaxOutputTokens: genai.Ptr[int32](8192),
	}
	extract.SafetySettings = permissiveSafety

	summary := baseClient.GenerativeModel(summaryModel)
	summary.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarySystemPrompt)},
	}
	summary.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2),
		TopP:            genai.Ptr[float32](0.9),
		MaxOutputTokens: genai.Ptr[int32](512),
	}
	summary.SafetySettings = permissiveSafety

	return &VertexClient{
		ExtractModel: extract,
		SummaryModel: summary,
		baseClient:   baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
