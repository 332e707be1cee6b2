package gcp

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// NewEmbeddingClient creates a genai client on the Vertex AI backend using
// application default credentials.
func NewEmbeddingClient(ctx context.Context, projectID, location string) (*genai.Client, error) {
	if projectID == "" || location == "" {
		return nil, fmt.Errorf("NewEmbeddingClient: projectID and location cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	return client, nil
}
