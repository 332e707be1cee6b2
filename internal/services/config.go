package services

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
)

// PipelineConfig holds all configuration for the page pipeline.
type PipelineConfig struct {
	// Google Cloud
	ProjectID       string `toml:"project_id" validate:"required"`
	SourceBucket    string `toml:"source_bucket" validate:"required"`
	SourcePrefix    string `toml:"source_prefix"`
	ProcessedBucket string `toml:"processed_bucket" validate:"required"`

	// State store
	DatabasePath string `toml:"database_path" validate:"required"`

	// Models
	VertexAIRegion      string `toml:"vertex_ai_region" validate:"required"`
	ExtractTextModel    string `toml:"extract_text_model" validate:"required"`
	ExtractSummaryModel string `toml:"extract_summary_model" validate:"required"`
	EmbeddingModel      string `toml:"embedding_model" validate:"required"`
	EmbeddingDimension  int    `toml:"embedding_dimension" validate:"min=1,max=3072"`

	// Search index
	FirestoreDatabase   string `toml:"firestore_database"`
	FirestoreCollection string `toml:"firestore_collection" validate:"required"`

	// Processing
	ContextPages      int `toml:"context_pages" validate:"min=0,max=20"`
	StageWorkers      int `toml:"stage_workers" validate:"min=1,max=64"`
	ScanWorkers       int `toml:"scan_workers" validate:"min=1,max=64"`
	UploadConcurrency int `toml:"upload_concurrency" validate:"min=1,max=64"`

	// Run notifications, disabled when WorkflowID is empty
	WorkflowID       string `toml:"workflow_id"`
	WorkflowLocation string `toml:"workflow_location" validate:"required_with=WorkflowID"`

	// Cron spec with seconds. Empty means run once.
	Schedule string `toml:"schedule"`
}

// DefaultPipelineConfig returns the configuration before any file or
// environment overrides are applied.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DatabasePath:        "data/pipeline.db",
		VertexAIRegion:      "us-central1",
		ExtractTextModel:    "gemini-2.0-flash-001",
		ExtractSummaryModel: "gemini-2.0-flash-001",
		EmbeddingModel:      "text-multilingual-embedding-002",
		EmbeddingDimension:  768,
		FirestoreCollection: "page_index",
		ContextPages:        5,
		StageWorkers:        1,
		ScanWorkers:         4,
		UploadConcurrency:   10,
		WorkflowLocation:    "us-central1",
	}
}

// LoadPipelineConfig loads configuration with priority: defaults -> TOML
// file -> environment. An empty path skips the file.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	config := DefaultPipelineConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return PipelineConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &config); err != nil {
			return PipelineConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return PipelineConfig{}, err
	}
	if err := config.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return config, nil
}

func applyEnvOverrides(config *PipelineConfig) error {
	config.ProjectID = gcp.GetEnv("PROJECT_ID", config.ProjectID)
	config.SourceBucket = gcp.GetEnv("SOURCE_BUCKET", config.SourceBucket)
	config.SourcePrefix = gcp.GetEnv("SOURCE_PREFIX", config.SourcePrefix)
	config.ProcessedBucket = gcp.GetEnv("PROCESSED_BUCKET", config.ProcessedBucket)
	config.DatabasePath = gcp.GetEnv("DATABASE_PATH", config.DatabasePath)
	config.VertexAIRegion = gcp.GetEnv("VERTEX_AI_REGION", config.VertexAIRegion)
	config.ExtractTextModel = gcp.GetEnv("EXTRACT_TEXT_MODEL", config.ExtractTextModel)
	config.ExtractSummaryModel = gcp.GetEnv("EXTRACT_SUMMARY_MODEL", config.ExtractSummaryModel)
	config.EmbeddingModel = gcp.GetEnv("EMBEDDING_MODEL", config.EmbeddingModel)
	config.FirestoreDatabase = gcp.GetEnv("FIRESTORE_DATABASE", config.FirestoreDatabase)
	config.FirestoreCollection = gcp.GetEnv("FIRESTORE_COLLECTION", config.FirestoreCollection)
	config.WorkflowID = gcp.GetEnv("WORKFLOW_ID", config.WorkflowID)
	config.WorkflowLocation = gcp.GetEnv("WORKFLOW_LOCATION", config.WorkflowLocation)
	config.Schedule = gcp.GetEnv("SCHEDULE", config.Schedule)

	ints := []struct {
		key string
		dst *int
	}{
		{"EMBEDDING_DIMENSION", &config.EmbeddingDimension},
		{"CONTEXT_PAGES", &config.ContextPages},
		{"STAGE_WORKERS", &config.StageWorkers},
		{"SCAN_WORKERS", &config.ScanWorkers},
		{"UPLOAD_CONCURRENCY", &config.UploadConcurrency},
	}
	for _, v := range ints {
		raw := gcp.GetEnv(v.key, "")
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", v.key, raw)
		}
		*v.dst = n
	}
	return nil
}

// Validate checks the struct tags.
func (c PipelineConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	return nil
}
