package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/services"
)

var (
	pipeline *services.Pipeline
	config   services.PipelineConfig
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("SyncOnObjectChange", syncOnObjectChange)
}

// main is required by the Go Functions Framework.
func main() {}

// syncOnObjectChange runs the pipeline when a PDF under the source prefix is
// finalized or deleted. The run reconciles the whole bucket, not only the
// object in the event.
func syncOnObjectChange(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		config, initErr = services.LoadPipelineConfig(gcp.GetEnv("CONFIG_PATH", ""))
		if initErr != nil {
			return
		}
		pipeline, initErr = services.NewPipeline(context.Background(), config)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	logCtx := slog.With("eventId", e.ID(), "eventType", e.Type(), "bucket", gcsEvent.Bucket, "object", gcsEvent.Name)
	if !relevant(gcsEvent) {
		logCtx.Info("Object is not a source PDF. Ignoring event.")
		return nil
	}

	summary, err := pipeline.Run(ctx)
	if errors.Is(err, services.ErrRunInProgress) {
		logCtx.Info("A pipeline run is already active; it will pick up this change.")
		return nil
	}
	if err != nil {
		logCtx.Error("Pipeline run failed.", "runId", summary.RunID, "error", err)
		return err
	}
	logCtx.Info("Pipeline run triggered by object change completed.", "runId", summary.RunID,
		"completedPages", summary.Stats.CompletedPages, "remainingPages", summary.Stats.RemainingPages)
	return nil
}

func relevant(event models.GCSEvent) bool {
	return event.Bucket == config.SourceBucket &&
		strings.HasPrefix(event.Name, config.SourcePrefix) &&
		gcp.IsPDF(event.Name)
}
