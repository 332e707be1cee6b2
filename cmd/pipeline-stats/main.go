package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/pagepipeline/internal/gcp"
	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/services"
	"github.com/Lllllllleong/pagepipeline/internal/store"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleProcessingStats", handleProcessingStats)
}

// main is required by the Go Functions Framework.
func main() {}

// newStatsPipeline opens only the state store; stats never touch the cloud
// clients.
func newStatsPipeline(ctx context.Context) (*services.Pipeline, error) {
	config, err := services.LoadPipelineConfig(gcp.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, config.DatabasePath)
	if err != nil {
		return nil, err
	}
	return services.NewPipelineFromDeps(config, services.Dependencies{Store: st}), nil
}

func handleProcessingStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	once.Do(func() {
		pipeline, initErr = newStatsPipeline(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: stats initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	stats, latest, err := pipeline.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to compute processing stats", "error", err)
		http.Error(w, "Internal Server Error: could not read stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.StatsResponse{Stats: stats, LatestRun: latest}); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
