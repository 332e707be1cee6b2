package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Lllllllleong/pagepipeline/internal/models"
	"github.com/Lllllllleong/pagepipeline/internal/services"
	"github.com/Lllllllleong/pagepipeline/internal/store"
)

const usage = `page-pipeline: keep a page index in sync with a bucket of PDFs

Usage:
  page-pipeline [-config pipeline.toml] [-schedule "0 */15 * * * *"] [-timeout 1h]
  page-pipeline -stats [-config pipeline.toml]

Without -schedule the pipeline runs once and prints the run summary.
With -schedule it runs immediately and then on every cron tick until interrupted.
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	flags := flag.NewFlagSet("page-pipeline", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	configPath := flags.String("config", os.Getenv("CONFIG_PATH"), "TOML config file")
	schedule := flags.String("schedule", "", "cron spec with seconds; overrides the config schedule")
	timeout := flags.Duration("timeout", time.Hour, "maximum duration of one run")
	statsOnly := flags.Bool("stats", false, "print processing stats and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := services.LoadPipelineConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *schedule != "" {
		config.Schedule = *schedule
	}

	if *statsOnly {
		err = runStats(ctx, config)
	} else {
		err = runPipeline(ctx, config, *timeout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runPipeline(ctx context.Context, config services.PipelineConfig, timeout time.Duration) error {
	pipeline, err := services.NewPipeline(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			slog.Error("Failed to close pipeline clients.", "error", err)
		}
	}()

	if config.Schedule == "" {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		summary, err := pipeline.Run(runCtx)
		printSummary(summary)
		return err
	}

	scheduler := services.NewScheduler(pipeline, timeout)
	if err := scheduler.Start(ctx, config.Schedule); err != nil {
		return err
	}
	scheduler.RunNow()
	<-ctx.Done()
	slog.Info("Shutdown signal received.")
	scheduler.Stop()
	return nil
}

// runStats reads the state store only, so it needs no cloud credentials.
func runStats(ctx context.Context, config services.PipelineConfig) error {
	st, err := store.Open(ctx, config.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, latest, err := services.NewPipelineFromDeps(config, services.Dependencies{Store: st}).Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(models.StatsResponse{Stats: stats, LatestRun: latest})
}

func printSummary(summary models.RunSummary) {
	if summary.RunID == "" {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	c := summary.Changes
	fmt.Fprintf(w, "run\t%s\n", summary.RunID)
	fmt.Fprintf(w, "duration\t%s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "changes\tnew=%d moved=%d deleted=%d unchanged=%d restored=%d duplicates=%d skipped=%d\n",
		c.New, c.Moved, c.Deleted, c.Unchanged, c.Restored, c.Duplicates, c.Skipped)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STAGE\tATTEMPTED\tSUCCEEDED\tFAILED\tSKIPPED")
	for _, s := range summary.Stages {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Stage, s.Attempted, s.Succeeded, s.Failed, s.Skipped)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "pages\t%d/%d complete (%.1f%%), %d remaining\n",
		summary.Stats.CompletedPages, summary.Stats.TotalActivePages,
		summary.Stats.CompletionRate, summary.Stats.RemainingPages)
}
