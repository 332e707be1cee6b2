package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

// DefaultSchedule runs the pipeline every 15 minutes.
const DefaultSchedule = "0 */15 * * * *"

type pipelineRunner interface {
	Run(ctx context.Context) (models.RunSummary, error)
}

// Scheduler polls the source bucket by running the pipeline on a cron
// schedule. A tick that fires while a run is active is skipped.
type Scheduler struct {
	pipeline pipelineRunner
	cron     *cron.Cron
	timeout  time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(pipeline pipelineRunner, runTimeout time.Duration) *Scheduler {
	if runTimeout <= 0 {
		runTimeout = time.Hour
	}
	return &Scheduler{
		pipeline: pipeline,
		cron:     cron.New(cron.WithSeconds()),
		timeout:  runTimeout,
	}
}

// Start registers the schedule and starts the cron loop. Runs inherit ctx,
// so cancelling it interrupts an active run.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	slog.Info("Pipeline scheduler started.", "schedule", schedule)
	return nil
}

// Stop halts the cron loop, cancels any active run and waits for it.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-stopCtx.Done()
	s.wg.Wait()
	slog.Info("Pipeline scheduler stopped.")
}

// RunNow triggers an immediate run in the background.
func (s *Scheduler) RunNow() {
	slog.Info("Triggering immediate pipeline run.")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce()
	}()
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	summary, err := s.pipeline.Run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		slog.Warn("Previous pipeline run still active. Skipping this tick.")
		return
	}
	if err != nil {
		slog.Error("Scheduled pipeline run failed.", "runId", summary.RunID, "error", err)
		return
	}
	slog.Info("Scheduled pipeline run completed.",
		"runId", summary.RunID,
		"completedPages", summary.Stats.CompletedPages,
		"remainingPages", summary.Stats.RemainingPages,
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String())
}
