// Package scheduler periodically sweeps for high-scoring articles without a
// completed or live execution and triggers them automatically.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/detecteam/sigmaflow/pkg/config"
	"github.com/detecteam/sigmaflow/pkg/store"
	"github.com/detecteam/sigmaflow/pkg/workflow"
)

// Scheduler runs the auto-trigger sweep on a cron schedule.
type Scheduler struct {
	cfg    config.SchedulerConfig
	store  *store.Store
	engine *workflow.Engine
	cron   *cron.Cron
}

// New creates the scheduler. Call Start to begin sweeping.
func New(cfg config.SchedulerConfig, st *store.Store, engine *workflow.Engine) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, engine: engine}
}

// Start registers the sweep job and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("Auto-trigger scheduler disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.sweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Auto-trigger scheduler started",
		"schedule", s.cfg.Cron, "candidate_limit", s.cfg.CandidateLimit)
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("Auto-trigger scheduler stopped")
}

// sweep triggers executions for eligible articles. Eligibility is decided by
// the candidate query; a trigger that loses to a concurrent one is not an
// error, just an occupied article.
func (s *Scheduler) sweep(ctx context.Context) {
	cfg := s.engine.Config()
	candidates, err := s.store.ListAutoTriggerCandidates(ctx,
		cfg.Thresholds.AutoTrigger, cfg.Version, s.cfg.CandidateLimit)
	if err != nil {
		slog.Error("Auto-trigger sweep failed", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	slog.Info("Auto-trigger sweep found candidates", "count", len(candidates))

	var triggered int
	for _, article := range candidates {
		if ctx.Err() != nil {
			return
		}
		result, err := s.engine.Trigger(ctx, article.ID, workflow.OriginScheduler)
		if err != nil {
			slog.Error("Auto-trigger failed", "article_id", article.ID, "error", err)
			continue
		}
		if result.Accepted {
			triggered++
		}
	}
	slog.Info("Auto-trigger sweep finished",
		"candidates", len(candidates), "triggered", triggered)
}
