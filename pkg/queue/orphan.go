package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/detecteam/sigmaflow/pkg/metrics"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/store"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned executions.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
			if err := p.requeueStaleQueued(ctx); err != nil {
				slog.Error("Stale queued sweep failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running executions with stale heartbeats and
// fails them. The conditional update inside MarkOrphaned re-checks the
// heartbeat, so an execution that resumed between read and write survives.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	orphans, err := p.store.ListOrphanedExecutions(ctx, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to query orphaned executions: %w", err)
	}

	recovered := 0
	if len(orphans) > 0 {
		slog.Warn("Detected orphaned executions", "count", len(orphans))

		for _, execution := range orphans {
			ok, err := p.store.MarkOrphaned(ctx, execution.ID, p.config.OrphanThreshold)
			if err != nil {
				slog.Error("Failed to recover orphaned execution",
					"execution_id", execution.ID, "error", err)
				continue
			}
			if ok {
				slog.Warn("Orphaned execution marked as failed",
					"execution_id", execution.ID, "old_pod_id", execution.PodID)
				recovered++
			}
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	metrics.OrphansRecovered.Add(float64(recovered))
	return nil
}

// requeueStaleQueued re-enqueues executions stuck in queued past the orphan
// threshold. BRPOP delivery is at-most-once: a consumer crash between dequeue
// and claim loses the message while the row stays queued, and the one-active
// index then blocks new triggers for the article until the row moves.
func (p *WorkerPool) requeueStaleQueued(ctx context.Context) error {
	stale, err := p.store.ListStaleQueuedExecutions(ctx, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to query stale queued executions: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	slog.Warn("Re-enqueueing stale queued executions", "count", len(stale))
	requeueExecutions(ctx, p.broker, stale)
	return nil
}

// requeueExecutions pushes fresh queue messages for executions whose original
// delivery is presumed lost. Duplicates are harmless: the queued→running claim
// in the database drops redundant deliveries.
func requeueExecutions(ctx context.Context, broker *Broker, executions []models.Execution) int {
	requeued := 0
	for _, e := range executions {
		msg := models.QueueMessage{
			ExecutionID:   e.ID,
			ArticleID:     e.ArticleID,
			ConfigVersion: e.ConfigVersion,
			EnqueuedAt:    time.Now().UTC(),
		}
		if err := broker.Enqueue(ctx, msg); err != nil {
			slog.Error("Failed to re-enqueue stale queued execution",
				"execution_id", e.ID, "error", err)
			continue
		}
		requeued++
	}
	return requeued
}

// CleanupStartupOrphans performs a one-time cleanup of executions owned by
// this pod that were running when the pod previously crashed.
// Called once during startup, before the worker pool begins processing.
func CleanupStartupOrphans(ctx context.Context, st *store.Store, podID string) error {
	n, err := st.FailExecutionsOwnedBy(ctx, podID)
	if err != nil {
		return fmt.Errorf("failed to clean up startup orphans: %w", err)
	}
	if n > 0 {
		slog.Warn("Recovered startup orphans from previous run",
			"pod_id", podID, "count", n)
	}
	return nil
}
