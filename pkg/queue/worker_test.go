package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/detecteam/sigmaflow/pkg/config"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             5,
		MaxConcurrentExecutions: 5,
		DequeueTimeout:          1 * time.Second,
		ExecutionTimeout:        15 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
	}
}

func TestWorkerHealth(t *testing.T) {
	cfg := testQueueConfig()
	w := NewWorker("worker-1", "pod-1", nil, nil, cfg, nil, nil)

	h := w.Health()
	assert.Equal(t, "worker-1", h.ID)
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentExecutionID)
	assert.Equal(t, 0, h.ExecutionsProcessed)

	w.setStatus(WorkerStatusWorking, "exec-abc")
	h = w.Health()
	assert.Equal(t, "working", h.Status)
	assert.Equal(t, "exec-abc", h.CurrentExecutionID)

	w.setStatus(WorkerStatusIdle, "")
	h = w.Health()
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentExecutionID)
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	w := NewWorker("worker-1", "pod-1", nil, nil, testQueueConfig(), nil, nil)
	// Stop before Start: must not panic or block.
	w.Stop()
	w.Stop()
}

func TestWriteTerminalStatusRejectsNonTerminal(t *testing.T) {
	w := NewWorker("worker-1", "pod-1", nil, nil, testQueueConfig(), nil, nil)
	err := w.writeTerminalStatus(context.Background(), "exec-1", &ExecutionResult{Status: "running"})
	assert.Error(t, err)
}
