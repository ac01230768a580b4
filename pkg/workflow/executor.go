package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/detecteam/sigmaflow/pkg/corpus"
	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/metrics"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/queue"
	"github.com/detecteam/sigmaflow/pkg/store"
	"github.com/detecteam/sigmaflow/pkg/workflow/stages"
)

// Engine-level retry budget for transient stage errors. Validation feedback
// loops live inside the stages and do not consume these attempts.
const (
	maxStageAttempts = 3
	retryBackoffBase = 2 * time.Second
)

// Executor drives one claimed execution through the stage DAG. It implements
// queue.WorkflowExecutor and writes stage results and aggregates
// progressively; the worker owns the terminal status transition.
type Executor struct {
	store    *store.Store
	deps     *stages.Deps
	pipeline []stages.Stage
}

// NewExecutor creates the stage executor.
func NewExecutor(st *store.Store, gateway *llm.Gateway, idx *corpus.Index) *Executor {
	return &Executor{
		store:    st,
		deps:     &stages.Deps{Gateway: gateway, Corpus: idx},
		pipeline: stages.Pipeline(),
	}
}

// Execute implements queue.WorkflowExecutor.
func (e *Executor) Execute(ctx context.Context, execution *models.Execution) *queue.ExecutionResult {
	log := slog.With("execution_id", execution.ID, "article_id", execution.ArticleID)

	var cfg models.WorkflowConfig
	if err := json.Unmarshal([]byte(execution.ConfigSnapshot), &cfg); err != nil {
		return failed(models.StageName(""), models.ErrKindConfigError, 0,
			fmt.Sprintf("config snapshot does not decode: %v", err))
	}

	article, err := e.store.GetArticle(ctx, execution.ArticleID)
	if err != nil {
		return failed(models.StageName(""), models.ErrKindUnexpected, 0,
			fmt.Sprintf("article load failed: %v", err))
	}

	st := &stages.State{
		ExecutionID: execution.ID,
		Article:     article,
		Config:      &cfg,
	}

	for _, stage := range e.pipeline {
		if result := e.checkInterrupted(ctx, execution.ID); result != nil {
			return result
		}

		outcome, result := e.runStage(ctx, log, stage, st)
		if result != nil {
			return result
		}

		e.writeAggregates(ctx, log, stage.Name(), st)

		if outcome.TerminationReason != "" {
			log.Info("Execution terminated early",
				"stage", stage.Name(), "reason", outcome.TerminationReason)
			return &queue.ExecutionResult{
				Status: models.StatusTerminatedEarly,
				Reason: outcome.TerminationReason,
			}
		}
	}

	return &queue.ExecutionResult{Status: models.StatusCompleted}
}

// checkInterrupted observes the deadline, caller cancellation, and the
// cooperative cancel_requested flag between stages.
func (e *Executor) checkInterrupted(ctx context.Context, executionID string) *queue.ExecutionResult {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return deadlineResult()
	case errors.Is(ctx.Err(), context.Canceled):
		return cancelledResult()
	}

	flagged, err := e.store.CancelRequested(ctx, executionID)
	if err != nil {
		// Cancellation checks are best-effort; the flag is re-read before the
		// next stage.
		slog.Warn("Cancel flag read failed", "execution_id", executionID, "error", err)
		return nil
	}
	if flagged {
		return cancelledResult()
	}
	return nil
}

// runStage executes one stage with the transient retry policy, recording one
// StageResult row per attempt. Stages with internal feedback loops append
// intermediate rows through State.Record, so attempt numbers are assigned at
// write time; the engine retry budget is counted separately.
// A non-nil ExecutionResult ends the execution.
func (e *Executor) runStage(ctx context.Context, log *slog.Logger, stage stages.Stage, st *stages.State) (*stages.Outcome, *queue.ExecutionResult) {
	name := stage.Name()
	fingerprint := e.inputFingerprint(name, st)

	for engineAttempt := 1; ; engineAttempt++ {
		nonce := uuid.New().String()
		started := time.Now().UTC()

		st.Record = func(status models.StageStatus, roundNonce string, output any, errMsg string) {
			roundStarted := time.Now().UTC()
			var runErr error
			if errMsg != "" {
				runErr = errors.New(errMsg)
			}
			e.recordAttempt(log, st.ExecutionID, name, status, roundNonce,
				fingerprint, output, nil, roundStarted, runErr)
		}
		outcome, runErr := stage.Run(ctx, e.deps, st, nonce)
		st.Record = nil

		elapsed := time.Since(started)
		metrics.StageDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())

		if runErr == nil {
			status := models.StageStatusCompleted
			if outcome.Skipped {
				status = models.StageStatusSkipped
			}
			e.recordAttempt(log, st.ExecutionID, name, status, nonce,
				fingerprint, outcome.Output, outcome.Telemetry, started, nil)
			return outcome, nil
		}

		kind, stageStatus := classifyStageError(ctx, runErr)
		e.recordAttempt(log, st.ExecutionID, name, stageStatus, nonce,
			fingerprint, nil, nil, started, runErr)

		switch kind {
		case models.ErrKindCancelled:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, deadlineResult()
			}
			return nil, cancelledResult()
		case models.ErrKindTransient:
			if engineAttempt < maxStageAttempts {
				log.Warn("Stage attempt failed, retrying",
					"stage", name, "attempt", engineAttempt, "error", runErr)
				if !sleepWithContext(ctx, backoff(engineAttempt)) {
					if errors.Is(ctx.Err(), context.DeadlineExceeded) {
						return nil, deadlineResult()
					}
					return nil, cancelledResult()
				}
				continue
			}
			return nil, failed(name, kind, engineAttempt,
				fmt.Sprintf("stage failed after %d attempts: %v", engineAttempt, runErr))
		default:
			return nil, failed(name, kind, engineAttempt, runErr.Error())
		}
	}
}

// recordAttempt appends one StageResult row, numbering it against the rows
// already present. Persistence failures are logged, not fatal: history is
// diagnostic, the execution row is authoritative.
func (e *Executor) recordAttempt(log *slog.Logger, executionID string, name models.StageName, status models.StageStatus, nonce, fingerprint string, output any, tel *models.LLMTelemetry, started time.Time, runErr error) {
	metrics.StageAttempts.WithLabelValues(string(name), string(status)).Inc()

	sr := &models.StageResult{
		ExecutionID:      executionID,
		StageName:        name,
		StageIndex:       models.StageIndex(name),
		Status:           status,
		Nonce:            nonce,
		InputFingerprint: fingerprint,
		StartedAt:        started,
	}
	now := time.Now().UTC()
	sr.FinishedAt = &now

	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			sr.Output = models.JSONB(b)
		} else {
			log.Error("Stage output does not marshal", "stage", name, "error", err)
		}
	}
	if tel != nil && tel.Calls > 0 {
		if b, err := json.Marshal(tel); err == nil {
			sr.Telemetry = models.JSONB(b)
		}
	}
	if runErr != nil {
		msg := runErr.Error()
		sr.ErrorMessage = &msg
	}

	// Background context: the attempt row must land even when the execution
	// context was cancelled mid-stage.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempt, err := e.store.NextAttempt(writeCtx, executionID, name)
	if err != nil {
		log.Error("Failed to number stage attempt", "stage", name, "error", err)
		return
	}
	sr.Attempt = attempt

	if _, err := e.store.AppendStageResult(writeCtx, sr); err != nil {
		log.Error("Failed to record stage result",
			"stage", name, "attempt", attempt, "error", err)
	}
}

// writeAggregates promotes stage outputs onto the execution row as they are
// produced, so readers see partial progress and a crash loses nothing.
func (e *Executor) writeAggregates(ctx context.Context, log *slog.Logger, name models.StageName, st *stages.State) {
	var upd store.AggregateUpdate
	switch name {
	case models.StageJunkFilter:
		if st.FilteredContent == "" {
			return
		}
		if err := e.store.UpdateArticleFilteredContent(ctx, st.Article.ID, st.FilteredContent); err != nil {
			log.Error("Failed to persist filtered content", "error", err)
		}
		return
	case models.StageExtractSupervisor:
		if st.Extraction == nil {
			return
		}
		b, err := models.MarshalExtraction(st.Extraction)
		if err != nil {
			log.Error("Extraction result does not marshal", "error", err)
			return
		}
		count := st.Extraction.DiscreteHuntablesCount
		upd = store.AggregateUpdate{DiscreteHuntablesCount: &count, ExtractionResult: b}
	case models.StageSigmaGen:
		if st.Sigma == nil {
			return
		}
		b, err := json.Marshal(st.Sigma)
		if err != nil {
			log.Error("Sigma output does not marshal", "error", err)
			return
		}
		upd = store.AggregateUpdate{SigmaRules: b}
	case models.StageSimilarityMatch:
		if st.Similarity == nil {
			return
		}
		b, err := json.Marshal(st.Similarity)
		if err != nil {
			log.Error("Similarity results do not marshal", "error", err)
			return
		}
		upd = store.AggregateUpdate{SimilarityResults: b}
	default:
		return
	}

	if err := e.store.UpdateAggregates(ctx, st.ExecutionID, upd); err != nil {
		log.Error("Failed to write aggregates", "stage", name, "error", err)
	}
}

// inputFingerprint hashes the effective input of a stage, for replay
// diagnostics across attempts and executions.
func (e *Executor) inputFingerprint(name models.StageName, st *stages.State) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	switch name {
	case models.StageOSDetect, models.StageJunkFilter:
		h.Write([]byte(st.Article.ContentHash))
	case models.StageRank, models.StageExtractSupervisor:
		h.Write([]byte(st.FilteredContent))
	case models.StageSigmaGen:
		if st.Extraction != nil {
			h.Write([]byte(st.Extraction.Content))
		}
		h.Write([]byte{0})
		h.Write([]byte(st.FilteredContent))
	case models.StageSimilarityMatch:
		if st.Sigma != nil {
			for _, r := range st.Sigma.Rules {
				h.Write([]byte(r))
				h.Write([]byte{0})
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// classifyStageError maps a stage error onto the error taxonomy and the
// stage-attempt status to record.
func classifyStageError(ctx context.Context, err error) (models.ErrorKind, models.StageStatus) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.ErrKindCancelled, models.StageStatusTimedOut
	case errors.Is(ctx.Err(), context.Canceled):
		return models.ErrKindCancelled, models.StageStatusFailed
	case errors.Is(err, stages.ErrConfig):
		return models.ErrKindConfigError, models.StageStatusFailed
	case errors.Is(err, stages.ErrValidation):
		return models.ErrKindValidationFailure, models.StageStatusFailed
	case llm.IsTransient(err):
		return models.ErrKindTransient, models.StageStatusFailed
	default:
		return models.ErrKindUnexpected, models.StageStatusFailed
	}
}

// backoff returns the exponential delay with jitter for the given attempt.
func backoff(attempt int) time.Duration {
	base := retryBackoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}

// sleepWithContext waits for d or until the context ends; returns false when
// the context ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func failed(stage models.StageName, kind models.ErrorKind, attempt int, message string) *queue.ExecutionResult {
	return &queue.ExecutionResult{
		Status: models.StatusFailed,
		Error: &models.ExecutionError{
			Stage:   stage,
			Kind:    kind,
			Attempt: attempt,
			Message: message,
		},
	}
}

func deadlineResult() *queue.ExecutionResult {
	return &queue.ExecutionResult{
		Status: models.StatusFailed,
		Reason: models.ReasonDeadlineExceeded,
		Error: &models.ExecutionError{
			Kind:    models.ErrKindCancelled,
			Message: "execution deadline exceeded",
		},
	}
}

func cancelledResult() *queue.ExecutionResult {
	return &queue.ExecutionResult{
		Status: models.StatusTerminatedEarly,
		Reason: models.ReasonCancelled,
	}
}
