// Package stages implements the per-article workflow stage executors.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/corpus"
	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/models"
)

// Sentinel errors classifying stage failures. Transient errors come from the
// llm package; these cover the rest of the taxonomy.
var (
	// ErrValidation indicates the LLM output failed shape or content
	// validation after all feedback attempts.
	ErrValidation = errors.New("output validation failed")

	// ErrConfig indicates a required agent or prompt is missing from the
	// config snapshot. Never retried.
	ErrConfig = errors.New("agent configuration missing")
)

// Validationf formats an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Configf formats an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// Deps are the shared services available to stage executors.
type Deps struct {
	Gateway *llm.Gateway
	Corpus  *corpus.Index
}

// AttemptRecorder persists an intermediate stage attempt row. Stages with
// internal feedback loops call it once per rejected round so the execution
// history shows every attempt, not only the final one.
type AttemptRecorder func(status models.StageStatus, nonce string, output any, errMsg string)

// State is the per-execution working state threaded through the stage DAG.
// Stages read prior outputs from it and record their own.
type State struct {
	ExecutionID string
	Article     *models.Article
	Config      *models.WorkflowConfig

	// Record appends an intermediate attempt row for the running stage. Nil
	// outside the executor; stages must tolerate that.
	Record AttemptRecorder

	// Stage outputs, in DAG order.
	OS              string
	FilteredContent string
	RankScore       float64
	Extraction      *models.ExtractionResult
	Sigma           *models.SigmaGenOutput
	Similarity      []models.RuleSimilarity
}

// Outcome is the result of one stage attempt.
type Outcome struct {
	// Output is serialized into the StageResult row.
	Output any
	// Telemetry aggregates LLM usage across the attempt's calls.
	Telemetry *models.LLMTelemetry
	// TerminationReason, when set, ends the execution as terminated_early
	// after the stage result is recorded.
	TerminationReason models.TerminationReason
	// Skipped marks the stage as skipped rather than completed.
	Skipped bool
}

// Stage is one node of the workflow DAG.
type Stage interface {
	Name() models.StageName
	Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error)
}

// Pipeline returns the stage DAG in execution order.
func Pipeline() []Stage {
	return []Stage{
		&OSDetect{},
		&JunkFilter{},
		&Rank{},
		&ExtractSupervisor{},
		&SigmaGen{},
		&SimilarityMatch{},
	}
}
