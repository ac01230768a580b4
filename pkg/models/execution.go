package models

import (
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

// Execution statuses. Terminal states never transition again.
const (
	StatusQueued          ExecutionStatus = "queued"
	StatusRunning         ExecutionStatus = "running"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusTerminatedEarly ExecutionStatus = "terminated_early"
)

// IsTerminal reports whether the status is a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminatedEarly:
		return true
	}
	return false
}

// TerminationReason tags why an execution stopped before completing all stages.
type TerminationReason string

// Early-termination reason codes, in the order the stage DAG can produce them.
const (
	ReasonNonWindowsOS       TerminationReason = "non_windows_os_detected"
	ReasonJunkFiltered       TerminationReason = "junk_filtered"
	ReasonBelowRankThreshold TerminationReason = "below_rank_threshold"
	ReasonCancelled          TerminationReason = "cancelled"
	ReasonDeadlineExceeded   TerminationReason = "deadline_exceeded"
)

// StageName identifies a node in the workflow DAG.
type StageName string

// Workflow stages in DAG order.
const (
	StageOSDetect          StageName = "os_detect"
	StageJunkFilter        StageName = "junk_filter"
	StageRank              StageName = "rank"
	StageExtractSupervisor StageName = "extract_supervisor"
	StageSigmaGen          StageName = "sigma_gen"
	StageSimilarityMatch   StageName = "similarity_match"
)

// StageIndex returns the position of a stage in the DAG, or -1 when unknown.
// StageResult rows are totally ordered by (stage index, attempt).
func StageIndex(name StageName) int {
	order := [...]StageName{
		StageOSDetect, StageJunkFilter, StageRank,
		StageExtractSupervisor, StageSigmaGen, StageSimilarityMatch,
	}
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

// ErrorKind classifies stage and execution failures per the engine taxonomy.
type ErrorKind string

// Error kinds. Transient and ValidationFailure are retry-eligible; the rest
// fail the stage permanently.
const (
	ErrKindTransient         ErrorKind = "transient"
	ErrKindValidationFailure ErrorKind = "validation_failure"
	ErrKindConfigError       ErrorKind = "config_error"
	ErrKindPolicyViolation   ErrorKind = "policy_violation"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindOrphaned          ErrorKind = "orphaned"
	ErrKindUnexpected        ErrorKind = "unexpected"
)

// ExecutionError is the user-visible failure surface of an execution.
type ExecutionError struct {
	Stage   StageName `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Execution is one workflow run bound to exactly one article and one config
// version. The worker that transitions it queued→running is its sole writer.
type Execution struct {
	ID            string          `db:"execution_id" json:"execution_id"`
	ArticleID     string          `db:"article_id" json:"article_id"`
	Status        ExecutionStatus `db:"status" json:"status"`
	ConfigVersion int             `db:"config_version" json:"config_version"`
	// ConfigSnapshot is the WorkflowConfig captured at trigger time. Stage
	// executors read only from this snapshot; later config edits never affect
	// in-flight executions.
	ConfigSnapshot JSONB `db:"config_snapshot" json:"-"`

	TerminationReason *TerminationReason `db:"termination_reason" json:"termination_reason,omitempty"`

	// Aggregated outputs, promoted or stored as JSON blobs.
	DiscreteHuntablesCount int   `db:"discrete_huntables_count" json:"discrete_huntables_count"`
	ExtractionResult       JSONB `db:"extraction_result" json:"extraction_result,omitempty"`
	SigmaRules             JSONB `db:"sigma_rules" json:"sigma_rules,omitempty"`
	SimilarityResults      JSONB `db:"similarity_results" json:"similarity_results,omitempty"`
	Error                  JSONB `db:"error" json:"error,omitempty"`

	// Worker ownership and liveness.
	PodID           *string    `db:"pod_id" json:"pod_id,omitempty"`
	CancelRequested bool       `db:"cancel_requested" json:"cancel_requested"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"-"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// StageStatus is the terminal state of one stage attempt.
type StageStatus string

// Stage attempt statuses.
const (
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusTimedOut  StageStatus = "timed_out"
)

// LLMTelemetry records per-attempt LLM usage for diagnostics and tracing.
type LLMTelemetry struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
	Calls            int    `json:"calls,omitempty"`
}

// StageResult is one attempt of one stage of one execution. Rows are
// append-only; re-execution appends a new attempt rather than rewriting.
type StageResult struct {
	ID          string      `db:"stage_result_id" json:"stage_result_id"`
	ExecutionID string      `db:"execution_id" json:"execution_id"`
	StageName   StageName   `db:"stage_name" json:"stage_name"`
	StageIndex  int         `db:"stage_index" json:"stage_index"`
	Attempt     int         `db:"attempt" json:"attempt"`
	Status      StageStatus `db:"status" json:"status"`
	// Nonce is a stable per-attempt identifier attached to LLM calls so
	// downstream tracing can dedupe redelivered work.
	Nonce            string     `db:"nonce" json:"nonce"`
	InputFingerprint string     `db:"input_fingerprint" json:"input_fingerprint,omitempty"`
	Output           JSONB      `db:"output" json:"output,omitempty"`
	Telemetry        JSONB      `db:"llm_telemetry" json:"llm_telemetry,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// QueueMessage is the payload enqueued on the workflows queue. Consumers must
// tolerate duplicate delivery; the queued→running claim dedupes.
type QueueMessage struct {
	ExecutionID   string    `json:"execution_id"`
	ArticleID     string    `json:"article_id"`
	ConfigVersion int       `json:"config_version"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
