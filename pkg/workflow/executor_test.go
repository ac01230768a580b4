package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/workflow/stages"
)

func TestClassifyStageError(t *testing.T) {
	ctx := context.Background()

	kind, status := classifyStageError(ctx, stages.Configf("no model"))
	assert.Equal(t, models.ErrKindConfigError, kind)
	assert.Equal(t, models.StageStatusFailed, status)

	kind, _ = classifyStageError(ctx, stages.Validationf("bad shape"))
	assert.Equal(t, models.ErrKindValidationFailure, kind)

	kind, _ = classifyStageError(ctx, llm.Transientf("overloaded"))
	assert.Equal(t, models.ErrKindTransient, kind)

	kind, _ = classifyStageError(ctx, errors.New("nil pointer somewhere"))
	assert.Equal(t, models.ErrKindUnexpected, kind)
}

func TestClassifyStageErrorContextStates(t *testing.T) {
	deadlineCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	kind, status := classifyStageError(deadlineCtx, llm.Transientf("interrupted mid-call"))
	assert.Equal(t, models.ErrKindCancelled, kind)
	assert.Equal(t, models.StageStatusTimedOut, status)

	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()

	kind, status = classifyStageError(cancelledCtx, context.Canceled)
	assert.Equal(t, models.ErrKindCancelled, kind)
	assert.Equal(t, models.StageStatusFailed, status)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		base := retryBackoffBase << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := backoff(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+base/2)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	assert.True(t, sleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepWithContext(ctx, time.Minute))
}

func TestInputFingerprintStability(t *testing.T) {
	e := &Executor{}
	st := &stages.State{
		Article:         &models.Article{ContentHash: "abc"},
		FilteredContent: "filtered",
	}

	fp1 := e.inputFingerprint(models.StageOSDetect, st)
	fp2 := e.inputFingerprint(models.StageOSDetect, st)
	assert.Equal(t, fp1, fp2)

	// JunkFilter shares the input but must not share the fingerprint.
	assert.NotEqual(t, fp1, e.inputFingerprint(models.StageJunkFilter, st))

	rankFP := e.inputFingerprint(models.StageRank, st)
	st.FilteredContent = "different"
	assert.NotEqual(t, rankFP, e.inputFingerprint(models.StageRank, st))
}

func TestInputFingerprintSigmaStages(t *testing.T) {
	e := &Executor{}
	st := &stages.State{
		Article:         &models.Article{ContentHash: "abc"},
		FilteredContent: "filtered",
	}

	// Nil extraction and populated-but-empty extraction hash differently from a
	// real extraction.
	noExtraction := e.inputFingerprint(models.StageSigmaGen, st)
	st.Extraction = &models.ExtractionResult{Content: "huntable item"}
	assert.NotEqual(t, noExtraction, e.inputFingerprint(models.StageSigmaGen, st))

	st.Sigma = &models.SigmaGenOutput{Rules: []string{"rule-a", "rule-b"}}
	withRules := e.inputFingerprint(models.StageSimilarityMatch, st)
	st.Sigma.Rules = []string{"rule-arule-b"}
	assert.NotEqual(t, withRules, e.inputFingerprint(models.StageSimilarityMatch, st))
}

func TestTerminalResultBuilders(t *testing.T) {
	r := failed(models.StageRank, models.ErrKindTransient, 3, "stage failed after 3 attempts")
	assert.Equal(t, models.StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, models.StageRank, r.Error.Stage)
	assert.Equal(t, 3, r.Error.Attempt)

	r = deadlineResult()
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, models.ReasonDeadlineExceeded, r.Reason)
	require.NotNil(t, r.Error)
	assert.Equal(t, models.ErrKindCancelled, r.Error.Kind)

	r = cancelledResult()
	assert.Equal(t, models.StatusTerminatedEarly, r.Status)
	assert.Equal(t, models.ReasonCancelled, r.Reason)
	assert.Nil(t, r.Error)
}
