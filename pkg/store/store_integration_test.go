package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detecteam/sigmaflow/pkg/models"
)

const testConfigVersion = 1

var testSnapshot = json.RawMessage(`{"version": 1, "agent_models": {}}`)

// seedArticle creates a source, an article, and the config version executions
// reference.
func seedArticle(t *testing.T, st *Store, score *float64) *models.Article {
	t.Helper()
	ctx := context.Background()

	suffix := make([]byte, 6)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	unique := hex.EncodeToString(suffix)

	src, err := st.CreateSource(ctx, &models.Source{
		Name:           "Test Feed",
		URL:            "https://feeds.example.com/" + unique,
		Active:         true,
		CheckFrequency: 3600,
		LookbackDays:   30,
	})
	require.NoError(t, err)

	article, err := st.CreateArticle(ctx, &models.Article{
		SourceID:           src.ID,
		CanonicalURL:       "https://blog.example.com/post-" + unique,
		Title:              "Suspicious rundll32 activity",
		Content:            "attacker ran rundll32.exe user32.dll,LockWorkStation",
		ContentHash:        unique,
		ThreatHuntingScore: score,
	})
	require.NoError(t, err)

	if err := st.SaveWorkflowConfig(ctx, &models.WorkflowConfig{Version: testConfigVersion}); err != nil {
		// Shared across articles within a test schema.
		require.Contains(t, err.Error(), "already exists")
	}
	return article
}

func ptr[T any](v T) *T { return &v }

func TestCreateQueuedExecutionEnforcesSingleActive(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	first, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, first.Status)
	assert.NotEmpty(t, first.ID)

	_, err = st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// Still blocked while running.
	claimed, err := st.ClaimExecution(ctx, first.ID, "pod-1")
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// A terminal execution frees the slot.
	require.NoError(t, st.MarkCompleted(ctx, first.ID))
	second, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetExecutionReadsFreshRow(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	// A queued row has no aggregates yet; reading it back must not choke on
	// the unset columns.
	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 0, got.DiscreteHuntablesCount)
	assert.Empty(t, got.ExtractionResult)
	assert.Empty(t, got.SigmaRules)
	assert.Empty(t, got.SimilarityResults)
	assert.Empty(t, got.Error)
	assert.JSONEq(t, string(testSnapshot), string(got.ConfigSnapshot))

	active, err := st.GetActiveExecution(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, active.ID)

	// Same right after the claim, which is the read the worker does before
	// any stage has run.
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	got, err = st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Empty(t, got.ExtractionResult)

	listed, err := st.ListExecutionsByArticle(ctx, article.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestClaimExecutionSingleWinner(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	won, err := st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Duplicate delivery: the second claim loses.
	won, err = st.ClaimExecution(ctx, e.ID, "pod-2")
	require.NoError(t, err)
	assert.False(t, won)

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.PodID)
	assert.Equal(t, "pod-1", *got.PodID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.LastHeartbeatAt)
}

func TestHeartbeatRequiresOwnership(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)

	alive, err := st.Heartbeat(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = st.Heartbeat(ctx, e.ID, "pod-other")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, st.MarkCompleted(ctx, e.ID))
	alive, err = st.Heartbeat(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	// Queued executions never jump straight to completed.
	assert.ErrorIs(t, st.MarkCompleted(ctx, e.ID), ErrNotFound)

	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	require.NoError(t, st.MarkTerminatedEarly(ctx, e.ID, models.ReasonJunkFiltered))

	// Terminal states are immutable.
	assert.ErrorIs(t, st.MarkCompleted(ctx, e.ID), ErrNotFound)
	assert.ErrorIs(t, st.MarkFailed(ctx, e.ID, models.ExecutionError{Kind: models.ErrKindUnexpected}, nil), ErrNotFound)

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminatedEarly, got.Status)
	require.NotNil(t, got.TerminationReason)
	assert.Equal(t, models.ReasonJunkFiltered, *got.TerminationReason)
	assert.NotNil(t, got.FinishedAt)
}

func TestMarkFailedRecordsError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)

	execErr := models.ExecutionError{
		Stage:   models.StageRank,
		Kind:    models.ErrKindTransient,
		Attempt: 3,
		Message: "stage failed after 3 attempts",
	}
	require.NoError(t, st.MarkFailed(ctx, e.ID, execErr, nil))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	var decoded models.ExecutionError
	require.NoError(t, json.Unmarshal([]byte(got.Error), &decoded))
	assert.Equal(t, execErr, decoded)
}

func TestRequestCancelLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	flagged, err := st.CancelRequested(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, flagged)

	ok, err := st.RequestCancel(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	flagged, err = st.CancelRequested(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	// Terminal executions are not cancellable.
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, e.ID))
	ok, err = st.RequestCancel(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.CancelRequested(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAggregatesOnRunningExecution(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	// Not running yet.
	err = st.UpdateAggregates(ctx, e.ID, AggregateUpdate{DiscreteHuntablesCount: ptr(2)})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)

	require.NoError(t, st.UpdateAggregates(ctx, e.ID, AggregateUpdate{
		DiscreteHuntablesCount: ptr(2),
		ExtractionResult:       json.RawMessage(`{"content": "rundll32"}`),
	}))
	// A later partial update leaves earlier aggregates untouched.
	require.NoError(t, st.UpdateAggregates(ctx, e.ID, AggregateUpdate{
		SigmaRules: json.RawMessage(`["title: X"]`),
	}))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DiscreteHuntablesCount)
	assert.JSONEq(t, `{"content": "rundll32"}`, string(got.ExtractionResult))
	assert.JSONEq(t, `["title: X"]`, string(got.SigmaRules))
}

func TestStageResultsAppendOnly(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	next, err := st.NextAttempt(ctx, e.ID, models.StageOSDetect)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	now := time.Now().UTC()
	mkResult := func(stage models.StageName, attempt int, status models.StageStatus) *models.StageResult {
		return &models.StageResult{
			ExecutionID:      e.ID,
			StageName:        stage,
			StageIndex:       models.StageIndex(stage),
			Attempt:          attempt,
			Status:           status,
			Nonce:            hex.EncodeToString([]byte{byte(attempt)}),
			InputFingerprint: "fp",
			StartedAt:        now,
			FinishedAt:       &now,
		}
	}

	_, err = st.AppendStageResult(ctx, mkResult(models.StageRank, 1, models.StageStatusFailed))
	require.NoError(t, err)
	_, err = st.AppendStageResult(ctx, mkResult(models.StageRank, 2, models.StageStatusCompleted))
	require.NoError(t, err)
	_, err = st.AppendStageResult(ctx, mkResult(models.StageOSDetect, 1, models.StageStatusCompleted))
	require.NoError(t, err)

	// Attempts are unique per (execution, stage).
	_, err = st.AppendStageResult(ctx, mkResult(models.StageRank, 2, models.StageStatusCompleted))
	assert.Error(t, err)

	next, err = st.NextAttempt(ctx, e.ID, models.StageRank)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	results, err := st.ListStageResults(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, models.StageOSDetect, results[0].StageName)
	assert.Equal(t, models.StageRank, results[1].StageName)
	assert.Equal(t, 1, results[1].Attempt)
	assert.Equal(t, 2, results[2].Attempt)
}

func TestWorkflowConfigVersions(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	cfg := &models.WorkflowConfig{
		Version: 7,
		AgentModels: map[models.AgentName]models.AgentModelConfig{
			models.AgentRank: {Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 1024, Enabled: true},
		},
		Thresholds: models.Thresholds{Ranking: 6, MinHuntableChunks: 1},
	}
	require.NoError(t, st.SaveWorkflowConfig(ctx, cfg))

	// Versions are immutable.
	err := st.SaveWorkflowConfig(ctx, &models.WorkflowConfig{Version: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	got, err := st.GetWorkflowConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Version)
	assert.Equal(t, "claude-sonnet-4-5", got.AgentModels[models.AgentRank].Model)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, st.SaveWorkflowConfig(ctx, &models.WorkflowConfig{Version: 8}))
	latest, err := st.LatestWorkflowConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, latest.Version)

	_, err = st.GetWorkflowConfig(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAutoTriggerCandidates(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	high := seedArticle(t, st, ptr(9.5))
	mid := seedArticle(t, st, ptr(8.0))
	low := seedArticle(t, st, ptr(3.0))
	busy := seedArticle(t, st, ptr(9.9))
	_ = low

	// busy has a live execution and is excluded.
	_, err := st.CreateQueuedExecution(ctx, busy.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)

	candidates, err := st.ListAutoTriggerCandidates(ctx, 7.5, testConfigVersion, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, high.ID, candidates[0].ID)
	assert.Equal(t, mid.ID, candidates[1].ID)

	// A completed run at the current config version removes the candidate; a
	// failed one keeps it eligible for re-trigger.
	e, err := st.CreateQueuedExecution(ctx, high.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, e.ID))

	e, err = st.CreateQueuedExecution(ctx, mid.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e.ID, "pod-1")
	require.NoError(t, err)
	require.NoError(t, st.MarkFailed(ctx, e.ID, models.ExecutionError{Kind: models.ErrKindTransient}, nil))

	candidates, err = st.ListAutoTriggerCandidates(ctx, 7.5, testConfigVersion, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, mid.ID, candidates[0].ID)

	candidates, err = st.ListAutoTriggerCandidates(ctx, 7.5, testConfigVersion, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestOrphanDetection(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, article.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e.ID, "pod-dead")
	require.NoError(t, err)

	// A fresh heartbeat is not an orphan.
	orphans, err := st.ListOrphanedExecutions(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Backdate the heartbeat past the threshold.
	_, err = st.DB().ExecContext(ctx,
		`UPDATE executions SET last_heartbeat_at = now() - interval '1 hour' WHERE execution_id = $1`, e.ID)
	require.NoError(t, err)

	orphans, err = st.ListOrphanedExecutions(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, e.ID, orphans[0].ID)

	marked, err := st.MarkOrphaned(ctx, e.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, marked)

	// Already failed; a second sweep is a no-op.
	marked, err = st.MarkOrphaned(ctx, e.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, marked)

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	var decoded models.ExecutionError
	require.NoError(t, json.Unmarshal([]byte(got.Error), &decoded))
	assert.Equal(t, models.ErrKindOrphaned, decoded.Kind)
}

func TestListStaleQueuedExecutions(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	stranded := seedArticle(t, st, nil)
	fresh := seedArticle(t, st, nil)
	claimed := seedArticle(t, st, nil)

	e, err := st.CreateQueuedExecution(ctx, stranded.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.CreateQueuedExecution(ctx, fresh.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	running, err := st.CreateQueuedExecution(ctx, claimed.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, running.ID, "pod-1")
	require.NoError(t, err)

	// Everything is recent, so nothing is stale yet.
	stale, err := st.ListStaleQueuedExecutions(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Backdate the stranded row past the threshold. Running rows are the
	// orphan sweeper's problem and stay excluded regardless of age.
	_, err = st.DB().ExecContext(ctx,
		`UPDATE executions SET created_at = now() - interval '1 hour' WHERE execution_id IN ($1, $2)`,
		e.ID, running.ID)
	require.NoError(t, err)

	stale, err = st.ListStaleQueuedExecutions(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, e.ID, stale[0].ID)
	assert.Equal(t, stranded.ID, stale[0].ArticleID)
}

func TestUpdateArticleFilteredContent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	article := seedArticle(t, st, nil)

	require.NoError(t, st.UpdateArticleFilteredContent(ctx, article.ID, "attacker ran rundll32.exe"))

	got, err := st.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FilteredContent)
	assert.Equal(t, "attacker ran rundll32.exe", *got.FilteredContent)

	err = st.UpdateArticleFilteredContent(ctx, "00000000-0000-0000-0000-000000000000", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailExecutionsOwnedBy(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	a1 := seedArticle(t, st, nil)
	a2 := seedArticle(t, st, nil)

	e1, err := st.CreateQueuedExecution(ctx, a1.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e1.ID, "pod-restarted")
	require.NoError(t, err)

	e2, err := st.CreateQueuedExecution(ctx, a2.ID, testConfigVersion, testSnapshot)
	require.NoError(t, err)
	_, err = st.ClaimExecution(ctx, e2.ID, "pod-alive")
	require.NoError(t, err)

	n, err := st.FailExecutionsOwnedBy(ctx, "pod-restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetExecution(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	got, err = st.GetExecution(ctx, e2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestCorpusRuleRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	created, err := st.InsertCorpusRule(ctx, &models.CorpusRule{
		Title:     "Suspicious Regsvr32 Execution",
		YAMLText:  "title: Suspicious Regsvr32 Execution",
		Tags:      models.StringSlice{"attack.defense_evasion"},
		Embedding: models.Float64Slice{0.1, 0.2, 0.3},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	rules, err := st.ListCorpusRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, created.ID, rules[0].ID)
	assert.Equal(t, models.Float64Slice{0.1, 0.2, 0.3}, rules[0].Embedding)
	assert.Equal(t, models.StringSlice{"attack.defense_evasion"}, rules[0].Tags)

	require.NoError(t, st.UpdateCorpusRuleEmbedding(ctx, created.ID, models.Float64Slice{1, 0}))
	rules, err = st.ListCorpusRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Float64Slice{1, 0}, rules[0].Embedding)

	err = st.UpdateCorpusRuleEmbedding(ctx, "00000000-0000-0000-0000-000000000000", models.Float64Slice{1})
	assert.ErrorIs(t, err, ErrNotFound)
}
