package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/detecteam/sigmaflow/pkg/corpus"
	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/models"
)

// scriptProvider is an in-process llm.Provider driven by test closures. Test
// configs set each agent's model to the agent name, so handlers dispatch on
// req.Model.
type scriptProvider struct {
	completeFn func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
	embedFn    func(model, text string) ([]float32, error)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.completeFn(req)
}

func (p *scriptProvider) Embed(_ context.Context, model, text string) ([]float32, error) {
	if p.embedFn == nil {
		return nil, llm.Permanentf("no embedding scripted")
	}
	return p.embedFn(model, text)
}

func reply(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// scriptByAgent builds a provider that routes each completion to the handler
// registered for its agent.
func scriptByAgent(handlers map[models.AgentName]func(req llm.CompletionRequest) (string, error)) *scriptProvider {
	return &scriptProvider{
		completeFn: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			h, ok := handlers[models.AgentName(req.Model)]
			if !ok {
				return nil, llm.Permanentf("unexpected agent %q", req.Model)
			}
			text, err := h(req)
			if err != nil {
				return nil, err
			}
			return reply(text), nil
		},
	}
}

func newTestDeps(p *scriptProvider, idx *corpus.Index) *Deps {
	g := llm.NewGateway(llm.WithEmbedding("script", "embed-small"))
	g.Register(p, llm.RateLimitConfig{Enabled: false})
	return &Deps{Gateway: g, Corpus: idx}
}

func testConfig() *models.WorkflowConfig {
	cfg := &models.WorkflowConfig{
		Version:      1,
		AgentModels:  map[models.AgentName]models.AgentModelConfig{},
		AgentPrompts: map[models.AgentName]string{},
		Thresholds: models.Thresholds{
			Ranking:           6,
			MinHuntableChunks: 1,
			Similarity:        0.5,
			AutoTrigger:       8,
		},
		QAEnabled: map[models.AgentName]bool{},
		EnabledSubAgents: []models.ObservableType{
			models.ObservableCmdline,
			models.ObservableProcessLineage,
			models.ObservableHuntQuery,
		},
		SigmaFallbackEnabled: false,
		SimilarityK:          5,
	}
	agents := []models.AgentName{
		models.AgentOSDetect, models.AgentJunkFilter, models.AgentRank,
		models.AgentCmdline, models.AgentProcTree, models.AgentHuntQueries,
		models.AgentQAReviewer, models.AgentSigmaGen,
	}
	for _, a := range agents {
		cfg.AgentModels[a] = models.AgentModelConfig{
			Provider:  "script",
			Model:     string(a),
			MaxTokens: 1024,
			Enabled:   true,
		}
		cfg.AgentPrompts[a] = "system prompt for " + string(a)
	}
	return cfg
}

func newTestState(content string) *State {
	return &State{
		ExecutionID: "exec-test",
		Article: &models.Article{
			ID:          "art-1",
			Title:       "Test article",
			Content:     content,
			ContentHash: "abc123",
		},
		Config: testConfig(),
	}
}

func TestPipelineOrder(t *testing.T) {
	var names []models.StageName
	for _, s := range Pipeline() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []models.StageName{
		models.StageOSDetect,
		models.StageJunkFilter,
		models.StageRank,
		models.StageExtractSupervisor,
		models.StageSigmaGen,
		models.StageSimilarityMatch,
	}, names)
}

func TestValidationfAndConfigfWrap(t *testing.T) {
	assert.ErrorIs(t, Validationf("bad %s", "shape"), ErrValidation)
	assert.ErrorIs(t, Configf("missing %s", "prompt"), ErrConfig)
}
