package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detecteam/sigmaflow/pkg/models"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", `Here is the result: {"a": 1} as requested.`, `{"a": 1}`},
		{"array", `The items are ["x", "y"] above.`, `["x", "y"]`},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"no json at all", "no structured data here", "no structured data here"},
		{"unterminated object", `prefix {"a": 1`, `prefix {"a": 1`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestAgentRequestResolvesConfig(t *testing.T) {
	st := newTestState("content")
	tel := &models.LLMTelemetry{}

	req, err := agentRequest(st, models.AgentRank, "user input", "nonce-1", true, tel)
	require.NoError(t, err)

	assert.Equal(t, "script", req.Provider)
	assert.Equal(t, string(models.AgentRank), req.Model)
	assert.True(t, req.JSONMode)
	assert.Equal(t, "nonce-1", req.Nonce)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, st.Config.AgentPrompts[models.AgentRank], req.Messages[0].Content)
	assert.Equal(t, "user input", req.Messages[1].Content)
	assert.Equal(t, "script", tel.Provider)
	assert.Equal(t, string(models.AgentRank), tel.Model)
}

func TestAgentRequestMissingModel(t *testing.T) {
	st := newTestState("content")
	delete(st.Config.AgentModels, models.AgentRank)

	_, err := agentRequest(st, models.AgentRank, "input", "n", false, &models.LLMTelemetry{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRequestDisabledModel(t *testing.T) {
	st := newTestState("content")
	mc := st.Config.AgentModels[models.AgentRank]
	mc.Enabled = false
	st.Config.AgentModels[models.AgentRank] = mc

	_, err := agentRequest(st, models.AgentRank, "input", "n", false, &models.LLMTelemetry{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRequestMissingPrompt(t *testing.T) {
	st := newTestState("content")
	delete(st.Config.AgentPrompts, models.AgentRank)

	_, err := agentRequest(st, models.AgentRank, "input", "n", false, &models.LLMTelemetry{})
	assert.ErrorIs(t, err, ErrConfig)
}
