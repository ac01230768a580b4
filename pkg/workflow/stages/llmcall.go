package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/models"
)

// jsonFeedbackAttempts is the in-attempt retry budget for structured outputs:
// parse failures are fed back to the model as a correction message.
const jsonFeedbackAttempts = 3

func recordCall(tel *models.LLMTelemetry, resp *llm.CompletionResponse, elapsed time.Duration) {
	tel.Calls++
	tel.LatencyMS += elapsed.Milliseconds()
	if resp != nil {
		tel.PromptTokens += resp.Usage.PromptTokens
		tel.CompletionTokens += resp.Usage.CompletionTokens
	}
}

// agentRequest resolves the model config and prompt for an agent, builds the
// base completion request, and stamps the telemetry with the model identity.
func agentRequest(st *State, agent models.AgentName, userContent, nonce string, jsonMode bool, tel *models.LLMTelemetry) (llm.CompletionRequest, error) {
	mc, ok := st.Config.ModelFor(agent)
	if !ok || !mc.Enabled {
		return llm.CompletionRequest{}, Configf("agent %s has no enabled model", agent)
	}
	prompt, ok := st.Config.PromptFor(agent)
	if !ok {
		return llm.CompletionRequest{}, Configf("agent %s has no prompt", agent)
	}
	tel.Provider = mc.Provider
	tel.Model = mc.Model

	return llm.CompletionRequest{
		Provider:    mc.Provider,
		Model:       mc.Model,
		Temperature: mc.Temperature,
		TopP:        mc.TopP,
		MaxTokens:   mc.MaxTokens,
		JSONMode:    jsonMode,
		Nonce:       nonce,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: userContent},
		},
	}, nil
}

// agentComplete runs a single free-text completion for an agent.
func agentComplete(ctx context.Context, deps *Deps, st *State, agent models.AgentName, userContent, nonce string, tel *models.LLMTelemetry) (string, error) {
	req, err := agentRequest(st, agent, userContent, nonce, false, tel)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := deps.Gateway.Complete(ctx, req)
	recordCall(tel, resp, time.Since(start))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// agentCompleteJSON runs a structured-output completion, decoding the response
// into target. Parse failures are fed back to the model with the error message
// for up to jsonFeedbackAttempts total attempts; exhaustion returns a
// validation error.
func agentCompleteJSON(ctx context.Context, deps *Deps, st *State, agent models.AgentName, userContent, nonce string, target any, tel *models.LLMTelemetry) error {
	return agentCompleteJSONValidated(ctx, deps, st, agent, userContent, nonce, target, nil, tel)
}

// agentCompleteJSONValidated is agentCompleteJSON with an extra content check:
// after a successful decode, validate inspects target and a non-nil error is
// fed back to the model the same way a parse failure is. Content rejections
// consume the same jsonFeedbackAttempts budget.
func agentCompleteJSONValidated(ctx context.Context, deps *Deps, st *State, agent models.AgentName, userContent, nonce string, target any, validate func() error, tel *models.LLMTelemetry) error {
	req, err := agentRequest(st, agent, userContent, nonce, true, tel)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= jsonFeedbackAttempts; attempt++ {
		start := time.Now()
		resp, err := deps.Gateway.Complete(ctx, req)
		recordCall(tel, resp, time.Since(start))
		if err != nil {
			return err
		}

		text := extractJSON(resp.Text)
		lastErr = json.Unmarshal([]byte(text), target)
		if lastErr == nil && validate != nil {
			lastErr = validate()
		}
		if lastErr == nil {
			return nil
		}

		// Feed the error back as a correction turn.
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Text},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Your previous response was not valid JSON for the required schema: %v. "+
					"Respond again with ONLY the corrected JSON object, no prose.", lastErr)},
		)
	}
	return Validationf("agent %s produced invalid output after %d attempts: %v",
		agent, jsonFeedbackAttempts, lastErr)
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, returning the outermost JSON object or array when present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	var end int
	if text[start] == '{' {
		end = strings.LastIndexByte(text, '}')
	} else {
		end = strings.LastIndexByte(text, ']')
	}
	if end > start {
		return text[start : end+1]
	}
	return text
}
