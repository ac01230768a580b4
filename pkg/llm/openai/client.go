// Package openai implements the llm.Provider interface for OpenAI's API and
// OpenAI-compatible local servers (vLLM, llama.cpp, Ollama in compat mode) —
// point Endpoint at the local server's /v1 base.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/version"
)

// Default configuration values.
const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultTimeout   = 120 * time.Second
	DefaultMaxTokens = 4096
)

// Client implements llm.Provider for OpenAI-compatible APIs.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// useMaxCompletionTokens selects the newer parameter name for the token
	// cap. Reasoning-model families reject the legacy "max_tokens".
	useMaxCompletionTokens bool
	// supportsTemperature is false for model families that reject sampling
	// parameters outright.
	supportsTemperature bool
}

// Config holds configuration for an OpenAI-compatible client.
type Config struct {
	// Name is the provider name the gateway routes on ("openai", "local", ...).
	Name    string
	APIKey  string
	BaseURL string        // Default: https://api.openai.com/v1
	Timeout time.Duration // Default: 120s

	// UseMaxCompletionTokens sends max_completion_tokens instead of max_tokens.
	UseMaxCompletionTokens bool
	// DisableTemperature drops temperature/top_p from requests.
	DisableTemperature bool
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			cfg.BaseURL = env
		} else {
			cfg.BaseURL = DefaultBaseURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		name:                   cfg.Name,
		apiKey:                 cfg.APIKey,
		baseURL:                strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:             &http.Client{Timeout: cfg.Timeout},
		useMaxCompletionTokens: cfg.UseMaxCompletionTokens,
		supportsTemperature:    !cfg.DisableTemperature,
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
	User                string          `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends a chat-completions request.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	body := chatRequest{
		Model: req.Model,
		Stop:  req.Stop,
		User:  req.Nonce,
	}
	if c.useMaxCompletionTokens {
		body.MaxCompletionTokens = maxTokens
	} else {
		body.MaxTokens = maxTokens
	}
	if c.supportsTemperature {
		body.Temperature = req.Temperature
		body.TopP = req.TopP
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	var parsed chatResponse
	if err := c.post(ctx, "/chat/completions", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.Transientf("no choices in response")
	}

	return &llm.CompletionResponse{
		Text:         parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var parsed embedResponse
	if err := c.post(ctx, "/embeddings", embedRequest{Model: model, Input: text}, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, llm.Transientf("no embedding data in response")
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return llm.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("User-Agent", version.Full())

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return llm.Transient(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return llm.Transient(fmt.Errorf("reading response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return llm.ClassifyStatus(httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return llm.Transient(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
