package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chirino/context-engine/internal/config"
	registrycomplete "github.com/chirino/context-engine/internal/registry/complete"
)

func init() {
	registrycomplete.Register(registrycomplete.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycomplete.Completer, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai completer: CONTEXT_ENGINE_OPENAI_API_KEY is required")
	}
	return &OpenAICompleter{
		apiKey:      cfg.OpenAIAPIKey,
		model:       cfg.OpenAIChatModel,
		baseURL:     strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		temperature: cfg.OpenAITemperature,
	}, nil
}

type OpenAICompleter struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
}

func (c *OpenAICompleter) ModelName() string {
	return c.model
}

type chatRequest struct {
	Model          string                     `json:"model"`
	Messages       []registrycomplete.Message `json:"messages"`
	Temperature    float64                    `json:"temperature,omitempty"`
	MaxTokens      int                        `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat            `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAICompleter) Complete(ctx context.Context, req registrycomplete.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONOutput {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai completion: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("openai completion: parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai completion error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai completion: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

var _ registrycomplete.Completer = (*OpenAICompleter)(nil)
