package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"infosentry/pkg/clients"
)

// Message is a chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a single non-streaming completion call.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool
}

// ChatResult carries the completion text plus token accounting for
// budget tracking.
type ChatResult struct {
	Content      string
	Model        string
	TotalTokens  int
	FinishReason string
}

// ChatClient performs non-streaming chat completions against an
// OpenAI-compatible endpoint.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

type chatProvider struct {
	client  *http.Client
	breaker *clients.CircuitBreaker
	apiKey  string
	apiURL  string
	model   string
}

// NewChatClient builds a ChatClient from config. Ollama and other local
// runtimes expose the same /chat/completions surface, so one client covers
// every provider we deploy against.
func NewChatClient(cfg Config) (ChatClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("chat model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &chatProvider{
		client: &http.Client{Timeout: 60 * time.Second},
		// Fail fast while the provider is down instead of burning the
		// per-call retry budget on every completion.
		breaker: clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
			Name:        "llm-chat",
			MinRequests: 4,
		}),
		apiKey: cfg.APIKey,
		apiURL: apiURL,
		model:  cfg.Model,
	}, nil
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *chatProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	body := chatCompletionRequest{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal request: %w", err)
	}

	out, err := p.breaker.Execute(func() (any, error) {
		return p.exchange(ctx, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("chat: request failed: %w", err)
	}
	parsed := out.(*chatCompletionResponse)
	if len(parsed.Choices) == 0 {
		return nil, errors.New("chat: response has no choices")
	}

	return &ChatResult{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		TotalTokens:  parsed.Usage.TotalTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// exchange performs one retried HTTP round trip and decodes the body.
// Its error return is what the circuit breaker counts as a failure.
func (p *chatProvider) exchange(ctx context.Context, payload []byte) (*chatCompletionResponse, error) {
	endpoint := p.apiURL + "/chat/completions"
	resp, err := doWithRetry(ctx, p.client, func() (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("create request: %w", reqErr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}
