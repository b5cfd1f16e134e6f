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
)

// EmbeddingResult carries the vectors plus token accounting for budget
// tracking. TotalTokens is estimated when the provider omits usage.
type EmbeddingResult struct {
	Vectors     [][]float32
	TotalTokens int
}

type EmbeddingClient interface {
	Embed(ctx context.Context, inputs []string) (*EmbeddingResult, error)
}

type EmbeddingProvider struct {
	client   *http.Client
	apiKey   string
	apiURL   string
	model    string
	provider string
}

func NewEmbeddingClient(cfg Config) (EmbeddingClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}

	return &EmbeddingProvider{
		client:   &http.Client{Timeout: 120 * time.Second},
		apiKey:   cfg.APIKey,
		apiURL:   apiURL,
		model:    cfg.Model,
		provider: strings.ToLower(cfg.Provider),
	}, nil
}

func (p *EmbeddingProvider) Embed(ctx context.Context, inputs []string) (*EmbeddingResult, error) {
	if len(inputs) == 0 {
		return nil, errors.New("inputs are required")
	}
	switch p.provider {
	case "ollama":
		return p.embedOllama(ctx, inputs)
	case "openai", "":
		return p.embedOpenAI(ctx, inputs)
	default:
		return nil, fmt.Errorf("embedding provider %q is not supported", p.provider)
	}
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *EmbeddingProvider) embedOpenAI(ctx context.Context, inputs []string) (*EmbeddingResult, error) {
	payload, err := json.Marshal(openAIEmbeddingRequest{Model: p.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("openai embed: marshal request: %w", err)
	}

	body, err := p.postEmbeddings(ctx, p.apiURL+"/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var response openAIEmbeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("openai embed: decode response: %w", err)
	}
	if len(response.Data) != len(inputs) {
		return nil, fmt.Errorf("openai embed: unexpected embeddings count: %d", len(response.Data))
	}

	result := &EmbeddingResult{
		Vectors:     make([][]float32, 0, len(response.Data)),
		TotalTokens: response.Usage.TotalTokens,
	}
	for _, entry := range response.Data {
		result.Vectors = append(result.Vectors, entry.Embedding)
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = estimateTokens(inputs)
	}
	return result, nil
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *EmbeddingProvider) embedOllama(ctx context.Context, inputs []string) (*EmbeddingResult, error) {
	endpoint := strings.TrimRight(p.apiURL, "/") + "/api/embeddings"
	result := &EmbeddingResult{TotalTokens: estimateTokens(inputs)}
	for _, input := range inputs {
		payload, err := json.Marshal(ollamaEmbeddingRequest{Model: p.model, Prompt: input})
		if err != nil {
			return nil, fmt.Errorf("ollama embed: marshal request: %w", err)
		}
		body, err := p.postEmbeddings(ctx, endpoint, payload)
		if err != nil {
			return nil, err
		}
		var response ollamaEmbeddingResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("ollama embed: decode response: %w", err)
		}
		result.Vectors = append(result.Vectors, response.Embedding)
	}
	return result, nil
}

// estimateTokens approximates usage for providers that do not report it.
// Roughly four characters per token.
func estimateTokens(inputs []string) int {
	total := 0
	for _, input := range inputs {
		total += len(input)
	}
	tokens := total / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func (p *EmbeddingProvider) postEmbeddings(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	resp, err := doWithRetry(ctx, p.client, func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
