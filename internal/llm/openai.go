package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpenAIClient calls the OpenAI chat completions API or any compatible server.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics
	logger     *zap.Logger
}

// NewOpenAI creates an OpenAI client. An API key is required.
func NewOpenAI(cfg Config, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults(defaultOpenAIModel, defaultOpenAIBaseURL)
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		metrics:    newMetrics(logger),
		logger:     logger,
	}, nil
}

type openAIRequest struct {
	Model          string          `json:"model"`
	MaxTokens      int             `json:"max_tokens"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Name implements Provider.
func (o *OpenAIClient) Name() string {
	return ProviderOpenAI + "/" + o.cfg.Model
}

// Complete implements Provider.
func (o *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	return o.metrics.observe(ctx, ProviderOpenAI, o.cfg.Model, func(ctx context.Context) (string, error) {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		messages := make([]openAIMessage, 0, 2)
		if system != "" {
			messages = append(messages, openAIMessage{Role: "system", Content: system})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: prompt})
		req := openAIRequest{
			Model:          o.cfg.Model,
			MaxTokens:      o.cfg.MaxTokens,
			Temperature:    *o.cfg.Temperature,
			Messages:       messages,
			ResponseFormat: &responseFormat{Type: "json_object"},
		}
		return withRetries(ctx, *o.cfg.MaxRetries, o.cfg.BaseBackoff, func(ctx context.Context) (string, error) {
			return o.doRequest(ctx, req)
		})
	})
}

func (o *OpenAIClient) doRequest(ctx context.Context, req openAIRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var apiErr openAIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return "", classifyStatus(resp.StatusCode, msg)
	}

	var out openAIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	o.logger.Debug("openai completion",
		zap.String("model", o.cfg.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens))
	return out.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenAIClient)(nil)
