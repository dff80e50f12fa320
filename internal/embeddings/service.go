package embeddings

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

	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the remote service did not return a vector.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider names.
const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects and configures an embedder.
type Config struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration

	// Dimensions sizes the hash embedder.
	Dimensions int
}

var defaults = map[string]struct{ model, baseURL string }{
	ProviderOpenAI: {"text-embedding-3-small", "https://api.openai.com/v1"},
	ProviderOllama: {"nomic-embed-text", "http://localhost:11434"},
}

// Validate checks the provider name and remote settings.
func (c Config) Validate() error {
	switch c.Provider {
	case "", ProviderHash:
		return nil
	case ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("%w: openai embeddings need an API key", ErrInvalidConfig)
		}
		return nil
	case ProviderOllama:
		return nil
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
}

// New returns the embedder named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (vectorstore.Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == "" || cfg.Provider == ProviderHash {
		return vectorstore.NewHashEmbedder(cfg.Dimensions), nil
	}
	return NewService(cfg, logger)
}

// Service embeds text through a remote HTTP API.
type Service struct {
	config  Config
	client  *http.Client
	metrics *Metrics
	logger  *zap.Logger
}

// NewService creates a remote embedder for the openai or ollama provider.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	d, ok := defaults[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a remote provider", ErrInvalidConfig, cfg.Provider)
	}
	if cfg.Model == "" {
		cfg.Model = d.model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.baseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(logger),
		logger:  logger,
	}, nil
}

type openAIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type ollamaRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements vectorstore.Embedder.
func (s *Service) Embed(ctx context.Context, text string) (vec []float32, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, vectorstore.ErrEmptyText
	}
	start := time.Now()
	defer func() {
		s.metrics.Record(ctx, s.config.Provider, s.config.Model, time.Since(start), err)
	}()

	switch s.config.Provider {
	case ProviderOpenAI:
		var resp openAIResponse
		if err := s.post(ctx, "/embeddings", openAIRequest{Model: s.config.Model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		}
		return resp.Data[0].Embedding, nil
	default:
		var resp ollamaResponse
		if err := s.post(ctx, "/api/embed", ollamaRequest{Model: s.config.Model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		}
		return resp.Embeddings[0], nil
	}
}

func (s *Service) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var _ vectorstore.Embedder = (*Service)(nil)
