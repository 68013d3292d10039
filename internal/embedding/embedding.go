// Package embedding provides the engine's pluggable embedding-vector
// boundary: a Provider interface, an HTTP-backed OpenAI implementation
// adapted from the teacher's internal/llm/openai.go embedding client, a
// deterministic offline provider for tests and air-gapped deployments, and
// a caching/retrying wrapper used by the consolidation pipeline to avoid
// re-embedding identical content.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cortexmem/engine/internal/storage"
)

// Provider generates a vector embedding for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}

// StaticProvider produces deterministic embeddings from a text hash,
// requiring no network round-trip. Used as the engine's offline default
// and in tests; never mistaken for a real semantic embedding.
type StaticProvider struct {
	dimension int
	model     string
}

// NewStaticProvider constructs a StaticProvider with the given vector
// dimension.
func NewStaticProvider(dimension int) *StaticProvider {
	if dimension <= 0 {
		dimension = 64
	}
	return &StaticProvider{dimension: dimension, model: "static-hash-v1"}
}

func (p *StaticProvider) Model() string  { return p.model }
func (p *StaticProvider) Dimension() int { return p.dimension }

// Embed hashes text with SHA-256, then expands the digest into a
// dimension-length vector by re-hashing with an incrementing counter,
// producing a stable, reproducible, L2-normalizable pseudo-embedding.
func (p *StaticProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := make([]float32, p.dimension)
	h := sha256.Sum256([]byte(text))
	for i := 0; i < p.dimension; i++ {
		block := sha256.Sum256(append(h[:], byte(i), byte(i>>8)))
		u := binary.BigEndian.Uint32(block[:4])
		out[i] = float32(u)/float32(1<<32)*2 - 1 // map to [-1, 1]
	}
	return out, nil
}

// OpenAIConfig configures the HTTP-backed OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	Dimension int
}

// OpenAIProvider implements Provider over the OpenAI /v1/embeddings API,
// adapted from the teacher's OpenAIEmbeddingClient.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider constructs an OpenAIProvider, filling in spec defaults
// for any zero-valued config fields.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	return &OpenAIProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *OpenAIProvider) Model() string  { return p.cfg.Model }
func (p *OpenAIProvider) Dimension() int { return p.cfg.Dimension }

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the OpenAI embeddings endpoint for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	reqBody := openAIEmbeddingRequest{Model: p.cfg.Model, Input: text}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: openai returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding: openai returned no data")
	}
	return parsed.Data[0].Embedding, nil
}

// CachedProvider wraps a Provider with a content-hash-keyed LRU cache and a
// circuit breaker, so repeated consolidation passes over the same content
// (spec.md §4.5 step 3: "ensure an embedding exists ... cache by content
// hash") never re-issue a network call, and a failing provider degrades
// via the same retry/backoff policy as storage backends.
type CachedProvider struct {
	delegate Provider
	cache    *lru.Cache[string, []float32]
	breaker  *storage.Breaker
}

// NewCachedProvider wraps delegate with an LRU cache of the given size and
// a circuit breaker configured with retryCfg.
func NewCachedProvider(delegate Provider, cacheSize int, retryCfg storage.RetryConfig) (*CachedProvider, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{
		delegate: delegate,
		cache:    cache,
		breaker:  storage.NewBreaker(retryCfg),
	}, nil
}

func (p *CachedProvider) Model() string  { return p.delegate.Model() }
func (p *CachedProvider) Dimension() int { return p.delegate.Dimension() }

// Embed returns a cached embedding keyed by the SHA-256 of text if present,
// otherwise calls the delegate provider (through the circuit breaker) and
// populates the cache.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentHash(text)
	if vec, ok := p.cache.Get(key); ok {
		return vec, nil
	}

	var vec []float32
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := p.delegate.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.cache.Add(key, vec)
	return vec, nil
}

// ContentHash returns the hex-encoded SHA-256 of text, used both as the
// embedding cache key and as types.MemoryItem.ContentHash.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}
