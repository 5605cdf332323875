package rag

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"echovault/server/internal/config"
)

// EmbeddingCache stores cached embeddings
type EmbeddingCache struct {
	cache map[string]*CachedEmbedding
	ttl   time.Duration
	mu    sync.RWMutex
}

// CachedEmbedding holds a cached embedding with expiration
type CachedEmbedding struct {
	Vector    []float32
	CreatedAt time.Time
}

// EmbeddingService converts text to fixed-length vectors. When the provider
// is unreachable the coordinator stores records without a vector and flags
// them for backfill; no caller ever sees the outage directly.
type EmbeddingService struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
	timeout   time.Duration
	cache     *EmbeddingCache
	logger    zerolog.Logger
}

func NewEmbeddingService(cfg config.EmbeddingConfig, logger zerolog.Logger) *EmbeddingService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &EmbeddingService{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		cache: &EmbeddingCache{
			cache: make(map[string]*CachedEmbedding),
			ttl:   cfg.CacheTTL,
		},
		logger: logger.With().Str("component", "embedding").Logger(),
	}
}

// Dimension returns the process-wide embedding dimension.
func (s *EmbeddingService) Dimension() int {
	return s.dimension
}

// Embed generates an embedding for a single text
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.get(text); ok {
		return vec, nil
	}

	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := s.cache.get(text); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	for start := 0; start < len(uncachedTexts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(uncachedTexts) {
			end = len(uncachedTexts)
		}

		vectors, err := s.createEmbeddings(ctx, uncachedTexts[start:end])
		if err != nil {
			return nil, err
		}
		for i, vec := range vectors {
			idx := uncachedIndices[start+i]
			results[idx] = vec
			s.cache.put(uncachedTexts[start+i], vec)
		}
	}

	return results, nil
}

func (s *EmbeddingService) createEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: asked %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		if len(data.Embedding) != s.dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", s.dimension, len(data.Embedding))
		}
		vectors[data.Index] = NormalizeVector(data.Embedding)
	}
	return vectors, nil
}

// CacheSize returns the number of cached embeddings
func (s *EmbeddingService) CacheSize() int {
	s.cache.mu.RLock()
	defer s.cache.mu.RUnlock()
	return len(s.cache.cache)
}

// ClearCache clears the embedding cache
func (s *EmbeddingService) ClearCache() {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	s.cache.cache = make(map[string]*CachedEmbedding)
}

func (c *EmbeddingCache) get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.cache[text]
	if !ok {
		return nil, false
	}
	if time.Since(cached.CreatedAt) > c.ttl {
		return nil, false
	}
	return cached.Vector, true
}

func (c *EmbeddingCache) put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[text] = &CachedEmbedding{
		Vector:    vector,
		CreatedAt: time.Now(),
	}
}

// NormalizeVector normalizes a vector to unit length
func NormalizeVector(vector []float32) []float32 {
	if len(vector) == 0 {
		return vector
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// CosineSimilarity calculates cosine similarity between two vectors
func CosineSimilarity(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("vector dimensions don't match: %d vs %d", len(v1), len(v2))
	}
	if len(v1) == 0 {
		return 0, nil
	}

	var dotProduct, norm1, norm2 float64
	for i := range v1 {
		dotProduct += float64(v1[i]) * float64(v2[i])
		norm1 += float64(v1[i]) * float64(v1[i])
		norm2 += float64(v2[i]) * float64(v2[i])
	}

	norm1 = math.Sqrt(norm1)
	norm2 = math.Sqrt(norm2)
	if norm1 == 0 || norm2 == 0 {
		return 0, nil
	}
	return dotProduct / (norm1 * norm2), nil
}

// IsValidVector checks that a vector contains no NaN or Inf values
func IsValidVector(vector []float32) bool {
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
