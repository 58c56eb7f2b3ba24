package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnknownProvider   = errors.New("unknown embedding provider")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrMissingAPIKey     = errors.New("embedding provider api key not set")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const defaultCacheLen = 10000

// Embedding is one vector plus where it came from. Key is the value it is
// cached under.
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Key       string
}

type EmbeddingRequest struct {
	Text string
}

type BatchEmbeddingRequest struct {
	Texts []string
}

// BatchEmbeddingResponse carries Embeddings[i] for Texts[i].
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder turns text into vectors of Dimension() floats. The small and
// dense retrieval families each hold their own Embedder.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)
	Dimension() int
	Provider() string
	Model() string
	Close() error
}

// Cache memoizes embeddings by CacheKey. A nil *Cache is valid and never
// hits.
type Cache struct {
	entries *lru.Cache[string, *Embedding]
}

func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = defaultCacheLen
	}
	entries, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		entries, _ = lru.New[string, *Embedding](defaultCacheLen)
	}
	return &Cache{entries: entries}
}

// Get hands out a copy so callers may mutate the vector.
func (c *Cache) Get(key string) (*Embedding, bool) {
	if c == nil {
		return nil, false
	}
	hit, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	cp := *hit
	cp.Vector = slices.Clone(hit.Vector)
	return &cp, true
}

func (c *Cache) Set(key string, emb *Embedding) {
	if c != nil {
		c.entries.Add(key, emb)
	}
}

func (c *Cache) Size() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

func (c *Cache) Clear() {
	if c != nil {
		c.entries.Purge()
	}
}

// CacheKey hashes text together with provider and model so vectors from
// different models never collide.
func CacheKey(provider, model, text string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func ValidateRequest(req EmbeddingRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if i := slices.IndexFunc(req.Texts, func(s string) bool { return strings.TrimSpace(s) == "" }); i >= 0 {
		return fmt.Errorf("%w: text %d is blank", ErrInvalidInput, i)
	}
	return nil
}
