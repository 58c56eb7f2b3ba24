package embedder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantNil  bool
		wantErr  error
		provider string
	}{
		{name: "none disables the family", cfg: Config{Provider: "none"}, wantNil: true},
		{name: "empty defaults to local", cfg: Config{Dimension: 8}, provider: ProviderLocal},
		{name: "http", cfg: Config{Provider: "HTTP", Dimension: 8}, provider: ProviderHTTP},
		{name: "openai needs key", cfg: Config{Provider: "openai", Dimension: 8}, wantErr: ErrMissingAPIKey},
		{name: "jina", cfg: Config{Provider: "jina", APIKey: "k", Dimension: 8}, provider: ProviderJina},
		{name: "remote needs dimension", cfg: Config{Provider: "http"}, wantErr: ErrInvalidInput},
		{name: "unknown", cfg: Config{Provider: "word2vec", Dimension: 8}, wantErr: ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := New(tt.cfg, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, emb)
				return
			}
			assert.Equal(t, tt.provider, emb.Provider())
			assert.Equal(t, 8, emb.Dimension())
		})
	}
}

func TestCache(t *testing.T) {
	cache := NewCache(2)
	emb := &Embedding{Vector: []float32{1, 2}, Dimension: 2}

	cache.Set("a", emb)
	got, ok := cache.Get("a")
	require.True(t, ok)
	got.Vector[0] = 9
	again, _ := cache.Get("a")
	assert.Equal(t, float32(1), again.Vector[0])

	cache.Set("b", emb)
	cache.Set("c", emb)
	assert.Equal(t, 2, cache.Size())
	_, ok = cache.Get("a")
	assert.False(t, ok)

	cache.Clear()
	assert.Equal(t, 0, cache.Size())

	var nilCache *Cache
	_, ok = nilCache.Get("a")
	assert.False(t, ok)
	nilCache.Set("a", emb)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("http", "m", "text"), CacheKey("http", "m", "text"))
	assert.NotEqual(t, CacheKey("http", "m", "text"), CacheKey("local", "m", "text"))
	assert.NotEqual(t, CacheKey("http", "m1", "text"), CacheKey("http", "m2", "text"))
}

func TestValidateBatchRequest(t *testing.T) {
	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{Texts: []string{"a", ""}}), ErrInvalidInput)
	assert.NoError(t, ValidateBatchRequest(BatchEmbeddingRequest{Texts: []string{"a"}}))
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, permanent(ErrInvalidInput)
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = retryWithBackoff(ctx, cfg, func() (int, error) {
		return 0, ErrProviderFailed
	})
	assert.ErrorIs(t, err, context.Canceled)
}
