package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestRemote(t *testing.T, cfg Config) *RemoteProvider {
	t.Helper()
	p, err := newRemoteProvider(cfg, NewCache(100))
	require.NoError(t, err)
	p.retry = fastRetry()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func vectorOf(dim int, v float32) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRemoteProvider_TextsFormat(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var batchSizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req struct {
			Texts []string `json:"texts"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		batchSizes = append(batchSizes, len(req.Texts))
		mu.Unlock()

		embeddings := make([][]float32, len(req.Texts))
		for i, text := range req.Texts {
			embeddings[i] = vectorOf(4, float32(len(text)))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	defer server.Close()

	p := newTestRemote(t, Config{Provider: ProviderHTTP, Endpoint: server.URL, Dimension: 4, BatchSize: 2})
	ctx := context.Background()

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "bb", "ccc"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	mu.Lock()
	assert.Equal(t, []int{2, 1}, batchSizes)
	mu.Unlock()
	assert.Equal(t, float32(2), resp.Embeddings[1].Vector[0])
	assert.Equal(t, float32(3), resp.Embeddings[2].Vector[0])

	// Cached texts are not sent again
	before := calls.Load()
	emb, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "bb"})
	require.NoError(t, err)
	assert.Equal(t, 4, emb.Dimension)
	assert.Equal(t, before, calls.Load())
}

func TestRemoteProvider_DataFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultOpenAIModel, req.Model)

		// Out-of-order indices are placed by index
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": vectorOf(3, 2)},
				{"index": 0, "embedding": vectorOf(3, 1)},
			},
		})
	}))
	defer server.Close()

	p := newTestRemote(t, Config{Provider: ProviderOpenAI, Endpoint: server.URL, APIKey: "test-key", Dimension: 3})

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"first", "second"}})
	require.NoError(t, err)
	assert.Equal(t, float32(1), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(2), resp.Embeddings[1].Vector[0])
	assert.Equal(t, ProviderOpenAI, resp.Provider)
}

func TestRemoteProvider_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 2}}})
	}))
	defer server.Close()

	p := newTestRemote(t, Config{Provider: ProviderHTTP, Endpoint: server.URL, Dimension: 4})

	_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.ErrorContains(t, err, "dimension")
}

func TestRemoteProvider_Retry(t *testing.T) {
	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 0}}})
		}))
		defer server.Close()

		p := newTestRemote(t, Config{Provider: ProviderHTTP, Endpoint: server.URL, Dimension: 2})
		_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad input", http.StatusBadRequest)
		}))
		defer server.Close()

		p := newTestRemote(t, Config{Provider: ProviderHTTP, Endpoint: server.URL, Dimension: 2})
		_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
		assert.ErrorIs(t, err, ErrProviderFailed)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestLocalProvider(t *testing.T) {
	p, err := NewLocalProvider(64, NewCache(10))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Refund policy for orders"})
	require.NoError(t, err)
	b, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "refund POLICY for orders!"})
	require.NoError(t, err)
	c, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "kubernetes ingress controller"})
	require.NoError(t, err)

	assert.Len(t, a.Vector, 64)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Greater(t, dot(a.Vector, b.Vector), dot(a.Vector, c.Vector))
	assert.InDelta(t, 1.0, dot(a.Vector, a.Vector), 1e-5)

	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = NewLocalProvider(0, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
