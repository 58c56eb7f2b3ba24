package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider names
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderLocal  = "local"
	ProviderNone   = "none"

	DefaultHTTPEndpoint   = "http://127.0.0.1:8000/model/embed"
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/embeddings"
	DefaultJinaEndpoint   = "https://api.jina.ai/v1/embeddings"

	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultJinaModel   = "jina-embeddings-v3"

	DefaultBatchSize = 32
	DefaultTimeout   = 30 * time.Second

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// wireFormat encodes a batch request and decodes the response for one API
// dialect.
type wireFormat interface {
	encode(texts []string, model string) ([]byte, error)
	decode(body io.Reader) ([][]float32, error)
}

// textsFormat is the plain embedding service: {"texts": [...]} in,
// {"embeddings": [[...]]} out.
type textsFormat struct{}

func (textsFormat) encode(texts []string, _ string) ([]byte, error) {
	return json.Marshal(map[string]any{"texts": texts})
}

func (textsFormat) decode(body io.Reader) ([][]float32, error) {
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.Embeddings, nil
}

// dataFormat is the OpenAI-compatible shape shared by OpenAI and Jina.
type dataFormat struct{}

func (dataFormat) encode(texts []string, model string) ([]byte, error) {
	return json.Marshal(map[string]any{"input": texts, "model": model})
}

func (dataFormat) decode(body io.Reader) ([][]float32, error) {
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

// RemoteProvider calls an embedding service over HTTP.
type RemoteProvider struct {
	provider   string
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	format     wireFormat
	httpClient *http.Client
	cache      *Cache
	retry      RetryConfig
}

func newRemoteProvider(cfg Config, cache *Cache) (*RemoteProvider, error) {
	p := &RemoteProvider{
		provider:  cfg.Provider,
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		cache:     cache,
		retry:     DefaultRetryConfig(),
	}

	switch cfg.Provider {
	case ProviderHTTP:
		p.format = textsFormat{}
		if p.endpoint == "" {
			p.endpoint = DefaultHTTPEndpoint
		}
	case ProviderOpenAI:
		p.format = dataFormat{}
		if p.endpoint == "" {
			p.endpoint = DefaultOpenAIEndpoint
		}
		if p.model == "" {
			p.model = DefaultOpenAIModel
		}
	case ProviderJina:
		p.format = dataFormat{}
		if p.endpoint == "" {
			p.endpoint = DefaultJinaEndpoint
		}
		if p.model == "" {
			p.model = DefaultJinaModel
		}
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnknownProvider, cfg.Provider)
	}

	if cfg.Provider != ProviderHTTP && p.apiKey == "" {
		return nil, fmt.Errorf("%w: %s requires an api key", ErrMissingAPIKey, cfg.Provider)
	}
	if p.dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidInput)
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p.httpClient = &http.Client{Timeout: timeout}
	return p, nil
}

func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch serves cached texts from the cache and sends the rest in
// batches of at most batchSize.
func (p *RemoteProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	out := make([]*Embedding, len(req.Texts))
	var missing []int
	for i, text := range req.Texts {
		if emb, ok := p.cache.Get(CacheKey(p.provider, p.model, text)); ok {
			out[i] = emb
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += p.batchSize {
		end := min(start+p.batchSize, len(missing))
		idx := missing[start:end]
		texts := make([]string, len(idx))
		for j, i := range idx {
			texts[j] = req.Texts[i]
		}

		vectors, err := retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
			return p.callAPI(ctx, texts)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
		}

		for j, i := range idx {
			key := CacheKey(p.provider, p.model, texts[j])
			emb := &Embedding{
				Vector:    vectors[j],
				Dimension: len(vectors[j]),
				Provider:  p.provider,
				Model:     p.model,
				Key:       key,
			}
			p.cache.Set(key, emb)
			out[i] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   p.provider,
		Model:      p.model,
	}, nil
}

func (p *RemoteProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := p.format.encode(texts, p.model)
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apiErr
		}
		return nil, permanent(apiErr)
	}

	vectors, err := p.format.decode(resp.Body)
	if err != nil {
		return nil, permanent(err)
	}
	if len(vectors) != len(texts) {
		return nil, permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors)))
	}
	for i, v := range vectors {
		if len(v) != p.dimension {
			return nil, permanent(fmt.Errorf("%w: embedding %d has %d dimensions, want %d",
				ErrDimensionMismatch, i, len(v), p.dimension))
		}
	}
	return vectors, nil
}

func (p *RemoteProvider) Dimension() int {
	return p.dimension
}

func (p *RemoteProvider) Provider() string {
	return p.provider
}

func (p *RemoteProvider) Model() string {
	return p.model
}

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
