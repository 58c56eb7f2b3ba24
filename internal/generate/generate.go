// Package generate produces answers from ranked context with an LLM.
package generate

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

// Defaults for the Ollama client
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultModel       = "llama3"
	DefaultTimeout     = 120 * time.Second
	DefaultTemperature = 0.2

	contextSeparator = "\n---\n"
	maxErrorBody     = 4096
)

// ErrEmptyAnswer is returned when the model produced no text
var ErrEmptyAnswer = errors.New("model returned an empty answer")

// Generator answers a question from context passages
type Generator interface {
	Generate(ctx context.Context, query string, passages []string) (string, error)
	Model() string
}

// BuildPrompt renders the answer prompt for query over passages
func BuildPrompt(query string, passages []string) string {
	return "You are ZenGlow Assistant. Use context to answer.\nContext:\n" +
		strings.Join(passages, contextSeparator) +
		"\nQuestion: " + query + "\nAnswer:"
}

// OllamaConfig configures the Ollama client
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Ollama generates answers through the Ollama /api/generate endpoint
type Ollama struct {
	client      *http.Client
	baseURL     string
	model       string
	temperature float64
}

var _ Generator = (*Ollama)(nil)

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type options struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllama creates an Ollama client, filling unset fields with defaults
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &Ollama{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

// Model returns the configured model name
func (o *Ollama) Model() string {
	return o.model
}

// Generate sends the rendered prompt and returns the trimmed answer
func (o *Ollama) Generate(ctx context.Context, query string, passages []string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   o.model,
		Prompt:  BuildPrompt(query, passages),
		Stream:  false,
		Options: &options{Temperature: o.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	answer := strings.TrimSpace(out.Response)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}
