// Package embedding turns text into vectors through an HTTP embedding
// provider, pacing requests with a shared gate.
package embedding

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

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnavailable means the provider is not configured.
	ErrUnavailable = errors.New("embedding: provider unavailable")
	// ErrEmptyEmbedding means the provider answered without a vector.
	ErrEmptyEmbedding = errors.New("embedding: empty embedding")
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding: %s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Provider produces one embedding per call.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

func postJSON(ctx context.Context, hc *http.Client, provider, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: %s: encode: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: %s: %w", provider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: %s: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: %s: decode: %w", provider, err)
	}
	return nil
}

// OpenAI calls an OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

// OpenAIOpts configures an OpenAI provider.
type OpenAIOpts struct {
	APIKey     string
	BaseURL    string // defaults to https://api.openai.com/v1
	Model      string // defaults to text-embedding-3-small
	Dimensions int    // sent when positive
	Timeout    time.Duration
}

// NewOpenAI creates an OpenAI embedding provider.
func NewOpenAI(opts OpenAIOpts) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &OpenAI{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		client:     &http.Client{Timeout: opts.Timeout},
	}
}

type openAIEmbedReq struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Model returns the configured model name.
func (o *OpenAI) Model() string { return o.model }

// Embed implements Provider.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.apiKey == "" {
		return nil, ErrUnavailable
	}
	var out openAIEmbedResp
	header := http.Header{"Authorization": {"Bearer " + o.apiKey}}
	req := openAIEmbedReq{Model: o.model, Input: text, Dimensions: o.dimensions}
	if err := postJSON(ctx, o.client, "openai", o.baseURL+"/embeddings", header, req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return out.Data[0].Embedding, nil
}

// Ollama calls a local Ollama server's /api/embeddings endpoint.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama embedding provider.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Model returns the configured model name.
func (o *Ollama) Model() string { return o.model }

// Embed implements Provider.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var out ollamaEmbedResp
	req := ollamaEmbedReq{Model: o.model, Prompt: text}
	if err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/embeddings", nil, req, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
