// Package provider normalizes the OpenAI- and Anthropic-style chat HTTP
// APIs behind one Provider interface, per spec's "tagged variant plus a
// small dispatch function" polymorphism guidance — no inheritance hierarchy,
// just two implementations selected once at construction time.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Message is a single chat message (system, user, or assistant).
type Message struct {
	Role    string
	Content string
}

// Provider speaks one of the two supported chat dialects and normalizes it
// to a single text-completion call.
type Provider interface {
	// Call sends messages to model and returns the trimmed response text.
	// Any non-2xx status, network error, or timeout is returned as an error;
	// the caller (the façade in internal/llmclient) is responsible for
	// circuit-breaker bookkeeping, not this package.
	Call(ctx context.Context, messages []Message, model string) (string, error)
}

// Config carries the provider-specific wiring the two adapters need.
type Config struct {
	Name       string // "openai" or "anthropic"
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs the Provider named by cfg.Name. Unknown names fall back to
// openai, matching spec.md's default.
func New(cfg Config) Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient()
	}
	if strings.EqualFold(cfg.Name, "anthropic") {
		return &anthropicProvider{apiKey: cfg.APIKey, baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: client}
	}
	return &openAIProvider{apiKey: cfg.APIKey, baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: client}
}

// NewHTTPClient builds the shared HTTP transport used for egress calls to
// the provider: a small keep-alive pool (max 5 concurrent, <=2 idle) with
// HTTP/2 configured on the client side. The teacher's internal/mitm package
// used golang.org/x/net/http2 to serve intercepted connections server-side;
// here the same package configures the client transport that talks to the
// provider, since this daemon has no interception use case but does make
// outbound HTTP/2 calls.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		MaxConnsPerHost:     5,
		IdleConnTimeout:     90 * time.Second,
	}
	// Best-effort: HTTP/2 configuration never prevents HTTP/1.1 fallback.
	_ = http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport}
}

func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// --- OpenAI-style adapter ---

type openAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string               `json:"model"`
	Messages    []openAIChatMessage  `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *openAIProvider) Call(ctx context.Context, messages []Message, model string) (string, error) {
	chatMessages := make([]openAIChatMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = openAIChatMessage{Role: m.Role, Content: m.Content}
	}

	body := openAIChatRequest{
		Model:       model,
		Messages:    chatMessages,
		Temperature: 0.3,
		MaxTokens:   200,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"Content-Type":  "application/json",
	}

	data, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/chat/completions", headers, body, 0)
	if err != nil {
		return "", err
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// --- Anthropic-style adapter ---

type anthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl map[string]string      `json:"cache_control"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	Messages    []anthropicMessage     `json:"messages"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropicProvider) Call(ctx context.Context, messages []Message, model string) (string, error) {
	// Hoist the system message out of the messages array into the
	// top-level "system" field, per the Anthropic dialect; everything else
	// passes through with role and content preserved.
	var systemText string
	var rest []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			systemText = m.Content
			continue
		}
		rest = append(rest, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body := anthropicRequest{
		Model:       model,
		Messages:    rest,
		MaxTokens:   200,
		Temperature: 0.3,
	}
	if systemText != "" {
		body.System = []anthropicSystemBlock{{
			Type:         "text",
			Text:         systemText,
			CacheControl: map[string]string{"type": "ephemeral"},
		}}
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
		"anthropic-beta":    "prompt-caching-2024-07-31",
		"Content-Type":      "application/json",
	}

	data, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/v1/messages", headers, body, 0)
	if err != nil {
		return "", err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}
