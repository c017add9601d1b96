// Package anthropic implements the evolution engine against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/outcome"
)

const (
	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-5"

	// DefaultBaseURL is the Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"

	messagesPath = "/v1/messages"
)

// Config holds Anthropic client configuration
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64 // nil uses the deterministic default
	MaxTokens   int
	Timeout     time.Duration
}

// Client calls the Anthropic Messages API to evolve playbook content. It
// makes exactly one API call per Evolve; retry policy belongs to the
// worker, which sees transient failures marked as such.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new Anthropic evolution engine
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		temp := 0.2 // Deterministic default
		config.Temperature = &temp
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 8192
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// SetHTTPClient replaces the underlying HTTP client (for testing)
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// MessagesRequest represents a request to the Anthropic Messages API
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// evolutionResponse is the structured reply the prompt asks the model for
type evolutionResponse struct {
	HasChanges  bool   `json:"has_changes"`
	Content     string `json:"content"`
	DiffSummary string `json:"diff_summary"`
}

// Evolve implements evolution.Engine
func (c *Client) Evolve(ctx context.Context, content string, outcomes []*outcome.Outcome) (*evolution.Result, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("anthropic API key not configured")
	}

	req := MessagesRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: *c.config.Temperature,
		System:      systemPrompt,
		Messages: []Message{
			{Role: "user", Content: buildUserPrompt(content, outcomes)},
		},
	}

	resp, err := c.createMessages(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	parsed, err := parseEvolutionResponse(text.String())
	if err != nil {
		return nil, errors.Wrap(err, "engine returned an unparseable evolution")
	}
	if parsed.HasChanges && strings.TrimSpace(parsed.Content) == "" {
		return nil, errors.New("engine claimed changes but returned empty content")
	}

	model := resp.Model
	if model == "" {
		model = c.config.Model
	}

	return &evolution.Result{
		Content:     parsed.Content,
		HasChanges:  parsed.HasChanges,
		DiffSummary: parsed.DiffSummary,
		Usage: evolution.Usage{
			Model:            model,
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CostUSD:          CalculateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		},
	}, nil
}

// createMessages sends one request to the Anthropic Messages API. Failures
// worth retrying (network errors, 408/429/5xx/overloaded) come back marked
// transient.
func (c *Client) createMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+messagesPath, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network-level failure: connection refused, DNS, client timeout
		return nil, evolution.MarkTransient(errors.Wrap(err, "failed to send request"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, evolution.MarkTransient(errors.Wrap(err, "failed to read response"))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := errors.Newf("API request failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
		if isRetryableStatus(resp.StatusCode) {
			return nil, evolution.MarkTransient(apiErr)
		}
		return nil, apiErr
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &messagesResp, nil
}

// isRetryableStatus reports whether the status code signals a failure that a
// later attempt can succeed on
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func truncateBody(body []byte) string {
	const max = 500
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}

// parseEvolutionResponse extracts the structured JSON reply, tolerating
// models that wrap it in a markdown code fence.
func parseEvolutionResponse(text string) (*evolutionResponse, error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	// Fall back to the outermost braces if the model added prose around
	// the object.
	if !strings.HasPrefix(trimmed, "{") {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return nil, errors.Newf("no JSON object in response: %s", truncateBody([]byte(trimmed)))
		}
		trimmed = trimmed[start : end+1]
	}

	var parsed evolutionResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse evolution JSON")
	}
	return &parsed, nil
}
