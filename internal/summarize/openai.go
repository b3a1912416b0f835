// Package summarize turns free-form customer feedback into a short list of
// actionable points using an OpenAI-compatible chat completions API.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"

	maxTokens        = 200
	temperature      = 0.3
	fallbackWords    = 20
	noSummaryMessage = "Unable to generate summary"
)

const systemPrompt = `You are a feedback analyzer for a startup platform. Extract ONLY the most important, actionable feedback points from customer feedback.

RULES:
- Return ONLY bullet points (• or -)
- Focus on specific issues, bugs, feature requests, or UX problems
- Be concise and direct
- Skip general comments or compliments
- Maximum 5-7 bullet points
- Each bullet should be 1-2 sentences max
- If no actionable feedback found, return "No specific actionable feedback identified"`

// ErrEmptyText is returned for blank input.
var ErrEmptyText = errors.New("text is required")

// APIError is returned when the completions API answers with a non-200
// status other than a rate limit.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("summarize: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("summarize: HTTP %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	log        *slog.Logger
}

func New(cfg Config) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		log:        cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "summarize")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize returns bullet points extracted from text. When the API is rate
// limited it returns a digest of the first words instead of failing.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Analyze this customer feedback and extract the key actionable points:\n\n" + text},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("summarize: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.log.Warn("completions API rate limited, returning fallback summary")
		return Fallback(text), nil
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		c.log.Error("completions API error", "status", resp.StatusCode, "error", apiErr)
		return "", apiErr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("summarize: decoding response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return noSummaryMessage, nil
	}
	return out.Choices[0].Message.Content, nil
}

// Fallback builds the digest served while the API is unavailable.
func Fallback(text string) string {
	words := strings.Split(text, " ")
	if len(words) > fallbackWords {
		words = words[:fallbackWords]
	}
	return fmt.Sprintf("• %s...\n• [AI summarization temporarily unavailable due to quota limit]\n• Please check OpenAI billing or try again later",
		strings.Join(words, " "))
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
}
