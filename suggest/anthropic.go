/*
anthropic.go - HTTP client for the AI alternative-suggestion collaborator

PURPOSE:
  Asks the Anthropic messages API for cheaper substitutes for a
  subscription. This is the only network call in the whole engine and it
  is always invoked fire-and-forget outside the per-owner detection
  lease; see the engine package.

  The collaborator is a black box: the engine sends the subscription's
  display name, amount, category, and frequency, and stores whatever
  structured options come back. No suggestion content is interpreted.
*/
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spendwise/recurring-engine/recurring"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxOptions = 4
	apiVersion        = "2023-06-01"
)

const systemPrompt = `You are a personal finance advisor. The user has a subscription they're considering changing.
Suggest up to 4 cheaper or free alternatives. For each alternative, provide:
{
  "name": "Service name",
  "price": "$X/month or Free",
  "savings": "$X/month saved",
  "url": "website URL or null",
  "notes": "Brief explanation of tradeoffs"
}
Respond with a JSON array only. No markdown. Be specific and realistic.`

// Client calls the Anthropic messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxOptions int
	httpClient *http.Client
	now        func() time.Time
}

type ClientOption func(*Client)

func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock exists for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		maxOptions: defaultMaxOptions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// FetchAlternatives asks the collaborator for substitutes. The returned
// suggestion carries the structured options plus the raw text for display.
func (c *Client) FetchAlternatives(ctx context.Context, sub *recurring.Subscription) (*recurring.Suggestion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic api key not configured")
	}

	prompt := fmt.Sprintf("Service: %s, Amount: $%s/%s, Category: %s, Frequency: %s",
		sub.DisplayName,
		sub.TypicalAmount.StringFixed(2),
		cycleNoun(sub.Frequency),
		sub.Category,
		sub.Frequency,
	)

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: 2000,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("anthropic request failed")
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.Warn().Int("status", resp.StatusCode).Msg("anthropic non-200 response")
		return nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(decoded.Content) == 0 {
		return nil, fmt.Errorf("anthropic returned empty content")
	}

	text := stripFences(decoded.Content[0].Text)
	var options []recurring.SuggestionOption
	if err := json.Unmarshal([]byte(text), &options); err != nil {
		logger.Warn().Err(err).Str("raw_text", text).Msg("unparseable suggestion payload")
		return nil, fmt.Errorf("parse suggestion options: %w", err)
	}
	if len(options) > c.maxOptions {
		options = options[:c.maxOptions]
	}

	logger.Info().
		Str("subscription", string(sub.ID)).
		Int("options", len(options)).
		Msg("suggestion fetched")

	return &recurring.Suggestion{
		SubscriptionID: sub.ID,
		Text:           text,
		Options:        options,
		GeneratedAt:    recurring.DateOf(c.now()),
	}, nil
}

// stripFences removes a ```json ... ``` wrapper when the model adds one
// despite the prompt.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func cycleNoun(f recurring.Frequency) string {
	switch f {
	case recurring.FrequencyWeekly:
		return "week"
	case recurring.FrequencyQuarterly:
		return "quarter"
	case recurring.FrequencyAnnual:
		return "year"
	default:
		return "month"
	}
}
