// Package aiclient writes short journal notes for trades using OpenAI-compatible
// chat-completion endpoints. Providers are tried in configured order.
package aiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

const (
	defaultMaxTokens = 120
	maxErrorBody     = 4 << 10
	systemPrompt     = "You are a trading journal assistant. Write one or two neutral sentences summarising the trade. No advice."
)

// Provider is one chat-completion endpoint.
type Provider struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"` // e.g. https://api.openai.com/v1
	APIKey    string `yaml:"-"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Config holds the annotator configuration.
type Config struct {
	Providers  []Provider // Preferred provider first
	HTTPClient *http.Client
	Guard      *resilience.Guard
	Logger     ports.Logger
}

// Client implements ports.TradeAnnotator.
type Client struct {
	providers  []Provider
	byName     map[string]Provider
	httpClient *http.Client
	guard      *resilience.Guard
	logger     ports.Logger
}

// New creates an annotator over the configured providers.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for AI client")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("resilience guard is required for AI client")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("ai client: at least one provider is required: %w", ports.ErrConfigurationError)
	}
	c := &Client{
		byName:     make(map[string]Provider, len(cfg.Providers)),
		httpClient: cfg.HTTPClient,
		guard:      cfg.Guard,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	for _, p := range cfg.Providers {
		if p.Name == "" || p.BaseURL == "" || p.Model == "" {
			return nil, fmt.Errorf("ai client: provider %q needs name, base url and model: %w", p.Name, ports.ErrConfigurationError)
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("ai client: duplicate provider %q: %w", p.Name, ports.ErrConfigurationError)
		}
		if p.MaxTokens <= 0 {
			p.MaxTokens = defaultMaxTokens
		}
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		c.providers = append(c.providers, p)
		c.byName[p.Name] = p
	}
	return c, nil
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
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Annotate returns a note for the trade from the first provider that answers.
func (c *Client) Annotate(ctx context.Context, trade *domain.RoundTripTrade) (string, error) {
	if trade == nil {
		return "", fmt.Errorf("annotate: %w: trade is nil", ports.ErrInvalidRequest)
	}
	prompt := buildPrompt(trade)

	reqs := make([]resilience.Request, 0, len(c.providers))
	for _, p := range c.providers {
		reqs = append(reqs, resilience.Request{
			Provider: p.Name,
			UserID:   trade.UserID,
			Cost:     estimateTokens(systemPrompt+prompt) + p.MaxTokens,
		})
	}

	note, outcome, err := resilience.CallWithFallback(ctx, c.guard, reqs, func(ctx context.Context, provider string) (string, error) {
		return c.complete(ctx, c.byName[provider], prompt)
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug(ctx, "Trade annotated", map[string]interface{}{
		"provider": outcome.Provider,
		"attempts": outcome.Attempts,
		"symbol":   trade.Symbol,
	})
	return note, nil
}

func (c *Client) complete(ctx context.Context, p Provider, prompt string) (string, error) {
	op := "Annotate"
	body, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   p.MaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%s operation canceled: %w: %w", op, ports.ErrContextCanceled, err)
		}
		return "", fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", ports.ErrorFromHTTPStatus(p.Name, op, resp.StatusCode, strings.TrimSpace(string(raw)), 0)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ports.ApiError{Provider: p.Name, Operation: op, StatusCode: resp.StatusCode, Message: "could not decode response", Err: err}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", &ports.ApiError{Provider: p.Name, Operation: op, StatusCode: resp.StatusCode, Message: "empty completion"}
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// buildPrompt renders the trade facts the note is written from.
func buildPrompt(t *domain.RoundTripTrade) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\n", t.Symbol)
	fmt.Fprintf(&sb, "Direction: %s\n", t.Direction)
	fmt.Fprintf(&sb, "Opened: %s\n", t.OpenedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Closed: %s (held %s)\n", t.ClosedAt.UTC().Format(time.RFC3339), t.Duration().Round(time.Second))
	fmt.Fprintf(&sb, "Quantity: %g\n", t.Quantity)
	fmt.Fprintf(&sb, "Entry: %g Exit: %g\n", t.EntryPrice, t.ExitPrice)
	fmt.Fprintf(&sb, "Realized PnL: %.2f Fees: %.2f\n", t.RealizedPnL, t.Fees)
	if n := len(t.PartialExits); n > 1 {
		fmt.Fprintf(&sb, "Closed in %d partial exits\n", n)
	}
	return sb.String()
}

// estimateTokens is a rough four-characters-per-token estimate for rate limiting.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}
