// Package oanda implements the provider adapter for the OANDA v20 REST API.
//
// OANDA reports positions as trades with an open and a close, so closed trades
// map onto round trips directly and no fill matching is needed.
package oanda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

const (
	// ProviderName is the registry key, circuit name and rate-limit scope.
	ProviderName = "oanda"

	baseURLPractice = "https://api-fxpractice.oanda.com"
	baseURLLive     = "https://api-fxtrade.oanda.com"

	defaultPageSize = 500
	maxErrorBody    = 4 << 10
)

// Client implements ports.ProviderAdapter for OANDA.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	guard      *resilience.Guard
	logger     ports.Logger
	validate   *validator.Validate
}

// Config holds configuration for the OANDA adapter.
type Config struct {
	BaseURL    string // Overrides the practice/live URL chosen from the token environment
	HTTPClient *http.Client
	PageSize   int // Trades per page, max 500
	Guard      *resilience.Guard
	Logger     ports.Logger
}

// New creates an OANDA adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for OANDA client")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("resilience guard is required for OANDA client")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	size := cfg.PageSize
	if size <= 0 || size > defaultPageSize {
		size = defaultPageSize
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		pageSize:   size,
		guard:      cfg.Guard,
		logger:     cfg.Logger,
		validate:   validator.New(),
	}, nil
}

// Name returns the provider key.
func (c *Client) Name() string { return ProviderName }

type accountsResponse struct {
	Accounts []struct {
		ID string `json:"id" validate:"required"`
	} `json:"accounts" validate:"dive"`
}

// tradeResponse is one element of the /trades listing. Numbers arrive as strings.
type tradeResponse struct {
	ID                    string   `json:"id" validate:"required,numeric"`
	Instrument            string   `json:"instrument" validate:"required"`
	Price                 string   `json:"price" validate:"required,numeric"`
	OpenTime              string   `json:"openTime" validate:"required"`
	InitialUnits          string   `json:"initialUnits" validate:"required,numeric"`
	State                 string   `json:"state" validate:"required,eq=CLOSED"`
	RealizedPL            string   `json:"realizedPL" validate:"required,numeric"`
	Financing             string   `json:"financing" validate:"omitempty,numeric"`
	CloseTime             string   `json:"closeTime" validate:"required"`
	AverageClosePrice     string   `json:"averageClosePrice" validate:"required,numeric"`
	ClosingTransactionIDs []string `json:"closingTransactionIDs"`
}

type tradesResponse struct {
	Trades            []tradeResponse `json:"trades"`
	LastTransactionID string          `json:"lastTransactionID"`
}

// Authenticate validates the bearer token by listing accounts.
func (c *Client) Authenticate(ctx context.Context, userID string, creds ports.Credentials) (*ports.AuthResult, error) {
	if creds.AccessToken == "" {
		return nil, &ports.AuthError{Provider: ProviderName, Err: errors.New("access token is required")}
	}
	token := ports.AuthToken{
		Provider:    ProviderName,
		UserID:      userID,
		AccessToken: creds.AccessToken,
		Environment: creds.Environment,
	}
	accounts, err := c.GetAccounts(ctx, token)
	if err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Authenticate successful", map[string]interface{}{"userID": userID, "accounts": len(accounts)})
	return &ports.AuthResult{Token: token, Accounts: len(accounts)}, nil
}

// GetAccounts lists the accounts the token can access.
func (c *Client) GetAccounts(ctx context.Context, token ports.AuthToken) ([]domain.Account, error) {
	if token.AccessToken == "" {
		return nil, &ports.AuthError{Provider: ProviderName, Err: errors.New("token carries no access token")}
	}
	var resp accountsResponse
	if err := c.get(ctx, token, "GetAccounts", "/v3/accounts", nil, &resp); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&resp); err != nil {
		return nil, &ports.ApiError{Provider: ProviderName, Operation: "GetAccounts", Message: "malformed accounts payload", Err: err}
	}
	accounts := make([]domain.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		accounts = append(accounts, domain.Account{ID: a.ID, Provider: ProviderName, Name: a.ID})
	}
	return accounts, nil
}

// GetTrades pages backwards through the account's closed trades and returns
// those closed at or after since. Malformed trades are reported as anomalies.
func (c *Client) GetTrades(ctx context.Context, token ports.AuthToken, accountID string, since time.Time) (*ports.TradeBatch, error) {
	if accountID == "" {
		return nil, fmt.Errorf("GetTrades failed: %w: account id is required", ports.ErrInvalidRequest)
	}
	batch := &ports.TradeBatch{AccountID: accountID}
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/trades"

	beforeID := ""
	seen := make(map[string]struct{})
	for {
		q := url.Values{}
		q.Set("state", "CLOSED")
		q.Set("count", strconv.Itoa(c.pageSize))
		if beforeID != "" {
			q.Set("beforeID", beforeID)
		}
		var page tradesResponse
		if err := c.get(ctx, token, "GetTrades", path, q, &page); err != nil {
			return nil, err
		}

		fresh := 0
		for i := range page.Trades {
			raw := &page.Trades[i]
			beforeID = previousID(raw.ID)
			if _, dup := seen[raw.ID]; dup {
				continue
			}
			seen[raw.ID] = struct{}{}
			fresh++
			trade, err := c.translateTrade(raw, accountID)
			if err != nil {
				batch.Anomalies = append(batch.Anomalies, &ports.ReconstructionAnomaly{
					Kind:      ports.AnomalyInvalidFill,
					AccountID: accountID,
					Symbol:    raw.Instrument,
					FillID:    raw.ID,
					Detail:    err.Error(),
				})
				continue
			}
			batch.FillCount++
			if !since.IsZero() && trade.ClosedAt.Before(since) {
				continue
			}
			batch.Trades = append(batch.Trades, trade)
		}
		if len(page.Trades) < c.pageSize || fresh == 0 || beforeID == "0" {
			break
		}
	}

	// Pages arrive newest first.
	for i, j := 0, len(batch.Trades)-1; i < j; i, j = i+1, j-1 {
		batch.Trades[i], batch.Trades[j] = batch.Trades[j], batch.Trades[i]
	}

	c.logger.Info(ctx, "OANDA trades fetched", map[string]interface{}{
		"accountID": accountID,
		"trades":    len(batch.Trades),
		"anomalies": len(batch.Anomalies),
	})
	return batch, nil
}

// previousID returns the id just below id. beforeID is inclusive, so the next
// page starts there; non-numeric ids are passed through and deduplicated.
func previousID(id string) string {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return id
	}
	return strconv.FormatInt(n-1, 10)
}

// translateTrade maps a closed OANDA trade onto a round trip with one aggregate exit.
func (c *Client) translateTrade(raw *tradeResponse, accountID string) (*domain.RoundTripTrade, error) {
	if err := c.validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	units, _ := strconv.ParseFloat(raw.InitialUnits, 64)
	if units == 0 {
		return nil, errors.New("initialUnits is zero")
	}
	entry, _ := strconv.ParseFloat(raw.Price, 64)
	exit, _ := strconv.ParseFloat(raw.AverageClosePrice, 64)
	pnl, _ := strconv.ParseFloat(raw.RealizedPL, 64)
	var financing float64
	if raw.Financing != "" {
		financing, _ = strconv.ParseFloat(raw.Financing, 64)
	}
	openedAt, err := time.Parse(time.RFC3339Nano, raw.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("could not parse openTime '%s': %w", raw.OpenTime, err)
	}
	closedAt, err := time.Parse(time.RFC3339Nano, raw.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("could not parse closeTime '%s': %w", raw.CloseTime, err)
	}
	if closedAt.Before(openedAt) {
		return nil, errors.New("closeTime precedes openTime")
	}

	direction := domain.Long
	if units < 0 {
		direction = domain.Short
	}
	qty := math.Abs(units)
	fees := math.Abs(financing)

	return &domain.RoundTripTrade{
		AccountID:   accountID,
		Symbol:      raw.Instrument,
		Direction:   direction,
		OpenedAt:    openedAt.UTC(),
		ClosedAt:    closedAt.UTC(),
		EntryPrice:  entry,
		ExitPrice:   exit,
		Quantity:    qty,
		RealizedPnL: pnl,
		Fees:        fees,
		PartialExits: []domain.PartialExit{{
			ExitedAt:  closedAt.UTC(),
			ExitPrice: exit,
			Quantity:  qty,
			PnL:       pnl,
			Fee:       fees,
		}},
		Source: domain.SourceBrokerSync,
	}, nil
}

// get performs one guarded GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, token ports.AuthToken, op, path string, query url.Values, out interface{}) error {
	endpoint := c.endpoint(token) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req := resilience.Request{Provider: ProviderName, UserID: token.UserID, Cost: 1}

	_, _, err := resilience.Call(ctx, c.guard, req, func(ctx context.Context) (struct{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
		httpReq.Header.Set("Accept-Datetime-Format", "RFC3339")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return struct{}{}, c.transportError(ctx, op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			apiErr := ports.ErrorFromHTTPStatus(ProviderName, op, resp.StatusCode, errorMessage(body), retryAfter(resp.Header))
			c.logger.Error(ctx, apiErr, fmt.Sprintf("%s failed with API error", op), map[string]interface{}{"status": resp.StatusCode})
			return struct{}{}, apiErr
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, &ports.ApiError{Provider: ProviderName, Operation: op, StatusCode: resp.StatusCode, Message: "could not decode response", Err: err}
		}
		return struct{}{}, nil
	})
	return err
}

func (c *Client) endpoint(token ports.AuthToken) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if strings.EqualFold(token.Environment, "live") {
		return baseURLLive
	}
	return baseURLPractice
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", op, ports.ErrContextCanceled, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", op))
	return finalErr
}

// errorMessage extracts OANDA's errorMessage field, falling back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrorMessage != "" {
		return payload.ErrorMessage
	}
	return strings.TrimSpace(string(body))
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
