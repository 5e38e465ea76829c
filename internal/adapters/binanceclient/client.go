package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradesync/internal/domain"
	"tradesync/internal/matcher"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

const (
	// ProviderName is the registry key, circuit name and rate-limit scope.
	ProviderName = "binance"

	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// FuturesAccountID is the single account behind one USDⓈ-M futures key.
	FuturesAccountID = "usdm-futures"

	defaultPageLimit = 1000
	userTradesWeight = 5
)

// Client implements ports.ProviderAdapter for Binance USDⓈ-M futures.
// Binance only exposes raw executions, so trades are rebuilt with the shared matcher.
type Client struct {
	symbols   []string
	baseURL   string
	pageLimit int
	guard     *resilience.Guard
	logger    ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	Symbols    []string // Symbols whose executions are fetched, e.g. BTCUSDT
	UseTestnet bool
	BaseURL    string // Overrides the production/testnet URL
	PageLimit  int    // userTrades page size, max 1000
	Guard      *resilience.Guard
	Logger     ports.Logger
}

// New creates a new Binance adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("resilience guard is required for Binance client")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("binance: at least one symbol is required: %w", ports.ErrConfigurationError)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLProduction
		if cfg.UseTestnet {
			baseURL = baseURLTestnet
		}
	}
	limit := cfg.PageLimit
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	return &Client{
		symbols:   symbols,
		baseURL:   baseURL,
		pageLimit: limit,
		guard:     cfg.Guard,
		logger:    cfg.Logger,
	}, nil
}

// Name returns the provider key.
func (c *Client) Name() string { return ProviderName }

// futuresClient builds a client for one token. Nothing is cached between calls.
func (c *Client) futuresClient(token ports.AuthToken) *futures.Client {
	client := futures.NewClient(token.APIKey, token.APISecret)
	client.BaseURL = c.baseURL
	return client
}

// Authenticate checks the key pair against the account endpoint.
func (c *Client) Authenticate(ctx context.Context, userID string, creds ports.Credentials) (*ports.AuthResult, error) {
	op := "Authenticate"
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, &ports.AuthError{Provider: ProviderName, Err: errors.New("api key and secret are required")}
	}
	token := ports.AuthToken{
		Provider:    ProviderName,
		UserID:      userID,
		APIKey:      creds.APIKey,
		APISecret:   creds.APISecret,
		Environment: creds.Environment,
	}

	_, _, err := resilience.Call(ctx, c.guard, c.request(token, userTradesWeight), func(ctx context.Context) (*futures.Account, error) {
		account, err := c.futuresClient(token).NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		return account, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"userID": userID})
	return &ports.AuthResult{Token: token, Accounts: 1}, nil
}

// GetAccounts returns the futures account behind the key.
func (c *Client) GetAccounts(ctx context.Context, token ports.AuthToken) ([]domain.Account, error) {
	if token.APIKey == "" {
		return nil, &ports.AuthError{Provider: ProviderName, Err: errors.New("token carries no api key")}
	}
	return []domain.Account{{
		ID:       FuturesAccountID,
		Provider: ProviderName,
		Name:     "USDⓈ-M Futures",
		Currency: "USDT",
	}}, nil
}

// GetTrades fetches the full execution history of every configured symbol,
// rebuilds round trips and keeps those closed at or after since. History is
// always replayed from the start so positions opened before since are matched correctly.
func (c *Client) GetTrades(ctx context.Context, token ports.AuthToken, accountID string, since time.Time) (*ports.TradeBatch, error) {
	if accountID == "" {
		accountID = FuturesAccountID
	}
	batch := &ports.TradeBatch{AccountID: accountID}

	for _, symbol := range c.symbols {
		fills, anomalies, err := c.fetchFills(ctx, token, accountID, symbol)
		if err != nil {
			return nil, err
		}
		batch.Anomalies = append(batch.Anomalies, anomalies...)

		res := matcher.Reconstruct(accountID, symbol, fills)
		batch.FillCount += res.FillCount
		batch.Anomalies = append(batch.Anomalies, res.Anomalies...)
		batch.OpenPositions = append(batch.OpenPositions, res.OpenPositions...)
		for _, t := range res.Trades {
			if !since.IsZero() && t.ClosedAt.Before(since) {
				continue
			}
			t.Source = domain.SourceBrokerSync
			batch.Trades = append(batch.Trades, t)
		}
	}

	c.logger.Info(ctx, "Binance trades reconstructed", map[string]interface{}{
		"accountID": accountID,
		"fills":     batch.FillCount,
		"trades":    len(batch.Trades),
		"open":      len(batch.OpenPositions),
		"anomalies": len(batch.Anomalies),
	})
	return batch, nil
}

// fetchFills pages through userTrades by trade id.
func (c *Client) fetchFills(ctx context.Context, token ports.AuthToken, accountID, symbol string) ([]domain.Fill, []*ports.ReconstructionAnomaly, error) {
	op := "GetTrades"
	var (
		fills     []domain.Fill
		anomalies []*ports.ReconstructionAnomaly
		fromID    int64
	)
	for {
		page, _, err := resilience.Call(ctx, c.guard, c.request(token, userTradesWeight), func(ctx context.Context) ([]*futures.AccountTrade, error) {
			trades, err := c.futuresClient(token).NewListAccountTradeService().
				Symbol(symbol).
				FromID(fromID).
				Limit(c.pageLimit).
				Do(ctx)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			return trades, nil
		})
		if err != nil {
			return nil, nil, err
		}

		for _, t := range page {
			if t.ID >= fromID {
				fromID = t.ID + 1
			}
			fill, err := translateAccountTrade(t, accountID)
			if err != nil {
				anomalies = append(anomalies, &ports.ReconstructionAnomaly{
					Kind:      ports.AnomalyInvalidFill,
					AccountID: accountID,
					Symbol:    symbol,
					FillID:    strconv.FormatInt(t.ID, 10),
					Detail:    err.Error(),
				})
				continue
			}
			fills = append(fills, fill)
		}
		if len(page) < c.pageLimit {
			return fills, anomalies, nil
		}
	}
}

func (c *Client) request(token ports.AuthToken, cost int) resilience.Request {
	return resilience.Request{Provider: ProviderName, UserID: token.UserID, Cost: cost}
}

// translateAccountTrade converts one Binance execution into a signed Fill.
func translateAccountTrade(t *futures.AccountTrade, accountID string) (domain.Fill, error) {
	side, ok := domain.ParseSide(string(t.Side))
	if !ok {
		side = domain.Sell
		if t.Buyer {
			side = domain.Buy
		}
	}
	qty, err := strconv.ParseFloat(t.Quantity, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("could not parse quantity '%s': %w", t.Quantity, err)
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("could not parse price '%s': %w", t.Price, err)
	}
	var fee float64
	if t.Commission != "" {
		if fee, err = strconv.ParseFloat(t.Commission, 64); err != nil {
			return domain.Fill{}, fmt.Errorf("could not parse commission '%s': %w", t.Commission, err)
		}
	}

	return domain.NewFill(
		strconv.FormatInt(t.ID, 10),
		accountID,
		t.Symbol,
		side,
		qty,
		price,
		time.UnixMilli(t.Time).UTC(),
		fee,
	), nil
}

// handleError translates Binance API errors into the provider error taxonomy.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch code := apiErr.Code; {
		case code == -1003 || code == -1015: // Too many requests / orders
			mappedErr = &ports.RateLimitError{Provider: ProviderName, Scope: operation, Err: fmt.Errorf("%s failed: %w", operation, err)}
		case code == -1022 || code == -2014 || code == -2015: // Bad signature, key format, key/IP/permissions
			mappedErr = &ports.AuthError{Provider: ProviderName, Err: fmt.Errorf("%s failed: %w", operation, err)}
		case code == 0 || (code <= -1000 && code > -1100): // Server and network class errors
			mappedErr = &ports.ApiError{Provider: ProviderName, Operation: operation, Code: code, Message: apiErr.Message, Retryable: true}
		default: // Request and order errors
			mappedErr = &ports.ApiError{Provider: ProviderName, Operation: operation, Code: code, Message: apiErr.Message, Retryable: false}
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return mappedErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}
