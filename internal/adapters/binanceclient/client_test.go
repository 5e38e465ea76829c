package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestGuard() *resilience.Guard {
	log := &mockLogger{}
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, log)
	return resilience.NewGuard(nil, registry, resilience.RetryConfig{Enabled: false}, log)
}

func newTestClient(t *testing.T, baseURL string, pageLimit int) *Client {
	t.Helper()
	c, err := New(Config{
		Symbols:   []string{"btcusdt"},
		BaseURL:   baseURL,
		PageLimit: pageLimit,
		Guard:     newTestGuard(),
		Logger:    &mockLogger{},
	})
	require.NoError(t, err)
	return c
}

var testToken = ports.AuthToken{Provider: ProviderName, UserID: "u1", APIKey: "key", APISecret: "secret"}

// tradeJSON renders one userTrades element.
func tradeJSON(id int64, side string, qty, price, fee string, ms int64) string {
	return fmt.Sprintf(`{"buyer":%t,"commission":"%s","commissionAsset":"USDT","id":%d,"maker":false,"orderId":%d,"price":"%s","qty":"%s","quoteQty":"0","realizedPnl":"0","side":"%s","positionSide":"BOTH","symbol":"BTCUSDT","time":%d}`,
		side == "BUY", fee, id, id*10, price, qty, side, ms)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Symbols: []string{"BTCUSDT"}, Guard: newTestGuard()})
	assert.Error(t, err)

	_, err = New(Config{Symbols: []string{"BTCUSDT"}, Logger: &mockLogger{}})
	assert.Error(t, err)

	_, err = New(Config{Guard: newTestGuard(), Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	c, err := New(Config{Symbols: []string{" ethusdt "}, UseTestnet: true, Guard: newTestGuard(), Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.Equal(t, baseURLTestnet, c.baseURL)
	assert.Equal(t, []string{"ETHUSDT"}, c.symbols)
	assert.Equal(t, defaultPageLimit, c.pageLimit)
}

func TestTranslateAccountTrade(t *testing.T) {
	ms := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()

	fill, err := translateAccountTrade(&futures.AccountTrade{
		ID: 42, Symbol: "BTCUSDT", Side: futures.SideTypeSell,
		Quantity: "0.5", Price: "64000.5", Commission: "-1.25", Time: ms,
	}, "acct")
	require.NoError(t, err)
	assert.Equal(t, "42", fill.ProviderFillID)
	assert.Equal(t, "acct", fill.AccountID)
	assert.Equal(t, domain.Sell, fill.Side)
	assert.Equal(t, -0.5, fill.Quantity)
	assert.Equal(t, 64000.5, fill.Price)
	assert.Equal(t, 1.25, fill.Fee)
	assert.Equal(t, time.UnixMilli(ms).UTC(), fill.Timestamp)

	// Side missing: fall back to the buyer flag.
	fill, err = translateAccountTrade(&futures.AccountTrade{ID: 1, Symbol: "BTCUSDT", Buyer: true, Quantity: "2", Price: "10", Time: ms}, "acct")
	require.NoError(t, err)
	assert.Equal(t, domain.Buy, fill.Side)
	assert.Equal(t, 2.0, fill.Quantity)
	assert.Zero(t, fill.Fee)

	_, err = translateAccountTrade(&futures.AccountTrade{ID: 2, Side: futures.SideTypeBuy, Quantity: "x", Price: "10"}, "acct")
	assert.Error(t, err)
	_, err = translateAccountTrade(&futures.AccountTrade{ID: 3, Side: futures.SideTypeBuy, Quantity: "1", Price: ""}, "acct")
	assert.Error(t, err)
}

func TestHandleError_Mapping(t *testing.T) {
	c := newTestClient(t, "http://unused", 0)
	ctx := context.Background()

	tests := []struct {
		name      string
		code      int64
		check     func(t *testing.T, err error)
		retryable bool
	}{
		{"rate limited", -1003, func(t *testing.T, err error) {
			var rl *ports.RateLimitError
			assert.ErrorAs(t, err, &rl)
			assert.False(t, rl.Local)
		}, true},
		{"bad signature", -1022, func(t *testing.T, err error) {
			var ae *ports.AuthError
			assert.ErrorAs(t, err, &ae)
		}, false},
		{"invalid key", -2015, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ports.ErrAuthenticationFailed)
		}, false},
		{"server busy", -1008, func(t *testing.T, err error) {
			var api *ports.ApiError
			require.ErrorAs(t, err, &api)
			assert.Equal(t, int64(-1008), api.Code)
		}, true},
		{"bad parameter", -1102, func(t *testing.T, err error) {
			var api *ports.ApiError
			require.ErrorAs(t, err, &api)
			assert.Equal(t, "GetTrades", api.Operation)
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.handleError(ctx, &common.APIError{Code: tt.code, Message: tt.name}, "GetTrades")
			tt.check(t, err)
			assert.Equal(t, tt.retryable, ports.IsRetryable(err))
		})
	}

	err := c.handleError(ctx, context.DeadlineExceeded, "GetTrades")
	assert.ErrorIs(t, err, ports.ErrTimeout)

	err = c.handleError(ctx, context.Canceled, "GetTrades")
	assert.ErrorIs(t, err, ports.ErrContextCanceled)
	assert.False(t, ports.IsRetryable(err))

	err = c.handleError(ctx, errors.New("dial tcp: connection refused"), "GetTrades")
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.True(t, ports.IsRetryable(err))

	assert.NoError(t, c.handleError(ctx, nil, "GetTrades"))
}

// fakeExchange serves userTrades pages keyed by fromId.
type fakeExchange struct {
	mu      sync.Mutex
	trades  []string
	ids     []int64
	calls   int
	status  int
	errBody string
}

func (f *fakeExchange) add(id int64, side, qty, price, fee string, at time.Time) {
	f.trades = append(f.trades, tradeJSON(id, side, qty, price, fee, at.UnixMilli()))
	f.ids = append(f.ids, id)
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprint(w, f.errBody)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/userTrades"):
		fromID, _ := strconv.ParseInt(r.URL.Query().Get("fromId"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var page []string
		for i, id := range f.ids {
			if id >= fromID && len(page) < limit {
				page = append(page, f.trades[i])
			}
		}
		fmt.Fprintf(w, "[%s]", strings.Join(page, ","))
	case strings.Contains(r.URL.Path, "/account"):
		fmt.Fprint(w, `{"assets":[],"positions":[]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":-1000,"msg":"not found"}`)
	}
}

func TestGetTrades_PagesAndReconstructs(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ex := &fakeExchange{}
	ex.add(1, "BUY", "1", "100", "0.1", base)
	ex.add(2, "BUY", "1", "110", "0.1", base.Add(time.Minute))
	ex.add(3, "SELL", "2", "120", "0.2", base.Add(2*time.Minute))
	ex.add(4, "SELL", "1", "118", "0.1", base.Add(48*time.Hour))
	ex.add(5, "BUY", "1", "115", "0.1", base.Add(49*time.Hour))
	ex.add(6, "SELL", "1", "116", "0.1", base.Add(50*time.Hour))
	srv := httptest.NewServer(ex)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)

	batch, err := c.GetTrades(context.Background(), testToken, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, FuturesAccountID, batch.AccountID)
	assert.Equal(t, 6, batch.FillCount)
	assert.Empty(t, batch.Anomalies)
	require.Len(t, batch.Trades, 2)
	// Six trades at page size two: three full pages and one empty page.
	assert.Equal(t, 4, ex.calls)

	long := batch.Trades[0]
	assert.Equal(t, domain.Long, long.Direction)
	assert.InDelta(t, 105, long.EntryPrice, 1e-9)
	assert.InDelta(t, 30, long.RealizedPnL, 1e-9)
	assert.Equal(t, domain.SourceBrokerSync, long.Source)

	short := batch.Trades[1]
	assert.Equal(t, domain.Short, short.Direction)
	assert.InDelta(t, 3, short.RealizedPnL, 1e-9)

	require.Len(t, batch.OpenPositions, 1)
	assert.InDelta(t, -1, batch.OpenPositions[0].NetQuantity, 1e-9)
}

func TestGetTrades_SinceFiltersByClose(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ex := &fakeExchange{}
	ex.add(1, "BUY", "1", "100", "0", base)
	ex.add(2, "SELL", "1", "101", "0", base.Add(time.Hour))
	ex.add(3, "BUY", "1", "100", "0", base.Add(23*time.Hour))
	ex.add(4, "SELL", "1", "105", "0", base.Add(25*time.Hour))
	srv := httptest.NewServer(ex)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	// The second trade opened before since but closed after it.
	batch, err := c.GetTrades(context.Background(), testToken, "acct-1", base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, batch.Trades, 1)
	assert.Equal(t, "acct-1", batch.Trades[0].AccountID)
	assert.InDelta(t, 5, batch.Trades[0].RealizedPnL, 1e-9)
	assert.Equal(t, 4, batch.FillCount)
}

func TestGetTrades_UnparseableFillIsAnomaly(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ex := &fakeExchange{}
	ex.add(1, "BUY", "1", "100", "0", base)
	ex.add(2, "BUY", "abc", "100", "0", base.Add(time.Minute))
	ex.add(3, "SELL", "1", "101", "0", base.Add(time.Hour))
	srv := httptest.NewServer(ex)
	defer srv.Close()

	batch, err := newTestClient(t, srv.URL, 0).GetTrades(context.Background(), testToken, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, batch.Anomalies, 1)
	assert.Equal(t, ports.AnomalyInvalidFill, batch.Anomalies[0].Kind)
	assert.Equal(t, "2", batch.Anomalies[0].FillID)
	assert.Len(t, batch.Trades, 1)
}

func TestGetTrades_UnparseablePageAdvancesCursor(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ex := &fakeExchange{}
	ex.add(1, "BUY", "abc", "100", "0", base)
	ex.add(2, "BUY", "abc", "100", "0", base.Add(time.Minute))
	ex.add(3, "BUY", "1", "100", "0", base.Add(time.Hour))
	ex.add(4, "SELL", "1", "101", "0", base.Add(2*time.Hour))
	srv := httptest.NewServer(ex)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batch, err := newTestClient(t, srv.URL, 2).GetTrades(ctx, testToken, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, batch.Anomalies, 2)
	assert.Equal(t, "1", batch.Anomalies[0].FillID)
	assert.Equal(t, "2", batch.Anomalies[1].FillID)
	assert.Len(t, batch.Trades, 1)
	assert.LessOrEqual(t, ex.calls, 4)
}

func TestAuthenticate(t *testing.T) {
	ex := &fakeExchange{}
	srv := httptest.NewServer(ex)
	defer srv.Close()
	c := newTestClient(t, srv.URL, 0)
	ctx := context.Background()

	res, err := c.Authenticate(ctx, "u1", ports.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Token.UserID)
	assert.Equal(t, ProviderName, res.Token.Provider)
	assert.Equal(t, 1, res.Accounts)

	_, err = c.Authenticate(ctx, "u1", ports.Credentials{APIKey: "k"})
	var authErr *ports.AuthError
	assert.ErrorAs(t, err, &authErr)

	ex.status = http.StatusUnauthorized
	ex.errBody = `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`
	_, err = c.Authenticate(ctx, "u1", ports.Credentials{APIKey: "k", APISecret: "bad"})
	assert.ErrorAs(t, err, &authErr)
}

func TestGetAccounts(t *testing.T) {
	c := newTestClient(t, "http://unused", 0)

	accounts, err := c.GetAccounts(context.Background(), testToken)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, FuturesAccountID, accounts[0].ID)
	assert.Equal(t, ProviderName, accounts[0].Provider)

	_, err = c.GetAccounts(context.Background(), ports.AuthToken{})
	assert.ErrorIs(t, err, ports.ErrAuthenticationFailed)
}
