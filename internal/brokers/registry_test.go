package brokers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

type mockLogger struct {
	warns []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) Authenticate(ctx context.Context, userID string, creds ports.Credentials) (*ports.AuthResult, error) {
	return &ports.AuthResult{}, nil
}
func (s stubAdapter) GetAccounts(ctx context.Context, token ports.AuthToken) ([]domain.Account, error) {
	return nil, nil
}
func (s stubAdapter) GetTrades(ctx context.Context, token ports.AuthToken, accountID string, since time.Time) (*ports.TradeBatch, error) {
	return &ports.TradeBatch{}, nil
}

func TestNewRegistry_BuildsEveryProvider(t *testing.T) {
	log := &mockLogger{}
	guard := resilience.NewGuard(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, log), resilience.DefaultRetryConfig(), log)

	r, err := NewRegistry(context.Background(), Settings{BinanceSymbols: []string{"BTCUSDT"}}, guard, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "oanda"}, r.Providers())
	assert.Equal(t, Names(), r.Providers())

	a, err := r.Get("oanda")
	require.NoError(t, err)
	assert.Equal(t, "oanda", a.Name())

	_, err = r.Get("robinhood")
	assert.ErrorIs(t, err, ports.ErrUnknownProvider)
}

func TestNewRegistry_SkipsMisconfiguredProvider(t *testing.T) {
	log := &mockLogger{}
	guard := resilience.NewGuard(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, log), resilience.DefaultRetryConfig(), log)

	// No Binance symbols: Binance is disabled, OANDA still builds.
	r, err := NewRegistry(context.Background(), Settings{}, guard, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"oanda"}, r.Providers())
	assert.Contains(t, log.warns, "Provider disabled")

	_, err = r.Get("binance")
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	assert.NotErrorIs(t, err, ports.ErrUnknownProvider)

	a, err := r.Get("oanda")
	require.NoError(t, err)
	assert.Equal(t, "oanda", a.Name())
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry(stubAdapter{name: "b"}, stubAdapter{name: "a"})
	assert.Equal(t, []string{"a", "b"}, r.Providers())

	a, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "b", a.Name())
}
