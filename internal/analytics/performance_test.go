package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/domain"
)

var base = time.Date(2024, 1, 30, 9, 30, 0, 0, time.UTC)

func trade(symbol string, dir domain.Direction, pnl float64, opened time.Time, held time.Duration) *domain.RoundTripTrade {
	return &domain.RoundTripTrade{
		Symbol:      symbol,
		Direction:   dir,
		OpenedAt:    opened,
		ClosedAt:    opened.Add(held),
		Quantity:    1,
		RealizedPnL: pnl,
		Fees:        1,
	}
}

func TestAnalyzePerformance(t *testing.T) {
	trades := []*domain.RoundTripTrade{
		trade("ETHUSDT", domain.Short, -50, base.Add(48*time.Hour), time.Hour),
		trade("BTCUSDT", domain.Long, 100, base, 2*time.Hour),
		trade("BTCUSDT", domain.Long, -25, base.Add(72*time.Hour), 3*time.Hour),
		trade("BTCUSDT", domain.Short, 75, base.Add(24*time.Hour), 2*time.Hour),
	}
	trades[1].HasPartialExits = true

	m := AnalyzePerformance(trades, 1000)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 0.5, m.WinRate)
	assert.Equal(t, 100.0, m.NetPnL)
	assert.Equal(t, 175.0, m.GrossProfit)
	assert.Equal(t, -75.0, m.GrossLoss)
	assert.Equal(t, 4.0, m.TotalFees)
	assert.InDelta(t, 175.0/75.0, m.ProfitFactor, 1e-9)
	assert.Equal(t, 87.5, m.AverageWin)
	assert.Equal(t, -37.5, m.AverageLoss)
	assert.InDelta(t, 87.5/37.5, m.RiskRewardRatio, 1e-9)
	assert.InDelta(t, 25.0, m.Expectancy, 1e-9)
	assert.Equal(t, 1100.0, m.FinalBalance)
	assert.Equal(t, 2, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
	assert.Equal(t, 2*time.Hour, m.AverageTradeDuration)
	assert.Equal(t, 1, m.PartialExitTrades)

	// Peak 1175 after the second win, trough 1100 after two losses.
	assert.InDelta(t, 75.0/1175.0, m.MaxDrawdown, 1e-9)
	require.Len(t, m.EquityCurve, 4)
	assert.Equal(t, 1100.0, m.EquityCurve[0].Value)

	require.Contains(t, m.BySymbol, "BTCUSDT")
	assert.Equal(t, SymbolStats{Trades: 3, Wins: 2, NetPnL: 150, WinRate: 2.0 / 3.0}, *m.BySymbol["BTCUSDT"])
	assert.Equal(t, 2, m.ByDirection[domain.Short].Trades)
	assert.Equal(t, 25.0, m.ByDirection[domain.Short].NetPnL)

	assert.Equal(t, map[string]float64{"2024-01": 175, "2024-02": -75}, m.MonthlyPnL)
	monthly := m.GetMonthlyReturns()
	require.Len(t, monthly, 2)
	assert.Equal(t, time.January, monthly[0].Month.Month())
	assert.Equal(t, -75.0, monthly[1].Return)

	// Input order is untouched.
	assert.Equal(t, "ETHUSDT", trades[0].Symbol)
}

func TestAnalyzePerformance_Empty(t *testing.T) {
	m := AnalyzePerformance(nil, 500)
	assert.Zero(t, m.TotalTrades)
	assert.Equal(t, 500.0, m.FinalBalance)
	assert.Empty(t, m.EquityCurve)
	assert.NotNil(t, m.BySymbol)
}

func TestAnalyzePerformance_PlaceholderDurationsSkipped(t *testing.T) {
	midnight := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	trades := []*domain.RoundTripTrade{
		trade("EURUSD", domain.Long, 10, midnight, 0),
		trade("EURUSD", domain.Long, 10, base, 4*time.Hour),
		nil,
	}

	m := AnalyzePerformance(trades, 0)
	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 4*time.Hour, m.AverageTradeDuration)
	assert.Zero(t, m.ProfitFactor, "no losses means no profit factor")
	assert.Zero(t, m.MaxDrawdown)
}

func TestDrawdown(t *testing.T) {
	assert.Equal(t, 0.25, drawdown(100, 75))
	assert.Equal(t, 30.0, drawdown(0, -30))
}
