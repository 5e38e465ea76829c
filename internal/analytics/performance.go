// Package analytics summarises a journal of round-trip trades.
package analytics

import (
	"math"
	"sort"
	"time"

	"tradesync/internal/domain"
)

// PerformanceMetrics holds journal statistics over closed round trips.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	NetPnL        float64 `json:"net_pnl"`
	GrossProfit   float64 `json:"gross_profit"`
	GrossLoss     float64 `json:"gross_loss"` // Negative or zero
	TotalFees     float64 `json:"total_fees"`
	ProfitFactor  float64 `json:"profit_factor"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"` // Fraction of the running peak
	FinalBalance  float64 `json:"final_balance"`

	// Advanced Metrics
	MaxConsecutiveWins   int                               `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int                               `json:"max_consecutive_losses"`
	AverageTradeDuration time.Duration                     `json:"average_trade_duration"`
	Expectancy           float64                           `json:"expectancy"`
	RiskRewardRatio      float64                           `json:"risk_reward_ratio"`
	PartialExitTrades    int                               `json:"partial_exit_trades"`
	MonthlyPnL           map[string]float64                `json:"monthly_pnl"`
	BySymbol             map[string]*SymbolStats           `json:"by_symbol"`
	ByDirection          map[domain.Direction]*SymbolStats `json:"by_direction"`
	EquityCurve          []EquityPoint                     `json:"equity_curve,omitempty"`
}

// SymbolStats is the per-group breakdown.
type SymbolStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	NetPnL  float64 `json:"net_pnl"`
	WinRate float64 `json:"win_rate"`
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time `json:"time"`
	Value    float64   `json:"value"`
	Drawdown float64   `json:"drawdown"`
}

// AnalyzePerformance computes metrics over trades ordered by close time.
// Trades with a placeholder close count everywhere except the average
// duration. initialBalance only anchors the equity curve and drawdown; zero
// measures drawdown against PnL. The caller's slice is not reordered.
func AnalyzePerformance(trades []*domain.RoundTripTrade, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance: initialBalance,
		MonthlyPnL:   make(map[string]float64),
		BySymbol:     make(map[string]*SymbolStats),
		ByDirection:  make(map[domain.Direction]*SymbolStats),
	}

	closed := make([]*domain.RoundTripTrade, 0, len(trades))
	for _, t := range trades {
		if t != nil {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return metrics
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(closed[j].ClosedAt)
	})

	balance := initialBalance
	peak := initialBalance
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	var timed int

	for _, trade := range closed {
		pnl := trade.RealizedPnL
		metrics.TotalTrades++
		metrics.NetPnL += pnl
		metrics.TotalFees += trade.Fees
		if !domain.IsPlaceholderClose(trade.OpenedAt, trade.ClosedAt) {
			totalDuration += trade.Duration()
			timed++
		}
		if trade.HasPartialExits {
			metrics.PartialExitTrades++
		}

		win := pnl > 0
		if win {
			metrics.WinningTrades++
			metrics.GrossProfit += pnl
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			metrics.GrossLoss += pnl
			consecutiveLosses++
			consecutiveWins = 0
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		addTo(metrics.BySymbol, trade.Symbol, pnl, win)
		addTo(metrics.ByDirection, trade.Direction, pnl, win)
		metrics.MonthlyPnL[trade.ClosedAt.UTC().Format("2006-01")] += pnl

		balance += pnl
		if balance > peak {
			peak = balance
		}
		dd := drawdown(peak, balance)
		metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, dd)
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     trade.ClosedAt,
			Value:    balance,
			Drawdown: dd,
		})
	}

	metrics.FinalBalance = balance
	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if timed > 0 {
		metrics.AverageTradeDuration = totalDuration / time.Duration(timed)
	}
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = metrics.GrossProfit / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = metrics.GrossLoss / float64(metrics.LosingTrades)
	}
	if metrics.GrossLoss != 0 {
		metrics.ProfitFactor = metrics.GrossProfit / -metrics.GrossLoss
	}
	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss

	for _, s := range metrics.BySymbol {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	for _, s := range metrics.ByDirection {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	return metrics
}

func addTo[K comparable](m map[K]*SymbolStats, key K, pnl float64, win bool) {
	s, ok := m[key]
	if !ok {
		s = &SymbolStats{}
		m[key] = s
	}
	s.Trades++
	s.NetPnL += pnl
	if win {
		s.Wins++
	}
}

// drawdown is the fall from peak as a fraction of it. A non-positive peak
// has no meaningful fraction, so the absolute fall is returned.
func drawdown(peak, balance float64) float64 {
	if peak <= 0 {
		return peak - balance
	}
	return (peak - balance) / peak
}

// GetMonthlyReturns returns the monthly PnL as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyPnL))
	for month, pnl := range m.MonthlyPnL {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: pnl,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly PnL value
type MonthlyReturn struct {
	Month  time.Time `json:"month"`
	Return float64   `json:"pnl"`
}
