package matcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func fill(id string, side domain.OrderSide, qty, price float64, offset time.Duration) domain.Fill {
	return domain.NewFill(id, "acc-1", "AAPL", side, qty, price, t0.Add(offset), 0)
}

func TestReconstruct_ScaleInScaleOut(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Buy, 100, 150, 0),
		fill("2", domain.Buy, 100, 160, time.Minute),
		fill("3", domain.Sell, 200, 170, time.Hour),
	})

	require.Empty(t, res.Anomalies)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, domain.Long, tr.Direction)
	assert.Equal(t, 155.0, tr.EntryPrice)
	assert.Equal(t, 170.0, tr.ExitPrice)
	assert.Equal(t, 200.0, tr.Quantity)
	assert.Equal(t, 3000.0, tr.RealizedPnL)
	assert.False(t, tr.HasPartialExits)
	assert.Len(t, tr.PartialExits, 1)
	assert.Equal(t, t0, tr.OpenedAt)
	assert.Equal(t, t0.Add(time.Hour), tr.ClosedAt)
	assert.Empty(t, res.OpenPositions)
	assert.Equal(t, 3, res.FillCount)
}

func TestReconstruct_PartialClose(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Buy, 100, 150, 0),
		fill("2", domain.Sell, 50, 155, time.Minute),
		fill("3", domain.Sell, 50, 160, 2*time.Minute),
	})

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, 157.5, tr.ExitPrice)
	assert.Equal(t, 1000.0, tr.RealizedPnL)
	assert.Equal(t, 100.0, tr.Quantity)
	assert.True(t, tr.HasPartialExits)
	require.Len(t, tr.PartialExits, 2)
	assert.Equal(t, 250.0, tr.PartialExits[0].PnL)
	assert.Equal(t, 750.0, tr.PartialExits[1].PnL)
	assert.Equal(t, t0.Add(2*time.Minute), tr.ClosedAt)
}

func TestReconstruct_Short(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Sell, 50, 200, 0),
		fill("2", domain.Buy, 50, 195, time.Minute),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.Short, res.Trades[0].Direction)
	assert.Equal(t, 250.0, res.Trades[0].RealizedPnL)
	assert.Equal(t, 200.0, res.Trades[0].EntryPrice)
	assert.Equal(t, 195.0, res.Trades[0].ExitPrice)
}

func TestReconstruct_LosingShort(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Sell, 10, 100, 0),
		fill("2", domain.Sell, 10, 110, time.Second),
		fill("3", domain.Buy, 20, 120, time.Minute),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 105.0, res.Trades[0].EntryPrice)
	assert.Equal(t, -300.0, res.Trades[0].RealizedPnL)
}

func TestReconstruct_OverCloseSplits(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		domain.NewFill("1", "acc-1", "AAPL", domain.Buy, 100, 50, t0, 1),
		domain.NewFill("2", "acc-1", "AAPL", domain.Sell, 150, 55, t0.Add(time.Minute), 3),
		domain.NewFill("3", "acc-1", "AAPL", domain.Buy, 50, 52, t0.Add(time.Hour), 0.5),
	})

	require.Len(t, res.Trades, 2)
	first, second := res.Trades[0], res.Trades[1]

	assert.Equal(t, domain.Long, first.Direction)
	assert.Equal(t, 100.0, first.Quantity)
	assert.Equal(t, 500.0, first.RealizedPnL)
	assert.Equal(t, 3.0, first.Fees, "entry fee 1 plus two thirds of the split fill's fee")

	assert.Equal(t, domain.Short, second.Direction)
	assert.Equal(t, 50.0, second.Quantity)
	assert.Equal(t, 55.0, second.EntryPrice)
	assert.Equal(t, 150.0, second.RealizedPnL)
	assert.Equal(t, 1.5, second.Fees)
	assert.Equal(t, t0.Add(time.Minute), second.OpenedAt)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, ports.AnomalyOverClose, res.Anomalies[0].Kind)
	assert.Equal(t, "2", res.Anomalies[0].FillID)
	assert.ErrorIs(t, res.Anomalies[0], ports.ErrReconstructionAnomaly)
}

func TestReconstruct_FeesNotNetted(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		domain.NewFill("1", "acc-1", "AAPL", domain.Buy, 10, 100, t0, 0.7),
		domain.NewFill("2", "acc-1", "AAPL", domain.Sell, 10, 101, t0.Add(time.Minute), 0.3),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 10.0, res.Trades[0].RealizedPnL)
	assert.Equal(t, 1.0, res.Trades[0].Fees)
	assert.Equal(t, 11.0, res.Trades[0].GrossPnL())
	assert.Equal(t, 0.3, res.Trades[0].PartialExits[0].Fee)
}

func TestReconstruct_OpenPositionIsNotATrade(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Buy, 100, 10, 0),
		fill("2", domain.Buy, 300, 14, time.Minute),
		fill("3", domain.Sell, 100, 20, time.Hour),
	})

	assert.Empty(t, res.Trades)
	require.Len(t, res.OpenPositions, 1)
	op := res.OpenPositions[0]
	assert.Equal(t, 300.0, op.NetQuantity)
	assert.Equal(t, 13.0, op.EntryPrice)
	assert.Equal(t, 1, op.ExitsSoFar)
	assert.True(t, op.IsLong())
	assert.Equal(t, t0, op.OpenedAt)
}

func TestReconstruct_OutOfOrderDelivery(t *testing.T) {
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("3", domain.Sell, 200, 170, time.Hour),
		fill("2", domain.Buy, 100, 160, time.Minute),
		fill("1", domain.Buy, 100, 150, 0),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 3000.0, res.Trades[0].RealizedPnL)
}

func TestReconstruct_TiesBrokenByNumericFillID(t *testing.T) {
	// Same timestamp: "10" must come after "9" numerically, so the buy opens.
	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("10", domain.Sell, 5, 101, 0),
		fill("9", domain.Buy, 5, 100, 0),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.Long, res.Trades[0].Direction)
	assert.Equal(t, 5.0, res.Trades[0].RealizedPnL)
}

func TestReconstruct_Anomalies(t *testing.T) {
	bad := fill("x", domain.Buy, 1, 10, 0)
	bad.Quantity = -1

	res := Reconstruct("acc-1", "AAPL", []domain.Fill{
		fill("1", domain.Buy, 10, 100, 0),
		fill("1", domain.Buy, 10, 100, 0),
		fill("2", domain.Buy, 0, 100, time.Second),
		fill("3", domain.Buy, 5, 0, time.Second),
		bad,
		domain.NewFill("4", "acc-2", "AAPL", domain.Buy, 1, 1, t0, 0),
		fill("5", domain.Sell, 10, 110, time.Minute),
	})

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 100.0, res.Trades[0].RealizedPnL)

	kinds := map[ports.AnomalyKind]int{}
	for _, a := range res.Anomalies {
		kinds[a.Kind]++
	}
	assert.Equal(t, map[ports.AnomalyKind]int{
		ports.AnomalyDuplicateFill: 1,
		ports.AnomalyInvalidFill:   3,
		ports.AnomalyForeignFill:   1,
	}, kinds)
	assert.Equal(t, 2, res.FillCount)
}

func TestReconstruct_MultipleRoundTrips(t *testing.T) {
	var fills []domain.Fill
	for i := 0; i < 5; i++ {
		base := time.Duration(i) * time.Hour
		fills = append(fills,
			fill(fmt.Sprintf("%d", 2*i), domain.Buy, 10, 100, base),
			fill(fmt.Sprintf("%d", 2*i+1), domain.Sell, 10, 101+float64(i), base+time.Minute),
		)
	}

	res := Reconstruct("acc-1", "AAPL", fills)
	require.Len(t, res.Trades, 5)
	var total float64
	for _, tr := range res.Trades {
		total += tr.RealizedPnL
		assert.GreaterOrEqual(t, tr.ClosedAt.Unix(), tr.OpenedAt.Unix())
	}
	assert.Equal(t, 150.0, total)
}

func TestReconstructAll_GroupsByKey(t *testing.T) {
	fills := []domain.Fill{
		domain.NewFill("b1", "acc-2", "MSFT", domain.Buy, 1, 300, t0, 0),
		domain.NewFill("a1", "acc-1", "AAPL", domain.Buy, 2, 150, t0, 0),
		domain.NewFill("b2", "acc-2", "MSFT", domain.Sell, 1, 310, t0.Add(time.Minute), 0),
		domain.NewFill("a2", "acc-1", "AAPL", domain.Sell, 2, 149, t0.Add(time.Minute), 0),
		domain.NewFill("c1", "acc-1", "TSLA", domain.Sell, 3, 200, t0, 0),
	}

	res := ReconstructAll(fills)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "AAPL", res.Trades[0].Symbol)
	assert.Equal(t, -2.0, res.Trades[0].RealizedPnL)
	assert.Equal(t, "MSFT", res.Trades[1].Symbol)
	assert.Equal(t, 10.0, res.Trades[1].RealizedPnL)

	require.Len(t, res.OpenPositions, 1)
	assert.Equal(t, "TSLA", res.OpenPositions[0].Symbol)
	assert.Equal(t, domain.Short, res.OpenPositions[0].Direction)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 5, res.FillCount)
}
