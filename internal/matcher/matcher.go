// Package matcher reconstructs round-trip trades from a broker's raw fills.
//
// Fills for one (account, symbol) are replayed in time order against a single
// position accumulator. Entries move the weighted entry price, exits realize PnL
// against it, and every return to flat emits one trade. Arithmetic is decimal so
// that weighted prices and PnL sums do not drift.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// Result is the outcome of replaying one fill stream.
type Result struct {
	Trades        []*domain.RoundTripTrade
	OpenPositions []domain.OpenPosition
	Anomalies     []*ports.ReconstructionAnomaly
	FillCount     int
}

type exitLeg struct {
	at    time.Time
	price decimal.Decimal
	qty   decimal.Decimal
	pnl   decimal.Decimal
	fee   decimal.Decimal
}

// position is the accumulator for one (account, symbol) between two flat points.
type position struct {
	direction  domain.Direction
	net        decimal.Decimal // Signed
	entryPrice decimal.Decimal
	openedAt   time.Time
	entryFees  decimal.Decimal
	exits      []exitLeg
}

func (p *position) flat() bool {
	return p.net.IsZero()
}

func (p *position) open(f domain.Fill, qty, fee decimal.Decimal) {
	p.direction = domain.Long
	if qty.IsNegative() {
		p.direction = domain.Short
	}
	p.net = qty
	p.entryPrice = decimal.NewFromFloat(f.Price)
	p.openedAt = f.Timestamp.UTC()
	p.entryFees = fee
	p.exits = nil
}

// add scales into the position.
func (p *position) add(price, qty, fee decimal.Decimal) {
	oldAbs := p.net.Abs()
	addAbs := qty.Abs()
	p.entryPrice = oldAbs.Mul(p.entryPrice).Add(addAbs.Mul(price)).Div(oldAbs.Add(addAbs))
	p.net = p.net.Add(qty)
	p.entryFees = p.entryFees.Add(fee)
}

// reduce closes up to closeAbs of the position at price.
func (p *position) reduce(at time.Time, price, closeAbs, fee decimal.Decimal) {
	sign := decimal.NewFromInt(int64(p.direction.Sign()))
	pnl := price.Sub(p.entryPrice).Mul(closeAbs).Mul(sign)
	p.exits = append(p.exits, exitLeg{at: at.UTC(), price: price, qty: closeAbs, pnl: pnl, fee: fee})
	p.net = p.net.Sub(closeAbs.Mul(sign))
}

func (p *position) trade(accountID, symbol string) *domain.RoundTripTrade {
	var qty, notional, pnl, exitFees decimal.Decimal
	exits := make([]domain.PartialExit, 0, len(p.exits))
	for _, e := range p.exits {
		qty = qty.Add(e.qty)
		notional = notional.Add(e.price.Mul(e.qty))
		pnl = pnl.Add(e.pnl)
		exitFees = exitFees.Add(e.fee)
		exits = append(exits, domain.PartialExit{
			ExitedAt:  e.at,
			ExitPrice: e.price.InexactFloat64(),
			Quantity:  e.qty.InexactFloat64(),
			PnL:       e.pnl.InexactFloat64(),
			Fee:       e.fee.InexactFloat64(),
		})
	}

	return &domain.RoundTripTrade{
		AccountID:       accountID,
		Symbol:          symbol,
		Direction:       p.direction,
		OpenedAt:        p.openedAt,
		ClosedAt:        p.exits[len(p.exits)-1].at,
		EntryPrice:      p.entryPrice.InexactFloat64(),
		ExitPrice:       notional.Div(qty).InexactFloat64(),
		Quantity:        qty.InexactFloat64(),
		RealizedPnL:     pnl.InexactFloat64(),
		Fees:            p.entryFees.Add(exitFees).InexactFloat64(),
		PartialExits:    exits,
		HasPartialExits: len(exits) > 1,
	}
}

func (p *position) snapshot(accountID, symbol string) domain.OpenPosition {
	return domain.OpenPosition{
		AccountID:   accountID,
		Symbol:      symbol,
		Direction:   p.direction,
		NetQuantity: p.net.InexactFloat64(),
		EntryPrice:  p.entryPrice.InexactFloat64(),
		OpenedAt:    p.openedAt,
		EntryFees:   p.entryFees.InexactFloat64(),
		ExitsSoFar:  len(p.exits),
	}
}

// Reconstruct replays the fills of one (accountID, symbol) stream.
// Fills belonging to another stream, invalid fills and repeated fill IDs are
// skipped and reported as anomalies.
func Reconstruct(accountID, symbol string, fills []domain.Fill) Result {
	res := Result{}
	ordered := make([]domain.Fill, 0, len(fills))
	for _, f := range fills {
		if f.AccountID != accountID || f.Symbol != symbol {
			res.Anomalies = append(res.Anomalies, anomaly(ports.AnomalyForeignFill, f,
				fmt.Sprintf("fill belongs to %s/%s", f.AccountID, f.Symbol)))
			continue
		}
		if reason := validate(f); reason != "" {
			res.Anomalies = append(res.Anomalies, anomaly(ports.AnomalyInvalidFill, f, reason))
			continue
		}
		ordered = append(ordered, f)
	}
	SortFills(ordered)

	seen := make(map[string]struct{}, len(ordered))
	pos := &position{}
	for _, f := range ordered {
		if f.ProviderFillID != "" {
			if _, dup := seen[f.ProviderFillID]; dup {
				res.Anomalies = append(res.Anomalies, anomaly(ports.AnomalyDuplicateFill, f, "fill id already processed"))
				continue
			}
			seen[f.ProviderFillID] = struct{}{}
		}
		res.FillCount++

		qty := decimal.NewFromFloat(f.Quantity)
		price := decimal.NewFromFloat(f.Price)
		fee := decimal.NewFromFloat(f.Fee)

		switch {
		case pos.flat():
			pos.open(f, qty, fee)
		case pos.net.Sign() == qty.Sign():
			pos.add(price, qty, fee)
		default:
			absQty := qty.Abs()
			closeAbs := decimal.Min(absQty, pos.net.Abs())
			closeFee := fee
			if !closeAbs.Equal(absQty) {
				closeFee = fee.Mul(closeAbs).Div(absQty)
			}
			pos.reduce(f.Timestamp, price, closeAbs, closeFee)
			if !pos.flat() {
				continue
			}

			res.Trades = append(res.Trades, pos.trade(accountID, symbol))
			remainder := absQty.Sub(closeAbs)
			if remainder.IsPositive() {
				next := &position{}
				next.open(f, remainder.Mul(decimal.NewFromInt(int64(qty.Sign()))), fee.Sub(closeFee))
				res.Anomalies = append(res.Anomalies, anomaly(ports.AnomalyOverClose, f,
					fmt.Sprintf("closed %s and opened %s %s", closeAbs, remainder, next.direction)))
				pos = next
			} else {
				pos = &position{}
			}
		}
	}

	if !pos.flat() {
		res.OpenPositions = append(res.OpenPositions, pos.snapshot(accountID, symbol))
	}
	return res
}

// ReconstructAll splits a mixed fill stream by (account, symbol) and replays
// each independently. Output is ordered by key, then by trade open time.
func ReconstructAll(fills []domain.Fill) Result {
	groups := make(map[domain.PositionKey][]domain.Fill)
	for _, f := range fills {
		k := f.Key()
		groups[k] = append(groups[k], f)
	}
	keys := make([]domain.PositionKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AccountID != keys[j].AccountID {
			return keys[i].AccountID < keys[j].AccountID
		}
		return keys[i].Symbol < keys[j].Symbol
	})

	all := Result{}
	for _, k := range keys {
		r := Reconstruct(k.AccountID, k.Symbol, groups[k])
		all.Trades = append(all.Trades, r.Trades...)
		all.OpenPositions = append(all.OpenPositions, r.OpenPositions...)
		all.Anomalies = append(all.Anomalies, r.Anomalies...)
		all.FillCount += r.FillCount
	}
	return all
}

// SortFills orders fills by timestamp. Ties keep provider sequence: fill IDs
// compare numerically when both are integers, lexically otherwise.
func SortFills(fills []domain.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		a, b := fills[i], fills[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return fillIDLess(a.ProviderFillID, b.ProviderFillID)
	})
}

func fillIDLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func validate(f domain.Fill) string {
	switch {
	case f.Side != domain.Buy && f.Side != domain.Sell:
		return fmt.Sprintf("unknown side %q", f.Side)
	case f.Quantity == 0 || math.IsNaN(f.Quantity) || math.IsInf(f.Quantity, 0):
		return "quantity must be non-zero"
	case f.Price <= 0 || math.IsNaN(f.Price) || math.IsInf(f.Price, 0):
		return "price must be positive"
	case float64(f.Side.Sign())*f.Quantity < 0:
		return fmt.Sprintf("%s fill has quantity %v", f.Side, f.Quantity)
	case f.Timestamp.IsZero():
		return "missing timestamp"
	case math.IsNaN(f.Fee) || f.Fee < 0:
		return "fee must be non-negative"
	}
	return ""
}

func anomaly(kind ports.AnomalyKind, f domain.Fill, detail string) *ports.ReconstructionAnomaly {
	return &ports.ReconstructionAnomaly{
		Kind:      kind,
		AccountID: f.AccountID,
		Symbol:    f.Symbol,
		FillID:    f.ProviderFillID,
		Detail:    detail,
	}
}
