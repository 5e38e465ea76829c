package domain

import (
	"math"
	"time"
)

// Fill is one matched execution reported by a broker.
// Quantity is signed by side: positive for BUY, negative for SELL.
type Fill struct {
	ProviderFillID string
	AccountID      string
	Symbol         string
	Side           OrderSide
	Quantity       float64
	Price          float64
	Timestamp      time.Time
	Fee            float64
}

// NewFill builds a fill from an unsigned quantity, applying the side's sign.
func NewFill(id, accountID, symbol string, side OrderSide, qty, price float64, ts time.Time, fee float64) Fill {
	return Fill{
		ProviderFillID: id,
		AccountID:      accountID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       math.Abs(qty) * float64(side.Sign()),
		Price:          price,
		Timestamp:      ts,
		Fee:            math.Abs(fee),
	}
}

// AbsQuantity returns the unsigned size of the fill.
func (f Fill) AbsQuantity() float64 {
	return math.Abs(f.Quantity)
}

// Key identifies the (account, symbol) stream a fill belongs to.
func (f Fill) Key() PositionKey {
	return PositionKey{AccountID: f.AccountID, Symbol: f.Symbol}
}

// PositionKey groups fills that share one position accumulator.
type PositionKey struct {
	AccountID string
	Symbol    string
}
