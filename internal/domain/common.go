package domain

import "strings"

// OrderSide represents the side of an execution (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// ParseSide normalizes vendor side strings ("buy", "BUY", "Sell", ...).
func ParseSide(s string) (OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return Buy, true
	case "SELL", "S":
		return Sell, true
	default:
		return "", false
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int {
	if s == Sell {
		return -1
	}
	return 1
}

// Direction is the direction of a round-trip trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() int {
	if d == Short {
		return -1
	}
	return 1
}

// OpeningSide returns the execution side that opens a position in this direction.
func (d Direction) OpeningSide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// TradeSource records which ingestion path produced a trade.
type TradeSource string

const (
	SourceBrokerSync TradeSource = "broker_sync"
	SourceCSVImport  TradeSource = "csv_import"
	SourceOCRImport  TradeSource = "ocr_import"
	SourceManual     TradeSource = "manual"
)

// NoAccount is the account key used in signatures for trades without an account.
const NoAccount = "no-account"
