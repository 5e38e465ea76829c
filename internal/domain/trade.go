package domain

import "time"

// RoundTripTrade is the canonical journal record of a position that was opened
// and brought back to flat, possibly over several executions.
type RoundTripTrade struct {
	ID              int64     // Unique identifier (from the store)
	UserID          string    // Owner of the journal entry
	AccountID       string    // Broker account, empty when unknown
	Symbol          string    // Instrument symbol
	Direction       Direction // LONG or SHORT, from the opening side
	OpenedAt        time.Time // Time of the first opening fill
	ClosedAt        time.Time // Time of the last closing fill
	EntryPrice      float64   // Quantity-weighted average entry price
	ExitPrice       float64   // Quantity-weighted average exit price
	Quantity        float64   // Absolute closed quantity
	RealizedPnL     float64   // Positive means profit for either direction
	Fees            float64   // Entry and exit fees, not netted from RealizedPnL
	PartialExits    []PartialExit
	HasPartialExits bool

	// Enrichment fields, nil until some ingestion path provides them.
	MaxAdverseExcursion   *float64
	MaxFavorableExcursion *float64
	Notes                 *string

	Source     TradeSource
	Signature  string
	ImportHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PartialExit is one closing execution of a round trip.
type PartialExit struct {
	ID        int64
	TradeID   int64
	ExitedAt  time.Time
	ExitPrice float64
	Quantity  float64
	PnL       float64
	Fee       float64
}

// GrossPnL is RealizedPnL with fees added back.
func (t *RoundTripTrade) GrossPnL() float64 {
	return t.RealizedPnL + t.Fees
}

// Duration returns how long the position was held.
func (t *RoundTripTrade) Duration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

// Clone returns a deep copy so merges never alias the caller's slices or pointers.
func (t *RoundTripTrade) Clone() *RoundTripTrade {
	if t == nil {
		return nil
	}
	c := *t
	if t.PartialExits != nil {
		c.PartialExits = make([]PartialExit, len(t.PartialExits))
		copy(c.PartialExits, t.PartialExits)
	}
	c.MaxAdverseExcursion = copyFloat(t.MaxAdverseExcursion)
	c.MaxFavorableExcursion = copyFloat(t.MaxFavorableExcursion)
	if t.Notes != nil {
		n := *t.Notes
		c.Notes = &n
	}
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// IsPlaceholderTime reports whether t looks like a date-only value (exactly midnight UTC).
func IsPlaceholderTime(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	u := t.UTC()
	return u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0
}

// IsPlaceholderClose reports whether closedAt was synthesized from a date-only
// openedAt: midnight itself, or at most one second after a midnight openedAt.
func IsPlaceholderClose(openedAt, closedAt time.Time) bool {
	if IsPlaceholderTime(closedAt) {
		return true
	}
	if !IsPlaceholderTime(openedAt) {
		return false
	}
	d := closedAt.Sub(openedAt)
	return d >= 0 && d <= time.Second
}
