package domain

import "time"

// OpenPosition is a position still carrying size after all known fills were
// matched. It is reported alongside reconstructed trades but never persisted.
type OpenPosition struct {
	AccountID   string
	Symbol      string
	Direction   Direction
	NetQuantity float64 // Signed: positive long, negative short
	EntryPrice  float64 // Weighted average entry of the open size
	OpenedAt    time.Time
	EntryFees   float64
	ExitsSoFar  int // Partial exits already taken from this position
}

// IsLong checks if the open size is long.
func (p *OpenPosition) IsLong() bool {
	return p.NetQuantity > 0
}
