package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Signature identifies "the same trade" across ingestion paths:
// user, account, symbol, UTC open date and entry price rounded to cents.
func Signature(userID string, t *domain.RoundTripTrade) string {
	account := t.AccountID
	if account == "" {
		account = domain.NoAccount
	}
	parts := []string{
		userID,
		account,
		strings.ToUpper(strings.TrimSpace(t.Symbol)),
		t.OpenedAt.UTC().Format("2006-01-02"),
		decimal.NewFromFloat(t.EntryPrice).Round(2).StringFixed(2),
	}
	return hashParts(parts)
}

// ImportHash fingerprints every economic field of a trade. Two imports with
// the same hash are the same row imported twice.
func ImportHash(t *domain.RoundTripTrade) string {
	parts := []string{
		strings.ToUpper(strings.TrimSpace(t.Symbol)),
		t.OpenedAt.UTC().Format(time.RFC3339Nano),
		t.ClosedAt.UTC().Format(time.RFC3339Nano),
		formatFloat(t.EntryPrice),
		formatFloat(t.ExitPrice),
		formatFloat(t.Quantity),
		formatFloat(t.RealizedPnL),
	}
	return hashParts(parts)
}

func hashParts(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// exitKey identifies one exit by millisecond time, price and quantity.
func exitKey(e domain.PartialExit) string {
	return strconv.FormatInt(e.ExitedAt.UnixMilli(), 10) + "|" + formatFloat(e.ExitPrice) + "|" + formatFloat(e.Quantity)
}
