package ports

import (
	"context"
	"time"

	"tradesync/internal/domain"
)

// TradeStore defines the persisted journal the merge engine reconciles against.
// Implementations must enforce uniqueness on (userID, signature).
type TradeStore interface {
	// FindTradeBySignature returns the trade with an exact signature match, or nil, nil.
	FindTradeBySignature(ctx context.Context, userID, signature string) (*domain.RoundTripTrade, error)
	// FindTradesOnDate returns the user's trades for one symbol whose openedAt falls on
	// the given UTC calendar date. accountID == "" restricts to trades without an account.
	FindTradesOnDate(ctx context.Context, userID, accountID, symbol string, date time.Time) ([]*domain.RoundTripTrade, error)
	// FindTradeByImportHash returns the trade created from an identical import, or nil, nil.
	FindTradeByImportHash(ctx context.Context, userID, importHash string) (*domain.RoundTripTrade, error)
	// CreateTrade saves a new trade (without its partial exits) and returns its ID.
	// Returns an error wrapping ErrDuplicateEntry on a signature conflict.
	CreateTrade(ctx context.Context, trade *domain.RoundTripTrade) (int64, error)
	// UpdateTrade rewrites the scalar fields of an existing trade.
	UpdateTrade(ctx context.Context, trade *domain.RoundTripTrade) error
	// CreatePartialExit attaches one exit to a trade.
	CreatePartialExit(ctx context.Context, tradeID int64, exit *domain.PartialExit) (int64, error)
	// ListTrades returns the user's trades ordered by openedAt ascending.
	ListTrades(ctx context.Context, userID string) ([]*domain.RoundTripTrade, error)
	// WithinTx runs fn inside one transaction; fn's store is bound to it.
	WithinTx(ctx context.Context, fn func(ctx context.Context, store TradeStore) error) error
}
