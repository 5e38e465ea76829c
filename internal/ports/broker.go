package ports

import (
	"context"
	"time"

	"tradesync/internal/domain"
)

// Credentials are decrypted per-user, per-provider API credentials supplied by
// the credential vault. The core never persists them.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccessToken string // Bearer token for token-based providers
	Environment string // e.g. "practice", "live", "testnet"
}

// AuthToken carries everything an adapter needs for later calls. Adapters are
// stateless, so all session state lives here.
type AuthToken struct {
	Provider    string
	UserID      string
	AccessToken string
	APIKey      string
	APISecret   string
	Environment string
	ExpiresAt   time.Time // Zero when the token does not expire
}

// Expired reports whether the token has a known expiry in the past.
func (t AuthToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// AuthResult is returned by a successful authentication.
type AuthResult struct {
	Token    AuthToken
	Accounts int // Number of accounts visible, when the provider reports it
}

// TradeBatch is what an adapter hands back for one account: canonical round
// trips, positions still open, and any anomalies met while reconstructing.
type TradeBatch struct {
	AccountID     string
	Trades        []*domain.RoundTripTrade
	OpenPositions []domain.OpenPosition
	Anomalies     []*ReconstructionAnomaly
	FillCount     int
}

// ProviderAdapter translates one vendor's API into canonical trades.
// Every network call must go through the resilience guard under Name().
type ProviderAdapter interface {
	// Name is the provider key used for registry lookup, circuits and rate limits.
	Name() string

	// Authenticate validates credentials and returns a token for later calls.
	Authenticate(ctx context.Context, userID string, creds Credentials) (*AuthResult, error)

	// GetAccounts lists the accounts visible to the token.
	GetAccounts(ctx context.Context, token AuthToken) ([]domain.Account, error)

	// GetTrades returns round trips for one account closed at or after since (zero = all history).
	GetTrades(ctx context.Context, token AuthToken, accountID string, since time.Time) (*TradeBatch, error)
}

// CredentialVault supplies decrypted credentials for a user and provider.
type CredentialVault interface {
	Credentials(ctx context.Context, userID, provider string) (Credentials, error)
}

// TradeAnnotator produces a short journal note for a trade.
type TradeAnnotator interface {
	Annotate(ctx context.Context, trade *domain.RoundTripTrade) (string, error)
}
