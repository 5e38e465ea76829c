package config

import (
	"context"
	"fmt"
	"os"

	"tradesync/internal/ports"
)

// EnvVault implements ports.CredentialVault from environment variables.
// A user-specific variable wins over the provider-wide one:
//
//	BINANCE_ALICE_API_KEY, then BINANCE_API_KEY
//	OANDA_ALICE_ACCESS_TOKEN, then OANDA_ACCESS_TOKEN
type EnvVault struct {
	lookup func(string) (string, bool)
}

// NewEnvVault creates a vault reading the process environment.
func NewEnvVault() *EnvVault {
	return &EnvVault{lookup: os.LookupEnv}
}

// Credentials returns the credentials for a user and provider, or an error
// wrapping ports.ErrNotFound when none are configured.
func (v *EnvVault) Credentials(ctx context.Context, userID, provider string) (ports.Credentials, error) {
	if provider == "" {
		return ports.Credentials{}, fmt.Errorf("credentials: %w: provider is required", ports.ErrInvalidRequest)
	}
	get := func(field string) string {
		p := envName(provider)
		if userID != "" {
			if val, ok := v.lookup(p + "_" + envName(userID) + "_" + field); ok && val != "" {
				return val
			}
		}
		val, _ := v.lookup(p + "_" + field)
		return val
	}

	creds := ports.Credentials{
		APIKey:      get("API_KEY"),
		APISecret:   get("API_SECRET"),
		AccessToken: get("ACCESS_TOKEN"),
		Environment: get("ENVIRONMENT"),
	}
	if creds.APIKey == "" && creds.AccessToken == "" {
		return ports.Credentials{}, fmt.Errorf("credentials for %s/%s: %w", provider, userID, ports.ErrNotFound)
	}
	return creds, nil
}
