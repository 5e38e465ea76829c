package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"tradesync/internal/app"
)

type syncOptions struct {
	UserIDs   []string
	Providers []string
	AccountID string
	Since     string
}

func newSyncCmd(ro *rootOptions) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch fills from providers and merge round trips into the journal",
		Example: `  tradesync sync --user alice --provider binance
  tradesync sync --user alice,bob --provider binance,oanda --since 2024-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := opts.requests()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := build(ctx, ro.cfg)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			results, err := c.sync.SyncAll(ctx, reqs)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			for _, r := range results {
				if r.Failed() {
					return fmt.Errorf("sync failed for %s/%s", r.UserID, r.Provider)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.UserIDs, "user", nil, "User IDs to sync (required)")
	cmd.Flags().StringSliceVar(&opts.Providers, "provider", nil, "Providers to sync (required)")
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "Only sync this account")
	cmd.Flags().StringVar(&opts.Since, "since", "", "Only trades closed at or after this time (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

// requests expands users × providers into sync requests.
func (o *syncOptions) requests() ([]app.SyncRequest, error) {
	since, err := parseSince(o.Since)
	if err != nil {
		return nil, err
	}
	reqs := make([]app.SyncRequest, 0, len(o.UserIDs)*len(o.Providers))
	for _, user := range o.UserIDs {
		for _, provider := range o.Providers {
			reqs = append(reqs, app.SyncRequest{
				UserID:    user,
				Provider:  provider,
				AccountID: o.AccountID,
				Since:     since,
			})
		}
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("at least one --user and one --provider are required")
	}
	return reqs, nil
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
