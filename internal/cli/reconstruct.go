package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tradesync/config"
	"tradesync/internal/adapters/sqlite"
	"tradesync/internal/domain"
	"tradesync/internal/matcher"
	"tradesync/internal/merge"
	"tradesync/internal/utils"
)

type reconstructOptions struct {
	FillsPath string
	OutPath   string
	AccountID string
	Import    bool
	UserID    string
}

func newReconstructCmd(ro *rootOptions) *cobra.Command {
	opts := &reconstructOptions{}

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Rebuild round trips from a fills CSV, optionally importing them",
		Example: `  tradesync reconstruct --fills fills.csv --out trades.csv
  tradesync reconstruct --fills fills.csv --import --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Import && opts.UserID == "" {
				return fmt.Errorf("--user is required with --import")
			}
			return runReconstruct(cmd, ro.cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.FillsPath, "fills", "", "Fills CSV (id,symbol,side,quantity,price,time[,fee,account_id])")
	cmd.Flags().StringVar(&opts.OutPath, "out", "", "Write trades CSV here instead of stdout")
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "Account for rows without account_id")
	cmd.Flags().BoolVar(&opts.Import, "import", false, "Import the trades into the journal")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "Journal owner for --import")
	_ = cmd.MarkFlagRequired("fills")
	return cmd
}

func runReconstruct(cmd *cobra.Command, cfg *config.Config, opts *reconstructOptions) error {
	ctx := cmd.Context()
	log := newLogger(cfg)

	fills, anomalies, err := utils.ReadFillsFile(opts.FillsPath, opts.AccountID)
	if err != nil {
		return fmt.Errorf("failed to read fills: %w", err)
	}
	res := matcher.ReconstructAll(fills)
	anomalies = append(anomalies, res.Anomalies...)
	for _, a := range anomalies {
		log.Warn(ctx, "Reconstruction anomaly", map[string]interface{}{
			"kind": string(a.Kind), "symbol": a.Symbol, "fillID": a.FillID, "detail": a.Detail,
		})
	}
	log.Info(ctx, "Fills reconstructed", map[string]interface{}{
		"fills":     res.FillCount,
		"trades":    len(res.Trades),
		"open":      len(res.OpenPositions),
		"anomalies": len(anomalies),
	})

	if opts.OutPath != "" {
		err = utils.WriteTradesToCSV(res.Trades, opts.OutPath)
	} else {
		err = utils.WriteTradesCSV(cmd.OutOrStdout(), res.Trades)
	}
	if err != nil {
		return fmt.Errorf("failed to write trades: %w", err)
	}

	if !opts.Import {
		return nil
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to initialize database repository: %w", err)
	}
	defer repo.Close()

	counts, err := importTrades(ctx, merge.NewEngine(repo, merge.Config{PriceTolerance: cfg.PriceTolerance}, log), opts.UserID, res.Trades)
	log.Info(ctx, "Trades imported", map[string]interface{}{
		"created": counts[merge.ActionCreated],
		"updated": counts[merge.ActionUpdated],
		"skipped": counts[merge.ActionSkipped],
	})
	return err
}

func importTrades(ctx context.Context, engine *merge.Engine, userID string, trades []*domain.RoundTripTrade) (map[merge.Action]int, error) {
	counts := make(map[merge.Action]int, 3)
	for _, t := range trades {
		out, err := engine.Import(ctx, userID, t)
		if err != nil {
			return counts, err
		}
		counts[out.Action]++
	}
	return counts, nil
}
