package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tradesync/internal/adapters/sqlite"
	"tradesync/internal/analytics"
)

type statsOptions struct {
	UserID  string
	Balance float64
	JSON    bool
}

func newStatsCmd(ro *rootOptions) *cobra.Command {
	opts := &statsOptions{}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise a user's journal: win rate, profit factor, streaks, monthly PnL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger(ro.cfg)

			repo, err := sqlite.NewRepository(sqlite.Config{DBPath: ro.cfg.DBPath, Logger: log})
			if err != nil {
				return fmt.Errorf("failed to initialize database repository: %w", err)
			}
			defer repo.Close()

			trades, err := repo.ListTrades(ctx, opts.UserID)
			if err != nil {
				return err
			}
			metrics := analytics.AnalyzePerformance(trades, opts.Balance)
			if opts.JSON {
				metrics.EquityCurve = nil
				return writeJSON(cmd.OutOrStdout(), metrics)
			}
			return printMetrics(cmd.OutOrStdout(), metrics)
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "Journal owner (required)")
	cmd.Flags().Float64Var(&opts.Balance, "balance", 0, "Starting balance for drawdown")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printMetrics(out io.Writer, m *analytics.PerformanceMetrics) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Trades\t%d (%d won, %d lost)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	fmt.Fprintf(w, "Win rate\t%.2f%%\n", m.WinRate*100)
	fmt.Fprintf(w, "Net PnL\t%.2f\n", m.NetPnL)
	fmt.Fprintf(w, "Fees\t%.2f\n", m.TotalFees)
	fmt.Fprintf(w, "Profit factor\t%.2f\n", m.ProfitFactor)
	fmt.Fprintf(w, "Expectancy\t%.2f\n", m.Expectancy)
	fmt.Fprintf(w, "Avg win / loss\t%.2f / %.2f\n", m.AverageWin, m.AverageLoss)
	fmt.Fprintf(w, "Streaks\t%d wins, %d losses\n", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	fmt.Fprintf(w, "Avg duration\t%s\n", m.AverageTradeDuration)
	fmt.Fprintf(w, "Max drawdown\t%.2f\n", m.MaxDrawdown)

	symbols := make([]string, 0, len(m.BySymbol))
	for s := range m.BySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		st := m.BySymbol[s]
		fmt.Fprintf(w, "  %s\t%d trades, %.2f%% won, %.2f\n", s, st.Trades, st.WinRate*100, st.NetPnL)
	}
	for _, r := range m.GetMonthlyReturns() {
		fmt.Fprintf(w, "  %s\t%.2f\n", r.Month.Format("2006-01"), r.Return)
	}
	return w.Flush()
}
