package cli

import (
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tradesync/internal/adapters/logger"
	"tradesync/internal/api"
)

func newServeCmd(ro *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (sync and resilience administration)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := build(ctx, ro.cfg)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			if ro.cfg.LogLevel != logger.LevelDebug {
				gin.SetMode(gin.ReleaseMode)
			}
			if addr == "" {
				addr = ro.cfg.HTTPAddr
			}
			handler := api.NewHandler(c.sync, c.breakers, c.limiter, c.log)
			err = api.NewServer(addr, api.NewRouter(handler, c.log), c.log).Run(ctx)
			c.log.Info(ctx, "Application finished gracefully.")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}
