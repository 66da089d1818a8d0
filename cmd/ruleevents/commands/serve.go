package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ruleevents/internal/app"
	"ruleevents/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification hub HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			application, err := app.NewApplication(ctx, cfg, app.WithLogger(log))
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			if err := application.Start(ctx); err != nil {
				return fmt.Errorf("failed to start application: %w", err)
			}

			<-ctx.Done()
			log.Info().Msg("received shutdown signal")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return application.Stop(shutdownCtx)
		},
	}
}
