package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/ws"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	var drain time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ws.LoadConfig(*cfgFile)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, os.Stdout)

			srv, err := ws.New(cfg, log)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info().Dur("drain", drain).Msg("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			return srv.Stop(stopCtx)
		},
	}
	cmd.Flags().DurationVar(&drain, "drain", 30*time.Second, "how long to wait for connections to close on shutdown")
	return cmd
}
