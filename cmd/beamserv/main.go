package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/logging"
	"github.com/sheerbytes/beamdrop/internal/signalserver"
)

var version = "v0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, envErr := config.LoadServer()
	cmd := &cobra.Command{
		Use:           "beamserv",
		Short:         "Signaling relay for beam peers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "beamserv:", err)
				return err
			}
			return nil
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("beamserv", cfg.LogLevel)
	srv := signalserver.New(cfg, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go srv.Sweep(sweepCtx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "room_ttl", cfg.RoomTTL, "room_capacity", cfg.RoomCapacity)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
