package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/beamdrop/internal/app"
	"github.com/sheerbytes/beamdrop/internal/cli/receiver"
	"github.com/sheerbytes/beamdrop/internal/cli/sender"
	"github.com/sheerbytes/beamdrop/internal/logging"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

var version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "beam:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "beam",
		Short:         "Peer-to-peer file transfer over parallel data channels",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		sender.NewCommand(),
		receiver.NewCommand(),
		newBenchCmd(),
		newProbeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "beam", version)
			},
		},
	)
	return root
}

func newBenchCmd() *cobra.Command {
	cfg := app.BenchConfig{
		Size:      64 * 1024 * 1024,
		Channels:  transfer.DefaultChannels,
		ChunkSize: transfer.DefaultChunkSize,
		Runs:      1,
		Timeout:   2 * time.Minute,
	}
	logLevel := "warn"
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure transfer throughput over an in-process link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Out = cmd.OutOrStdout()
			if cfg.Seed == 0 {
				cfg.Seed = uint64(time.Now().UnixNano())
			}
			totals, _, err := app.RunBench(cmd.Context(), logging.New("beam-bench", logLevel), cfg)
			if err != nil {
				return err
			}
			if totals.Failed > 0 {
				return fmt.Errorf("%d of %d runs did not deliver an intact file", totals.Failed, totals.Runs)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.Int64Var(&cfg.Size, "size", cfg.Size, "payload size in bytes")
	fs.IntVar(&cfg.Channels, "channels", cfg.Channels, "parallel data channels")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk payload size in bytes")
	fs.Float64Var(&cfg.LossRate, "loss", 0, "fraction of chunk frames to drop (0 to 1)")
	fs.IntVar(&cfg.Runs, "runs", cfg.Runs, "number of runs")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "random seed (0 picks one)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "time limit per run")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level (debug, info, warn, error)")
	return cmd
}

func newProbeCmd() *cobra.Command {
	var cfg app.ProbeConfig
	logLevel := "warn"
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show the public UDP address and QUIC candidates of this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Out = cmd.OutOrStdout()
			_, err := app.RunProbe(cmd.Context(), logging.New("beam-probe", logLevel), cfg)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVar(&cfg.STUNServers, "stun", nil, "STUN servers as host:port (default public servers)")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "local UDP address")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "per-server STUN timeout")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level (debug, info, warn, error)")
	return cmd
}
