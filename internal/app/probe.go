package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/beamdrop/internal/natprobe"
)

// ProbeConfig describes one `beam probe` run.
type ProbeConfig struct {
	STUNServers []string
	ListenAddr  string
	Timeout     time.Duration
	Out         io.Writer
}

// ProbeReport is what the local network looks like from outside.
type ProbeReport struct {
	LocalAddr  string
	PublicAddr string
	Candidates []string
}

// RunProbe discovers the public UDP mapping and the direct candidates a
// QUIC transfer would offer.
func RunProbe(ctx context.Context, logger *slog.Logger, cfg ProbeConfig) (ProbeReport, error) {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	prober, err := natprobe.NewProber(ctx, natprobe.Config{
		STUNServers: cfg.STUNServers,
		Timeout:     cfg.Timeout,
		ListenAddr:  cfg.ListenAddr,
	}, logger)
	if err != nil {
		return ProbeReport{}, err
	}
	defer prober.Close()

	report := ProbeReport{
		LocalAddr:  prober.LocalAddr().String(),
		Candidates: prober.Candidates(),
	}
	if pub := prober.PublicAddr(); pub != nil {
		report.PublicAddr = pub.String()
	}

	fmt.Fprintf(cfg.Out, "local:  %s\n", report.LocalAddr)
	if report.PublicAddr != "" {
		fmt.Fprintf(cfg.Out, "public: %s\n", report.PublicAddr)
	} else {
		fmt.Fprintln(cfg.Out, "public: unknown (no STUN server answered)")
	}
	for _, c := range report.Candidates {
		fmt.Fprintf(cfg.Out, "candidate: %s\n", c)
	}
	return report, nil
}
