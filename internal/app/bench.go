package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/beamdrop/internal/bench"
	"github.com/sheerbytes/beamdrop/internal/progress"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

const defaultBenchTimeout = 2 * time.Minute

// BenchConfig describes a loopback benchmark: both peers run in process over
// an in-memory link that drops chunk frames at LossRate.
type BenchConfig struct {
	Size      int64
	Channels  int
	ChunkSize int
	LossRate  float64
	Runs      int
	Seed      uint64
	// Timeout bounds each run.
	Timeout time.Duration
	Out     io.Writer
}

func (c BenchConfig) normalize() (BenchConfig, error) {
	if c.Size < 0 {
		return c, errors.New("size must not be negative")
	}
	if c.LossRate < 0 || c.LossRate >= 1 {
		return c, fmt.Errorf("loss rate %.3f out of range [0, 1)", c.LossRate)
	}
	if c.Runs <= 0 {
		c.Runs = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultBenchTimeout
	}
	if c.Out == nil {
		c.Out = io.Discard
	}
	return c, nil
}

// RunBench transfers a pseudo-random payload Runs times and reports each run
// and the aggregate. A run that cannot deliver an intact file is recorded,
// not returned as an error.
func RunBench(ctx context.Context, logger *slog.Logger, cfg BenchConfig) (bench.Totals, []bench.Summary, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return bench.Totals{}, nil, err
	}
	data := benchPayload(cfg.Size, cfg.Seed)

	runs := make([]bench.Summary, 0, cfg.Runs)
	for i := 0; i < cfg.Runs; i++ {
		sum, err := benchOnce(ctx, logger, cfg, data, cfg.Seed+uint64(i))
		if err != nil {
			return bench.Aggregate(runs), runs, fmt.Errorf("run %d: %w", i+1, err)
		}
		runs = append(runs, sum)
		fmt.Fprintf(cfg.Out, "run %d/%d: %s\n", i+1, cfg.Runs, sum)
	}
	totals := bench.Aggregate(runs)
	fmt.Fprintf(cfg.Out, "total: %s\n", totals)
	return totals, runs, nil
}

func benchPayload(size int64, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

// lossyLink drops binary frames at rate; control text always passes.
type lossyLink struct {
	rate    float64
	mu      sync.Mutex
	rng     *rand.Rand
	frames  atomic.Int64
	dropped atomic.Int64
}

func (l *lossyLink) intercept(_ string, msg transfer.Message) []transfer.Message {
	if msg.IsString {
		return []transfer.Message{msg}
	}
	l.frames.Add(1)
	if l.rate > 0 {
		l.mu.Lock()
		drop := l.rng.Float64() < l.rate
		l.mu.Unlock()
		if drop {
			l.dropped.Add(1)
			return nil
		}
	}
	return []transfer.Message{msg}
}

func benchOnce(ctx context.Context, logger *slog.Logger, cfg BenchConfig, data []byte, seed uint64) (bench.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := transfer.Options{ChunkSize: cfg.ChunkSize, Channels: cfg.Channels, Logger: logger}
	sendLink, recvLink := transfer.NewMemLinkPair()
	loss := &lossyLink{rate: cfg.LossRate, rng: rand.New(rand.NewPCG(seed, ^seed))}
	sendLink.SetIntercept(loss.intercept)

	files := make(chan transfer.ReceivedFile, 1)
	failures := make(chan transfer.TransferFailure, 1)
	receiver, err := newManager(recvLink, opts, func(m *transfer.Manager) {
		m.OnFileReceived(func(f transfer.ReceivedFile) {
			select {
			case files <- f:
			default:
			}
		})
		m.OnTransferFailed(func(f transfer.TransferFailure) {
			select {
			case failures <- f:
			default:
			}
		})
	})
	if err != nil {
		return bench.Summary{}, err
	}
	defer receiver.Close(false)

	start := time.Now()
	rec := bench.NewRecorder(start)
	var recMu sync.Mutex
	sender, err := newManager(sendLink, opts, func(m *transfer.Manager) {
		m.OnProgress(func(s progress.Snapshot) {
			recMu.Lock()
			rec.Tick(time.Now(), s.BytesTransferred, s.FileSize)
			recMu.Unlock()
		})
	})
	if err != nil {
		return bench.Summary{}, err
	}
	defer sender.Close(false)

	if _, err := sender.CreateChannels(); err != nil {
		return bench.Summary{}, err
	}
	src := transfer.NewBytesSource("bench.bin", "application/octet-stream", data)
	if err := sender.SendFile(ctx, src, uuid.NewString()); err != nil {
		return bench.Summary{}, err
	}

	var (
		got    []byte
		intact bool
	)
	select {
	case f := <-files:
		got = f.Data
		intact = bytes.Equal(f.Data, data)
	case f := <-failures:
		logger.Warn("bench run failed", "missing", len(f.Missing), "error", f.Err)
	case <-ctx.Done():
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return bench.Summary{}, err
		}
		logger.Warn("bench run timed out", "timeout", cfg.Timeout)
	}

	recMu.Lock()
	sum := rec.Final(time.Now(), int64(len(got)))
	recMu.Unlock()
	sum.Chunks = transfer.TotalChunks(int64(len(data)), transfer.NormalizeOptions(opts).ChunkSize)
	sum.Frames = int(loss.frames.Load())
	sum.Dropped = int(loss.dropped.Load())
	sum.Intact = intact
	return sum, nil
}
