package transfer

import (
	"log/slog"
	"time"
)

const (
	DefaultChannels          = 10
	DefaultLowWatermark      = 8 * 1024 * 1024
	DefaultProgressInterval  = 100 * time.Millisecond
	DefaultAckInterval       = 200 * time.Millisecond
	DefaultMaxMissingRetries = 5
	DefaultDrainPollInterval = 100 * time.Millisecond
	DefaultOpenTimeout       = 30 * time.Second

	// ChannelLabelPrefix prefixes every data channel label; the suffix is the pool index.
	ChannelLabelPrefix = "fileTransfer-"
)

// Options are the per-manager transfer settings.
type Options struct {
	ChunkSize int
	Channels  int
	// LowWatermark is the buffered amount a channel must drain to before the next send.
	LowWatermark     uint64
	ProgressInterval time.Duration
	AckInterval      time.Duration
	// MaxMissingRetries bounds retransmission rounds; negative disables them.
	MaxMissingRetries int
	DrainPollInterval time.Duration
	OpenTimeout       time.Duration

	Logger *slog.Logger
	// Now is the clock used for throttling and speed; tests inject a fake one.
	Now func() time.Time
}

// NormalizeOptions applies defaults and clamps settings.
func NormalizeOptions(o Options) Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Channels <= 0 {
		out.Channels = DefaultChannels
	}
	if out.Channels > 64 {
		out.Channels = 64
	}
	if out.LowWatermark == 0 {
		out.LowWatermark = DefaultLowWatermark
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = DefaultProgressInterval
	}
	if out.AckInterval <= 0 {
		out.AckInterval = DefaultAckInterval
	}
	if out.MaxMissingRetries < 0 {
		out.MaxMissingRetries = 0
	} else if out.MaxMissingRetries == 0 {
		out.MaxMissingRetries = DefaultMaxMissingRetries
	}
	if out.DrainPollInterval <= 0 {
		out.DrainPollInterval = DefaultDrainPollInterval
	}
	if out.OpenTimeout <= 0 {
		out.OpenTimeout = DefaultOpenTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}
