package transport

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

const (
	minConnWindow   = 1 * 1024 * 1024
	maxConnWindow   = 1024 * 1024 * 1024
	minStreamWindow = 1 * 1024 * 1024
	maxStreamWindow = 256 * 1024 * 1024
	minMaxStreams   = 1
	maxMaxStreams   = 2048

	initialConnWindow = 32 * 1024 * 1024
	initialStreamCap  = 4 * 1024 * 1024
)

// Windows sizes QUIC flow control for one peer link.
type Windows struct {
	Conn       int
	Stream     int
	MaxStreams int
}

// DefaultWindows fit ten channels of default chunks with room to spare.
var DefaultWindows = Windows{Conn: 64 * 1024 * 1024, Stream: 16 * 1024 * 1024, MaxStreams: 128}

func (w Windows) String() string {
	return fmt.Sprintf("conn=%s stream=%s max_streams=%d", MiB(w.Conn), MiB(w.Stream), w.MaxStreams)
}

// WindowsFor sizes the stream window to hold buffered bytes plus one frame,
// so a channel at its send watermark is never flow-control blocked, and the
// connection window to every channel at once.
func WindowsFor(channels, frameSize int, buffered uint64) Windows {
	if channels < 1 {
		channels = 1
	}
	stream := clamp(int(buffered)+frameSize, minStreamWindow, maxStreamWindow)
	w := Windows{
		Conn:       clamp(stream*channels, minConnWindow, maxConnWindow),
		Stream:     stream,
		MaxStreams: clamp(channels*2, minMaxStreams, maxMaxStreams),
	}
	if w.Conn < DefaultWindows.Conn {
		w.Conn = DefaultWindows.Conn
	}
	if w.MaxStreams < DefaultWindows.MaxStreams {
		w.MaxStreams = DefaultWindows.MaxStreams
	}
	return w
}

// BuildQUICConfig copies base and applies w after clamping. base is not modified.
func BuildQUICConfig(base *quic.Config, w Windows) (*quic.Config, Windows) {
	cfg := &quic.Config{}
	if base != nil {
		c := *base
		cfg = &c
	}
	applied := Windows{
		Conn:       clamp(w.Conn, minConnWindow, maxConnWindow),
		Stream:     clamp(w.Stream, minStreamWindow, maxStreamWindow),
		MaxStreams: clamp(w.MaxStreams, minMaxStreams, maxMaxStreams),
	}
	cfg.InitialConnectionReceiveWindow = uint64(min(initialConnWindow, applied.Conn))
	cfg.MaxConnectionReceiveWindow = uint64(applied.Conn)
	cfg.InitialStreamReceiveWindow = uint64(min(initialStreamCap, applied.Stream))
	cfg.MaxStreamReceiveWindow = uint64(applied.Stream)
	cfg.MaxIncomingStreams = int64(applied.MaxStreams)
	return cfg, applied
}
