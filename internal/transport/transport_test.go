package transport

import (
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiB(t *testing.T) {
	assert.Equal(t, "0B", MiB(0))
	assert.Equal(t, "8MiB", MiB(8*1024*1024))
	assert.Equal(t, "1024B", MiB(1024))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, minUDPBuffer, clamp(-1, minUDPBuffer, maxUDPBuffer))
	assert.Equal(t, minUDPBuffer, clamp(minUDPBuffer, minUDPBuffer, maxUDPBuffer))
	assert.Equal(t, maxUDPBuffer, clamp(maxUDPBuffer+1, minUDPBuffer, maxUDPBuffer))
}

func TestTuneUDPWithoutSocket(t *testing.T) {
	res := TuneUDP(nil, 0)
	require.Error(t, res.Err)
	assert.Equal(t, minUDPBuffer, res.Requested)
	assert.Contains(t, res.String(), "denied")
}

func TestTuneUDPOnRealSocket(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	res := TuneUDP(conn, DefaultUDPBuffer)
	assert.Equal(t, DefaultUDPBuffer, res.Requested)
}

func TestBuildQUICConfigClampsAndCopies(t *testing.T) {
	base := &quic.Config{KeepAlivePeriod: 30 * time.Second}
	cfg, applied := BuildQUICConfig(base, Windows{Conn: maxConnWindow + 1, Stream: maxStreamWindow + 1, MaxStreams: maxMaxStreams + 1})

	assert.Equal(t, maxConnWindow, applied.Conn)
	assert.Equal(t, maxStreamWindow, applied.Stream)
	assert.Equal(t, maxMaxStreams, applied.MaxStreams)
	assert.Equal(t, uint64(initialConnWindow), cfg.InitialConnectionReceiveWindow)
	assert.Equal(t, uint64(maxConnWindow), cfg.MaxConnectionReceiveWindow)
	assert.Equal(t, uint64(maxStreamWindow), cfg.MaxStreamReceiveWindow)
	assert.Equal(t, int64(maxMaxStreams), cfg.MaxIncomingStreams)
	assert.Equal(t, base.KeepAlivePeriod, cfg.KeepAlivePeriod)
	assert.Zero(t, base.MaxConnectionReceiveWindow)
}

func TestBuildQUICConfigSmallWindows(t *testing.T) {
	cfg, applied := BuildQUICConfig(nil, Windows{})
	assert.Equal(t, minConnWindow, applied.Conn)
	assert.Equal(t, uint64(minConnWindow), cfg.InitialConnectionReceiveWindow)
	assert.Equal(t, uint64(minStreamWindow), cfg.InitialStreamReceiveWindow)
}

func TestWindowsFor(t *testing.T) {
	w := WindowsFor(10, 260003, 8*1024*1024)
	assert.Equal(t, 8*1024*1024+260003, w.Stream)
	assert.Equal(t, 10*w.Stream, w.Conn)
	assert.Equal(t, DefaultWindows.MaxStreams, w.MaxStreams)

	small := WindowsFor(1, 1024, 0)
	assert.Equal(t, minStreamWindow, small.Stream)
	assert.Equal(t, DefaultWindows.Conn, small.Conn)

	many := WindowsFor(64, 260003, 16*1024*1024)
	assert.Equal(t, maxConnWindow, many.Conn)
}
