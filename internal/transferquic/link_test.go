package transferquic

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/beamdrop/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLabelPreambleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeLabel(&buf, "fileTransfer-7"))
	label, err := readLabel(&buf)
	require.NoError(t, err)
	assert.Equal(t, "fileTransfer-7", label)

	_, err = readLabel(bytes.NewReader([]byte{0xFF, 0xFF}))
	assert.Error(t, err)
	_, err = readLabel(bytes.NewReader([]byte{0x00}))
	assert.Error(t, err)
}

func TestTLSConfigs(t *testing.T) {
	srv, err := ServerTLSConfig()
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)
	assert.Contains(t, srv.NextProtos, ALPNProtocol)

	cli := ClientTLSConfig()
	assert.True(t, cli.InsecureSkipVerify)
	assert.Contains(t, cli.NextProtos, ALPNProtocol)
}

func TestReadErrHidesCleanShutdown(t *testing.T) {
	assert.NoError(t, readErr(io.EOF))
	assert.NoError(t, readErr(&quic.ApplicationError{ErrorCode: 0}))
	assert.Error(t, readErr(io.ErrUnexpectedEOF))
}

// loopbackLinks returns a connected dialer/listener pair on 127.0.0.1.
func loopbackLinks(t *testing.T) (*Link, *Link) {
	t.Helper()
	logger := quietLogger()

	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { srvConn.Close() })
	cliConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { cliConn.Close() })

	ln, err := Listen(srvConn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *quic.Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()
	cli, err := Dial(ctx, cliConn, srvConn.LocalAddr(), logger)
	require.NoError(t, err)

	var srv *quic.Conn
	select {
	case srv = <-accepted:
	case <-ctx.Done():
		t.Fatal("listener never accepted")
	}
	return NewLink(cli, logger), NewLink(srv, logger)
}

func TestChannelFramingPreservesBoundaries(t *testing.T) {
	a, b := loopbackLinks(t)
	defer a.Close()
	defer b.Close()

	got := make(chan transfer.Message, 8)
	labels := make(chan string, 1)
	b.OnChannel(func(ch transfer.Channel) {
		labels <- ch.Label()
		ch.OnMessage(func(m transfer.Message) { got <- m })
	})

	ch, err := a.CreateChannel("fileTransfer-0")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.ReadyState() == transfer.ChannelOpen }, 5*time.Second, time.Millisecond)

	require.NoError(t, ch.SendText(`{"type":"file-complete"}`))
	require.NoError(t, ch.Send([]byte{1, 2, 3}))
	require.NoError(t, ch.Send(nil))

	assert.Equal(t, "fileTransfer-0", <-labels)
	first := <-got
	assert.True(t, first.IsString)
	assert.Equal(t, `{"type":"file-complete"}`, string(first.Data))
	second := <-got
	assert.False(t, second.IsString)
	assert.Equal(t, []byte{1, 2, 3}, second.Data)
	third := <-got
	assert.Empty(t, third.Data)

	assert.Eventually(t, func() bool { return ch.BufferedAmount() == 0 }, 5*time.Second, time.Millisecond)
}

func TestManagerOverQUIC(t *testing.T) {
	a, b := loopbackLinks(t)

	logger := quietLogger()
	opts := transfer.Options{ChunkSize: 64 * 1024, Channels: 6, Logger: logger}
	receiver, err := transfer.NewManager(func() (transfer.Link, error) { return b, nil }, opts)
	require.NoError(t, err)
	defer receiver.Close(false)
	sender, err := transfer.NewManager(func() (transfer.Link, error) { return a, nil }, opts)
	require.NoError(t, err)
	defer sender.Close(false)

	files := make(chan transfer.ReceivedFile, 1)
	receiver.OnFileReceived(func(f transfer.ReceivedFile) { files <- f })

	_, err = sender.CreateChannels()
	require.NoError(t, err)

	data := make([]byte, 1_000_000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, sender.SendFile(ctx, transfer.NewBytesSource("q.bin", "application/octet-stream", data), "q"))

	select {
	case f := <-files:
		assert.True(t, bytes.Equal(data, f.Data))
	case <-ctx.Done():
		t.Fatal("file not received over quic")
	}
}

func TestLinkCloseReportsState(t *testing.T) {
	a, b := loopbackLinks(t)
	states := make(chan transfer.ConnectionState, 2)
	b.OnStateChange(func(s transfer.ConnectionState) { states <- s })

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return a.State() == transfer.StateClosed }, 5*time.Second, time.Millisecond)
	select {
	case s := <-states:
		assert.Equal(t, transfer.StateDisconnected, s)
	case <-time.After(5 * time.Second):
		t.Fatal("peer never noticed the close")
	}
}
