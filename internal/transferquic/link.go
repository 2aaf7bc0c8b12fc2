package transferquic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

// Each stream starts with [len u16 BE][label]; every message after it is
// framed as [kind u8][len u32 BE][payload].
const (
	kindBinary byte = 0
	kindText   byte = 1

	frameHeaderSize = 5
	maxLabelLen     = 1024
	// MaxMessageSize bounds a single framed message.
	MaxMessageSize = 16 * 1024 * 1024
)

var (
	_ transfer.Link    = (*Link)(nil)
	_ transfer.Channel = (*Channel)(nil)

	// ErrMessageTooLarge is returned for sends above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	errChannelClosed   = errors.New("channel is not open")
)

// Link adapts a QUIC connection to transfer.Link; each channel is one
// bidirectional stream.
type Link struct {
	conn   *quic.Conn
	logger *slog.Logger

	mu        sync.Mutex
	state     transfer.ConnectionState
	closing   bool
	channels  []*Channel
	onChannel func(transfer.Channel)
	onState   func(transfer.ConnectionState)
	// handled is closed by the first OnChannel call; accepted streams wait on it.
	handled    chan struct{}
	handledOne sync.Once
}

// NewLink wraps an established connection and starts accepting remote channels.
func NewLink(conn *quic.Conn, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{conn: conn, logger: logger, state: transfer.StateConnected, handled: make(chan struct{})}
	go l.acceptLoop()
	go l.watch()
	return l
}

func (l *Link) acceptLoop() {
	ctx := l.conn.Context()
	for {
		stream, err := l.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go l.acceptChannel(stream)
	}
}

func (l *Link) acceptChannel(stream *quic.Stream) {
	br := bufio.NewReaderSize(stream, 64*1024)
	label, err := readLabel(br)
	if err != nil {
		l.logger.Warn("dropping stream without label", "stream_id", int64(stream.StreamID()), "error", err)
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}

	ch := newChannel(l, stream, label)
	l.mu.Lock()
	l.channels = append(l.channels, ch)
	l.mu.Unlock()

	select {
	case <-l.handled:
	case <-l.conn.Context().Done():
		ch.shutdown(nil)
		return
	}
	l.mu.Lock()
	f := l.onChannel
	l.mu.Unlock()
	if f == nil {
		l.logger.Warn("no handler for incoming channel, closing", "label", label)
		ch.Close()
		return
	}

	f(ch)
	ch.markOpen()
	go ch.writeLoop()
	ch.readLoop(br)
}

func (l *Link) watch() {
	<-l.conn.Context().Done()
	l.mu.Lock()
	next := transfer.StateDisconnected
	if l.closing {
		next = transfer.StateClosed
	}
	l.state = next
	chans := l.channels
	l.channels = nil
	f := l.onState
	l.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown(nil)
	}
	if f != nil {
		f(next)
	}
}

// CreateChannel opens a stream and announces label to the peer.
func (l *Link) CreateChannel(label string) (transfer.Channel, error) {
	if len(label) > maxLabelLen {
		return nil, fmt.Errorf("label %q too long", label)
	}
	stream, err := l.conn.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream for %s: %w", label, err)
	}
	ch := newChannel(l, stream, label)
	l.mu.Lock()
	l.channels = append(l.channels, ch)
	l.mu.Unlock()

	go func() {
		if err := writeLabel(stream, label); err != nil {
			ch.shutdown(err)
			return
		}
		ch.markOpen()
		go ch.writeLoop()
		ch.readLoop(bufio.NewReaderSize(stream, 64*1024))
	}()
	return ch, nil
}

// OnChannel sets the handler for remote channels. Streams accepted before
// the first call are held until it is made.
func (l *Link) OnChannel(f func(transfer.Channel)) {
	l.mu.Lock()
	l.onChannel = f
	l.mu.Unlock()
	l.handledOne.Do(func() { close(l.handled) })
}

func (l *Link) OnStateChange(f func(transfer.ConnectionState)) {
	l.mu.Lock()
	l.onState = f
	l.mu.Unlock()
}

func (l *Link) State() transfer.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close closes the connection and every channel on it.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	return l.conn.CloseWithError(0, "closed")
}

func writeLabel(w io.Writer, label string) error {
	buf := make([]byte, 2+len(label))
	binary.BigEndian.PutUint16(buf, uint16(len(label)))
	copy(buf[2:], label)
	_, err := w.Write(buf)
	return err
}

func readLabel(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > maxLabelLen {
		return "", fmt.Errorf("label length %d too long", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Channel is one framed QUIC stream. Sends are queued and written by a
// dedicated goroutine, which makes BufferedAmount meaningful.
type Channel struct {
	link   *Link
	stream *quic.Stream
	label  string

	mu        sync.Mutex
	state     transfer.ChannelState
	queue     [][]byte
	buffered  uint64
	threshold uint64
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(transfer.Message)
	onLow     func()

	wake chan struct{}
	done chan struct{}
}

func newChannel(l *Link, stream *quic.Stream, label string) *Channel {
	return &Channel{
		link:   l,
		stream: stream,
		label:  label,
		state:  transfer.ChannelConnecting,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) Send(data []byte) error     { return c.enqueue(kindBinary, data) }
func (c *Channel) SendText(text string) error { return c.enqueue(kindText, []byte(text)) }

func (c *Channel) enqueue(kind byte, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	c.mu.Lock()
	if c.state != transfer.ChannelOpen {
		c.mu.Unlock()
		return errChannelClosed
	}
	c.queue = append(c.queue, frame)
	c.buffered += uint64(len(frame))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.state != transfer.ChannelOpen || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if _, err := c.stream.Write(frame); err != nil {
				c.shutdown(err)
				return
			}

			c.mu.Lock()
			before := c.buffered
			c.buffered -= uint64(len(frame))
			crossed := before > c.threshold && c.buffered <= c.threshold
			low := c.onLow
			c.mu.Unlock()
			if crossed && low != nil {
				low()
			}
		}
	}
}

func (c *Channel) readLoop(br *bufio.Reader) {
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			c.shutdown(readErr(err))
			return
		}
		n := binary.BigEndian.Uint32(hdr[1:5])
		if n > MaxMessageSize {
			c.shutdown(fmt.Errorf("%w: peer sent %d bytes", ErrMessageTooLarge, n))
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			c.shutdown(readErr(err))
			return
		}

		c.mu.Lock()
		f := c.onMessage
		c.mu.Unlock()
		if f != nil {
			f(transfer.Message{Data: data, IsString: hdr[0] == kindText})
		}
	}
}

// readErr hides the normal end of a stream.
func readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return nil
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.ErrorCode == 0 {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	if c.state != transfer.ChannelConnecting {
		c.mu.Unlock()
		return
	}
	c.state = transfer.ChannelOpen
	f := c.onOpen
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if c.state == transfer.ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = transfer.ChannelClosed
	c.queue = nil
	c.buffered = 0
	onErr, onClose := c.onError, c.onClose
	c.mu.Unlock()

	close(c.done)
	c.stream.CancelRead(0)
	c.stream.Close()
	if cause != nil && onErr != nil {
		onErr(cause)
	}
	if onClose != nil {
		onClose()
	}
}

func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Channel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *Channel) ReadyState() transfer.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *Channel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *Channel) OnError(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *Channel) OnMessage(f func(transfer.Message)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

// Close flushes nothing: queued messages are discarded and the stream is torn down.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}
