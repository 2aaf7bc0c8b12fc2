package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoOpenChannel indicates that no channel in the pool ever reached the open state.
var ErrNoOpenChannel = errors.New("data channels could not be opened")

// Mux owns the pool of parallel channels for one link. Outbound chunks are
// spread round-robin, so only per-channel order holds; receivers must
// reassemble by packet index.
type Mux struct {
	logger       *slog.Logger
	lowWatermark uint64
	onMessage    func(label string, msg Message)

	mu       sync.Mutex
	channels []*muxChannel
	next     int
}

// muxChannel tracks lifecycle signals for one pooled channel.
type muxChannel struct {
	Channel
	index int

	low       chan struct{}
	opened    chan struct{}
	done      chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

// NewMux returns an empty pool. onMessage receives every message from every pooled channel.
func NewMux(lowWatermark uint64, logger *slog.Logger, onMessage func(label string, msg Message)) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger:       logger,
		lowWatermark: lowWatermark,
		onMessage:    onMessage,
	}
}

// Setup creates n uniquely labeled channels on link and registers handlers on each.
// Channels that fail to be created are skipped; an error is returned only if none were.
func (m *Mux) Setup(link Link, n int) error {
	if link == nil {
		return errors.New("no link to create channels on")
	}
	created := make([]*muxChannel, 0, n)
	for i := 0; i < n; i++ {
		ch, err := link.CreateChannel(ChannelLabelPrefix + strconv.Itoa(i))
		if err != nil {
			m.logger.Warn("create data channel failed", "index", i, "error", err)
			continue
		}
		created = append(created, m.attach(ch, i))
	}
	if len(created) == 0 {
		return fmt.Errorf("create data channels: %w", ErrNoOpenChannel)
	}

	m.mu.Lock()
	m.channels = created
	m.next = 0
	m.mu.Unlock()
	return nil
}

// Adopt adds a channel opened by the remote side, keeping the pool ordered by
// the label's numeric suffix so index 0 stays the control channel.
func (m *Mux) Adopt(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := labelIndex(ch.Label(), len(m.channels))
	mc := m.attach(ch, idx)
	m.channels = append(m.channels, mc)
	sort.SliceStable(m.channels, func(i, j int) bool {
		return m.channels[i].index < m.channels[j].index
	})
	m.logger.Debug("adopted data channel", "label", ch.Label(), "pool", len(m.channels))
}

func labelIndex(label string, fallback int) int {
	if !strings.HasPrefix(label, ChannelLabelPrefix) {
		return fallback
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(label, ChannelLabelPrefix))
	if err != nil || idx < 0 {
		return fallback
	}
	return idx
}

func (m *Mux) attach(ch Channel, index int) *muxChannel {
	mc := &muxChannel{
		Channel: ch,
		index:   index,
		low:     make(chan struct{}, 1),
		opened:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	ch.SetBufferedAmountLowThreshold(m.lowWatermark)
	ch.OnBufferedAmountLow(func() {
		select {
		case mc.low <- struct{}{}:
		default:
		}
	})
	ch.OnOpen(func() {
		m.logger.Debug("data channel opened", "label", ch.Label())
		mc.markOpen()
	})
	ch.OnClose(func() {
		m.logger.Debug("data channel closed", "label", ch.Label())
		mc.markDone()
	})
	ch.OnError(func(err error) {
		m.logger.Error("data channel error", "label", ch.Label(), "error", err)
	})
	ch.OnMessage(func(msg Message) {
		if m.onMessage != nil {
			m.onMessage(ch.Label(), msg)
		}
	})
	switch ch.ReadyState() {
	case ChannelOpen:
		mc.markOpen()
	case ChannelClosed:
		mc.markDone()
	}
	return mc
}

func (c *muxChannel) markOpen() {
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *muxChannel) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
	select {
	case c.low <- struct{}{}:
	default:
	}
}

// Len returns the pool size.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Channels returns a snapshot of the pool in index order.
func (m *Mux) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, len(m.channels))
	for i, c := range m.channels {
		out[i] = c
	}
	return out
}

// Next returns the next open channel in round-robin order. Channels that are
// not open are skipped; with none open it returns the control channel, and
// nil for an empty pool.
func (m *Mux) Next() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.channels)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		ch := m.channels[(m.next+i)%n]
		if ch.ReadyState() == ChannelOpen {
			m.next = (m.next + i + 1) % n
			return ch
		}
	}
	return m.controlLocked()
}

// Control returns the channel used for control messages and retransmissions:
// channel 0, or the lowest-indexed open channel when channel 0 is not open.
func (m *Mux) Control() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return nil
	}
	return m.controlLocked()
}

func (m *Mux) controlLocked() Channel {
	for _, c := range m.channels {
		if c.ReadyState() == ChannelOpen {
			return c
		}
	}
	return m.channels[0]
}

// SendWithBackpressure waits until ch has drained to the low watermark, then sends data.
// A channel that is not open turns the send into a logged no-op.
func (m *Mux) SendWithBackpressure(ctx context.Context, ch Channel, data []byte) error {
	return m.send(ctx, ch, func() error { return ch.Send(data) })
}

// SendTextWithBackpressure is SendWithBackpressure for text frames.
func (m *Mux) SendTextWithBackpressure(ctx context.Context, ch Channel, text string) error {
	return m.send(ctx, ch, func() error { return ch.SendText(text) })
}

func (m *Mux) send(ctx context.Context, ch Channel, fn func() error) error {
	if ch == nil {
		m.logger.Warn("no data channel available, skipping send")
		return nil
	}
	if mc, ok := ch.(*muxChannel); ok {
		for mc.BufferedAmount() > m.lowWatermark && mc.ReadyState() == ChannelOpen {
			select {
			case <-mc.low:
			case <-mc.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if state := ch.ReadyState(); state != ChannelOpen {
		m.logger.Warn("channel is not open, skipping send", "channel", ch.Label(), "state", state.String())
		return nil
	}
	if err := fn(); err != nil {
		if ch.ReadyState() != ChannelOpen {
			m.logger.Warn("channel closed during send", "channel", ch.Label(), "error", err)
			return nil
		}
		return fmt.Errorf("send on %s: %w", ch.Label(), err)
	}
	return nil
}

// WaitOpen blocks until every pooled channel has opened or closed, or timeout
// elapses. It fails only when no channel is open at the end of the wait.
func (m *Mux) WaitOpen(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	pool := append([]*muxChannel(nil), m.channels...)
	m.mu.Unlock()
	if len(pool) == 0 {
		return ErrNoOpenChannel
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
wait:
	for _, c := range pool {
		select {
		case <-c.opened:
		case <-c.done:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, c := range pool {
		if c.ReadyState() == ChannelOpen {
			return nil
		}
	}
	return ErrNoOpenChannel
}

// WaitDrained polls until every open channel reports an empty buffer.
// Transports signal only the low watermark, not zero, so this one wait polls.
func (m *Mux) WaitDrained(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Mux) drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		if c.ReadyState() == ChannelOpen && c.BufferedAmount() > 0 {
			return false
		}
	}
	return true
}

// Reset forgets every pooled channel without closing them.
func (m *Mux) Reset() {
	m.mu.Lock()
	m.channels = nil
	m.next = 0
	m.mu.Unlock()
}

// CloseAll closes every pooled channel and empties the pool.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	pool := m.channels
	m.channels = nil
	m.next = 0
	m.mu.Unlock()
	for _, c := range pool {
		if err := c.Close(); err != nil {
			m.logger.Debug("close data channel", "label", c.Label(), "error", err)
		}
	}
}
