package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChannel is a Channel whose buffered amount the test controls.
type stubChannel struct {
	mu       sync.Mutex
	label    string
	state    ChannelState
	buffered uint64
	sent     [][]byte
	texts    []string
	onLow    func()
	onOpen   func()
	onClose  func()
}

func (c *stubChannel) Label() string { return c.label }
func (c *stubChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}
func (c *stubChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}
func (c *stubChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}
func (c *stubChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *stubChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}
func (c *stubChannel) ReadyState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
func (c *stubChannel) OnOpen(f func())         { c.onOpen = f }
func (c *stubChannel) OnClose(f func())        { c.onClose = f }
func (c *stubChannel) OnError(func(error))     {}
func (c *stubChannel) OnMessage(func(Message)) {}
func (c *stubChannel) Close() error {
	c.mu.Lock()
	c.state = ChannelClosed
	f := c.onClose
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return nil
}

func (c *stubChannel) drain(to uint64) {
	c.mu.Lock()
	c.buffered = to
	f := c.onLow
	c.mu.Unlock()
	f()
}

func (c *stubChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestMuxSetupLabelsAndRoundRobin(t *testing.T) {
	a, _ := NewMemLinkPair()
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	require.NoError(t, m.Setup(a, 4))
	require.Equal(t, 4, m.Len())
	require.NoError(t, m.WaitOpen(context.Background(), 2*time.Second))

	chans := m.Channels()
	for i, ch := range chans {
		assert.Equal(t, ChannelLabelPrefix+string(rune('0'+i)), ch.Label())
	}
	for round := 0; round < 2; round++ {
		for i := 0; i < 4; i++ {
			assert.Equal(t, chans[i].Label(), m.Next().Label())
		}
	}
}

func TestMuxAdoptOrdersByLabel(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	for _, label := range []string{"fileTransfer-3", "fileTransfer-0", "fileTransfer-10", "fileTransfer-1"} {
		m.Adopt(&stubChannel{label: label, state: ChannelOpen})
	}
	var labels []string
	for _, ch := range m.Channels() {
		labels = append(labels, ch.Label())
	}
	assert.Equal(t, []string{"fileTransfer-0", "fileTransfer-1", "fileTransfer-3", "fileTransfer-10"}, labels)
	assert.Equal(t, "fileTransfer-0", m.Control().Label())
}

func TestMuxNextSkipsChannelsThatAreNotOpen(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelOpen})
	m.Adopt(&stubChannel{label: "fileTransfer-1", state: ChannelConnecting})
	m.Adopt(&stubChannel{label: "fileTransfer-2", state: ChannelOpen})
	m.Adopt(&stubChannel{label: "fileTransfer-3", state: ChannelClosed})

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, m.Next().Label())
	}
	assert.Equal(t, []string{
		"fileTransfer-0", "fileTransfer-2",
		"fileTransfer-0", "fileTransfer-2",
		"fileTransfer-0", "fileTransfer-2",
	}, got)
}

func TestMuxNextFallsBackToControlWhenNoneOpen(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelClosed})
	m.Adopt(&stubChannel{label: "fileTransfer-1", state: ChannelConnecting})
	assert.Equal(t, "fileTransfer-0", m.Next().Label())
	assert.Equal(t, "fileTransfer-0", m.Next().Label())
}

func TestMuxControlFallsBackToFirstOpen(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelClosed})
	m.Adopt(&stubChannel{label: "fileTransfer-1", state: ChannelConnecting})
	m.Adopt(&stubChannel{label: "fileTransfer-2", state: ChannelOpen})
	assert.Equal(t, "fileTransfer-2", m.Control().Label())
}

func TestMuxSendOnClosedChannelIsNoop(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	ch := &stubChannel{label: "fileTransfer-0", state: ChannelClosed}
	m.Adopt(ch)
	assert.NoError(t, m.SendWithBackpressure(context.Background(), m.Control(), []byte("x")))
	assert.Zero(t, ch.sentCount())
	assert.NoError(t, m.SendWithBackpressure(context.Background(), nil, []byte("x")))
}

func TestMuxBackpressureWaitsForLowEvent(t *testing.T) {
	m := NewMux(100, quietLogger(), nil)
	ch := &stubChannel{label: "fileTransfer-0", state: ChannelOpen, buffered: 500}
	m.Adopt(ch)

	done := make(chan error, 1)
	go func() { done <- m.SendWithBackpressure(context.Background(), m.Control(), []byte("frame")) }()

	select {
	case <-done:
		t.Fatal("send did not wait for the buffer to drain")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, ch.sentCount())

	ch.drain(100)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not resume after low event")
	}
	assert.Equal(t, 1, ch.sentCount())
}

func TestMuxBackpressureReleasedByClose(t *testing.T) {
	m := NewMux(100, quietLogger(), nil)
	ch := &stubChannel{label: "fileTransfer-0", state: ChannelOpen, buffered: 500}
	m.Adopt(ch)

	done := make(chan error, 1)
	go func() { done <- m.SendWithBackpressure(context.Background(), m.Control(), []byte("frame")) }()
	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send stayed blocked on a closed channel")
	}
	assert.Zero(t, ch.sentCount())
}

func TestMuxBackpressureHonorsContext(t *testing.T) {
	m := NewMux(100, quietLogger(), nil)
	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelOpen, buffered: 500})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.SendWithBackpressure(ctx, m.Control(), []byte("frame"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMuxWaitOpenToleratesPartialFailure(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelClosed})
	m.Adopt(&stubChannel{label: "fileTransfer-1", state: ChannelOpen})
	assert.NoError(t, m.WaitOpen(context.Background(), time.Second))
}

func TestMuxWaitOpenFailsWhenNothingOpens(t *testing.T) {
	m := NewMux(DefaultLowWatermark, quietLogger(), nil)
	assert.ErrorIs(t, m.WaitOpen(context.Background(), time.Second), ErrNoOpenChannel)

	m.Adopt(&stubChannel{label: "fileTransfer-0", state: ChannelClosed})
	m.Adopt(&stubChannel{label: "fileTransfer-1", state: ChannelConnecting})
	assert.ErrorIs(t, m.WaitOpen(context.Background(), 50*time.Millisecond), ErrNoOpenChannel)
}

func TestMuxWaitDrainedPolls(t *testing.T) {
	m := NewMux(100, quietLogger(), nil)
	ch := &stubChannel{label: "fileTransfer-0", state: ChannelOpen, buffered: 10}
	m.Adopt(ch)

	go func() {
		time.Sleep(30 * time.Millisecond)
		ch.drain(0)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, m.WaitDrained(ctx, 5*time.Millisecond))
}

func TestMuxCloseAllEmptiesPool(t *testing.T) {
	m := NewMux(100, quietLogger(), nil)
	ch := &stubChannel{label: "fileTransfer-0", state: ChannelOpen}
	m.Adopt(ch)
	m.CloseAll()
	assert.Zero(t, m.Len())
	assert.Equal(t, ChannelClosed, ch.ReadyState())
	assert.Nil(t, m.Next())
}
