package transfer

import (
	"errors"
	"sync"
)

// ErrChannelNotOpen is returned by sends on a channel that is not open.
var ErrChannelNotOpen = errors.New("channel is not open")

// InterceptFunc rewrites an outbound message before delivery. Returning no
// messages drops it; returning several delivers each in order.
type InterceptFunc func(label string, msg Message) []Message

// MemLink is an in-process Link. Links created by NewMemLinkPair deliver to
// each other with per-channel ordering and real buffered-amount accounting.
type MemLink struct {
	mu        sync.Mutex
	peer      *MemLink
	state     ConnectionState
	closed    bool
	channels  []*MemChannel
	onChannel func(Channel)
	onState   func(ConnectionState)
	intercept InterceptFunc
}

var _ Link = (*MemLink)(nil)
var _ Channel = (*MemChannel)(nil)

// NewMemLinkPair returns two connected links.
func NewMemLinkPair() (*MemLink, *MemLink) {
	a := &MemLink{state: StateConnected}
	b := &MemLink{state: StateConnected}
	a.peer = b
	b.peer = a
	return a, b
}

// SetIntercept installs f on this link's outbound path. Nil removes it.
func (l *MemLink) SetIntercept(f InterceptFunc) {
	l.mu.Lock()
	l.intercept = f
	l.mu.Unlock()
}

func (l *MemLink) interceptor() InterceptFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intercept
}

// CreateChannel opens a channel pair; the remote half is announced through
// the peer's OnChannel handler before either half opens.
func (l *MemLink) CreateChannel(label string) (Channel, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New("link is closed")
	}
	peer := l.peer
	local := newMemChannel(l, label)
	l.channels = append(l.channels, local)
	l.mu.Unlock()

	remote := newMemChannel(peer, label)
	local.peer = remote
	remote.peer = local

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return nil, errors.New("peer link is closed")
	}
	peer.channels = append(peer.channels, remote)
	announce := peer.onChannel
	peer.mu.Unlock()

	go func() {
		if announce != nil {
			announce(remote)
		}
		remote.open()
		local.open()
	}()
	return local, nil
}

func (l *MemLink) OnChannel(f func(Channel)) {
	l.mu.Lock()
	l.onChannel = f
	l.mu.Unlock()
}

func (l *MemLink) OnStateChange(f func(ConnectionState)) {
	l.mu.Lock()
	l.onState = f
	l.mu.Unlock()
}

func (l *MemLink) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetState moves the link to s and notifies the state handler.
func (l *MemLink) SetState(s ConnectionState) {
	l.mu.Lock()
	l.state = s
	f := l.onState
	l.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// Close closes every channel on both sides; the peer link reports disconnected.
func (l *MemLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	chans := l.channels
	l.channels = nil
	peer := l.peer
	l.mu.Unlock()

	for _, c := range chans {
		c.Close()
	}
	l.SetState(StateClosed)
	if peer != nil && peer.State() != StateClosed {
		peer.SetState(StateDisconnected)
	}
	return nil
}

type memFrame struct {
	msg  Message
	size uint64
}

// MemChannel is one half of an in-process channel pair.
type MemChannel struct {
	link  *MemLink
	label string
	peer  *MemChannel

	mu        sync.Mutex
	state     ChannelState
	queue     []memFrame
	buffered  uint64
	threshold uint64
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(Message)
	onLow     func()

	wake chan struct{}
	done chan struct{}
}

func newMemChannel(link *MemLink, label string) *MemChannel {
	return &MemChannel{
		link:  link,
		label: label,
		state: ChannelConnecting,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (c *MemChannel) Label() string { return c.label }

func (c *MemChannel) Send(data []byte) error {
	return c.enqueue(Message{Data: append([]byte(nil), data...)})
}

func (c *MemChannel) SendText(text string) error {
	return c.enqueue(Message{Data: []byte(text), IsString: true})
}

func (c *MemChannel) enqueue(msg Message) error {
	c.mu.Lock()
	if c.state != ChannelOpen {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	size := uint64(len(msg.Data))
	c.queue = append(c.queue, memFrame{msg: msg, size: size})
	c.buffered += size
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *MemChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *MemChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *MemChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *MemChannel) ReadyState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *MemChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *MemChannel) OnError(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *MemChannel) OnMessage(f func(Message)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

// Close closes both halves of the pair. Queued messages are discarded.
func (c *MemChannel) Close() error {
	if c.shutdown() && c.peer != nil {
		c.peer.shutdown()
	}
	return nil
}

func (c *MemChannel) shutdown() bool {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return false
	}
	c.state = ChannelClosed
	c.queue = nil
	c.buffered = 0
	f := c.onClose
	c.mu.Unlock()

	close(c.done)
	if f != nil {
		f()
	}
	return true
}

func (c *MemChannel) open() {
	c.mu.Lock()
	if c.state != ChannelConnecting {
		c.mu.Unlock()
		return
	}
	c.state = ChannelOpen
	f := c.onOpen
	c.mu.Unlock()

	go c.deliverLoop()
	if f != nil {
		f()
	}
}

// deliverLoop hands queued messages to the peer one at a time, preserving order.
func (c *MemChannel) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.state != ChannelOpen || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			fr := c.queue[0]
			c.queue[0] = memFrame{}
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.deliver(fr.msg)

			c.mu.Lock()
			if c.state != ChannelOpen {
				c.mu.Unlock()
				return
			}
			before := c.buffered
			c.buffered -= fr.size
			crossed := before > c.threshold && c.buffered <= c.threshold
			low := c.onLow
			c.mu.Unlock()
			if crossed && low != nil {
				low()
			}
		}
	}
}

func (c *MemChannel) deliver(msg Message) {
	msgs := []Message{msg}
	if f := c.link.interceptor(); f != nil {
		msgs = f(c.label, msg)
	}
	for _, m := range msgs {
		c.peer.mu.Lock()
		open := c.peer.state == ChannelOpen
		f := c.peer.onMessage
		c.peer.mu.Unlock()
		if open && f != nil {
			f(m)
		}
	}
}
