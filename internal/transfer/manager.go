package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/beamdrop/internal/progress"
)

// ErrManagerClosed indicates use of a manager after a hard close.
var ErrManagerClosed = errors.New("transfer manager is closed")

// Manager binds the transfer protocol to one peer link. It owns the channel
// pool, the sender and receiver state, and the event slots.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	newLink LinkFactory

	events   Events
	mux      *Mux
	sender   *Sender
	receiver *Receiver

	// inbound serializes message handling across every channel.
	inbound sync.Mutex

	mu     sync.Mutex
	link   Link
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewManager builds a manager and its first link.
func NewManager(newLink LinkFactory, opts Options) (*Manager, error) {
	if newLink == nil {
		return nil, errors.New("link factory is required")
	}
	opts = NormalizeOptions(opts)
	m := &Manager{
		opts:    opts,
		logger:  opts.Logger,
		newLink: newLink,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mux = NewMux(opts.LowWatermark, opts.Logger, m.handleMessage)
	m.sender = newSender(m.mux, &m.events, opts)
	m.receiver = newReceiver(&m.events, opts, m.sendControl)

	if err := m.connect(); err != nil {
		m.cancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) connect() error {
	link, err := m.newLink()
	if err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	m.mu.Lock()
	m.link = link
	m.mu.Unlock()

	link.OnChannel(func(ch Channel) {
		if !m.current(link) {
			ch.Close()
			return
		}
		m.mux.Adopt(ch)
	})
	link.OnStateChange(func(s ConnectionState) {
		if !m.current(link) {
			return
		}
		m.logger.Info("connection state changed", "state", string(s))
		m.events.emitState(s)
	})
	return nil
}

func (m *Manager) current(link Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link == link
}

// Link returns the live link, or nil after a hard close.
func (m *Manager) Link() Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// CreateChannels opens the configured number of data channels on the live link.
func (m *Manager) CreateChannels() ([]Channel, error) {
	link := m.Link()
	if link == nil {
		return nil, ErrManagerClosed
	}
	if err := m.mux.Setup(link, m.opts.Channels); err != nil {
		return nil, err
	}
	return m.mux.Channels(), nil
}

// Channels returns the current channel pool in index order.
func (m *Manager) Channels() []Channel {
	return m.mux.Channels()
}

// SendFile waits for the channel pool to open and streams src to the peer.
// It returns once every chunk has left the local buffers and file-complete
// was sent; delivery is reported through progress acknowledgements.
func (m *Manager) SendFile(ctx context.Context, src Source, transferID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	genCtx := m.ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	if err := m.mux.WaitOpen(ctx, m.opts.OpenTimeout); err != nil {
		return fmt.Errorf("wait for data channels: %w", err)
	}
	return m.sender.Send(ctx, src, transferID)
}

func (m *Manager) OnConnectionStateChange(f func(ConnectionState)) { m.events.SetConnectionState(f) }
func (m *Manager) OnProgress(f func(progress.Snapshot))            { m.events.SetProgress(f) }
func (m *Manager) OnFileReceived(f func(ReceivedFile))             { m.events.SetFileReceived(f) }
func (m *Manager) OnTransferFailed(f func(TransferFailure))        { m.events.SetTransferFailed(f) }

// ConnectionState reports the live link's state, or disconnected without one.
func (m *Manager) ConnectionState() ConnectionState {
	link := m.Link()
	if link == nil {
		return StateDisconnected
	}
	return link.State()
}

func (m *Manager) SenderState() SenderState     { return m.sender.State() }
func (m *Manager) ReceiverState() ReceiverState { return m.receiver.State() }

// Close tears down the link. A soft close builds a fresh link from the factory
// so the manager can serve the next peer; a hard close is final.
// Both discard any transfer in progress.
func (m *Manager) Close(soft bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	link := m.link
	m.link = nil
	m.cancel()
	if soft {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	} else {
		m.closed = true
	}
	m.mu.Unlock()

	if soft {
		m.mux.Reset()
	} else {
		m.mux.CloseAll()
	}
	var err error
	if link != nil {
		if cerr := link.Close(); cerr != nil {
			err = fmt.Errorf("close link: %w", cerr)
		}
	}
	m.sender.reset()
	m.receiver.reset()
	m.logger.Info("transfer manager closed", "soft", soft)
	m.events.emitState(StateDisconnected)

	if soft {
		if cerr := m.connect(); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

func (m *Manager) handleMessage(label string, msg Message) {
	m.inbound.Lock()
	defer m.inbound.Unlock()

	if !msg.IsString {
		m.receiver.handleChunk(msg.Data)
		return
	}

	cm, err := DecodeControl(string(msg.Data))
	if err != nil {
		m.logger.Warn("ignoring control message", "channel", label, "error", err)
		return
	}
	switch cm.Type {
	case TypeFileMetadata:
		m.receiver.handleMetadata(*cm.Metadata)
	case TypeFileComplete:
		m.receiver.handleComplete()
	case TypeProgressAck:
		m.sender.handleAck(*cm.Ack)
	case TypeRequestMissingChunks:
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		indices := cm.Missing.Indices
		go func() {
			if err := m.sender.resend(ctx, indices); err != nil {
				m.logger.Warn("resend failed", "error", err)
			}
		}()
	}
}

// sendControl replies on the control channel without waiting for buffer space.
func (m *Manager) sendControl(text string) {
	ch := m.mux.Control()
	if ch == nil || ch.ReadyState() != ChannelOpen {
		m.logger.Warn("no open control channel, dropping reply")
		return
	}
	if err := ch.SendText(text); err != nil {
		m.logger.Warn("control send failed", "channel", ch.Label(), "error", err)
	}
}
