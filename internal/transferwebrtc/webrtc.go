package transferwebrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

var (
	_ transfer.Link    = (*Link)(nil)
	_ transfer.Channel = (*Channel)(nil)
)

// Link adapts a PeerConnection to transfer.Link.
type Link struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu        sync.Mutex
	onChannel func(transfer.Channel)
	onState   func(transfer.ConnectionState)
}

// NewLink wraps pc. Remote data channels and state changes are forwarded to
// the handlers registered on the returned Link.
func NewLink(pc *webrtc.PeerConnection, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{pc: pc, logger: logger}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.mu.Lock()
		f := l.onChannel
		l.mu.Unlock()
		if f == nil {
			l.logger.Warn("no handler for incoming data channel, closing", "label", dc.Label())
			dc.Close()
			return
		}
		f(newChannel(dc))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.mu.Lock()
		f := l.onState
		l.mu.Unlock()
		if f != nil {
			f(mapConnectionState(s))
		}
	})
	return l
}

// PeerConnection exposes the underlying connection for negotiation.
func (l *Link) PeerConnection() *webrtc.PeerConnection { return l.pc }

// CreateChannel opens an ordered, reliable data channel.
func (l *Link) CreateChannel(label string) (transfer.Channel, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %s: %w", label, err)
	}
	return newChannel(dc), nil
}

func (l *Link) OnChannel(f func(transfer.Channel)) {
	l.mu.Lock()
	l.onChannel = f
	l.mu.Unlock()
}

func (l *Link) OnStateChange(f func(transfer.ConnectionState)) {
	l.mu.Lock()
	l.onState = f
	l.mu.Unlock()
}

func (l *Link) State() transfer.ConnectionState {
	return mapConnectionState(l.pc.ConnectionState())
}

func (l *Link) Close() error {
	return l.pc.Close()
}

func mapConnectionState(s webrtc.PeerConnectionState) transfer.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transfer.StateNew
	case webrtc.PeerConnectionStateConnecting:
		return transfer.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transfer.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transfer.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transfer.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return transfer.StateClosed
	default:
		return transfer.StateNew
	}
}

// Channel adapts a DataChannel to transfer.Channel.
type Channel struct {
	dc *webrtc.DataChannel
}

func newChannel(dc *webrtc.DataChannel) *Channel {
	return &Channel{dc: dc}
}

func (c *Channel) Label() string { return c.dc.Label() }

// Send queues data on the SCTP stream; pion copies it before returning.
func (c *Channel) Send(data []byte) error       { return c.dc.Send(data) }
func (c *Channel) SendText(text string) error   { return c.dc.SendText(text) }
func (c *Channel) BufferedAmount() uint64       { return c.dc.BufferedAmount() }
func (c *Channel) OnBufferedAmountLow(f func()) { c.dc.OnBufferedAmountLow(f) }
func (c *Channel) OnOpen(f func())              { c.dc.OnOpen(f) }
func (c *Channel) OnClose(f func())             { c.dc.OnClose(f) }
func (c *Channel) OnError(f func(error))        { c.dc.OnError(f) }
func (c *Channel) Close() error                 { return c.dc.Close() }

func (c *Channel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *Channel) OnMessage(f func(transfer.Message)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(transfer.Message{Data: msg.Data, IsString: msg.IsString})
	})
}

func (c *Channel) ReadyState() transfer.ChannelState {
	return mapChannelState(c.dc.ReadyState())
}

func mapChannelState(s webrtc.DataChannelState) transfer.ChannelState {
	switch s {
	case webrtc.DataChannelStateOpen:
		return transfer.ChannelOpen
	case webrtc.DataChannelStateClosing:
		return transfer.ChannelClosing
	case webrtc.DataChannelStateClosed:
		return transfer.ChannelClosed
	default:
		return transfer.ChannelConnecting
	}
}
