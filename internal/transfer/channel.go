package transfer

// ConnectionState is the overall state of a peer link.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// ChannelState is the ready state of one channel.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one channel message. Boundaries are preserved by the transport.
type Message struct {
	Data     []byte
	IsString bool
}

// Link represents an established or negotiating peer connection.
// Session negotiation is owned by whoever builds the Link; the transfer layer
// only creates channels on it and listens to its lifecycle.
type Link interface {
	// CreateChannel opens a new ordered, reliable, message-oriented channel.
	CreateChannel(label string) (Channel, error)

	// OnChannel registers the handler for channels opened by the remote side.
	OnChannel(f func(Channel))

	// OnStateChange registers the handler for connection state transitions.
	OnStateChange(f func(ConnectionState))

	// State returns the current connection state.
	State() ConnectionState

	// Close tears down the link and all of its channels.
	Close() error
}

// LinkFactory builds a fresh Link. A Manager calls it once at construction and
// again after every soft close.
type LinkFactory func() (Link, error)

// Channel is one ordered, reliable, message-oriented path inside a Link.
// Handlers registered on a Channel may be invoked from transport goroutines.
type Channel interface {
	Label() string

	// Send queues a binary message. It does not wait for delivery.
	Send(data []byte) error
	// SendText queues a text message.
	SendText(text string) error

	// BufferedAmount is the number of bytes queued but not yet handed to the network.
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	// OnBufferedAmountLow fires when BufferedAmount drops to or below the threshold.
	OnBufferedAmountLow(f func())

	ReadyState() ChannelState
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(error))
	OnMessage(f func(Message))

	Close() error
}
