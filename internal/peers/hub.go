package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

// ErrRoomFull is returned by Add when the room already holds its capacity.
var ErrRoomFull = errors.New("room is full")

const queueDepth = 64

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	ConnID string // unique per WebSocket connection
}

// peerConn holds a peer's outbound queue and writer lifecycle.
type peerConn struct {
	peer      Peer
	queue     chan protocol.Envelope
	quit      chan struct{}
	done      chan struct{}
	once      sync.Once
	closeConn func()
}

func (pc *peerConn) stop() {
	pc.once.Do(func() {
		close(pc.quit)
		if pc.closeConn != nil {
			pc.closeConn()
		}
	})
}

// enqueue never blocks; a full queue drops the envelope.
func (pc *peerConn) enqueue(env protocol.Envelope) bool {
	select {
	case <-pc.quit:
		return false
	default:
	}
	select {
	case pc.queue <- env:
		return true
	default:
		return false
	}
}

// Hub tracks the peers of every room and routes envelopes between them.
// A reconnect with an existing peer_id replaces the previous connection.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*peerConn // room ID -> peer ID -> conn
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*peerConn)}
}

// Add admits p to roomID if fewer than capacity other peers are present.
// send writes one envelope to the peer's socket; closeConn closes it and is
// called when the peer is replaced, evicted or removed. The returned remove
// function is idempotent and reports whether this connection was still the
// peer's current one.
func (h *Hub) Add(roomID string, p Peer, capacity int, send func(protocol.Envelope) error, closeConn func()) (remove func() bool, err error) {
	pc := &peerConn{
		peer:      p,
		queue:     make(chan protocol.Envelope, queueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		closeConn: closeConn,
	}

	h.mu.Lock()
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*peerConn)
		h.rooms[roomID] = members
	}
	old := members[p.PeerID]
	if old == nil && capacity > 0 && len(members) >= capacity {
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
		h.mu.Unlock()
		return nil, ErrRoomFull
	}
	members[p.PeerID] = pc
	h.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go pc.writeLoop(send)

	return func() bool { return h.remove(roomID, pc) }, nil
}

func (pc *peerConn) writeLoop(send func(protocol.Envelope) error) {
	defer close(pc.done)
	for {
		select {
		case <-pc.quit:
			return
		case env := <-pc.queue:
			if err := send(env); err != nil {
				pc.stop()
				return
			}
		}
	}
}

func (h *Hub) remove(roomID string, pc *peerConn) bool {
	h.mu.Lock()
	current := false
	if members := h.rooms[roomID]; members != nil && members[pc.peer.PeerID] == pc {
		current = true
		delete(members, pc.peer.PeerID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	pc.stop()
	select {
	case <-pc.done:
	case <-time.After(time.Second):
	}
	return current
}

// List returns the peers in a room, sorted by peer ID.
func (h *Hub) List(roomID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	out := make([]protocol.PeerInfo, 0, len(members))
	for id := range members {
		out = append(out, protocol.PeerInfo{PeerID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Count returns the number of peers in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) snapshot(roomID, except string) []*peerConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	out := make([]*peerConn, 0, len(members))
	for id, pc := range members {
		if id != except {
			out = append(out, pc)
		}
	}
	return out
}

// Broadcast queues env for every peer in the room. Slow peers miss it rather
// than stall the sender.
func (h *Hub) Broadcast(roomID string, env protocol.Envelope) {
	h.BroadcastExcept(roomID, "", env)
}

// BroadcastExcept queues env for every peer in the room except exceptPeerID.
func (h *Hub) BroadcastExcept(roomID, exceptPeerID string, env protocol.Envelope) {
	for _, pc := range h.snapshot(roomID, exceptPeerID) {
		pc.enqueue(env)
	}
}

// SendTo queues env for one peer. It reports false when the peer is not in the room.
func (h *Hub) SendTo(roomID, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	pc := h.rooms[roomID][peerID]
	h.mu.RUnlock()
	if pc == nil {
		return false
	}
	pc.enqueue(env)
	return true
}

// CloseRoom disconnects every peer in the room.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	members := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()
	for _, pc := range members {
		pc.stop()
	}
}
