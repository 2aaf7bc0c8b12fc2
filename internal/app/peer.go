package app

import (
	"context"
	"sync"

	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

// remotePeer demultiplexes signaling from one remote peer into typed channels.
// ICE candidates that arrive before a handler is set are held back.
type remotePeer struct {
	id  string
	sig *signaling

	offers  chan protocol.SessionDescription
	answers chan protocol.SessionDescription
	quic    chan protocol.QUICCandidates
	left    chan struct{}
	closed  chan struct{}
	down    chan struct{}
	downOne sync.Once

	mu      sync.Mutex
	onICE   func(protocol.IceCandidate)
	pending []protocol.IceCandidate
	err     error
}

func newRemotePeer(ctx context.Context, sig *signaling, id string) *remotePeer {
	p := &remotePeer{
		id:      id,
		sig:     sig,
		offers:  make(chan protocol.SessionDescription, 1),
		answers: make(chan protocol.SessionDescription, 1),
		quic:    make(chan protocol.QUICCandidates, 1),
		left:    make(chan struct{}),
		closed:  make(chan struct{}),
		down:    make(chan struct{}),
	}
	go p.pump(ctx)
	return p
}

func (p *remotePeer) pump(ctx context.Context) {
	defer func() {
		close(p.closed)
		p.markDown()
	}()
	leftOnce := sync.Once{}
	for {
		env, err := p.sig.next(ctx)
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		if env.From != p.id && env.Type != protocol.TypePeerLeft {
			p.sig.logger.Debug("ignoring envelope from another peer", "from", env.From, "type", env.Type)
			continue
		}
		switch env.Type {
		case protocol.TypeOffer, protocol.TypeAnswer:
			var desc protocol.SessionDescription
			if err := env.DecodePayload(&desc); err != nil {
				p.sig.logger.Warn("failed to decode session description", "type", env.Type, "error", err)
				continue
			}
			ch := p.offers
			if env.Type == protocol.TypeAnswer {
				ch = p.answers
			}
			select {
			case ch <- desc:
			default:
				p.sig.logger.Warn("dropping duplicate session description", "type", env.Type)
			}
		case protocol.TypeIceCandidate:
			var cand protocol.IceCandidate
			if err := env.DecodePayload(&cand); err != nil {
				p.sig.logger.Warn("failed to decode ice_candidate", "error", err)
				continue
			}
			p.deliverICE(cand)
		case protocol.TypeQUICCandidates:
			var cands protocol.QUICCandidates
			if err := env.DecodePayload(&cands); err != nil {
				p.sig.logger.Warn("failed to decode quic_candidates", "error", err)
				continue
			}
			select {
			case p.quic <- cands:
			default:
			}
		case protocol.TypePeerLeft:
			var left protocol.PeerLeft
			if err := env.DecodePayload(&left); err != nil || left.PeerID != p.id {
				continue
			}
			p.sig.logger.Info("peer left", "peer_id", p.id)
			leftOnce.Do(func() { close(p.left) })
			p.markDown()
		default:
			p.sig.logger.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

func (p *remotePeer) deliverICE(c protocol.IceCandidate) {
	p.mu.Lock()
	f := p.onICE
	if f == nil {
		p.pending = append(p.pending, c)
	}
	p.mu.Unlock()
	if f != nil {
		f(c)
	}
}

// handleICE installs f and replays any candidates received before it.
func (p *remotePeer) handleICE(f func(protocol.IceCandidate)) {
	p.mu.Lock()
	p.onICE = f
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		f(c)
	}
}

func (p *remotePeer) markDown() {
	p.downOne.Do(func() { close(p.down) })
}

// gone is closed once the peer has left or signaling has ended.
func (p *remotePeer) gone() <-chan struct{} { return p.down }

// failure explains why gone fired.
func (p *remotePeer) failure() error {
	select {
	case <-p.left:
		return ErrPeerLeft
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return ErrSignalingClosed
}

func (p *remotePeer) send(msgType string, payload any) error {
	return p.sig.send(p.id, msgType, payload)
}

// await waits for a value on ch, failing if the peer goes away first.
func await[T any](ctx context.Context, p *remotePeer, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-p.left:
		return zero, ErrPeerLeft
	case <-p.closed:
		return zero, p.failure()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
