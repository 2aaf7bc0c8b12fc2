package transferwebrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Negotiator runs the offer/answer exchange for one PeerConnection. Remote ICE
// candidates that arrive before the remote description are queued and applied
// once it is set.
type Negotiator struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func NewNegotiator(pc *webrtc.PeerConnection) *Negotiator {
	return &Negotiator{pc: pc}
}

// OnCandidate forwards each gathered local candidate to f. Gathering
// completion (a nil candidate) is not forwarded.
func (n *Negotiator) OnCandidate(f func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

// CreateOffer creates and applies the local offer.
func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (n *Negotiator) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := n.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// AcceptAnswer applies the remote answer to a previously created offer.
func (n *Negotiator) AcceptAnswer(answer webrtc.SessionDescription) error {
	return n.setRemote(answer)
}

// AddICECandidate applies a remote candidate, or queues it until the remote
// description is known.
func (n *Negotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add queued ice candidate: %w", err)
		}
	}
	return nil
}
