package app

import (
	"context"
	"sync"
	"time"

	"github.com/sheerbytes/beamdrop/internal/transfer"
)

const disconnectGrace = 10 * time.Second

// linkWatch turns connection state changes into a single lost signal.
// Failed and closed are final; disconnected is final only if it outlasts grace.
type linkWatch struct {
	grace  time.Duration
	notify chan struct{}
	lost   chan struct{}

	mu    sync.Mutex
	state transfer.ConnectionState
}

func newLinkWatch(grace time.Duration) *linkWatch {
	return &linkWatch{
		grace:  grace,
		notify: make(chan struct{}, 1),
		lost:   make(chan struct{}),
		state:  transfer.StateNew,
	}
}

func (w *linkWatch) set(s transfer.ConnectionState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *linkWatch) State() transfer.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Lost is closed once the link is gone for good.
func (w *linkWatch) Lost() <-chan struct{} { return w.lost }

func (w *linkWatch) run(ctx context.Context) {
	var grace <-chan time.Time
	for {
		select {
		case <-w.notify:
			switch w.State() {
			case transfer.StateFailed, transfer.StateClosed:
				close(w.lost)
				return
			case transfer.StateDisconnected:
				if grace == nil {
					grace = time.After(w.grace)
				}
			default:
				grace = nil
			}
		case <-grace:
			close(w.lost)
			return
		case <-ctx.Done():
			return
		}
	}
}
