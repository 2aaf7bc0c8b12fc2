package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/beamdrop/internal/clienthttp"
	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/progress"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

// ErrAckTimeout is returned when the receiver stops acknowledging a file.
var ErrAckTimeout = errors.New("receiver stopped acknowledging")

const (
	progressInterval = 200 * time.Millisecond
	ackIdleTimeout   = 60 * time.Second
)

// SenderConfig describes one `beam send` run.
type SenderConfig struct {
	Client config.ClientConfig
	Paths  []string
	// JoinCode joins an existing room instead of creating one.
	JoinCode string
	Out      io.Writer
}

// SendResult summarizes a completed send.
type SendResult struct {
	Files int
	Bytes int64
}

// RunSender creates or joins a room, waits for the receiver and sends every
// path in order, one file at a time.
func RunSender(ctx context.Context, logger *slog.Logger, cfg SenderConfig) (SendResult, error) {
	if len(cfg.Paths) == 0 {
		return SendResult{}, errors.New("no files to send")
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	sources := make([]*transfer.FileSource, 0, len(cfg.Paths))
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()
	for _, path := range cfg.Paths {
		src, err := transfer.OpenFile(path)
		if err != nil {
			return SendResult{}, err
		}
		sources = append(sources, src)
	}

	joinCode := cfg.JoinCode
	if joinCode == "" {
		room, err := clienthttp.CreateRoom(ctx, cfg.Client.ServerURL)
		if err != nil {
			return SendResult{}, fmt.Errorf("create room: %w", err)
		}
		joinCode = room.JoinCode
		logger.Info("room created", "room_id", room.RoomID, "expires_at", room.ExpiresAt)
		fmt.Fprintf(cfg.Out, "join code: %s\n", joinCode)
		fmt.Fprintf(cfg.Out, "on the other machine run: beam recv %s\n", joinCode)
	}

	sig, err := joinRoom(ctx, cfg.Client.ServerURL, joinCode, cfg.Client.PeerID, logger)
	if err != nil {
		return SendResult{}, err
	}
	defer sig.Close()

	fmt.Fprintln(cfg.Out, "waiting for receiver...")
	peerID, err := sig.waitForPeer(ctx)
	if err != nil {
		return SendResult{}, err
	}
	fmt.Fprintf(cfg.Out, "receiver %s joined, connecting over %s\n", peerID, cfg.Client.Transport)
	peer := newRemotePeer(ctx, sig, peerID)

	printer := progress.NewPrinter(cfg.Out, "send", progressInterval)
	acks := newAckTracker()
	watch := newLinkWatch(disconnectGrace)
	conn, err := dial(ctx, peer, cfg.Client, logger, func(m *transfer.Manager) {
		m.OnProgress(func(s progress.Snapshot) {
			printer.Update(s)
			acks.record(s)
		})
		m.OnConnectionStateChange(watch.set)
	})
	if err != nil {
		return SendResult{}, err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watch.run(ctx)
	go func() {
		select {
		case <-peer.gone():
			cancel()
		case <-ctx.Done():
		}
	}()

	var result SendResult
	for _, src := range sources {
		id := uuid.NewString()
		logger.Info("sending file", "transfer_id", id, "file", src.Name(), "bytes", src.Size())
		if err := conn.manager.SendFile(ctx, src, id); err != nil {
			return result, explain(err, peer)
		}
		if err := awaitDelivery(ctx, id, acks, watch); err != nil {
			return result, explain(err, peer)
		}
		printer.Finish()
		fmt.Fprintf(cfg.Out, "sent %s (%d bytes)\n", src.Name(), src.Size())
		result.Files++
		result.Bytes += src.Size()
	}
	return result, nil
}

// ackTracker remembers the latest acknowledgement per transfer so one that
// lands while SendFile is still streaming is not lost.
type ackTracker struct {
	mu     sync.Mutex
	latest map[string]progress.Snapshot
	notify chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{latest: make(map[string]progress.Snapshot), notify: make(chan struct{}, 1)}
}

func (a *ackTracker) record(s progress.Snapshot) {
	a.mu.Lock()
	a.latest[s.ID] = s
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *ackTracker) get(id string) (progress.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.latest[id]
	return s, ok
}

// awaitDelivery waits for the acknowledgement that covers the whole file.
// The idle timer restarts whenever the acknowledged byte count moves.
func awaitDelivery(ctx context.Context, id string, acks *ackTracker, watch *linkWatch) error {
	idle := time.NewTimer(ackIdleTimeout)
	defer idle.Stop()
	last := int64(-1)
	for {
		if s, ok := acks.get(id); ok {
			if s.Done() {
				return nil
			}
			if s.BytesTransferred != last {
				last = s.BytesTransferred
				idle.Reset(ackIdleTimeout)
			}
		}
		select {
		case <-acks.notify:
		case <-watch.Lost():
			return fmt.Errorf("connection %s before delivery was confirmed", watch.State())
		case <-idle.C:
			return ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// explain prefers the peer's departure over the cancellation it caused.
func explain(err error, peer *remotePeer) error {
	if errors.Is(err, context.Canceled) {
		select {
		case <-peer.gone():
			return peer.failure()
		default:
		}
	}
	return err
}
