package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/beamdrop/internal/wsclient"
	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

var (
	// ErrRoomFull is returned when the server refuses a third peer.
	ErrRoomFull = errors.New("room is full")
	// ErrPeerLeft is returned when the remote peer leaves before the transfer finishes.
	ErrPeerLeft = errors.New("peer left the room")
	// ErrSignalingClosed is returned once the signaling connection is gone.
	ErrSignalingClosed = errors.New("signaling connection closed")
)

// signaling is a joined room. Envelopes are read in the background and
// handed out in order by next.
type signaling struct {
	conn   *wsclient.Conn
	logger *slog.Logger
	peerID string

	envs chan protocol.Envelope
	stop context.CancelFunc

	mu      sync.Mutex
	readErr error
	done    chan struct{}
}

func joinRoom(ctx context.Context, serverURL, joinCode, peerID string, logger *slog.Logger) (*signaling, error) {
	wsURL, err := wsclient.JoinURL(serverURL, joinCode, peerID)
	if err != nil {
		return nil, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}

	readCtx, stop := context.WithCancel(context.Background())
	s := &signaling{
		conn:   conn,
		logger: logger,
		peerID: peerID,
		envs:   make(chan protocol.Envelope, 64),
		stop:   stop,
		done:   make(chan struct{}),
	}
	go func() {
		err := conn.ReadLoop(readCtx, func(env protocol.Envelope) {
			select {
			case s.envs <- env:
			case <-readCtx.Done():
			}
		})
		s.mu.Lock()
		s.readErr = err
		s.mu.Unlock()
		close(s.done)
	}()
	return s, nil
}

// next returns the next valid envelope. Server errors are decoded; a full
// room ends the session.
func (s *signaling) next(ctx context.Context) (protocol.Envelope, error) {
	for {
		var env protocol.Envelope
		select {
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		case env = <-s.envs:
		case <-s.done:
			select {
			case env = <-s.envs:
			default:
				s.mu.Lock()
				err := s.readErr
				s.mu.Unlock()
				return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrSignalingClosed, err)
			}
		}

		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err)
			continue
		}
		if env.Type == protocol.TypeError {
			var perr protocol.Error
			if err := env.DecodePayload(&perr); err != nil {
				s.logger.Warn("failed to decode error", "error", err)
				continue
			}
			if perr.Code == protocol.CodeRoomFull {
				return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrRoomFull, perr.Message)
			}
			s.logger.Warn("server error", "code", perr.Code, "message", perr.Message)
			continue
		}
		return env, nil
	}
}

// waitForPeer blocks until another peer is in the room and returns its ID.
func (s *signaling) waitForPeer(ctx context.Context) (string, error) {
	for {
		env, err := s.next(ctx)
		if err != nil {
			return "", err
		}
		switch env.Type {
		case protocol.TypePeerList:
			var list protocol.PeerList
			if err := env.DecodePayload(&list); err != nil {
				s.logger.Warn("failed to decode peer_list", "error", err)
				continue
			}
			for _, p := range list.Peers {
				if p.PeerID != s.peerID {
					return p.PeerID, nil
				}
			}
		case protocol.TypePeerJoined:
			var joined protocol.PeerJoined
			if err := env.DecodePayload(&joined); err != nil {
				s.logger.Warn("failed to decode peer_joined", "error", err)
				continue
			}
			if joined.Peer.PeerID != s.peerID {
				return joined.Peer.PeerID, nil
			}
		default:
			s.logger.Debug("ignoring envelope while waiting for a peer", "type", env.Type)
		}
	}
}

func (s *signaling) send(to, msgType string, payload any) error {
	return s.conn.SendTo(to, msgType, payload)
}

func (s *signaling) Close() error {
	err := s.conn.Close()
	s.stop()
	<-s.done
	return err
}
