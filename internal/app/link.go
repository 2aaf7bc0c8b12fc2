package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/natprobe"
	"github.com/sheerbytes/beamdrop/internal/transfer"
	"github.com/sheerbytes/beamdrop/internal/transferquic"
	"github.com/sheerbytes/beamdrop/internal/transferwebrtc"
	"github.com/sheerbytes/beamdrop/internal/transport"
	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

const connectTimeout = 30 * time.Second

// connection is a Manager bound to one remote peer, plus the resources that
// must be released with it.
type connection struct {
	manager *transfer.Manager
	cleanup []func()
}

func (c *connection) Close() {
	if c.manager != nil {
		_ = c.manager.Close(false)
	}
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// linkOnce hands the Manager a link that was negotiated out of band.
// A second call means the manager wants to reconnect, which a CLI session never does.
func linkOnce(link transfer.Link) transfer.LinkFactory {
	used := false
	return func() (transfer.Link, error) {
		if used {
			return nil, errors.New("link cannot be re-established")
		}
		used = true
		return link, nil
	}
}

func newManager(link transfer.Link, opts transfer.Options, setup func(*transfer.Manager)) (*transfer.Manager, error) {
	m, err := transfer.NewManager(linkOnce(link), opts)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		setup(m)
	}
	return m, nil
}

func transferOptions(cfg config.ClientConfig, logger *slog.Logger) transfer.Options {
	return transfer.Options{
		ChunkSize: cfg.ChunkSize,
		Channels:  cfg.Channels,
		Logger:    logger,
	}
}

// dial connects to peer as the side that opens the data channels.
func dial(ctx context.Context, peer *remotePeer, cfg config.ClientConfig, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	opts := transferOptions(cfg, logger)
	switch cfg.Transport {
	case config.TransportQUIC:
		return dialQUIC(ctx, peer, cfg, opts, logger, setup)
	default:
		return offerWebRTC(ctx, peer, cfg, opts, logger, setup)
	}
}

// accept answers whichever transport the remote peer starts with.
func accept(ctx context.Context, peer *remotePeer, cfg config.ClientConfig, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	opts := transferOptions(cfg, logger)
	select {
	case offer := <-peer.offers:
		return answerWebRTC(ctx, peer, offer, cfg, opts, logger, setup)
	case cands := <-peer.quic:
		return listenQUIC(ctx, peer, cands, cfg, opts, logger, setup)
	case <-peer.gone():
		return nil, peer.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newPeerConnection(cfg config.ClientConfig) (*webrtc.PeerConnection, error) {
	pcCfg, err := transferwebrtc.DefaultPeerConnectionConfig(cfg.STUNServers, cfg.TURNServers)
	if err != nil {
		return nil, err
	}
	return transferwebrtc.NewPeerConnection(pcCfg)
}

func trickle(peer *remotePeer, neg *transferwebrtc.Negotiator, logger *slog.Logger) {
	neg.OnCandidate(func(c webrtc.ICECandidateInit) {
		if err := peer.send(protocol.TypeIceCandidate, protocol.IceCandidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}); err != nil {
			logger.Warn("failed to send ice candidate", "error", err)
		}
	})
	peer.handleICE(func(c protocol.IceCandidate) {
		if err := neg.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}); err != nil {
			logger.Warn("failed to add remote ice candidate", "error", err)
		}
	})
}

func offerWebRTC(ctx context.Context, peer *remotePeer, cfg config.ClientConfig, opts transfer.Options, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	m, err := newManager(transferwebrtc.NewLink(pc, logger), opts, setup)
	if err != nil {
		pc.Close()
		return nil, err
	}
	conn := &connection{manager: m}

	// Channels must exist before the offer so it carries an application section.
	if _, err := m.CreateChannels(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create data channels: %w", err)
	}
	neg := transferwebrtc.NewNegotiator(pc)
	trickle(peer, neg, logger)

	offer, err := neg.CreateOffer()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := peer.send(protocol.TypeOffer, protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	logger.Info("offer sent", "peer_id", peer.id)

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	answer, err := await(waitCtx, peer, peer.answers)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wait for answer: %w", err)
	}
	if err := neg.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("answer applied", "peer_id", peer.id)
	return conn, nil
}

func answerWebRTC(ctx context.Context, peer *remotePeer, offer protocol.SessionDescription, cfg config.ClientConfig, opts transfer.Options, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	m, err := newManager(transferwebrtc.NewLink(pc, logger), opts, setup)
	if err != nil {
		pc.Close()
		return nil, err
	}
	conn := &connection{manager: m}

	neg := transferwebrtc.NewNegotiator(pc)
	trickle(peer, neg, logger)
	answer, err := neg.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := peer.send(protocol.TypeAnswer, protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send answer: %w", err)
	}
	logger.Info("answer sent", "peer_id", peer.id)
	return conn, nil
}

// quicConfig sizes flow control so every channel can hold a full send buffer.
func quicConfig(opts transfer.Options) *quic.Config {
	opts = transfer.NormalizeOptions(opts)
	return transferquic.ConfigFor(transport.WindowsFor(opts.Channels, transfer.HeaderSize+opts.ChunkSize, opts.LowWatermark))
}

func newProber(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (*natprobe.Prober, error) {
	return natprobe.NewProber(ctx, natprobe.Config{STUNServers: cfg.STUNServers}, logger)
}

func dialQUIC(ctx context.Context, peer *remotePeer, cfg config.ClientConfig, opts transfer.Options, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	prober, err := newProber(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := peer.send(protocol.TypeQUICCandidates, protocol.QUICCandidates{Candidates: prober.Candidates()}); err != nil {
		prober.Close()
		return nil, fmt.Errorf("send candidates: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	remote, err := await(waitCtx, peer, peer.quic)
	if err != nil {
		prober.Close()
		return nil, fmt.Errorf("wait for candidates: %w", err)
	}
	qconn, err := prober.ProbeAndDial(waitCtx, remote.Candidates, transferquic.ClientTLSConfig(), quicConfig(opts),
		func(u natprobe.ProbeUpdate) {
			logger.Debug("probe", "addr", u.Addr, "state", u.State.String(), "error", u.Err)
		})
	if err != nil {
		prober.Close()
		return nil, fmt.Errorf("reach peer: %w", err)
	}
	logger.Info("quic connection established", "peer_id", peer.id, "remote_addr", qconn.RemoteAddr().String())

	m, err := newManager(transferquic.NewLink(qconn, logger), opts, setup)
	if err != nil {
		qconn.CloseWithError(0, "")
		prober.Close()
		return nil, err
	}
	conn := &connection{manager: m, cleanup: []func(){func() { prober.Close() }}}
	if _, err := m.CreateChannels(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create data channels: %w", err)
	}
	return conn, nil
}

func listenQUIC(ctx context.Context, peer *remotePeer, remote protocol.QUICCandidates, cfg config.ClientConfig, opts transfer.Options, logger *slog.Logger, setup func(*transfer.Manager)) (*connection, error) {
	prober, err := newProber(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tlsConf, err := transferquic.ServerTLSConfig()
	if err != nil {
		prober.Close()
		return nil, err
	}
	ln, err := prober.Listen(tlsConf, quicConfig(opts))
	if err != nil {
		prober.Close()
		return nil, err
	}
	cleanup := func() {
		ln.Close()
		prober.Close()
	}

	prober.Punch(remote.Candidates)
	if err := peer.send(protocol.TypeQUICCandidates, protocol.QUICCandidates{Candidates: prober.Candidates(), Listener: true}); err != nil {
		cleanup()
		return nil, fmt.Errorf("send candidates: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	go func() {
		select {
		case <-peer.gone():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	qconn, err := ln.Accept(waitCtx)
	if err != nil {
		cleanup()
		if peerErr := peer.failure(); errors.Is(peerErr, ErrPeerLeft) {
			return nil, peerErr
		}
		return nil, fmt.Errorf("accept quic connection: %w", err)
	}
	logger.Info("quic connection accepted", "peer_id", peer.id, "remote_addr", qconn.RemoteAddr().String())

	m, err := newManager(transferquic.NewLink(qconn, logger), opts, setup)
	if err != nil {
		qconn.CloseWithError(0, "")
		cleanup()
		return nil, err
	}
	return &connection{manager: m, cleanup: []func(){cleanup}}, nil
}
