package natprobe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/beamdrop/internal/transport"
)

// DefaultSTUNServers is used when the config lists none.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// ErrNoPublicAddr indicates that no STUN server answered.
var ErrNoPublicAddr = errors.New("no STUN server answered")

// Config controls public address discovery.
type Config struct {
	STUNServers []string
	// Timeout bounds each binding request.
	Timeout time.Duration
	// ListenAddr is the local UDP address; empty means any port.
	ListenAddr string
	// SocketBuffer is the requested UDP buffer size; 0 means transport.DefaultUDPBuffer.
	SocketBuffer int
}

// Prober owns one UDP socket used first for STUN discovery and then for QUIC,
// so the mapping STUN observed is the one the peer dials.
type Prober struct {
	cfg     Config
	logger  *slog.Logger
	udpConn *net.UDPConn

	mu          sync.Mutex
	transport   *quic.Transport
	publicAddrs []*net.UDPAddr
}

// NewProber opens the socket and resolves public addresses. A STUN failure is
// logged, not returned; LAN candidates remain usable.
func NewProber(ctx context.Context, cfg Config, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = DefaultSTUNServers
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		laddr.IP = net.IPv4zero
		conn, err = net.ListenUDP("udp4", laddr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	if cfg.SocketBuffer <= 0 {
		cfg.SocketBuffer = transport.DefaultUDPBuffer
	}
	if res := transport.TuneUDP(conn, cfg.SocketBuffer); res.Err != nil {
		logger.Warn("socket buffer tuning failed", "result", res.String())
	} else {
		logger.Debug("socket buffers tuned", "result", res.String())
	}

	p := &Prober{cfg: cfg, logger: logger, udpConn: conn}
	if err := p.resolvePublicAddrs(ctx); err != nil {
		logger.Warn("public address discovery failed", "error", err)
	}
	return p, nil
}

func (p *Prober) LocalAddr() net.Addr { return p.udpConn.LocalAddr() }

// PublicAddr returns the first discovered public address, or nil.
func (p *Prober) PublicAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.publicAddrs) == 0 {
		return nil
	}
	return p.publicAddrs[0]
}

// Transport returns a quic.Transport bound to the socket, creating it on first use.
func (p *Prober) Transport() *quic.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		p.transport = &quic.Transport{Conn: p.udpConn}
	}
	return p.transport
}

// Listen accepts QUIC connections on the prober's socket.
func (p *Prober) Listen(tlsConf *tls.Config, quicConf *quic.Config) (*quic.Listener, error) {
	ln, err := p.Transport().Listen(tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", p.LocalAddr(), err)
	}
	return ln, nil
}

// Punch sends a datagram to every candidate so a NAT in front of this socket
// admits the peer's handshake. Unresolvable candidates are skipped.
func (p *Prober) Punch(candidates []string) int {
	tr := p.Transport()
	sent := 0
	for _, cand := range candidates {
		addr, err := net.ResolveUDPAddr("udp", cand)
		if err != nil {
			continue
		}
		if _, err := tr.WriteTo(punchPayload, addr); err != nil {
			p.logger.Debug("punch failed", "addr", cand, "error", err)
			continue
		}
		sent++
	}
	return sent
}

var punchPayload = []byte("beamdrop-punch")

func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport != nil {
		return p.transport.Close()
	}
	return p.udpConn.Close()
}

// Candidates lists host:port strings a peer may dial: every usable interface
// address on the socket's port, followed by the public addresses.
func (p *Prober) Candidates() []string {
	_, port, _ := net.SplitHostPort(p.udpConn.LocalAddr().String())
	var out []string

	ifaces, err := net.Interfaces()
	if err != nil {
		p.logger.Warn("list interfaces", "error", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsMulticast() || ip.IsUnspecified() {
				continue
			}
			host := ip.String()
			if ip.IsLinkLocalUnicast() {
				host = (&net.IPAddr{IP: ip, Zone: iface.Name}).String()
			}
			out = append(out, net.JoinHostPort(host, port))
		}
	}

	p.mu.Lock()
	for _, a := range p.publicAddrs {
		out = append(out, a.String())
	}
	p.mu.Unlock()

	p.logger.Debug("gathered candidates", "count", len(out))
	return out
}

func (p *Prober) resolvePublicAddrs(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, server := range p.cfg.STUNServers {
		addrs, err := resolveServer(ctx, server)
		if err != nil {
			p.logger.Debug("skipping stun server", "server", server, "error", err)
			continue
		}
		for _, addr := range addrs {
			mapped, err := bindingRequest(p.udpConn, addr, p.cfg.Timeout)
			if err != nil {
				p.logger.Debug("stun binding failed", "server", addr.String(), "error", err)
				continue
			}
			if seen[mapped.String()] {
				continue
			}
			seen[mapped.String()] = true
			p.mu.Lock()
			p.publicAddrs = append(p.publicAddrs, mapped)
			p.mu.Unlock()
			p.logger.Info("public address resolved", "addr", mapped.String(), "server", server)
		}
	}
	if len(seen) == 0 {
		return ErrNoPublicAddr
	}
	return nil
}

// bindingRequest sends one STUN binding request over conn and decodes the
// mapped address from the matching response.
func bindingRequest(conn *net.UDPConn, server *net.UDPAddr, timeout time.Duration) (*net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddress(res)
	}
}

func mappedAddress(res *stun.Message) (*net.UDPAddr, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(res); err != nil {
		return nil, fmt.Errorf("response has no mapped address: %w", err)
	}
	return &net.UDPAddr{IP: plain.IP, Port: plain.Port}, nil
}

func resolveServer(ctx context.Context, server string) ([]*net.UDPAddr, error) {
	hostport := strings.TrimPrefix(server, "stun:")
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return out, nil
}

// ProbeState is the outcome of dialing one candidate.
type ProbeState int

const (
	ProbeProbing ProbeState = iota
	ProbeFailed
	ProbeWon
)

func (s ProbeState) String() string {
	switch s {
	case ProbeProbing:
		return "probing"
	case ProbeFailed:
		return "failed"
	case ProbeWon:
		return "won"
	default:
		return "unknown"
	}
}

// ProbeUpdate reports progress on one candidate.
type ProbeUpdate struct {
	Addr  string
	State ProbeState
	Err   error
}

// ErrAllProbesFailed indicates that no candidate could be dialed.
var ErrAllProbesFailed = errors.New("all candidates failed")

// ProbeAndDial dials every distinct candidate at once over the prober's
// socket and returns the first connection to complete its handshake.
func (p *Prober) ProbeAndDial(ctx context.Context, candidates []string, tlsConf *tls.Config, quicConf *quic.Config, onUpdate func(ProbeUpdate)) (*quic.Conn, error) {
	tr := p.Transport()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notify := func(u ProbeUpdate) {
		if onUpdate != nil {
			onUpdate(u)
		}
	}

	won := make(chan *quic.Conn, 1)
	var wg sync.WaitGroup
	seen := make(map[string]bool)
	for _, cand := range candidates {
		if seen[cand] {
			continue
		}
		seen[cand] = true
		wg.Add(1)
		go func(cand string) {
			defer wg.Done()
			notify(ProbeUpdate{Addr: cand, State: ProbeProbing})
			addr, err := net.ResolveUDPAddr("udp", cand)
			if err != nil {
				notify(ProbeUpdate{Addr: cand, State: ProbeFailed, Err: err})
				return
			}
			conn, err := tr.Dial(ctx, addr, tlsConf, quicConf)
			if err != nil {
				notify(ProbeUpdate{Addr: cand, State: ProbeFailed, Err: err})
				return
			}
			select {
			case won <- conn:
				p.logger.Info("candidate won", "addr", cand)
				notify(ProbeUpdate{Addr: cand, State: ProbeWon})
			default:
				conn.CloseWithError(0, "race lost")
			}
		}(cand)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case conn := <-won:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-allDone:
		select {
		case conn := <-won:
			return conn, nil
		default:
		}
		return nil, ErrAllProbesFailed
	}
}
