package transferquic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/beamdrop/internal/transport"
)

// ALPNProtocol identifies beamdrop channel links during the TLS handshake.
const ALPNProtocol = "beamdrop-quic-v1"

// ServerTLSConfig returns a TLS configuration with a fresh self-signed certificate.
// Peers are paired through signaling, so the certificate is not verified.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the dialing side's TLS configuration.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultConfig returns the QUIC settings shared by both sides, with the
// default flow-control windows.
func DefaultConfig() *quic.Config {
	return ConfigFor(transport.DefaultWindows)
}

// ConfigFor returns the shared settings with windows w.
func ConfigFor(w transport.Windows) *quic.Config {
	cfg, _ := transport.BuildQUICConfig(&quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}, w)
	return cfg
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"beamdrop"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Listen starts a QUIC listener on udpConn.
func Listen(udpConn net.PacketConn, logger *slog.Logger) (*quic.Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.Listen(udpConn, tlsConf, DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", udpConn.LocalAddr(), err)
	}
	logger.Info("quic listener ready", "local_addr", udpConn.LocalAddr().String())
	return ln, nil
}

// Dial connects to remoteAddr over udpConn.
func Dial(ctx context.Context, udpConn net.PacketConn, remoteAddr net.Addr, logger *slog.Logger) (*quic.Conn, error) {
	logger.Debug("quic dial", "remote_addr", remoteAddr.String(), "local_addr", udpConn.LocalAddr().String())
	conn, err := quic.Dial(ctx, udpConn, remoteAddr, ClientTLSConfig(), DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", remoteAddr, err)
	}
	logger.Info("quic connection established", "remote_addr", remoteAddr.String())
	return conn, nil
}
