package transport

import (
	"errors"
	"fmt"
	"net"
)

const (
	DefaultUDPBuffer = 8 * 1024 * 1024
	minUDPBuffer     = 256 * 1024
	maxUDPBuffer     = 64 * 1024 * 1024
)

// UDPResult reports a socket buffer request. Kernels may silently cap the
// value, so a nil Err only means the request was accepted.
type UDPResult struct {
	Requested int
	Err       error
}

func (r UDPResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("udp buffers %s denied: %v", MiB(r.Requested), r.Err)
	}
	return fmt.Sprintf("udp buffers %s", MiB(r.Requested))
}

// TuneUDP raises both socket buffers of conn to size, clamped to a sane range.
func TuneUDP(conn *net.UDPConn, size int) UDPResult {
	res := UDPResult{Requested: clamp(size, minUDPBuffer, maxUDPBuffer)}
	if conn == nil {
		res.Err = errors.New("no socket")
		return res
	}
	var errs []error
	if err := conn.SetReadBuffer(res.Requested); err != nil {
		errs = append(errs, fmt.Errorf("read: %w", err))
	}
	if err := conn.SetWriteBuffer(res.Requested); err != nil {
		errs = append(errs, fmt.Errorf("write: %w", err))
	}
	res.Err = errors.Join(errs...)
	return res
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// MiB formats n as whole MiB when it divides evenly, else as bytes.
func MiB(n int) string {
	if n <= 0 {
		return "0B"
	}
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	return fmt.Sprintf("%dB", n)
}
