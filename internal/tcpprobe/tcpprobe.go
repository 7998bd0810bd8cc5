// Package tcpprobe implements a TCP-connect prober: it reports the time to
// establish a TCP handshake instead of an ICMP echo round trip, useful
// behind firewalls that drop ICMP but allow outbound TCP. It satisfies the
// same Prober-shaped contract as internal/mux.Multiplexer so route
// measurement and the scan driver can run unmodified over either backend.
package tcpprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrRefused is returned when the remote end actively refused the
// connection -- the TCP analogue of an ICMP destination-unreachable.
var ErrRefused = errors.New("tcpprobe: connection refused")

// Prober dials a fixed TCP port on each target.
type Prober struct {
	Port int
}

// New returns a Prober that connects to port on every target.
func New(port int) *Prober {
	return &Prober{Port: port}
}

// Ping dials dest:Port with the given TTL and timeout, returning the time
// to complete the TCP handshake. A dial timeout surfaces as
// context.DeadlineExceeded; an immediate refusal surfaces as ErrRefused.
// flowID is accepted for interface compatibility with mux.Multiplexer but
// has no effect: TCP's own 4-tuple already gives connections a stable
// per-flow identity, so there's no analogue of ICMP's identifier field to
// hold constant or vary.
func (p *Prober) Ping(ctx context.Context, dest net.IP, ttl int, timeout time.Duration, _ uint16) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TTL, ttl)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := net.JoinHostPort(dest.String(), fmt.Sprintf("%d", p.Port))
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return 0, context.DeadlineExceeded
		}
		var sysErr *net.OpError
		if errors.As(err, &sysErr) && errors.Is(sysErr.Err, syscall.ECONNREFUSED) {
			return 0, ErrRefused
		}
		return 0, fmt.Errorf("tcpprobe: dial: %w", err)
	}
	conn.Close()
	return elapsed, nil
}
