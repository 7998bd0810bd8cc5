// Package route implements the route-measurement algorithms layered on top
// of the probe multiplexer: classical and Paris-style traceroute, the
// dichotomic distance search, the stability sweep, the hop-set enumerator,
// and route-graph aggregation.
package route

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cmarsh/reachprobe/internal/mux"
)

const (
	defaultMaxTTL   = 64
	defaultAttempts = 3
	defaultTimeout  = time.Second
)

// Prober is the subset of *mux.Multiplexer that route measurement depends
// on. Anything satisfying it -- the real multiplexer, a TCP-connect
// prober, or a test fake -- can drive these algorithms.
type Prober interface {
	Ping(ctx context.Context, dest net.IP, ttl int, timeout time.Duration, flowID uint16) (time.Duration, error)
}

// Options configures the traceroute drivers.
type Options struct {
	// MaxTTL bounds how many hops to probe. Defaults to 64.
	MaxTTL int

	// Attempts is how many times to repeat the whole traceroute. Defaults to 3.
	Attempts int

	// Timeout is the per-probe deadline. Defaults to 1s.
	Timeout time.Duration
}

func (o Options) maxTTL() int {
	if o.MaxTTL <= 0 {
		return defaultMaxTTL
	}
	return o.MaxTTL
}

func (o Options) attempts() int {
	if o.Attempts <= 0 {
		return defaultAttempts
	}
	return o.Attempts
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

// Observation is a single hop measurement streamed out of a route
// measurement routine.
type Observation struct {
	TTL          int
	Attempt      int
	Responder    net.IP
	Latency      time.Duration
	TimeExceeded bool // false means Responder replied directly (an echo reply)
}

type flowIDFunc func(attempt, ttl int) uint16

// ClassicalTrace runs a classical ICMP traceroute: the identifier varies
// with TTL (and attempt), so different attempts may legitimately traverse
// different physical paths through an ECMP load balancer.
func ClassicalTrace(ctx context.Context, p Prober, dest net.IP, opts Options, out chan<- Observation) error {
	return trace(ctx, p, dest, opts, func(attempt, ttl int) uint16 {
		return uint16(attempt<<8 | (ttl & 0xFF))
	}, out)
}

// ParisTrace runs a Paris-style traceroute: flowID is held constant across
// every TTL and every attempt, so the 5-tuple hash most routers compute for
// ECMP stays constant and the measured path is deterministic.
func ParisTrace(ctx context.Context, p Prober, dest net.IP, flowID uint16, opts Options, out chan<- Observation) error {
	return trace(ctx, p, dest, opts, func(int, int) uint16 { return flowID }, out)
}

// trace is the shared multi-attempt driver behind both traceroute variants.
// Attempts run sequentially against the same Prober; only one probe is ever
// outstanding at a time.
func trace(ctx context.Context, p Prober, dest net.IP, opts Options, flowID flowIDFunc, out chan<- Observation) error {
	defer close(out)
	var lastErr error
	for attempt := 0; attempt < opts.attempts(); attempt++ {
		lastErr = traceOnce(ctx, p, dest, opts, attempt, flowID, out)
	}
	return lastErr
}

// traceOnce issues one probe per TTL, starting at 1, until it gets an echo
// reply (success) or a timeout/other error (stop).
func traceOnce(ctx context.Context, p Prober, dest net.IP, opts Options, attempt int, flowID flowIDFunc, out chan<- Observation) error {
	var te *mux.TimeExceededError
	for ttl := 1; ttl <= opts.maxTTL(); ttl++ {
		lat, err := p.Ping(ctx, dest, ttl, opts.timeout(), flowID(attempt, ttl))
		switch {
		case err == nil:
			out <- Observation{TTL: ttl, Attempt: attempt, Responder: dest, Latency: lat}
			return nil
		case errors.As(err, &te):
			out <- Observation{TTL: ttl, Attempt: attempt, Responder: te.Responder, Latency: te.Latency, TimeExceeded: true}
		default:
			return err
		}
	}
	return errors.New("route: maximum ttl reached without a reply")
}
