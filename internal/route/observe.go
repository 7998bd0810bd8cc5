package route

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cmarsh/reachprobe/internal/mux"
)

// probeOnce issues a single probe and classifies the result. timeExceeded
// is true when a router replied before the destination did; err is non-nil
// only for Timeout or other errors that the caller should not retry past.
func probeOnce(ctx context.Context, p Prober, dest net.IP, ttl int, timeout time.Duration, flowID uint16) (o Observation, timeExceeded bool, err error) {
	var te *mux.TimeExceededError
	lat, perr := p.Ping(ctx, dest, ttl, timeout, flowID)
	switch {
	case perr == nil:
		return Observation{TTL: ttl, Responder: dest, Latency: lat}, false, nil
	case errors.As(perr, &te):
		return Observation{TTL: ttl, Responder: te.Responder, Latency: te.Latency, TimeExceeded: true}, true, nil
	default:
		return Observation{}, false, perr
	}
}
