package route

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cmarsh/reachprobe/internal/mux"
)

// EstimateDistance finds the smallest TTL whose echo reply comes back
// directly from dest, using a binary search rather than a linear sweep.
//
// It first confirms the destination is reachable within maxTTL hops, then
// halves the search window on every probe: an echo reply means the true
// distance is at or below the current guess, and a time-exceeded means it's
// above. On a monotone-reply topology (every TTL below the true distance D
// times out with TimeExceeded, every TTL at or above D replies) the result
// converges exactly to D.
func EstimateDistance(ctx context.Context, p Prober, dest net.IP, maxTTL int, timeout time.Duration, flowID uint16) (int, error) {
	if maxTTL <= 0 {
		maxTTL = defaultMaxTTL
	}

	var te *mux.TimeExceededError
	if _, err := p.Ping(ctx, dest, maxTTL, timeout, flowID); err != nil {
		return 0, err
	}

	diff := maxTTL / 2
	distance := maxTTL - diff
	for diff > 0 {
		_, err := p.Ping(ctx, dest, distance, timeout, flowID)
		switch {
		case err == nil:
			diff /= 2
			distance -= diff
		case errors.As(err, &te):
			diff /= 2
			if diff == 0 {
				diff = 1
			}
			distance += diff
		default:
			return 0, err
		}
	}
	return distance, nil
}
