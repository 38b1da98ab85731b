package ledger

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Link simulates the network between a client and the ledger: every call waits
// a random latency in [MinLatency, MaxLatency] and fails with FailureRate
// probability. The zero Link is instant and reliable.
type Link struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

func (l Link) latency() time.Duration {
	if l.MaxLatency <= l.MinLatency {
		return l.MinLatency
	}
	return l.MinLatency + time.Duration(rand.Int63n(int64(l.MaxLatency-l.MinLatency)+1))
}

// traverse delays the call and decides whether it reaches the ledger
func (l Link) traverse(ctx context.Context, target, method string) error {
	logger := log.With().
		Str("target", target).
		Str("method", method).
		Str("component", "ledger_link").
		Logger()

	if d := l.latency(); d > 0 {
		logger.Debug().Dur("latency", d).Msg("simulated network latency")
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.FailureRate > 0 && rand.Float64() < l.FailureRate {
		logger.Warn().Float64("failure_rate", l.FailureRate).Msg("simulated transport fault")
		return types.Errorf(types.KindTransportFailure, method, "simulated fault reaching %s", target)
	}
	return nil
}
