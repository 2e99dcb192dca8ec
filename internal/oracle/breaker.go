package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/sony/gobreaker"

	"github.com/atmx/lending-engine/internal/metrics"
)

// BreakerSettings configures the circuit breaker around a remote oracle.
type BreakerSettings struct {
	Name         string
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state counter reset period
	Timeout      time.Duration // open-state duration before probing
	FailureRatio float64
	MinRequests  uint32
}

// Breaker trips after repeated oracle failures so that operations fail fast
// with ErrUnavailable instead of waiting on a dead price source.
type Breaker struct {
	next Oracle
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Oracle, st BreakerSettings) *Breaker {
	if st.Name == "" {
		st.Name = "oracle"
	}
	if st.FailureRatio <= 0 {
		st.FailureRatio = 0.5
	}
	if st.MinRequests == 0 {
		st.MinRequests = 5
	}

	gs := gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= st.MinRequests && ratio >= st.FailureRatio
		},
		// Malformed prices are data errors, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("oracle breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.OracleBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(gs)}
}

// Price implements Oracle.
func (b *Breaker) Price(ctx context.Context, token string) (*uint256.Int, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Price(ctx, token)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		metrics.OracleErrors.WithLabelValues(token).Inc()
		return nil, err
	}
	return out.(*uint256.Int), nil
}

// State reports the breaker state for health checks.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
