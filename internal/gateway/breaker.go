package gateway

import (
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// BreakerConfig tunes a per-dependency circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold uint32
	// Cooldown is how long an open circuit rejects calls before allowing a
	// half-open trial.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the engine's documented behavior: open after
// 3 consecutive failures, retry-eligible after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// Breaker wraps a sony/gobreaker circuit for one external dependency. Every
// call to that dependency shares fate: a burst of failures on one symbol's
// lookup sheds load for all symbols during the cooldown.
type Breaker struct {
	name string
	cb   *cb.CircuitBreaker
}

// NewBreaker creates a breaker named for its dependency. Half-open permits a
// single trial call; trial success closes the circuit, trial failure reopens
// it.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	settings := cb.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn().
				Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Breaker{name: name, cb: cb.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. When the circuit is open and the
// cooldown has not elapsed, fn is never invoked and gobreaker.ErrOpenState
// is returned.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the current circuit state as closed|half-open|open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
