package keys

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around a Provider.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before letting a probe
	// request through.
	ResetTimeout time.Duration
}

// Ensure Breaker implements Provider.
var _ Provider = (*Breaker)(nil)

// Breaker guards a Provider with a circuit breaker so that an unhealthy key
// service fails fast instead of stalling every queue operation.
//
// Missing keys are answers, not failures, and do not count against the
// breaker.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Provider, conf BreakerConfig, logger log.Logger) *Breaker {
	if conf.FailureThreshold == 0 {
		conf.FailureThreshold = 5
	}
	if conf.ResetTimeout <= 0 {
		conf.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "keys",
		MaxRequests: 1,
		Timeout:     conf.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Cause(err) == ErrKeyNotFound
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			_ = logger.Log("LEVEL", "WARN", "MESSAGE", "Key provider circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Key resolves a key through the wrapped provider.
func (b *Breaker) Key(ctx context.Context, owner, id string) (Key, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Key(ctx, owner, id)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return Key{}, errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	if err != nil {
		return Key{}, err
	}
	return v.(Key), nil
}
