// Package logsubscribe feeds the claim queue from a log consumer.
//
// This is analogous to the http package for the claim queue: it is the
// transport that delivers work to the service.
package logsubscribe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/leasequeue/pkg/metrics"
	"github.com/rwool/leasequeue/pkg/service/stream"
)

// Deliverer receives the batches read from the log.
type Deliverer interface {
	Deliver(b stream.Batch) int
}

// Config contains the configuration of a subscription.
type Config struct {
	Consumer stream.Consumer
	Queue    Deliverer
	Log      log.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// ErrorBackoff is the pause after a failed poll.
	ErrorBackoff time.Duration
}

// MakeSubscriber returns a function that polls the log until its context is
// done or the consumer is closed. Every polled batch is delivered to the
// queue, then the offsets resolved so far are committed.
func MakeSubscriber(conf Config) func(context.Context) {
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	if conf.ErrorBackoff <= 0 {
		conf.ErrorBackoff = time.Second
	}
	return func(ctx context.Context) {
		_ = conf.Log.Log("LEVEL", "INFO", "MESSAGE", "Beginning log subscription")
		defer conf.Consumer.Close()

		for {
			batches, err := conf.Consumer.Poll(ctx)
			// Check if the Poll was stopped from a context cancellation.
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Cause(err) == stream.ErrClosed {
				_ = conf.Log.Log("LEVEL", "INFO", "MESSAGE", "Log consumer closed")
				return
			}

			delivered := 0
			for _, b := range batches {
				delivered += conf.Queue.Deliver(b)
			}
			observe(conf.Metrics, delivered, err)

			if cerr := conf.Consumer.CommitMarked(ctx); cerr != nil {
				_ = conf.Log.Log("LEVEL", "WARN", "MESSAGE", "Failed to commit offsets", "error", cerr)
			}
			if err != nil {
				_ = conf.Log.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Poll failed after %d batches", len(batches)),
					"error", err)
				select {
				case <-time.After(conf.ErrorBackoff):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func observe(m *metrics.Metrics, delivered int, err error) {
	if m == nil {
		return
	}
	m.Delivered.Add(float64(delivered))
	if err != nil {
		m.Polls.WithLabelValues(metrics.OutcomeError).Inc()
		return
	}
	m.Polls.WithLabelValues(metrics.OutcomeOK).Inc()
}
