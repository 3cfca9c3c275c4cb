package endpoint

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"

	"github.com/rwool/leasequeue/pkg/metrics"
)

// outcome classifies the result of an endpoint call.
func outcome(response interface{}, err error) (string, error) {
	if err != nil {
		return metrics.OutcomeError, err
	}
	if f, ok := response.(endpoint.Failer); ok && f.Failed() != nil {
		return metrics.OutcomeFailed, f.Failed()
	}
	return metrics.OutcomeOK, nil
}

// InstrumentingMiddleware counts calls by outcome and observes their
// latency.
func InstrumentingMiddleware(m *metrics.Metrics, verb string) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			defer func(begin time.Time) {
				m.Duration.WithLabelValues(verb).Observe(time.Since(begin).Seconds())
			}(time.Now())
			response, err := next(ctx, request)
			o, _ := outcome(response, err)
			m.Requests.WithLabelValues(verb, o).Inc()
			return response, err
		}
	}
}

// LoggingMiddleware logs every call with its duration and failure.
func LoggingMiddleware(l log.Logger) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			begin := time.Now()
			response, err := next(ctx, request)
			o, failure := outcome(response, err)
			if failure != nil {
				_ = l.Log("LEVEL", "INFO", "MESSAGE", "Request failed",
					"outcome", o, "took", time.Since(begin), "error", failure)
			} else {
				_ = l.Log("LEVEL", "DEBUG", "MESSAGE", "Request served", "took", time.Since(begin))
			}
			return response, err
		}
	}
}
