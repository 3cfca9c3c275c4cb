// Package endpoint adapts the queue services to go-kit endpoints.
package endpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/kit/endpoint"

	"github.com/rwool/leasequeue/pkg/service"
	"github.com/rwool/leasequeue/pkg/service/lease"
)

// AddRequest adds a value to the index queue.
type AddRequest struct {
	Scope service.Scope   `json:"-"`
	Value json.RawMessage `json:"value"`
	Token json.RawMessage `json:"token,omitempty"`
}

// FetchRequest fetches the value claimed by a worker.
type FetchRequest struct {
	Scope    service.Scope `json:"-"`
	WorkerID string        `json:"workerId"`
	// TimeToRecover is the grace period of other workers' claims in
	// milliseconds.
	TimeToRecover int64 `json:"timeToRecover,omitempty"`
}

// AckRequest acknowledges the claim of a worker.
type AckRequest struct {
	Scope    service.Scope   `json:"-"`
	WorkerID string          `json:"workerId"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// RewindRequest resets the distribution cursor.
type RewindRequest struct {
	Scope service.Scope `json:"-"`
	Last  int64         `json:"last"`
}

// InfoRequest asks for the registry table of a scope.
type InfoRequest struct {
	Scope service.Scope `json:"-"`
}

// ResultResponse carries the boolean outcome of add, ack and rewind.
type ResultResponse struct {
	Result bool `json:"result"`
	e      error
}

// Failed implements endpoint.Failer.
func (r ResultResponse) Failed() error { return r.e }

// FetchResponse carries a fetched value, null when there is no work.
type FetchResponse struct {
	Value json.RawMessage `json:"value"`
	e     error
}

// Failed implements endpoint.Failer.
func (r FetchResponse) Failed() error { return r.e }

// InfoResponse carries the registry table, null when it could not be read.
type InfoResponse struct {
	Info *lease.Info `json:"info"`
	e    error
}

// Failed implements endpoint.Failer.
func (r InfoResponse) Failed() error { return r.e }

// MakeAddEndpoint creates an endpoint for adding values.
func MakeAddEndpoint(s service.IndexService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AddRequest)
		var token interface{}
		if len(req.Token) > 0 {
			token = req.Token
		}
		ok, err := s.Add(ctx, req.Scope, req.Value, token)
		return ResultResponse{Result: ok, e: err}, nil
	}
}

// MakeFetchEndpoint creates an endpoint for fetching values.
func MakeFetchEndpoint(s service.IndexService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(FetchRequest)
		ttr := time.Duration(req.TimeToRecover) * time.Millisecond
		v, err := s.Fetch(ctx, req.Scope, req.WorkerID, ttr)
		return FetchResponse{Value: v, e: err}, nil
	}
}

// MakeAckEndpoint creates an endpoint for acknowledging claims.
func MakeAckEndpoint(s service.IndexService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AckRequest)
		ok, err := s.Ack(ctx, req.Scope, req.WorkerID, req.Result, req.Error)
		return ResultResponse{Result: ok, e: err}, nil
	}
}

// MakeRewindEndpoint creates an endpoint for rewinding the cursor.
func MakeRewindEndpoint(s service.IndexService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(RewindRequest)
		ok, err := s.Rewind(ctx, req.Scope, req.Last)
		return ResultResponse{Result: ok, e: err}, nil
	}
}

// MakeInfoEndpoint creates an endpoint for reading the registry table.
func MakeInfoEndpoint(s service.IndexService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(InfoRequest)
		info, err := s.Info(ctx, req.Scope)
		return InfoResponse{Info: info, e: err}, nil
	}
}
