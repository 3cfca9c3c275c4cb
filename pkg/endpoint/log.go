package endpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/kit/endpoint"

	"github.com/rwool/leasequeue/pkg/service"
)

// EmitRequest publishes an event.
type EmitRequest struct {
	Owner   string                 `json:"-"`
	Event   string                 `json:"event"`
	Payload json.RawMessage        `json:"payload"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// EmitResponse carries the receipt of an emitted event.
type EmitResponse struct {
	service.Receipt
	e error
}

// Failed implements endpoint.Failer.
func (r EmitResponse) Failed() error { return r.e }

// ClaimRequest is the request of the claim queue verbs. The claim queue
// belongs to the process; the owner only authenticates the call.
type ClaimRequest struct {
	Owner string `json:"-"`
}

// ClaimResponse carries a claimed log message.
type ClaimResponse struct {
	*service.Claim
	e error
}

// Failed implements endpoint.Failer.
func (r ClaimResponse) Failed() error { return r.e }

// CommitResponse carries the coordinates of a committed claim.
type CommitResponse struct {
	service.Position
	e error
}

// Failed implements endpoint.Failer.
func (r CommitResponse) Failed() error { return r.e }

// OffsetsResponse carries the partition states of the claim queue.
type OffsetsResponse struct {
	Partitions []service.PartitionState `json:"partitions"`
	e          error
}

// Failed implements endpoint.Failer.
func (r OffsetsResponse) Failed() error { return r.e }

// emitTimeout bounds the wait for a batch to be written.
const emitTimeout = 10 * time.Second

// MakeEmitEndpoint creates an endpoint for emitting events.
func MakeEmitEndpoint(s service.EmitService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, emitTimeout)
		defer cancel()

		req := request.(EmitRequest)
		if req.Owner == "" {
			return EmitResponse{e: service.ErrNotAuthenticated}, nil
		}
		var payload interface{}
		if len(req.Payload) > 0 {
			payload = req.Payload
		}
		r, err := s.Emit(ctx, req.Owner, req.Event, payload, req.Meta)
		return EmitResponse{Receipt: r, e: err}, nil
	}
}

// MakeClaimFetchEndpoint creates an endpoint for claiming log messages.
func MakeClaimFetchEndpoint(s service.ClaimService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(ClaimRequest)
		if req.Owner == "" {
			return ClaimResponse{e: service.ErrNotAuthenticated}, nil
		}
		c, err := s.Fetch(ctx)
		return ClaimResponse{Claim: c, e: err}, nil
	}
}

// MakeCommitEndpoint creates an endpoint for committing claims.
func MakeCommitEndpoint(s service.ClaimService) endpoint.Endpoint {
	return func(_ context.Context, request interface{}) (interface{}, error) {
		req := request.(ClaimRequest)
		if req.Owner == "" {
			return CommitResponse{e: service.ErrNotAuthenticated}, nil
		}
		p, err := s.Commit()
		return CommitResponse{Position: p, e: err}, nil
	}
}

// MakeOffsetsEndpoint creates an endpoint for reading partition states.
func MakeOffsetsEndpoint(s service.ClaimService) endpoint.Endpoint {
	return func(_ context.Context, request interface{}) (interface{}, error) {
		req := request.(ClaimRequest)
		if req.Owner == "" {
			return OffsetsResponse{e: service.ErrNotAuthenticated}, nil
		}
		return OffsetsResponse{Partitions: s.Offsets()}, nil
	}
}
