package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rwool/leasequeue/pkg/service/lease"
)

// IndexService is the user accessible index queue.
type IndexService interface {
	Add(ctx context.Context, s Scope, value, token interface{}) (bool, error)
	Fetch(ctx context.Context, s Scope, workerID string, timeToRecover time.Duration) (json.RawMessage, error)
	Ack(ctx context.Context, s Scope, workerID string, result, errObj json.RawMessage) (bool, error)
	Rewind(ctx context.Context, s Scope, last int64) (bool, error)
	Info(ctx context.Context, s Scope) (*lease.Info, error)
}

// EmitService publishes events to the log.
type EmitService interface {
	Emit(ctx context.Context, owner, event string, payload interface{}, meta map[string]interface{}) (Receipt, error)
}

// ClaimService hands out log messages one at a time.
type ClaimService interface {
	Fetch(ctx context.Context) (*Claim, error)
	Commit() (Position, error)
	Offsets() []PartitionState
}

var (
	_ IndexService = (*IndexQueue)(nil)
	_ EmitService  = (*Emitter)(nil)
	_ ClaimService = (*ClaimQueue)(nil)
)
