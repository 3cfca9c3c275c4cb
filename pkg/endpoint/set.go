package endpoint

import (
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"

	"github.com/rwool/leasequeue/pkg/metrics"
	"github.com/rwool/leasequeue/pkg/service"
)

// Verbs exposed by the Set.
const (
	VerbAdd        = "add"
	VerbFetch      = "fetch"
	VerbAck        = "ack"
	VerbRewind     = "rewind"
	VerbInfo       = "info"
	VerbEmit       = "emit"
	VerbClaimFetch = "claim_fetch"
	VerbCommit     = "commit"
	VerbOffsets    = "offsets"
)

// Set collects the endpoints of the service.
type Set struct {
	Add        endpoint.Endpoint
	Fetch      endpoint.Endpoint
	Ack        endpoint.Endpoint
	Rewind     endpoint.Endpoint
	Info       endpoint.Endpoint
	Emit       endpoint.Endpoint
	ClaimFetch endpoint.Endpoint
	Commit     endpoint.Endpoint
	Offsets    endpoint.Endpoint
}

// SetConfig contains the services behind a Set. A nil EmitService or
// ClaimService leaves the corresponding endpoints nil.
type SetConfig struct {
	Index   service.IndexService
	Emit    service.EmitService
	Claims  service.ClaimService
	Metrics *metrics.Metrics
	Log     log.Logger
}

// NewSet creates the endpoints and wraps each of them in the logging and
// instrumenting middlewares.
func NewSet(conf SetConfig) Set {
	wrap := func(verb string, e endpoint.Endpoint) endpoint.Endpoint {
		if e == nil {
			return nil
		}
		if conf.Log != nil {
			e = LoggingMiddleware(log.With(conf.Log, "verb", verb))(e)
		}
		if conf.Metrics != nil {
			e = InstrumentingMiddleware(conf.Metrics, verb)(e)
		}
		return e
	}
	var s Set
	if conf.Index != nil {
		s.Add = wrap(VerbAdd, MakeAddEndpoint(conf.Index))
		s.Fetch = wrap(VerbFetch, MakeFetchEndpoint(conf.Index))
		s.Ack = wrap(VerbAck, MakeAckEndpoint(conf.Index))
		s.Rewind = wrap(VerbRewind, MakeRewindEndpoint(conf.Index))
		s.Info = wrap(VerbInfo, MakeInfoEndpoint(conf.Index))
	}
	if conf.Emit != nil {
		s.Emit = wrap(VerbEmit, MakeEmitEndpoint(conf.Emit))
	}
	if conf.Claims != nil {
		s.ClaimFetch = wrap(VerbClaimFetch, MakeClaimFetchEndpoint(conf.Claims))
		s.Commit = wrap(VerbCommit, MakeCommitEndpoint(conf.Claims))
		s.Offsets = wrap(VerbOffsets, MakeOffsetsEndpoint(conf.Claims))
	}
	return s
}
