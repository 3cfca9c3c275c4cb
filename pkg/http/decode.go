package http

import (
	"context"
	gohttp "net/http"

	ep "github.com/rwool/leasequeue/pkg/endpoint"
)

// Wire forms of the index queue requests, which may name the service in the
// body.
type (
	addBody struct {
		ep.AddRequest
		ServiceID string `json:"serviceId"`
	}
	fetchBody struct {
		ep.FetchRequest
		ServiceID string `json:"serviceId"`
	}
	ackBody struct {
		ep.AckRequest
		ServiceID string `json:"serviceId"`
	}
	rewindBody struct {
		ep.RewindRequest
		ServiceID string `json:"serviceId"`
	}
	infoBody struct {
		ep.InfoRequest
		ServiceID string `json:"serviceId"`
	}
)

func decodeAddRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var b addBody
	if err := decodeJSON(req, &b); err != nil {
		return nil, err
	}
	b.Scope = scopeOf(req, b.ServiceID)
	return b.AddRequest, nil
}

func decodeFetchRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var b fetchBody
	if err := decodeJSON(req, &b); err != nil {
		return nil, err
	}
	if b.WorkerID == "" {
		return nil, badRequest{errMissingWorker}
	}
	b.Scope = scopeOf(req, b.ServiceID)
	return b.FetchRequest, nil
}

func decodeAckRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var b ackBody
	if err := decodeJSON(req, &b); err != nil {
		return nil, err
	}
	if b.WorkerID == "" {
		return nil, badRequest{errMissingWorker}
	}
	b.Scope = scopeOf(req, b.ServiceID)
	return b.AckRequest, nil
}

func decodeRewindRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var b rewindBody
	if err := decodeJSON(req, &b); err != nil {
		return nil, err
	}
	b.Scope = scopeOf(req, b.ServiceID)
	return b.RewindRequest, nil
}

func decodeInfoRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var b infoBody
	if err := decodeJSON(req, &b); err != nil {
		return nil, err
	}
	b.Scope = scopeOf(req, b.ServiceID)
	return b.InfoRequest, nil
}

func decodeEmitRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var r ep.EmitRequest
	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}
	if r.Event == "" {
		return nil, badRequest{errMissingEvent}
	}
	r.Owner = req.Header.Get(HeaderOwner)
	return r, nil
}

func decodeClaimRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	var r ep.ClaimRequest
	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}
	r.Owner = req.Header.Get(HeaderOwner)
	return r, nil
}
