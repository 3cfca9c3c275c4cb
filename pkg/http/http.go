// Package http exposes the endpoints over HTTP with JSON bodies.
//
// The tenant of a call is taken from the X-Owner-Id header. The service is
// taken from the X-Service-Id header or, failing that, from the serviceId
// field of the body.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	gohttp "net/http"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport/http"
	"github.com/pkg/errors"

	ep "github.com/rwool/leasequeue/pkg/endpoint"
	"github.com/rwool/leasequeue/pkg/service"
)

// Tenant headers.
const (
	HeaderOwner   = "X-Owner-Id"
	HeaderService = "X-Service-Id"
)

// Routes.
const (
	PathAdd        = "/queue/add"
	PathFetch      = "/queue/fetch"
	PathAck        = "/queue/ack"
	PathRewind     = "/queue/rewind"
	PathInfo       = "/queue/info"
	PathEmit       = "/log/emit"
	PathClaimFetch = "/log/fetch"
	PathCommit     = "/log/commit"
	PathOffsets    = "/log/offsets"
)

// NewHTTPHandler returns a handler that makes the endpoints of set available
// via HTTP. Nil endpoints are not routed. Options are looked up by path.
func NewHTTPHandler(set ep.Set, options map[string][]http.ServerOption) gohttp.Handler {
	if options == nil {
		options = make(map[string][]http.ServerOption)
	}
	m := gohttp.NewServeMux()
	routes := []struct {
		path   string
		e      endpoint.Endpoint
		decode http.DecodeRequestFunc
	}{
		{PathAdd, set.Add, decodeAddRequest},
		{PathFetch, set.Fetch, decodeFetchRequest},
		{PathAck, set.Ack, decodeAckRequest},
		{PathRewind, set.Rewind, decodeRewindRequest},
		{PathInfo, set.Info, decodeInfoRequest},
		{PathEmit, set.Emit, decodeEmitRequest},
		{PathClaimFetch, set.ClaimFetch, decodeClaimRequest},
		{PathCommit, set.Commit, decodeClaimRequest},
		{PathOffsets, set.Offsets, decodeClaimRequest},
	}
	for _, r := range routes {
		if r.e == nil {
			continue
		}
		opts := append([]http.ServerOption{http.ServerErrorEncoder(encodeError)}, options[r.path]...)
		makeHandler(m, r.path, r.e, r.decode, opts...)
	}
	return m
}

func makeHandler(m *gohttp.ServeMux, path string, e endpoint.Endpoint, dec http.DecodeRequestFunc, options ...http.ServerOption) {
	handler := http.NewServer(e, dec, encodeResponse, options...)
	hf := func(w gohttp.ResponseWriter, r *gohttp.Request) {
		if r.Method != gohttp.MethodPost {
			w.WriteHeader(gohttp.StatusMethodNotAllowed)
			_, _ = fmt.Fprintf(w, "Invalid request method %s", r.Method)
			return
		}
		handler.ServeHTTP(w, r)
	}
	m.Handle(path, gohttp.HandlerFunc(hf))
}

type errorResponse struct {
	Error string `json:"error"`
}

var (
	errMissingWorker = errors.New("missing workerId")
	errMissingEvent  = errors.New("missing event")
)

// badRequest marks errors caused by a malformed request.
type badRequest struct{ error }

func statusOf(err error) int {
	if _, ok := err.(badRequest); ok {
		return gohttp.StatusBadRequest
	}
	switch errors.Cause(err) {
	case service.ErrNotAuthenticated:
		return gohttp.StatusUnauthorized
	case service.ErrEmptyQueue:
		return gohttp.StatusNotFound
	case service.ErrNoClaim:
		return gohttp.StatusConflict
	case service.ErrUnreadable:
		return gohttp.StatusUnprocessableEntity
	default:
		return gohttp.StatusInternalServerError
	}
}

func encodeError(_ context.Context, err error, w gohttp.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func encodeResponse(ctx context.Context, w gohttp.ResponseWriter, r interface{}) error {
	if v, ok := r.(endpoint.Failer); ok && v.Failed() != nil {
		encodeError(ctx, v.Failed(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(r)
	return errors.WithStack(err)
}

func decodeJSON(req *gohttp.Request, into interface{}) (e error) {
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	defer func() {
		err := req.Body.Close()
		if e != nil && err != nil {
			e = errors.Wrapf(e, "multiple errors: %s", err)
			return
		}
		if err != nil {
			e = err
		}
	}()
	err := decoder.Decode(into)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return badRequest{errors.Wrap(err, "unable to read request body")}
	}
	return nil
}

// scopeOf resolves the tenant scope of a call. bodyService is the
// serviceId field of the request body.
func scopeOf(req *gohttp.Request, bodyService string) service.Scope {
	s := service.Scope{
		Owner:   req.Header.Get(HeaderOwner),
		Service: req.Header.Get(HeaderService),
	}
	if s.Service == "" {
		s.Service = bodyService
	}
	return s
}
