// Package core implements the UAS-side message processing pipeline: a
// predicate-keyed handler registry, a per-request validation chain, and
// response auto-population, sitting above the transaction layer and below
// application dispatch.
package core

import (
	"context"

	"github.com/sipstack/siptx/sip"
)

// RequestContext carries everything an UasHandler needs to process a single
// request: cancelation, the transaction it arrived on, and a small per-request
// bag for handler-specific state. It is always passed by reference so a
// handler never has to close over the pipeline or the registry itself.
type RequestContext struct {
	context.Context

	Tx sip.ServerTransaction

	// values holds handler-scoped state for the lifetime of one request.
	values map[string]any
}

// NewRequestContext builds a RequestContext bound to a server transaction.
func NewRequestContext(ctx context.Context, tx sip.ServerTransaction) *RequestContext {
	return &RequestContext{Context: ctx, Tx: tx}
}

// Set stores a value under key for the remainder of this request.
func (c *RequestContext) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get returns the value stored under key, if any.
func (c *RequestContext) Get(key string) (any, bool) {
	if c.values == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// ActionKind tells the pipeline what to do after OnRequest returns.
type ActionKind int

const (
	// NoReply means the handler has taken care of the request itself
	// (or intentionally wants no response sent, e.g. after Respond on the
	// transaction directly).
	NoReply ActionKind = iota
	// Reply means Response should be sent through SendResponse.
	Reply
)

// Action is the result of UasHandler.OnRequest.
type Action struct {
	Kind     ActionKind
	Response *sip.Response
}

// NoReplyAction is returned by handlers that already responded themselves.
func NoReplyAction() Action { return Action{Kind: NoReply} }

// ReplyAction wraps a response to be sent by the pipeline.
func ReplyAction(res *sip.Response) Action {
	return Action{Kind: Reply, Response: res}
}

// UasHandler is a registered application behind the UAS pipeline. Only one
// handler processes a given request: the first whose registration predicate
// matches req (see Registry).
type UasHandler interface {
	// Init is called once when the handler is registered.
	Init(ctx context.Context) error

	// OnRequest processes a validated request. Validation (method allowed,
	// loop detection, Require support) has already happened by the time
	// this is called.
	OnRequest(req *sip.Request, rc *RequestContext) (Action, error)

	// Allow lists the methods this handler accepts. Used both for the 405
	// validation step and to populate an Allow header.
	Allow() []sip.RequestMethod

	// Supported lists the extensions (option tags) this handler supports.
	// Used both for the 420 validation step and to populate a Supported
	// header.
	Supported() []string

	// DetectLoops tells the pipeline whether requests handled here should
	// be checked against the loop-detection index.
	DetectLoops() bool

	// Server is the value written into a Server header on responses that
	// don't already carry one.
	Server() string
}
