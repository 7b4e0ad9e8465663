package pipeline

import (
	"context"
	"errors"
	"time"
)

// Policy is one link of the chain. Send forwards the request to the next
// link at least once per attempt it makes, and may change the request on
// the way in and inspect the response on the way out.
type Policy interface {
	Send(req *Request) (*Response, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(req *Request) (*Response, error)

// Send implements Policy.
func (f PolicyFunc) Send(req *Request) (*Response, error) {
	return f(req)
}

// Middleware builds a policy around the next link.
type Middleware func(next Policy) Policy

// Transport is the terminal link. Sleep is the only place the retry
// policy waits, so a transport decides how a backoff suspends the call.
type Transport interface {
	Send(req *Request) (*Response, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// Pipeline is an ordered composition of middleware around a Transport.
// It is safe for concurrent use.
type Pipeline struct {
	head      Policy
	transport Transport
}

// NewPipeline composes mw around t. The first middleware is the outermost
// link; nil entries are skipped.
func NewPipeline(t Transport, mw ...Middleware) *Pipeline {
	if t == nil {
		panic("pipeline: nil transport")
	}

	var head Policy = t
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		head = mw[i](head)
	}

	return &Pipeline{head: head, transport: t}
}

// Run executes one logical call. Errors raised by the chain propagate
// unchanged.
func (p *Pipeline) Run(req *Request, opts ...CallOption) (*Response, error) {
	if req == nil {
		return nil, errors.New("pipeline: nil request")
	}
	for _, opt := range opts {
		opt(&req.options)
	}
	req.transport = p.transport

	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	return p.head.Send(req)
}

// Transport returns the terminal transport.
func (p *Pipeline) Transport() Transport {
	return p.transport
}
