package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind int

const (
	// KindUnknown is the zero value and never produced by the pipeline.
	KindUnknown ErrorKind = iota

	// KindAuthentication means the request cannot be authorized.
	// Never retried.
	KindAuthentication

	// KindConnection means the failure happened before the server
	// began processing the request. Retried for any method.
	KindConnection

	// KindRead means the failure happened after the request was sent.
	// Retried only for idempotent requests.
	KindRead

	// KindServer is a retryable status code surfaced as an error.
	KindServer

	// KindDecode means the payload could not be parsed.
	KindDecode

	// KindNotFound maps 404.
	KindNotFound

	// KindConflict maps 409.
	KindConflict

	// KindPreconditionFailed maps 412.
	KindPreconditionFailed

	// KindHTTP covers every other status >= 400.
	KindHTTP

	// KindTransport is a permanent transport failure such as a TLS
	// verification error. Never retried.
	KindTransport
)

// Sentinel errors matched by errors.Is against *Error values of the same kind.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrConnection         = errors.New("connection error")
	ErrRead               = errors.New("read error")
	ErrServer             = errors.New("server error")
	ErrDecode             = errors.New("decode error")
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("resource exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrHTTP               = errors.New("http error")
	ErrTransport          = errors.New("transport error")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthentication:     ErrAuthentication,
	KindConnection:         ErrConnection,
	KindRead:               ErrRead,
	KindServer:             ErrServer,
	KindDecode:             ErrDecode,
	KindNotFound:           ErrNotFound,
	KindConflict:           ErrConflict,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindHTTP:               ErrHTTP,
	KindTransport:          ErrTransport,
}

// String returns the kind name used in logs and metric attributes.
func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindRead:
		return "read"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindHTTP:
		return "http"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the pipeline.
//
// Response is set when the failure is tied to a received response
// (status errors, decode errors). Err is the originating error, if any.
type Error struct {
	Kind     ErrorKind
	Response *Response
	Err      error
	Message  string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = kindSentinels[e.Kind].Error()
	}
	if e.Response != nil {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Response.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the originating error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// NewConnectionError wraps err as a connection-class failure.
func NewConnectionError(err error) error {
	return &Error{Kind: KindConnection, Err: err}
}

// NewReadError wraps err as a read-class failure.
func NewReadError(err error) error {
	return &Error{Kind: KindRead, Err: err}
}

// NewAuthenticationError wraps err as an authentication failure.
func NewAuthenticationError(err error) error {
	return &Error{Kind: KindAuthentication, Err: err}
}

// NewDecodeError wraps a payload parsing failure for resp.
func NewDecodeError(resp *Response, err error) error {
	return &Error{Kind: KindDecode, Response: resp, Err: err}
}

// KindOf returns the ErrorKind of err, or KindUnknown when err
// is not a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// ErrorFromResponse converts a failed response into a typed error.
// It returns nil for status codes below 400. The body is buffered so
// it can be included in the message and read again by the caller.
func ErrorFromResponse(resp *Response) error {
	if resp == nil || resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	kind := KindHTTP
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuthentication
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindConflict
	case http.StatusPreconditionFailed:
		kind = KindPreconditionFailed
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		kind = KindServer
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			kind = KindServer
		}
	}

	msg := resp.Status
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if body, err := resp.Body(); err == nil && len(body) > 0 {
		msg += ": " + truncate(string(body), 512)
	}

	return &Error{Kind: kind, Response: resp, Message: msg}
}

// Decode maps a failed response to an error, otherwise decodes the JSON
// body into v.
func Decode(resp *Response, v any) error {
	if err := ErrorFromResponse(resp); err != nil {
		return err
	}
	return resp.JSON(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
