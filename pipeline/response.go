package pipeline

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
)

// Response is the result of one attempt as produced by the transport.
//
// In buffered mode the body has already been read and Body returns it
// directly. In stream mode the live body is kept and read on first use;
// Stream hands it to the caller, who must Close it.
type Response struct {
	// StatusCode is the HTTP status code (200, 404, ...).
	StatusCode int

	// Status is the status line text, e.g. "200 OK".
	Status string

	// Header holds the response headers.
	Header http.Header

	// ContentLength is the value reported by the server, -1 if unknown.
	ContentLength int64

	// Request is the request that produced this response.
	Request *Request

	mu       sync.Mutex
	body     []byte
	bodyRead bool
	stream   io.ReadCloser
	stats    RetryStats
}

// NewResponse builds a buffered Response. Transports and tests use it.
func NewResponse(req *Request, statusCode int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		StatusCode:    statusCode,
		Status:        statusLine(statusCode),
		Header:        header,
		ContentLength: int64(len(body)),
		Request:       req,
		body:          body,
		bodyRead:      true,
	}
}

// newStreamResponse builds a Response around a live body.
func newStreamResponse(req *Request, raw *http.Response, body io.ReadCloser) *Response {
	return &Response{
		StatusCode:    raw.StatusCode,
		Status:        raw.Status,
		Header:        raw.Header,
		ContentLength: raw.ContentLength,
		Request:       req,
		stream:        body,
	}
}

// Body returns the full body. In stream mode the first call drains and
// closes the stream; later calls return the cached bytes.
func (r *Response) Body() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bodyRead {
		return r.body, nil
	}
	if r.stream == nil {
		r.bodyRead = true
		return nil, nil
	}

	defer r.stream.Close()
	b, err := io.ReadAll(r.stream)
	r.stream = nil
	if err != nil {
		return nil, NewReadError(err)
	}

	r.body = b
	r.bodyRead = true
	return r.body, nil
}

// Stream returns a reader over the body. For a streamed response this is
// the live connection body and can only be taken once; afterwards, or for
// buffered responses, it reads the cached bytes.
func (r *Response) Stream() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream != nil {
		s := r.stream
		r.stream = nil
		r.bodyRead = true
		return s
	}
	return io.NopCloser(bytes.NewReader(r.body))
}

// Close releases a stream that was never read. It is safe to call on
// buffered responses.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, r.stream)
	err := r.stream.Close()
	r.stream = nil
	r.bodyRead = true
	return err
}

// JSON decodes the body into v. A malformed payload is a Decode error.
func (r *Response) JSON(v any) error {
	b, err := r.Body()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return NewDecodeError(r, err)
	}
	return nil
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// RetryStats returns the retry accounting of the call that produced r.
func (r *Response) RetryStats() RetryStats {
	return r.stats
}

func statusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code) + " " + text
}
