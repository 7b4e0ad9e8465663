package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Transport = (*MockTransport)(nil)

// RecordedRequest is a snapshot of one attempt seen by MockTransport.
type RecordedRequest struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    []byte
	Attempt int
}

// MockTransport is a scriptable Transport for tests.
//
// Replies come from the queue first (Enqueue, EnqueueError), then from
// the first matching stub, then from the default stub. Sleep never
// blocks; it records the requested duration so backoff schedules can be
// asserted exactly.
type MockTransport struct {
	mu           sync.RWMutex
	queue        []mockReply
	stubs        []stub
	defaultReply *mockReply
	requests     []RecordedRequest
	sleeps       []time.Duration
	requestHook  func(*Request)
	sleepHook    func(time.Duration)
}

type mockReply struct {
	status int
	header http.Header
	body   []byte
	err    error
}

type stub struct {
	matcher func(*Request) bool
	reply   mockReply
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Enqueue appends a one-shot response to the queue.
func (m *MockTransport) Enqueue(statusCode int, body string, header http.Header) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{status: statusCode, header: header, body: []byte(body)})
	return m
}

// EnqueueError appends a one-shot error to the queue.
func (m *MockTransport) EnqueueError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// StubResponse answers every unmatched request with the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultReply = &mockReply{status: statusCode, body: []byte(body)}
	return m
}

// StubError answers every unmatched request with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultReply = &mockReply{err: err}
	return m
}

// StubPath stubs requests matching the path to return the given response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathRegex stubs requests whose path matches pattern.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubMethod stubs requests with the given method to return the given response.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubHost stubs requests sent to host. Failover tests use it to make one
// region fail while another answers.
func (m *MockTransport) StubHost(host string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *Request) bool {
		return req.URL.Host == host
	}, statusCode, body)
}

// StubHostError stubs requests sent to host to fail with err.
func (m *MockTransport) StubHostError(host string, err error) *MockTransport {
	return m.StubFuncError(func(req *Request) bool {
		return req.URL.Host == host
	}, err)
}

// StubFunc stubs requests matching the predicate to return the given response.
func (m *MockTransport) StubFunc(matcher func(*Request) bool, statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher: matcher,
		reply:   mockReply{status: statusCode, body: []byte(body)},
	})
	return m
}

// StubFuncError stubs requests matching the predicate to return the given error.
func (m *MockTransport) StubFuncError(matcher func(*Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, reply: mockReply{err: err}})
	return m
}

// OnRequest sets a hook called for each attempt before a reply is chosen.
func (m *MockTransport) OnRequest(fn func(*Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// OnSleep sets a hook called for each Sleep.
func (m *MockTransport) OnSleep(fn func(time.Duration)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleepHook = fn
	return m
}

// Send implements Transport.
func (m *MockTransport) Send(req *Request) (*Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	u := *req.URL
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  req.Method,
		URL:     &u,
		Header:  req.Header.Clone(),
		Body:    req.Body(),
		Attempt: req.Attempt(),
	})
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	reply, ok := m.next(req)
	if !ok {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return NewResponse(req, reply.status, reply.header.Clone(), reply.body), nil
}

func (m *MockTransport) next(req *Request) (mockReply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		return r, true
	}
	for _, s := range m.stubs {
		if s.matcher(req) {
			return s.reply, true
		}
	}
	if m.defaultReply != nil {
		return *m.defaultReply, true
	}
	return mockReply{}, false
}

// Sleep records d and returns immediately, or returns ctx.Err() if the
// context is already done.
func (m *MockTransport) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	hook := m.sleepHook
	m.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Requests returns all attempts made through this transport.
func (m *MockTransport) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest{}, m.requests...)
}

// RequestCount returns the number of attempts made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent attempt. ok is false if none.
func (m *MockTransport) LastRequest() (rec RecordedRequest, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Sleeps returns the durations passed to Sleep, in order.
func (m *MockTransport) Sleeps() []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Duration{}, m.sleeps...)
}

// Reset clears recorded attempts, sleeps, the queue and all stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.stubs = nil
	m.defaultReply = nil
	m.requests = nil
	m.sleeps = nil
	m.requestHook = nil
	m.sleepHook = nil
}
