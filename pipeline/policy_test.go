package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockPolicy is a testify mock standing in for the next link of a chain.
type mockPolicy struct {
	mock.Mock
}

func (m *mockPolicy) Send(req *Request) (*Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

// recorder returns middleware that appends name to order on the way in.
func recorder(name string, order *[]string) Middleware {
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			*order = append(*order, name)
			return next.Send(req)
		})
	}
}

func TestNewPipeline_Order(t *testing.T) {
	var order []string
	mt := NewMockTransport().OnRequest(func(*Request) {
		order = append(order, "transport")
	}).StubResponse(http.StatusOK, "")

	p := NewPipeline(mt,
		recorder("outer", &order),
		nil,
		recorder("middle", &order),
		recorder("inner", &order),
	)

	req, err := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
	require.NoError(t, err)

	_, err = p.Run(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "middle", "inner", "transport"}, order)
}

func TestNewPipeline_NilTransportPanics(t *testing.T) {
	assert.Panics(t, func() { NewPipeline(nil) })
}

func TestPipeline_Run(t *testing.T) {
	tests := []struct {
		name     string
		mockFn   func(*mockPolicy)
		ctx      func() context.Context
		wantErr  assert.ErrorAssertionFunc
		wantCode int
	}{
		{
			name: "given next link succeeds, then returns its response",
			mockFn: func(m *mockPolicy) {
				m.On("Send", mock.AnythingOfType("*pipeline.Request")).
					Return(NewResponse(nil, http.StatusAccepted, nil, nil), nil).Once()
			},
			ctx:      context.Background,
			wantErr:  assert.NoError,
			wantCode: http.StatusAccepted,
		},
		{
			name: "given next link fails, then propagates error unchanged",
			mockFn: func(m *mockPolicy) {
				m.On("Send", mock.Anything).Return(nil, errors.New("boom")).Once()
			},
			ctx: context.Background,
			wantErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.EqualError(t, err, "boom")
			},
		},
		{
			name:   "given canceled context, then never calls the chain",
			mockFn: func(*mockPolicy) {},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, context.Canceled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &mockPolicy{}
			tt.mockFn(next)

			mt := NewMockTransport()
			p := NewPipeline(mt, func(Policy) Policy { return next })

			req, err := NewRequest(tt.ctx(), http.MethodGet, "https://api.example.com", nil)
			require.NoError(t, err)

			resp, err := p.Run(req)
			tt.wantErr(t, err)
			if tt.wantCode != 0 {
				require.NotNil(t, resp)
				assert.Equal(t, tt.wantCode, resp.StatusCode)
			}
			next.AssertExpectations(t)
			assert.Same(t, mt, p.Transport())
		})
	}
}

func TestPipeline_RunNilRequest(t *testing.T) {
	p := NewPipeline(NewMockTransport())
	_, err := p.Run(nil)
	assert.Error(t, err)
}

func TestPipeline_PerCallVersusPerRetry(t *testing.T) {
	var perCall, perRetry int
	count := func(n *int) Middleware {
		return func(next Policy) Policy {
			return PolicyFunc(func(req *Request) (*Response, error) {
				*n++
				return next.Send(req)
			})
		}
	}

	mt := NewMockTransport().
		Enqueue(http.StatusServiceUnavailable, "", nil).
		Enqueue(http.StatusServiceUnavailable, "", nil).
		Enqueue(http.StatusOK, "", nil)

	client, err := New(
		WithTransport(mt),
		WithPerCallPolicies(count(&perCall)),
		WithPerRetryPolicies(count(&perRetry)),
	)
	require.NoError(t, err)

	resp, err := client.Get(context.Background(), "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, perCall)
	assert.Equal(t, 3, perRetry)
}
