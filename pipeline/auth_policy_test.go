package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthPolicy_SetsBearerToken(t *testing.T) {
	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	p := NewPipeline(mt, NewAuthPolicy(StaticToken("secret")))

	req, err := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
	require.NoError(t, err)

	_, err = p.Run(req)
	require.NoError(t, err)

	last, ok := mt.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "Bearer secret", last.Header.Get("Authorization"))
}

func TestAuthPolicy_Caching(t *testing.T) {
	ctx := context.Background()
	mClock := quartz.NewMock(t)

	var fetches atomic.Int32
	cred := CredentialFunc(func(context.Context) (Token, error) {
		n := fetches.Add(1)
		return Token{
			Value:     "token-" + string(rune('0'+n)),
			ExpiresOn: mClock.Now().Add(10 * time.Minute),
		}, nil
	})

	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	p := NewPipeline(mt, NewAuthPolicy(cred, WithClock(mClock)))

	send := func() string {
		req, err := NewRequest(ctx, http.MethodGet, "https://api.example.com", nil)
		require.NoError(t, err)
		_, err = p.Run(req)
		require.NoError(t, err)
		last, _ := mt.LastRequest()
		return last.Header.Get("Authorization")
	}

	assert.Equal(t, "Bearer token-1", send())
	assert.Equal(t, "Bearer token-1", send())
	assert.EqualValues(t, 1, fetches.Load())

	// Inside the refresh margin the token is replaced.
	mClock.Advance(9*time.Minute + 45*time.Second).MustWait(ctx)
	assert.Equal(t, "Bearer token-2", send())
	assert.EqualValues(t, 2, fetches.Load())
}

func TestAuthPolicy_ConcurrentFetchIsShared(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	cred := CredentialFunc(func(context.Context) (Token, error) {
		fetches.Add(1)
		<-release
		return Token{Value: "shared"}, nil
	})

	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	p := NewPipeline(mt, NewAuthPolicy(cred))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
			_, _ = p.Run(req)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, fetches.Load(), int32(10))
	assert.Equal(t, 10, mt.RequestCount())
	for _, rec := range mt.Requests() {
		assert.Equal(t, "Bearer shared", rec.Header.Get("Authorization"))
	}
}

func TestAuthPolicy_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	var fetchErr error
	cred := CredentialFunc(func(ctx context.Context) (Token, error) {
		fetches.Add(1)
		close(started)
		<-release
		fetchErr = ctx.Err()
		return Token{Value: "shared"}, nil
	})

	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	p := NewPipeline(mt, NewAuthPolicy(cred))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		req, _ := NewRequest(ctxA, http.MethodGet, "https://api.example.com", nil)
		_, err := p.Run(req)
		errA <- err
	}()
	<-started

	errB := make(chan error, 1)
	go func() {
		req, _ := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
		_, err := p.Run(req)
		errB <- err
	}()

	cancelA()
	err := <-errA
	require.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, KindAuthentication, KindOf(err))

	close(release)
	require.NoError(t, <-errB)
	assert.NoError(t, fetchErr)
	assert.EqualValues(t, 1, fetches.Load())

	last, ok := mt.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "Bearer shared", last.Header.Get("Authorization"))
	assert.Equal(t, 1, mt.RequestCount())
}

func TestAuthPolicy_UnauthorizedInvalidates(t *testing.T) {
	var fetches atomic.Int32
	cred := CredentialFunc(func(context.Context) (Token, error) {
		fetches.Add(1)
		return Token{Value: "t"}, nil
	})

	mt := NewMockTransport().
		Enqueue(http.StatusUnauthorized, "", nil).
		Enqueue(http.StatusOK, "", nil)
	p := NewPipeline(mt, NewAuthPolicy(cred))

	for range 2 {
		req, err := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
		require.NoError(t, err)
		_, err = p.Run(req)
		require.NoError(t, err)
	}

	assert.EqualValues(t, 2, fetches.Load())
}

func TestAuthPolicy_CredentialFailureIsNotRetried(t *testing.T) {
	cred := CredentialFunc(func(context.Context) (Token, error) {
		return Token{}, errors.New("identity endpoint unreachable")
	})

	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	p := NewPipeline(mt,
		NewRetryPolicy(DefaultRetryConfig()),
		NewAuthPolicy(cred),
	)

	req, err := NewRequest(context.Background(), http.MethodGet, "https://api.example.com", nil)
	require.NoError(t, err)

	_, err = p.Run(req)
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Zero(t, mt.RequestCount())
	assert.Empty(t, mt.Sleeps())
}
