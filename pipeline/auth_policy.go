package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is a bearer token and its expiry. A zero ExpiresOn never expires.
type Token struct {
	Value     string
	ExpiresOn time.Time
}

// Credential supplies bearer tokens.
type Credential interface {
	Token(ctx context.Context) (Token, error)
}

// CredentialFunc adapts a function to Credential.
type CredentialFunc func(ctx context.Context) (Token, error)

// Token implements Credential.
func (f CredentialFunc) Token(ctx context.Context) (Token, error) {
	return f(ctx)
}

// StaticToken returns a Credential that always yields value.
func StaticToken(value string) Credential {
	return CredentialFunc(func(context.Context) (Token, error) {
		return Token{Value: value}, nil
	})
}

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = 30 * time.Second

// NewAuthPolicy returns middleware setting "Authorization: Bearer <token>"
// on every attempt. Tokens are cached until shortly before they expire;
// concurrent calls share one fetch. A credential failure ends the call
// with an authentication error that is never retried, and a 401 response
// drops the cached token so the next call fetches a new one.
func NewAuthPolicy(c Credential, opts ...Option) Middleware {
	cfg := newConfig(append(opts, WithCredential(c))...)
	return newAuthMiddleware(cfg)
}

func newAuthMiddleware(cfg *internalConfig) Middleware {
	cache := &tokenCache{credential: cfg.Credential, cfg: cfg}
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			token, err := cache.get(req.Context())
			if err != nil {
				if cerr := req.Context().Err(); cerr != nil {
					return nil, cerr
				}
				return nil, NewAuthenticationError(err)
			}
			req.Header.Set("Authorization", "Bearer "+token.Value)

			resp, err := next.Send(req)
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				cache.invalidate(token)
			}
			return resp, err
		})
	}
}

type tokenCache struct {
	credential Credential
	cfg        *internalConfig
	group      singleflight.Group

	mu    sync.Mutex
	token Token
	valid bool
}

func (c *tokenCache) get(ctx context.Context) (Token, error) {
	c.mu.Lock()
	if c.valid && !c.expiring(c.token) {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	// The fetch outlives the caller that started it; other calls may be
	// waiting on the same result.
	ch := c.group.DoChan("token", func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		t, err := c.credential.Token(fetchCtx)
		c.cfg.Metrics.recordTokenRefresh(fetchCtx, err == nil)
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.token, c.valid = t, true
		c.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (c *tokenCache) expiring(t Token) bool {
	if t.ExpiresOn.IsZero() {
		return false
	}
	return c.cfg.Clock.Now().Add(tokenRefreshMargin).After(t.ExpiresOn)
}

// invalidate drops t if it is still the cached token.
func (c *tokenCache) invalidate(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.token.Value == t.Value {
		c.valid = false
	}
}
