package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/sentinel-pipeline/pipeline"
)

const accountJSON = `{
	"writableLocations": [{"name": "West US", "databaseAccountEndpoint": "https://acct-westus.example.com:443/"}],
	"readableLocations": [
		{"name": "West US", "databaseAccountEndpoint": "https://acct-westus.example.com:443/"},
		{"name": "East US", "databaseAccountEndpoint": "https://acct-eastus.example.com:443/"}
	],
	"enableMultipleWriteLocations": false
}`

func TestHTTPFetcher_FetchAccount(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*pipeline.MockTransport)
		wantErr   error
		wantKind  pipeline.ErrorKind
		wantReads int
	}{
		{
			name: "given account document, then decodes it",
			setup: func(m *pipeline.MockTransport) {
				m.StubPath("/", http.StatusOK, accountJSON)
			},
			wantReads: 2,
		},
		{
			name: "given 404, then not found error",
			setup: func(m *pipeline.MockTransport) {
				m.StubResponse(http.StatusNotFound, `{"code":"NotFound"}`)
			},
			wantErr:  pipeline.ErrNotFound,
			wantKind: pipeline.KindNotFound,
		},
		{
			name: "given malformed body, then decode error",
			setup: func(m *pipeline.MockTransport) {
				m.StubResponse(http.StatusOK, `{"writableLocations":`)
			},
			wantErr:  pipeline.ErrDecode,
			wantKind: pipeline.KindDecode,
		},
		{
			name: "given transport failure, then error is returned",
			setup: func(m *pipeline.MockTransport) {
				m.StubError(pipeline.NewConnectionError(errors.New("refused")))
			},
			wantErr:  pipeline.ErrConnection,
			wantKind: pipeline.KindConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := pipeline.NewMockTransport()
			tt.setup(mt)
			f := NewHTTPFetcher(pipeline.NewPipeline(mt))

			endpoint, _ := url.Parse("https://acct.example.com:443/some/path?x=1")
			acct, err := f.FetchAccount(context.Background(), endpoint)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.wantKind, pipeline.KindOf(err))
				assert.Nil(t, acct)
				return
			}
			require.NoError(t, err)
			assert.Len(t, acct.ReadableLocations, tt.wantReads)
			assert.Equal(t, "West US", acct.WritableLocations[0].Name)

			last, ok := mt.LastRequest()
			require.True(t, ok)
			assert.Equal(t, http.MethodGet, last.Method)
			assert.Equal(t, "/", last.URL.Path)
			assert.Empty(t, last.URL.RawQuery)
			assert.Equal(t, "application/json", last.Header.Get("Accept"))
		})
	}
}

// The fetcher must pin the discovery endpoint even when the pipeline
// carries a resolver that would route elsewhere.
func TestHTTPFetcher_WithManager(t *testing.T) {
	mt := pipeline.NewMockTransport().
		StubHost("acct.example.com:443", http.StatusOK, accountJSON).
		StubHost("acct-westus.example.com:443", http.StatusOK, `{}`)

	var m *Manager
	client, err := pipeline.New(
		pipeline.WithTransport(mt),
		pipeline.WithEndpointResolver(resolverFunc(func() pipeline.EndpointResolver { return m })),
	)
	require.NoError(t, err)

	m, err = NewManager(Config{DefaultEndpoint: globalEndpoint}, NewHTTPFetcher(client.Pipeline(), pipeline.WithRetryTotal(1)))
	require.NoError(t, err)

	resp, err := client.Get(context.Background(), "https://acct.example.com:443/dbs/orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	last, ok := mt.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "acct-westus.example.com:443", last.URL.Host)
	assert.Equal(t, "/dbs/orders", last.URL.Path)
	assert.Equal(t, 2, mt.RequestCount())
}

// resolverFunc defers to a resolver built after the client.
type resolverFunc func() pipeline.EndpointResolver

func (f resolverFunc) RefreshEndpoints(ctx context.Context) error {
	return f().RefreshEndpoints(ctx)
}

func (f resolverFunc) ResolveEndpoint(ctx context.Context, kind pipeline.OperationKind) (*url.URL, error) {
	return f().ResolveEndpoint(ctx, kind)
}

func (f resolverFunc) MarkEndpointUnavailable(u *url.URL, kind pipeline.OperationKind) {
	f().MarkEndpointUnavailable(u, kind)
}
