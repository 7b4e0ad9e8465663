package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingPolicy(t *testing.T) {
	tests := []struct {
		name         string
		level        zerolog.Level
		setup        func(*MockTransport)
		wantContains []string
		wantMissing  []string
		wantEmpty    bool
	}{
		{
			name:  "given debug level and success, then logs request and response",
			level: zerolog.DebugLevel,
			setup: func(m *MockTransport) {
				m.StubResponse(http.StatusOK, "ok")
			},
			wantContains: []string{
				`"message":"HTTP request"`,
				`"message":"HTTP response"`,
				`"method":"GET"`,
				`"status":200`,
				`"attempt":1`,
			},
		},
		{
			name:  "given credentials in headers, then they are redacted",
			level: zerolog.DebugLevel,
			setup: func(m *MockTransport) {
				m.StubResponse(http.StatusOK, "")
			},
			wantContains: []string{`"Authorization":"REDACTED"`, `"X-Api-Key":"REDACTED"`, `"Accept":"application/json"`},
			wantMissing:  []string{"super-secret", "key-123"},
		},
		{
			name:  "given warn level and failure, then logs only the failure",
			level: zerolog.WarnLevel,
			setup: func(m *MockTransport) {
				m.StubError(NewConnectionError(errors.New("refused")))
			},
			wantContains: []string{`"message":"HTTP attempt failed"`, `"error.kind":"connection"`},
			wantMissing:  []string{`"message":"HTTP request"`},
		},
		{
			name:  "given error level, then logs nothing",
			level: zerolog.ErrorLevel,
			setup: func(m *MockTransport) {
				m.StubError(NewConnectionError(errors.New("refused")))
			},
			wantEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(tt.level)

			mt := NewMockTransport()
			tt.setup(mt)
			p := NewPipeline(mt, NewLoggingPolicy(logger))

			req, err := NewRequest(context.Background(), http.MethodGet, "https://api.example.com/items", nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer super-secret")
			req.Header.Set("X-Api-Key", "key-123")
			req.Header.Set("Accept", "application/json")

			_, _ = p.Run(req)

			out := buf.String()
			if tt.wantEmpty {
				assert.Empty(t, out)
				return
			}
			for _, want := range tt.wantContains {
				assert.Contains(t, out, want)
			}
			for _, miss := range tt.wantMissing {
				assert.NotContains(t, out, miss)
			}
		})
	}
}

func TestIsSensitiveHeader(t *testing.T) {
	assert.True(t, isSensitiveHeader("authorization"))
	assert.True(t, isSensitiveHeader("Set-Cookie"))
	assert.True(t, isSensitiveHeader("x-api-key"))
	assert.False(t, isSensitiveHeader("Content-Type"))
}
