package pipeline

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingBody struct {
	io.Reader
	closed int
}

func (b *trackingBody) Close() error {
	b.closed++
	return nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func streamResponse(body io.ReadCloser) *Response {
	raw := &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: http.Header{}, ContentLength: -1}
	return newStreamResponse(nil, raw, body)
}

func TestNewResponse(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		wantStatus  string
		wantSuccess bool
		wantError   bool
	}{
		{name: "given 200, then success", code: http.StatusOK, wantStatus: "200 OK", wantSuccess: true},
		{name: "given 404, then error", code: http.StatusNotFound, wantStatus: "404 Not Found", wantError: true},
		{name: "given 503, then error", code: http.StatusServiceUnavailable, wantStatus: "503 Service Unavailable", wantError: true},
		{name: "given unknown code, then bare number", code: 299, wantStatus: "299", wantSuccess: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewResponse(nil, tt.code, nil, []byte("payload"))

			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantSuccess, resp.IsSuccess())
			assert.Equal(t, tt.wantError, resp.IsError())
			assert.NotNil(t, resp.Header)
			assert.EqualValues(t, 7, resp.ContentLength)

			body, err := resp.Body()
			require.NoError(t, err)
			assert.Equal(t, "payload", string(body))
			assert.NoError(t, resp.Close())
		})
	}
}

func TestResponse_StreamBody(t *testing.T) {
	t.Run("given stream, when Body is called twice, then reads once and caches", func(t *testing.T) {
		raw := &trackingBody{Reader: strings.NewReader("chunked")}
		resp := streamResponse(raw)

		b, err := resp.Body()
		require.NoError(t, err)
		assert.Equal(t, "chunked", string(b))
		assert.Equal(t, 1, raw.closed)

		b, err = resp.Body()
		require.NoError(t, err)
		assert.Equal(t, "chunked", string(b))
		assert.Equal(t, 1, raw.closed)
	})

	t.Run("given stream, when taken, then caller owns the live body", func(t *testing.T) {
		raw := &trackingBody{Reader: strings.NewReader("live")}
		resp := streamResponse(raw)

		s := resp.Stream()
		b, err := io.ReadAll(s)
		require.NoError(t, err)
		assert.Equal(t, "live", string(b))
		require.NoError(t, s.Close())
		assert.Equal(t, 1, raw.closed)

		assert.NoError(t, resp.Close())
		assert.Equal(t, 1, raw.closed)
	})

	t.Run("given unread stream, when closed, then drains and closes it", func(t *testing.T) {
		raw := &trackingBody{Reader: strings.NewReader("unread")}
		resp := streamResponse(raw)

		require.NoError(t, resp.Close())
		assert.Equal(t, 1, raw.closed)

		b, err := resp.Body()
		require.NoError(t, err)
		assert.Empty(t, b)
	})

	t.Run("given broken stream, then Body returns a read error", func(t *testing.T) {
		raw := &trackingBody{Reader: failingReader{}}
		resp := streamResponse(raw)

		_, err := resp.Body()
		require.Error(t, err)
		assert.Equal(t, KindRead, KindOf(err))
		assert.Equal(t, 1, raw.closed)
	})
}

func TestResponse_JSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind ErrorKind
		wantErr  bool
	}{
		{name: "given valid payload, then decodes", body: `{"id":"a1","count":3}`},
		{name: "given malformed payload, then decode error", body: `{"id":`, wantErr: true, wantKind: KindDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewResponse(nil, http.StatusOK, nil, []byte(tt.body))

			var out struct {
				ID    string `json:"id"`
				Count int    `json:"count"`
			}
			err := resp.JSON(&out)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))

				var pe *Error
				require.ErrorAs(t, err, &pe)
				assert.Same(t, resp, pe.Response)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a1", out.ID)
			assert.Equal(t, 3, out.Count)
		})
	}
}
