package httpcap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/domain"
)

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RateLimit = 0
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func TestExecuteDecodesOutput(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stages/video", r.URL.Path)
		assert.Equal(t, "run-1/Video/2", r.Header.Get("Idempotency-Key"))
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Attempt)
		assert.JSONEq(t, `{"stage":"Video","data":{}}`, string(req.Input))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"stage":"Video","data":{"clips":[]}},"media":[{"name":"clip.mp4","kind":"video","content_type":"video/mp4","data":"aGVsbG8="}]}`))
	})

	out, err := c.Execute(context.Background(), capability.Input{
		RunID:   "run-1",
		Stage:   domain.StageVideo,
		Attempt: 2,
		Payload: json.RawMessage(`{"stage":"Video","data":{}}`),
	})
	require.NoError(t, err)
	require.Len(t, out.Media, 1)
	assert.Equal(t, []byte("hello"), out.Media[0].Data)
	assert.Equal(t, domain.ArtifactVideo, out.Media[0].Kind)
}

func TestExecuteClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, capability.ErrTransient},
		{http.StatusBadGateway, capability.ErrTransient},
		{http.StatusServiceUnavailable, capability.ErrTransient},
		{http.StatusBadRequest, capability.ErrValidation},
		{http.StatusUnprocessableEntity, capability.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorContains(t, err, "nope")
		})
	}
}

func TestExecuteMalformedBodyIsValidation(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>upstream proxy error</html>`))
	})
	_, err := c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
	assert.ErrorIs(t, err, capability.ErrValidation)
	assert.NotErrorIs(t, err, capability.ErrTransient)
}

func TestExecuteTruncatedBodyIsTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "512")
		_, _ = w.Write([]byte(`{"payload":{"stage":"Assets",`))
	})
	_, err := c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
	assert.ErrorIs(t, err, capability.ErrTransient)
}

func TestExecuteNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
	assert.ErrorIs(t, err, capability.ErrTransient)
}

func TestStaticTokenIsSent(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"payload":{}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Token = "secret"
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", seen.Load())
}

func TestClientCredentialsFetchesToken(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"minted","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"payload":{}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.OAuth = OAuthConfig{TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Execute(context.Background(), capability.Input{RunID: "r", Stage: domain.StageAssets, Attempt: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, "Bearer minted", seen.Load())
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.Endpoint = "http://backend"
	assert.NoError(t, cfg.Validate())

	cfg.OAuth.TokenURL = "http://idp/token"
	assert.Error(t, cfg.Validate())
}
