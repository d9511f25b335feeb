package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryConfig())
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/documents"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Do_RetriesOnTransientStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 1})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestClient_Do_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err) // last attempt's response is returned, not an error, since 502 isn't 401
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestClient_Do_RefreshesOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryConfig())
	c.SetToken("stale-token")
	c.OnRefresh(func(ctx context.Context) (string, bool) {
		return "new-token", true
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_Do_ForcedLogoutWhenRefreshUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryConfig())
	c.SetToken("stale-token")

	var loggedOutReason string
	c.OnForcedLogout(func(reason string) { loggedOutReason = reason })

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.NotEmpty(t, loggedOutReason)
	assert.False(t, c.IsAuthenticated())
}

func TestClient_tryAuthRefresh_NonBlockingOnReentry(t *testing.T) {
	c := New("http://example.invalid", nil, DefaultRetryConfig())
	c.OnRefresh(func(ctx context.Context) (string, bool) {
		return "token", true
	})

	// simulate a refresh already in flight by holding the gate ourselves
	c.refreshGate <- struct{}{}
	defer func() { <-c.refreshGate }()

	ok := c.tryAuthRefresh(context.Background(), "re-entrant 401")
	assert.False(t, ok, "a concurrent refresh holder should make this call give up immediately")
}
