package api_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfit-tools/fitcloud-cli/api"
	"github.com/openfit-tools/fitcloud-cli/credentials"
)

func freshSession(access string) *credentials.Session {
	return &credentials.Session{
		OAuth1: &credentials.OAuth1Token{Token: "o1", Secret: "s1", Domain: "fitcloud.com"},
		OAuth2: &credentials.OAuth2Token{AccessToken: access, ExpiresAt: time.Now().Unix() + 3600},
		Domain: "fitcloud.com",
	}
}

func newTestClient(t *testing.T, serverURL string, refreshFn api.RefreshFunc, options ...api.ClientOption) *api.Client {
	t.Helper()
	options = append([]api.ClientOption{
		api.WithBaseURL(serverURL),
		api.WithSleepFunc(func(time.Duration) {}),
	}, options...)
	return api.NewClient(freshSession("access-1"), refreshFn, options...)
}

func TestRequestSuccess(t *testing.T) {
	var auth, accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"displayName": "john"}`))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, nil)
	body, err := client.Request(context.Background(), http.MethodGet, "/userprofile-service/socialProfile", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"displayName": "john"}`, string(body))
	require.Equal(t, "Bearer access-1", auth)
	require.Equal(t, "application/json", accept)
}

func TestRequestNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	body, err := newTestClient(t, server.URL, nil).Request(context.Background(), http.MethodDelete, "/workout-service/workout/1", nil)
	require.NoError(t, err)
	require.NotNil(t, body)
	require.Empty(t, body)
}

func TestRequestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	var refreshes atomic.Int32
	refreshFn := func(context.Context) (*credentials.Session, error) {
		refreshes.Add(1)
		return freshSession("access-2"), nil
	}

	client := newTestClient(t, server.URL, refreshFn)
	_, err := client.Request(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, int32(2), calls.Load(), "one retry after the refresh, no more")
	require.Equal(t, "access-2", client.Session().OAuth2.AccessToken)
}

func TestRequestUnauthorizedAfterRefreshIsTerminal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	refreshFn := func(context.Context) (*credentials.Session, error) {
		return freshSession("access-2"), nil
	}

	_, err := newTestClient(t, server.URL, refreshFn).Request(context.Background(), http.MethodGet, "/x", nil)
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.Code)
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestGatewayRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	var delays []time.Duration
	client := api.NewClient(freshSession("access-1"), nil,
		api.WithBaseURL(server.URL),
		api.WithSleepFunc(func(d time.Duration) { delays = append(delays, d) }),
		api.WithRetryPolicy(api.RetryPolicy{GatewayRetries: 2, GatewayDelay: 5 * time.Second}),
	)

	_, err := client.Request(context.Background(), http.MethodGet, "/x", nil)
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	require.Equal(t, int32(3), calls.Load(), "two re-attempts beyond the first")
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestRequestGatewayRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	_, err := newTestClient(t, server.URL, nil).Request(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestConnectRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// Hard-close the first two connections so the client sees a reset,
	// then serve normally.
	var aborted atomic.Int32
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			aborted.Add(1)
			_ = conn.Close()
		}
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
	}()

	var delays []time.Duration
	client := api.NewClient(freshSession("access-1"), nil,
		api.WithBaseURL("http://"+ln.Addr().String()),
		api.WithSleepFunc(func(d time.Duration) { delays = append(delays, d) }),
		api.WithRetryPolicy(api.RetryPolicy{ConnectRetries: 2, ConnectDelay: time.Second}),
	)

	body, err := client.Request(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(body))
	require.Equal(t, int32(2), aborted.Load())
	require.Equal(t, []time.Duration{time.Second, time.Second}, delays)
}

func TestRequestConnectRetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var aborted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			aborted.Add(1)
			_ = conn.Close()
		}
	}()

	client := api.NewClient(freshSession("access-1"), nil,
		api.WithBaseURL("http://"+ln.Addr().String()),
		api.WithSleepFunc(func(time.Duration) {}),
		api.WithRetryPolicy(api.RetryPolicy{ConnectRetries: 2, ConnectDelay: time.Second}),
	)

	_, err = client.Request(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	require.Equal(t, int32(3), aborted.Load(), "two re-attempts beyond the first")
}

func TestRequestTruncatedBodyRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Promise a body and cut the connection partway through.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, buf, err := hj.Hijack()
			require.NoError(t, err)
			_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n{")
			_ = buf.Flush()
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	body, err := newTestClient(t, server.URL, nil).Request(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(body))
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "no such activity"}`))
	}))
	t.Cleanup(server.Close)

	_, err := newTestClient(t, server.URL, nil).Request(context.Background(), http.MethodGet, "/x", nil)
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.Contains(t, statusErr.Snippet, "no such activity")
	require.Equal(t, int32(1), calls.Load())
}

func TestStaleSessionRefreshedBeforeRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-2", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	stale := freshSession("access-1")
	stale.OAuth2.ExpiresAt = time.Now().Unix() - 10

	var refreshes atomic.Int32
	client := api.NewClient(stale, func(context.Context) (*credentials.Session, error) {
		refreshes.Add(1)
		return freshSession("access-2"), nil
	},
		api.WithBaseURL(server.URL),
		api.WithSleepFunc(func(time.Duration) {}),
	)

	_, err := client.Request(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), refreshes.Load())
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	stale := freshSession("access-1")
	stale.OAuth2.ExpiresAt = time.Now().Unix() - 10

	var refreshes atomic.Int32
	release := make(chan struct{})
	client := api.NewClient(stale, func(context.Context) (*credentials.Session, error) {
		refreshes.Add(1)
		<-release
		return freshSession("access-2"), nil
	},
		api.WithBaseURL(server.URL),
		api.WithSleepFunc(func(time.Duration) {}),
	)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Request(context.Background(), http.MethodGet, "/x", nil)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), refreshes.Load(), "concurrent stale observers must share one refresh")
}

func TestGraphQLEnvelope(t *testing.T) {
	var path, body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = w.Write([]byte(`{"data": {}}`))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, nil)
	out, err := client.GraphQL(context.Background(), "query { me }", map[string]any{"limit": 10})
	require.NoError(t, err)
	require.JSONEq(t, `{"data": {}}`, string(out))
	require.Equal(t, "/graphql-gateway/graphql", path)
	require.Contains(t, body, `"query":"query { me }"`)
	require.Contains(t, body, `"limit":10`)
}

func TestDownload(t *testing.T) {
	payload := []byte{0x50, 0x4b, 0x03, 0x04, 0x00}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	out, err := newTestClient(t, server.URL, nil).Download(context.Background(), "/download-service/files/activity/1")
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestNoSessionNoRefreshFunc(t *testing.T) {
	client := api.NewClient(nil, nil, api.WithBaseURL("http://unused"))
	_, err := client.Request(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
}
