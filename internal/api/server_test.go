package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
	"github.com/JakeFAU/forum-case-harvester/internal/runner"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeRuns struct {
	stats runner.Stats
	ok    bool
}

func (f fakeRuns) LastRun() (runner.Stats, bool) { return f.stats, f.ok }

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakePinger{}, nil, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, NewServer(fakePinger{err: errors.New("connection refused")}, nil, nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = serve(t, NewServer(nil, nil, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code, "no store means nothing to wait for")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.ObserveRun(string(store.RunCompleted))
	rec := serve(t, NewServer(nil, nil, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "harvester_runs_total")
}

func TestLastRun(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, fakeRuns{}, nil), "/v1/runs/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, NewServer(nil, nil, nil), "/v1/runs/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runs := fakeRuns{ok: true, stats: runner.Stats{
		RunID:        "run-1",
		Status:       store.RunFailed,
		Counters:     store.RunCounters{ThreadsFound: 2, ThreadsFailed: 1},
		ThreadErrors: map[string]string{"8123": "thread aborted"},
		Duration:     1500 * time.Millisecond,
	}}
	rec = serve(t, NewServer(nil, runs, nil), "/v1/runs/last")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		RunID        string            `json:"run_id"`
		Status       string            `json:"status"`
		Counters     store.RunCounters `json:"counters"`
		ThreadErrors map[string]string `json:"thread_errors"`
		DurationMs   int64             `json:"duration_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, 2, got.Counters.ThreadsFound)
	assert.Equal(t, "thread aborted", got.ThreadErrors["8123"])
	assert.Equal(t, int64(1500), got.DurationMs)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	rec := serve(t, s, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(nil, nil, nil).ListenAndServe(ctx, port) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.client.Close())
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	h := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "timed out"))
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}
