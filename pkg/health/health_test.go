package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error { return errors.New(msg) }
}

func drive(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	return rec
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())
	h.AddLivenessCheck("db", time.Second, failingCheck("connection refused"))

	rec := serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, rec.Code, "checks start healthy")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	drive(h.liveness[1], 2)
	assert.Equal(t, http.StatusOK, serve(h.LiveEndpoint).Code, "below threshold")

	drive(h.liveness[1], 1)
	rec = serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"db":"connection refused"}}`, rec.Body.String())
}

func TestReadyEndpoint_ManualFlag(t *testing.T) {
	h := New()
	h.AddReadinessCheck("worker", time.Second, passingCheck())

	rec := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"_readiness":"service is not ready"}}`, rec.Body.String())
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint_NonCriticalDegrades(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("upstream", time.Second, failingCheck("unreachable"), NonCritical(), WithThresholds(1, 1))

	drive(h.readiness[0], 1)
	rec := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"upstream":"unreachable"}}`, rec.Body.String())
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint_CriticalWins(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("upstream", time.Second, failingCheck("unreachable"), NonCritical(), WithThresholds(1, 1))
	h.AddReadinessCheck("storage", time.Second, failingCheck("ping failed"), WithThresholds(1, 1))

	drive(h.readiness[0], 1)
	drive(h.readiness[1], 1)
	rec := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"storage":"ping failed","upstream":"unreachable"}}`, rec.Body.String())
	assert.False(t, h.IsReady())
}

func TestCheck_Recovery(t *testing.T) {
	fail := true
	c := newCheck("flaky", time.Second, func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}, []CheckOption{WithThresholds(2, 2)})

	assert.False(t, c.run(context.Background()))
	assert.True(t, c.run(context.Background()), "flips after two failures")
	assert.False(t, c.healthy.Load())

	fail = false
	assert.False(t, c.run(context.Background()))
	assert.True(t, c.run(context.Background()), "flips back after two successes")
	assert.True(t, c.healthy.Load())
}

func TestCheck_Timeout(t *testing.T) {
	c := newCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, []CheckOption{WithThresholds(1, 1)})

	c.run(context.Background())
	assert.False(t, c.healthy.Load())
	require.ErrorIs(t, c.lastError(), context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("db", time.Second, failingCheck("down"), WithThresholds(1, 1))

	h.Start(context.Background(), 5*time.Millisecond)
	defer h.Stop()

	require.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, GoroutineCountCheck(1_000_000)(ctx))
	require.Error(t, GoroutineCountCheck(0)(ctx))

	active := false
	check := ConditionCheck(func() bool { return active }, "no active worker")
	require.EqualError(t, check(ctx), "no active worker")
	active = true
	require.NoError(t, check(ctx))

	var status atomic.Int64
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	require.NoError(t, HTTPCheck(srv.Client(), srv.URL)(ctx))
	status.Store(http.StatusNotFound)
	require.NoError(t, HTTPCheck(srv.Client(), srv.URL)(ctx), "any answer below 500 means up")
	status.Store(http.StatusBadGateway)
	require.Error(t, HTTPCheck(srv.Client(), srv.URL)(ctx))

	srv.Close()
	require.Error(t, HTTPCheck(srv.Client(), srv.URL)(ctx))
}
