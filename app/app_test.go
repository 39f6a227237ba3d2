package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/Shexroz002/rate-limit/config"
	"github.com/Shexroz002/rate-limit/limiter"
)

type runningApp struct {
	*App
	base   string
	client *http.Client
	cancel context.CancelFunc
	done   chan error
}

func startApp(t *testing.T, environ map[string]string) *runningApp {
	t.Helper()

	environ["HTTP_ADDR"] = "127.0.0.1:0"
	environ["SHUTDOWN_TIMEOUT"] = "5s"
	cfg, err := config.LoadFrom(environ)
	require.NoError(t, err)

	a := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("app exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("app did not become ready")
	}

	r := &runningApp{
		App:    a,
		base:   "http://" + a.HTTPAddr(),
		client: &http.Client{Timeout: 5 * time.Second},
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *runningApp) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Error("app did not stop")
	}
}

func (r *runningApp) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, r.base+path, &buf)
	require.NoError(t, err)
	resp, err := r.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// publishLoginRule stores a 2 per minute rule for POST /api/v1/login and syncs it.
func (r *runningApp) publishLoginRule(t *testing.T) {
	t.Helper()

	resp := r.do(t, http.MethodPost, "/rate-limit/", map[string]any{
		"path":           "/api/v1/login",
		"method":         "POST",
		"algorithm":      "fixed_window",
		"limit":          2,
		"window_seconds": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// the startup sync may still hold the guard
	require.Eventually(t, func() bool {
		return r.do(t, http.MethodPost, "/rate-limit/sync", nil).StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	// notices are delivered asynchronously
	require.Eventually(t, func() bool {
		return r.resolver.Resolve(context.Background(), "/api/v1/login", http.MethodPost).Limit == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func (r *runningApp) assertLoginLimited(t *testing.T) {
	t.Helper()

	for range 2 {
		assert.Equal(t, http.StatusOK, r.do(t, http.MethodPost, "/api/v1/login", nil).StatusCode)
	}
	resp := r.do(t, http.MethodPost, "/api/v1/login", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRunMemoryBackend(t *testing.T) {
	r := startApp(t, map[string]string{"STORE_BACKEND": "memory"})

	resp := r.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, r.GRPCAddr())

	r.publishLoginRule(t)
	r.assertLoginLimited(t)

	resp = r.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics bytes.Buffer
	_, err := metrics.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(metrics.String(), `ratelimit_decisions_total{algorithm="fixed_window",outcome="rejected"} 1`))
	assert.True(t, strings.Contains(metrics.String(), "ratelimit_policy_sync_total"))
}

func TestRunRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	r := startApp(t, map[string]string{
		"STORE_BACKEND": "redis",
		"REDIS_URL":     "redis://" + mr.Addr() + "/0",
		"GRPC_ADDR":     "127.0.0.1:0",
	})

	assert.Equal(t, http.StatusOK, r.do(t, http.MethodGet, "/health", nil).StatusCode)

	r.publishLoginRule(t)
	assert.True(t, mr.Exists("rate_limit_rules_v1"))
	r.assertLoginLimited(t)

	conn, err := grpc.NewClient(r.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// a store outage admits every request
	mr.Close()
	for range 3 {
		assert.Equal(t, http.StatusOK, r.do(t, http.MethodPost, "/api/v1/login", nil).StatusCode)
	}
	_, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	assert.NotEqual(t, codes.ResourceExhausted, status.Code(err))

	health := r.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, health.StatusCode)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	assert.Contains(t, body.Checks["store"], "redis healthcheck failed")
	assert.Equal(t, "ok", body.Checks["repository"])
}

func TestSnapshotNoticeRefreshesCachedPolicies(t *testing.T) {
	tests := []struct {
		name    string
		environ func(t *testing.T) map[string]string
	}{
		{"memory", func(*testing.T) map[string]string {
			return map[string]string{"STORE_BACKEND": "memory"}
		}},
		{"redis", func(t *testing.T) map[string]string {
			mr := miniredis.RunT(t)
			return map[string]string{"STORE_BACKEND": "redis", "REDIS_URL": "redis://" + mr.Addr() + "/0"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := tt.environ(t)
			environ["SNAPSHOT_CACHE_TTL"] = "1h"
			r := startApp(t, environ)
			ctx := context.Background()

			// cache the snapshot published by the startup sync
			require.Eventually(t, func() bool {
				_, err := r.store.GetBlob(ctx, r.cfg.SnapshotKey)
				return err == nil
			}, 5*time.Second, 20*time.Millisecond)
			require.NoError(t, r.resolver.Refresh(ctx))
			stale := r.resolver.Current(ctx)
			assert.Equal(t, limiter.DefaultPolicy, r.resolver.Resolve(ctx, "/api/v1/login", http.MethodPost))

			r.publishLoginRule(t)
			assert.NotEqual(t, stale.Digest, r.resolver.Current(ctx).Digest)
			r.assertLoginLimited(t)
		})
	}
}

func TestRunFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.LoadFrom(map[string]string{
		"HTTP_ADDR":             "127.0.0.1:0",
		"REDIS_URL":             "redis://" + addr,
		"REDIS_CONNECT_RETRIES": "1",
	})
	require.NoError(t, err)

	err = New(cfg).Run(context.Background())
	assert.Error(t, err)
}
