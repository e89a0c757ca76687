package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/app"
	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *testCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *testCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *testCache) Ping(_ context.Context) error                                      { return c.pingErr }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func testApp(t *testing.T, c *testCache) *app.App {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{RequestsPerMinute: 60},
		Jobs:   config.JobsConfig{Concurrency: 1},
	}
	a, err := app.New(cfg, store.NewMemoryStore(), spacer.NewLocalQueue(spacer.NewProcessor()), c)
	require.NoError(t, err)
	return a
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHealth_AllOK(t *testing.T) {
	router := newRouter(testApp(t, &testCache{}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealth_CacheDegraded(t *testing.T) {
	router := newRouter(testApp(t, &testCache{pingErr: errors.New("connection refused")}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["cache"])
	assert.Equal(t, "ok", details["database"])
}

func TestRouter_PublicAndProtected(t *testing.T) {
	router := newRouter(testApp(t, &testCache{}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnvFile(t *testing.T) {
	t.Setenv("VB_ENV_FILE", "")
	assert.Equal(t, ".env", envFile())
	t.Setenv("VB_ENV_FILE", "/etc/visionbackend.env")
	assert.Equal(t, "/etc/visionbackend.env", envFile())
}
