package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/market-stream/internal/config"
	"github.com/rickgao/market-stream/internal/connection"
)

func loadConfig(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return config.LoadWithDefaults(path)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := loadConfig(t, `
instance:
  id: test
targets:
  - id: a
    url: ws://127.0.0.1:1/a
  - id: b
    url: ws://127.0.0.1:1/b
backoff:
  max_attempts: 1
health:
  interval: -1s
`)
	require.NoError(t, err)
	return cfg
}

func TestManagerConfigMapping(t *testing.T) {
	cfg, err := loadConfig(t, `
targets:
  - url: ws://x
backoff:
  base_delay: 2s
  max_delay: 1m
  max_attempts: 7
breaker:
  failure_threshold: 3
  max_open_wait: 10m
session:
  stability_window: 5s
`)
	require.NoError(t, err)

	mc := managerConfig(cfg)
	assert.Equal(t, 2*time.Second, mc.Backoff.BaseDelay)
	assert.Equal(t, time.Minute, mc.Backoff.MaxDelay)
	assert.Equal(t, 7, mc.Backoff.MaxAttempts)
	assert.Equal(t, 3, mc.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Minute, mc.MaxOpenWait)
	assert.Equal(t, 5*time.Second, mc.StabilityWindow)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.NoError(t, err)

	_, err = newLogger(config.LogConfig{Level: "nope"})
	assert.Error(t, err)
}

func getHealth(t *testing.T, h http.Handler) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealthHandler(t *testing.T) {
	cfg := testConfig(t)

	refused := connection.TransportFunc(func(context.Context, connection.Target) (connection.Channel, error) {
		return nil, errors.New("connection refused")
	})

	var streams []*stream
	for _, tc := range cfg.Targets {
		m := connection.NewManager(managerConfig(cfg), refused)
		t.Cleanup(func() { m.Shutdown(context.Background()) })
		streams = append(streams, &stream{target: targetFrom(tc), manager: m})
	}

	h := newHandler(cfg, streams, prometheus.NewRegistry())

	code, resp := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", resp.Status)
	assert.Len(t, resp.Targets, 2)
	assert.Equal(t, "idle", resp.Targets["a"].State)

	// max_attempts is 1: the first refusal is permanent.
	for _, s := range streams {
		require.NoError(t, s.manager.Start(s.target))
	}
	require.Eventually(t, func() bool {
		for _, s := range streams {
			if s.manager.State() != connection.StateClosed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	code, resp = getHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, 1, resp.Targets["b"].AttemptCount)
	assert.Contains(t, resp.Targets["b"].LastError, "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := newHandler(cfg, nil, reg)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Metrics.Path, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_total 1")
}
