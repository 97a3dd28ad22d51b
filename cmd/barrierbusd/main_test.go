package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/internal/infra/config"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, filepath.Join("etc", "bus.yaml"), resolveConfigPath("etc//bus.yaml"))
}

func newTestDaemon(t *testing.T) (*daemon, string) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "app.yaml")
	cfg := config.DefaultAppConfig()
	cfg.APIServer.Addr = "127.0.0.1:0"

	d, err := newDaemon(context.Background(), cfgPath, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, d.bus)
	require.NotNil(t, d.hub)
	require.Nil(t, d.pool)
	return d, cfgPath
}

func serve(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDaemonServesControlAPI(t *testing.T) {
	d, cfgPath := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.bus.Start(ctx))
	defer d.shutdown(ctx, nil)

	handler := d.server.Handler

	rec := serve(t, handler, http.MethodPost, "/events", `{"type":"chat/message","data":{"userId":"u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(t, handler, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "barrierbus_events_published_total")

	rec = serve(t, handler, http.MethodPut, "/behaviors", `{"rules":[{"pattern":"tool/+","mode":"PASSIVE"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved, err := config.Load(ctx, cfgPath)
	require.NoError(t, err)
	require.Len(t, saved.Behaviors.Rules, 1)
	require.Equal(t, "tool/+", saved.Behaviors.Rules[0].Pattern)
}

func TestDaemonShutdownStopsBus(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.bus.Start(ctx))

	d.shutdown(ctx, nil)
	require.False(t, d.bus.Running())
	require.Zero(t, d.hub.Clients())

	rec := serve(t, d.server.Handler, http.MethodPost, "/events", `{"type":"chat/message"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewDaemonRejectsMissingBehaviorFile(t *testing.T) {
	cfg := config.DefaultAppConfig()
	cfg.Behaviors.File = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := newDaemon(context.Background(), filepath.Join(t.TempDir(), "app.yaml"), cfg, zerolog.Nop())
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDaemonUsesEmbeddedDecisionLog(t *testing.T) {
	cfg := config.DefaultAppConfig()
	cfg.DecisionLog.Enabled = true

	d, err := newDaemon(context.Background(), filepath.Join(t.TempDir(), "app.yaml"), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, d.decisionLog)
	require.NotNil(t, d.recorder)
	require.Equal(t, "closed", d.recorder.State())

	rec := serve(t, d.server.Handler, http.MethodGet, "/barriers/decisions", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	d.shutdown(context.Background(), nil)
	require.Nil(t, d.decisionLog)
}
