package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHealth(t *testing.T, m *HealthManager, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandler(t *testing.T) {
	t.Run("run in progress", func(t *testing.T) {
		m := NewHealthManager("0.3.0")
		m.RegisterChecker("engine", CheckerFunc(func(context.Context) error { return nil }))

		rec := serveHealth(t, m, m.HealthHandler, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "0.3.0", resp.Version)
		assert.Equal(t, map[string]string{"engine": "healthy"}, resp.Checks)
	})

	t.Run("run finished", func(t *testing.T) {
		m := NewHealthManager("0.3.0")
		m.RegisterChecker("engine", CheckerFunc(func(context.Context) error { return errors.New("run finished") }))
		m.RegisterChecker("work_dir", CheckerFunc(func(context.Context) error { return nil }))

		rec := serveHealth(t, m, m.HealthHandler, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp struct {
			Error struct {
				Code    string `json:"code"`
				Details struct {
					Checks map[string]string `json:"checks"`
				} `json:"details"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
		assert.Equal(t, "unhealthy", resp.Error.Details.Checks["engine"])
		assert.Equal(t, "healthy", resp.Error.Details.Checks["work_dir"])
	})

	t.Run("replaced checker", func(t *testing.T) {
		m := NewHealthManager("dev")
		m.RegisterChecker("engine", CheckerFunc(func(context.Context) error { return errors.New("down") }))
		m.RegisterChecker("engine", CheckerFunc(func(context.Context) error { return nil }))

		rec := serveHealth(t, m, m.HealthHandler, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRunChecks_SlowEngineIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("engine", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	checks := m.runChecks(context.Background())
	assert.Equal(t, "timeout", checks["engine"])
	assert.Equal(t, "degraded", m.determineOverallStatus(checks))
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, "healthy"},
		{"all healthy", map[string]string{"engine": "healthy"}, "healthy"},
		{"one timeout", map[string]string{"engine": "timeout", "work_dir": "healthy"}, "degraded"},
		{"unhealthy wins", map[string]string{"engine": "timeout", "work_dir": "unhealthy"}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestLivenessHandler_IgnoresCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("engine", CheckerFunc(func(context.Context) error { return errors.New("down") }))

	rec := serveHealth(t, m, m.LivenessHandler, "/health/live")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Empty(t, resp.Checks)
}
