package metrics

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

func TestHealthAllProbesPass(t *testing.T) {
	h := NewHealth("0.1.0")
	h.Register("database", func(ctx context.Context) error { return nil })
	h.Register("bus", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "healthy", view.Status)
	assert.Equal(t, "0.1.0", view.Version)
	assert.Equal(t, "healthy", view.Components["database"])
	assert.Equal(t, "healthy", view.Components["bus"])
}

func TestHealthFailingProbeTurns503(t *testing.T) {
	h := NewHealth("0.1.0")
	h.Register("database", func(ctx context.Context) error { return nil })
	h.Register("bus", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var view struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "unhealthy", view.Status)
	assert.Equal(t, "unhealthy: connection refused", view.Components["bus"])
	assert.Equal(t, "healthy", view.Components["database"])
}

func TestHealthProbeReplacement(t *testing.T) {
	h := NewHealth("")
	h.Register("database", func(ctx context.Context) error {
		return errors.New("down")
	})
	h.Register("database", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
