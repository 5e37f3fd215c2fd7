package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/befree-health/scheduling-api/internal/service"
)

func TestMetricsHandlerReady(t *testing.T) {
	handler := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"postgres": func(ctx context.Context) error { return nil },
	})
	c, w := newTestContext(http.MethodGet, "/ready", "", nil)
	handler.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)

	handler.checks["redis"] = func(ctx context.Context) error { return errors.New("connection refused") }
	c, w = newTestContext(http.MethodGet, "/ready", "", nil)
	handler.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestMetricsHandlerPrometheus(t *testing.T) {
	c, w := newTestContext(http.MethodGet, "/metrics", "", nil)
	NewMetricsHandler(nil, nil).Prometheus(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	metrics := service.NewMetricsService()
	metrics.RecordSlotConflict()
	c, w = newTestContext(http.MethodGet, "/metrics", "", nil)
	NewMetricsHandler(metrics, nil).Prometheus(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "slot_claim_conflicts_total")
}
