package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chama/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemHandler_Health(t *testing.T) {
	h := NewSystemHandler("reconciler", nil, logger.NewNop())
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemHandler_Ready(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	h := NewSystemHandler("reconciler", map[string]HealthCheck{"database": up, "redis": up}, logger.NewNop())
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewSystemHandler("reconciler", map[string]HealthCheck{"database": up, "redis": down}, logger.NewNop())
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	decode(t, rec, &body)
	require.Len(t, body.Dependencies, 2)
	assert.Equal(t, "database", body.Dependencies[0].Name)
	assert.Equal(t, "outage", body.Dependencies[1].Status)
	assert.Equal(t, "not ready", body.Status)
}
