package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/handler"
	"github.com/befree-health/scheduling-api/internal/models"
	"github.com/befree-health/scheduling-api/internal/service"
	"github.com/befree-health/scheduling-api/pkg/config"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

type staticTokens map[string]*models.JWTClaims

func (s staticTokens) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, appErrors.ErrUnauthorized
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"}
	tokens := staticTokens{
		"patient": {UserID: "pat-1", Role: models.RolePatient},
		"doctor":  {UserID: "doc-1", Role: models.RolePsychologist},
	}
	h := routeHandlers{
		schedules: handler.NewScheduleHandler(nil),
		sessions:  handler.NewSessionHandler(nil),
		metrics:   handler.NewMetricsHandler(nil, nil),
	}
	return newRouter(cfg, zap.NewNop(), service.NewMetricsService(), tokens, h)
}

func TestRouterRegistersBookingRoutes(t *testing.T) {
	r := testRouter(t)

	registered := map[string]bool{}
	for _, route := range r.Routes() {
		registered[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"POST /api/v1/schedules",
		"GET /api/v1/schedules",
		"GET /api/v1/schedules/available-times/:doctorId",
		"POST /api/v1/sessions/:doctorId",
		"GET /api/v1/sessions/:sessionId",
		"PATCH /api/v1/sessions/:sessionId/cancel",
		"PATCH /api/v1/sessions/:sessionId/complete",
		"PATCH /api/v1/sessions/patient/session/:sessionId",
		"GET /api/v1/sessions/doctor/all",
		"GET /api/v1/sessions/doctor/upcoming",
		"GET /api/v1/sessions/patient/all",
		"GET /api/v1/sessions/:sessionId/completed",
		"GET /health",
		"GET /ready",
		"GET /metrics",
	} {
		assert.True(t, registered[want], want)
	}
	assert.False(t, registered["GET /api/v1/ws"], "realtime disabled")
	assert.False(t, registered["GET /docs/*any"], "docs hidden in production")
}

func TestRouterRoleGates(t *testing.T) {
	r := testRouter(t)

	cases := []struct {
		method string
		path   string
		token  string
		want   int
	}{
		{http.MethodGet, "/api/v1/sessions/doctor/all", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/sessions/doctor/all", "patient", http.StatusForbidden},
		{http.MethodGet, "/api/v1/sessions/patient/all", "doctor", http.StatusForbidden},
		{http.MethodPost, "/api/v1/schedules", "patient", http.StatusForbidden},
		{http.MethodPost, "/api/v1/sessions/doc-1", "doctor", http.StatusForbidden},
		{http.MethodPatch, "/api/v1/sessions/s-1/cancel", "doctor", http.StatusForbidden},
		{http.MethodPatch, "/api/v1/sessions/patient/session/s-1", "doctor", http.StatusForbidden},
		{http.MethodGet, "/health", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "%s %s as %q", tc.method, tc.path, tc.token)
	}
}
