package api_test

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/api"
	"github.com/charlesng35/gpubroker/internal/handlers/testutil"
	"github.com/charlesng35/gpubroker/internal/middleware"
)

func rebuildRouter(env *testutil.Env) (*gin.Engine, error) {
	return api.NewRouter(env.Config, env.Services, middleware.NewMemoryRateStore(), nil)
}

func TestRouterPublicAndProtectedRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NotEmpty(t, resp.Header().Get("X-Request-ID"))

	for _, path := range []string{"/health/live", "/health/ready", "/api/health"} {
		resp = env.Request(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, resp.Code, path)
	}

	for _, path := range []string{"/api/sessions", "/api/tunnels", "/api/hosts", "/api/orgs", "/api/audit"} {
		resp = env.Request(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusUnauthorized, resp.Code, path)
	}

	resp = env.Request(http.MethodGet, "/api/sessions", nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = env.Request(http.MethodGet, "/api/unknown", nil, "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	body := testutil.DecodeResponse(t, resp)
	require.Equal(t, "NOT_FOUND", body.Error.Code)

	resp = env.Request(http.MethodPut, "/api/sessions", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
	body = testutil.DecodeResponse(t, resp)
	require.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.Request(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Header().Get("Content-Type"), "text/plain")
}

func TestMonitoringSummaryRequiresAdmin(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodGet, "/api/monitoring/summary", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/monitoring/summary", nil, env.Token("alice", "user"))
	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/monitoring/summary", nil, env.Token("root", "admin"))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Contains(t, resp.Body.String(), `"peers"`)
	require.Contains(t, resp.Body.String(), `"readiness"`)
}

func TestSessionCreationIsRateLimited(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Config.Server.RateLimit.Requests = 2
	router, err := rebuildRouter(env)
	require.NoError(t, err)
	env.Router = router

	token := env.Token("alice", "user")
	for i := 0; i < 2; i++ {
		resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{}, token)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	}
	resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{}, token)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.NotEmpty(t, resp.Header().Get("Retry-After"))

	// Other users keep their own budget.
	resp = env.Request(http.MethodPost, "/api/sessions", map[string]any{}, env.Token("bob", "user"))
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
