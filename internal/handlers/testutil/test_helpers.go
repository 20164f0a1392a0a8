package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/api"
	"github.com/charlesng35/gpubroker/internal/app"
	iauth "github.com/charlesng35/gpubroker/internal/auth"
	sharedtestutil "github.com/charlesng35/gpubroker/internal/database/testutil"
	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// Gateway credentials registered by NewEnv.
const (
	GatewayID    = "gw-test"
	GatewayToken = "gateway-test-token"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	Config   *app.Config
	Services *api.Services
}

// NewEnv provisions a fresh handler test environment with migrations applied
// and a single relay gateway.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	cfg := &app.Config{
		Server: app.ServerConfig{
			RateLimit: app.RateLimitConfig{Requests: 100, Window: time.Minute},
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: "test-suite-super-secret-key-32-bytes!!",
				Issuer: "test-suite",
				TTL:    time.Hour,
			},
		},
		Broker: app.BrokerSettings{
			EstablishmentTimeout: 2 * time.Second,
			OverallTimeout:       4 * time.Second,
			DirectWindow:         time.Second,
		},
		Pool: app.PoolConfig{CIDR: "100.64.0.0/22", BlockSize: 256},
		Tunnels: app.TunnelSettings{
			SigningSecret: "tunnel-signing-secret-for-tests-only",
			Issuer:        "test-suite",
		},
		Gateways: []app.GatewayConfig{{
			ID:        GatewayID,
			Endpoint:  "relay.example.net:51820",
			PublicKey: Key(9),
			Token:     GatewayToken,
		}},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	svc, err := api.BuildServices(context.Background(), cfg, db)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Broker.Shutdown(ctx)
	})

	mon, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)

	router, err := api.NewRouter(cfg, svc, middleware.NewMemoryRateStore(), mon)
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Router:   router,
		Config:   cfg,
		Services: svc,
	}
}

// Key returns a deterministic WireGuard public key for tests.
func Key(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

// Token issues an access token for userID with the given role.
func (e *Env) Token(userID, role string) string {
	e.T.Helper()

	token, err := e.Services.JWT.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:   userID,
		Username: userID,
		Role:     role,
	})
	require.NoError(e.T, err)
	return token
}

// CreateOrg creates an organisation owned by ownerID.
func (e *Env) CreateOrg(ownerID string) *models.Organization {
	e.T.Helper()

	org, err := e.Services.Orgs.Create(context.Background(), services.CreateOrganizationInput{
		Name:    "org-" + uuid.NewString()[:8],
		OwnerID: ownerID,
	})
	require.NoError(e.T, err)
	return org
}

// RegisterHost registers a host in orgID and, when online is set, marks it ONLINE with a heartbeat.
func (e *Env) RegisterHost(orgID string, online bool) *services.HostRegistration {
	e.T.Helper()

	ctx := context.Background()
	reg, err := e.Services.Hosts.Register(ctx, orgID, services.RegisterHostInput{Name: "gpu-" + uuid.NewString()[:8]})
	require.NoError(e.T, err)
	if online {
		require.NoError(e.T, e.Services.Hosts.Heartbeat(ctx, reg.Host.ID, 0.1))
	}
	return reg
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.RequestWithHeaders(method, path, body, token, nil)
}

// RequestWithHeaders is Request with additional headers, used for agent and gateway credentials.
func (e *Env) RequestWithHeaders(method, path string, body any, token string, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
