package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/handlers/testutil"
	"github.com/charlesng35/gpubroker/internal/models"
)

func TestSessionCreateRequiresAuthentication(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{"host_id": "x"}, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code, resp.Body.String())
	require.Equal(t, "Bearer", resp.Header().Get("WWW-Authenticate"))
}

func TestSessionCreateValidatesPayload(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Token("alice", "user")

	resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{
		"host_id":           "host-1",
		"client_public_key": "not-a-key",
	}, token)
	require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())

	body := testutil.DecodeResponse(t, resp)
	require.False(t, body.Success)
	require.Equal(t, "BAD_REQUEST", body.Error.Code)
	require.Contains(t, body.Error.Message, "client public key must be a base64 encoded WireGuard public key")
}

func TestSessionCreateRejectsOfflineHostAndStrangers(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateOrg("alice")
	offline := env.RegisterHost(org.ID, false)

	resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{
		"host_id":           offline.Host.ID,
		"client_public_key": testutil.Key(1),
	}, env.Token("alice", "user"))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code, resp.Body.String())
	body := testutil.DecodeResponse(t, resp)
	require.Equal(t, "host_offline", body.Error.Reason)

	online := env.RegisterHost(org.ID, true)
	resp = env.Request(http.MethodPost, "/api/sessions", map[string]any{
		"host_id":           online.Host.ID,
		"client_public_key": testutil.Key(1),
	}, env.Token("mallory", "user"))
	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodPost, "/api/sessions", map[string]any{
		"host_id":           "missing",
		"client_public_key": testutil.Key(1),
	}, env.Token("alice", "user"))
	require.Equal(t, http.StatusNotFound, resp.Code, resp.Body.String())
}

func TestSessionWaitReportsUnreachableAgent(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateOrg("alice")
	host := env.RegisterHost(org.ID, true)
	alice := env.Token("alice", "user")

	// The host is ONLINE by heartbeat but has no signaling socket, so the offer cannot be delivered.
	resp := env.Request(http.MethodPost, "/api/sessions?wait=true", map[string]any{
		"host_id":           host.Host.ID,
		"client_public_key": testutil.Key(1),
	}, alice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var session models.Session
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &session)
	require.Equal(t, models.SessionFailed, session.Status)
	require.NotNil(t, session.TerminationReason)
	require.Equal(t, "host_offline", *session.TerminationReason)
	require.Equal(t, testutil.GatewayID, session.GatewayID)

	resp = env.Request(http.MethodGet, "/api/sessions/"+session.ID, nil, alice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/sessions/"+session.ID, nil, env.Token("bob", "user"))
	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/sessions/"+session.ID, nil, env.Token("root", "admin"))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/sessions?status=failed", nil, alice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	list := testutil.DecodeResponse(t, resp)
	var sessions []models.Session
	testutil.DecodeInto(t, list.Data, &sessions)
	require.Len(t, sessions, 1)
	require.NotNil(t, list.Meta)
	require.Equal(t, 1, list.Meta.Total)
	require.Equal(t, 1, list.Meta.TotalPages)

	// A session that already failed cannot be terminated again.
	resp = env.Request(http.MethodDelete, "/api/sessions/"+session.ID, nil, alice)
	require.Equal(t, http.StatusConflict, resp.Code, resp.Body.String())
	require.Equal(t, "invalid_state", testutil.DecodeResponse(t, resp).Error.Reason)
}

func TestSessionGetUnknown(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodGet, "/api/sessions/does-not-exist", nil, env.Token("alice", "user"))
	require.Equal(t, http.StatusNotFound, resp.Code, resp.Body.String())
}
