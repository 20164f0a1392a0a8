package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/handlers/testutil"
	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/signaling"
)

func dialSignaling(t *testing.T, server *httptest.Server, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType signaling.MessageType) signaling.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env signaling.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == msgType {
			return env
		}
	}
}

func TestSignalingRejectsMissingCredentials(t *testing.T) {
	env := testutil.NewEnv(t)
	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	_, resp, err := dialSignaling(t, server, "/ws/client", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialSignaling(t, server, "/ws/agent", http.Header{
		middleware.HeaderHostID: []string{"host-1"},
		"Authorization":         []string{"Bearer nope"},
	})
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialSignaling(t, server, "/ws/gateway", http.Header{
		middleware.HeaderGatewayID: []string{testutil.GatewayID},
		"Authorization":            []string{"Bearer nope"},
	})
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignalingDirectSessionEndToEnd(t *testing.T) {
	env := testutil.NewEnv(t)
	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	org := env.CreateOrg("alice")
	reg := env.RegisterHost(org.ID, false)
	alice := env.Token("alice", "user")
	hostPeer := signaling.Peer{Role: signaling.RoleHost, ID: reg.Host.ID}

	agent, _, err := dialSignaling(t, server, "/ws/agent", http.Header{
		middleware.HeaderHostID: []string{reg.Host.ID},
		"Authorization":         []string{"Bearer " + reg.AgentToken},
	})
	require.NoError(t, err)
	client, _, err := dialSignaling(t, server, "/ws/client?token="+alice, nil)
	require.NoError(t, err)

	hub := env.Services.Hub
	require.Eventually(t, func() bool {
		return hub.IsConnected(hostPeer) && hub.IsConnected(signaling.Peer{Role: signaling.RoleClient, ID: "alice"})
	}, 2*time.Second, 10*time.Millisecond)

	// Connecting the agent brings the host online.
	require.Eventually(t, func() bool {
		host, err := env.Services.Hosts.Get(t.Context(), reg.Host.ID)
		return err == nil && host.Status == models.HostOnline
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.Request(http.MethodPost, "/api/sessions", map[string]any{
		"host_id":           reg.Host.ID,
		"client_public_key": testutil.Key(1),
	}, alice)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	var pending models.Session
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &pending)
	require.Equal(t, models.SessionPending, pending.Status)

	offerEnv := readUntil(t, agent, signaling.MsgSessionOffer)
	var offer signaling.SessionOfferPayload
	require.NoError(t, offerEnv.Decode(&offer))
	require.Equal(t, pending.ID, offer.SessionID)
	require.Equal(t, testutil.Key(1), offer.ClientPublicKey)
	require.Equal(t, pending.ClientAddress, offer.ClientAddress)

	require.NoError(t, agent.WriteJSON(signaling.MustEnvelope(signaling.MsgSessionAnswer, pending.ID, signaling.SessionAnswerPayload{
		SessionID:     pending.ID,
		HostPublicKey: testutil.Key(2),
		Status:        signaling.AnswerReady,
	})))

	readUntil(t, agent, signaling.MsgDirectConnect)
	readUntil(t, client, signaling.MsgDirectConnect)
	require.NoError(t, client.WriteJSON(signaling.MustEnvelope(signaling.MsgDirectConfirmed, pending.ID, signaling.SessionRefPayload{SessionID: pending.ID})))

	var active models.Session
	require.Eventually(t, func() bool {
		resp := env.Request(http.MethodGet, "/api/sessions/"+pending.ID, nil, alice)
		if resp.Code != http.StatusOK {
			return false
		}
		testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &active)
		return active.Status == models.SessionActive
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, models.ConnectionDirect, active.ConnectionType)
	require.NotNil(t, active.HostPublicKey)
	require.Equal(t, testutil.Key(2), *active.HostPublicKey)

	resp = env.Request(http.MethodDelete, "/api/sessions/"+pending.ID, nil, alice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var ended models.Session
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &ended)
	require.Equal(t, models.SessionTerminated, ended.Status)

	terminated := readUntil(t, agent, signaling.MsgSessionTerminated)
	require.Equal(t, pending.ID, terminated.SessionID)
}
