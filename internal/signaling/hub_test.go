package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu           sync.Mutex
	messages     []Envelope
	connected    []Peer
	disconnected []Peer
	fail         error
	received     chan Envelope
	gone         chan Peer
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		received: make(chan Envelope, 16),
		gone:     make(chan Peer, 16),
	}
}

func (d *recordingDispatcher) HandleMessage(_ context.Context, _ Peer, env Envelope) error {
	d.mu.Lock()
	d.messages = append(d.messages, env)
	fail := d.fail
	d.mu.Unlock()
	d.received <- env
	return fail
}

func (d *recordingDispatcher) PeerConnected(_ context.Context, peer Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, peer)
}

func (d *recordingDispatcher) PeerDisconnected(_ context.Context, peer Peer) {
	d.mu.Lock()
	d.disconnected = append(d.disconnected, peer)
	d.mu.Unlock()
	d.gone <- peer
}

func newTestHub(t *testing.T, opts Options) (*Hub, *recordingDispatcher, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	dispatcher := newRecordingDispatcher()
	hub.SetDispatcher(dispatcher)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := Peer{Role: Role(r.URL.Query().Get("role")), ID: r.URL.Query().Get("id")}
		hub.Serve(peer, w, r)
	}))
	t.Cleanup(server.Close)
	return hub, dispatcher, server
}

func dialPeer(t *testing.T, server *httptest.Server, role Role, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?role=" + string(role) + "&id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitConnected(t *testing.T, hub *Hub, peer Peer) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.IsConnected(peer) }, 2*time.Second, 5*time.Millisecond)
}

func TestHubDeliversToHost(t *testing.T) {
	hub, _, server := newTestHub(t, Options{})
	conn := dialPeer(t, server, RoleHost, "host-1")
	waitConnected(t, hub, Peer{Role: RoleHost, ID: "host-1"})

	env := MustEnvelope(MsgSessionOffer, "sess-1", SessionOfferPayload{SessionID: "sess-1", ClientAddress: "100.64.0.2"})
	require.NoError(t, hub.SendToHost(context.Background(), "host-1", env))

	var got Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, MsgSessionOffer, got.Type)
	require.Equal(t, "sess-1", got.SessionID)

	var offer SessionOfferPayload
	require.NoError(t, got.Decode(&offer))
	require.Equal(t, "100.64.0.2", offer.ClientAddress)
	require.Equal(t, 1, hub.ConnectedPeers(string(RoleHost)))
}

func TestHubSendToUnknownPeer(t *testing.T) {
	hub, _, _ := newTestHub(t, Options{})

	err := hub.SendToGateway(context.Background(), "gw-missing", MustEnvelope(MsgPeerRemove, "s", PeerRemovePayload{SessionID: "s"}))
	require.True(t, errors.Is(err, ErrPeerNotConnected))
}

func TestHubDispatchesInboundAndRepliesWithErrors(t *testing.T) {
	_, dispatcher, server := newTestHub(t, Options{})
	conn := dialPeer(t, server, RoleClient, "user-1")

	require.NoError(t, conn.WriteJSON(MustEnvelope(MsgKeepalive, "sess-1", SessionRefPayload{SessionID: "sess-1"})))
	select {
	case env := <-dispatcher.received:
		require.Equal(t, MsgKeepalive, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not receive keepalive")
	}

	dispatcher.mu.Lock()
	dispatcher.fail = errors.New("unknown session")
	dispatcher.mu.Unlock()

	inbound := MustEnvelope(MsgSessionCancel, "sess-2", SessionRefPayload{SessionID: "sess-2"})
	require.NoError(t, conn.WriteJSON(inbound))

	var reply Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MsgError, reply.Type)
	require.Equal(t, inbound.RequestID, reply.RequestID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MsgError, reply.Type)

	var payload ErrorPayload
	require.NoError(t, reply.Decode(&payload))
	require.Equal(t, "INVALID_MESSAGE", payload.Code)
}

func TestHubReconnectReplacesHostWithoutDisconnect(t *testing.T) {
	hub, dispatcher, server := newTestHub(t, Options{})
	peer := Peer{Role: RoleHost, ID: "host-1"}

	first := dialPeer(t, server, RoleHost, "host-1")
	waitConnected(t, hub, peer)
	second := dialPeer(t, server, RoleHost, "host-1")

	// The first socket is closed by the hub once the second registers.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	require.NoError(t, hub.SendToHost(context.Background(), "host-1", MustEnvelope(MsgHeartbeat, "", nil)))
	var got Envelope
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, second.ReadJSON(&got))
	require.Equal(t, MsgHeartbeat, got.Type)

	dispatcher.mu.Lock()
	require.Empty(t, dispatcher.disconnected)
	dispatcher.mu.Unlock()

	require.NoError(t, second.Close())
	select {
	case gone := <-dispatcher.gone:
		require.Equal(t, peer, gone)
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect notification")
	}
	require.False(t, hub.IsConnected(peer))
}

func TestHubSendTimesOutOnFullBuffer(t *testing.T) {
	hub := NewHub(Options{SendTimeout: 50 * time.Millisecond, SendBuffer: 1})
	peer := Peer{Role: RoleClient, ID: "user-1"}

	// A registered connection whose write loop never runs keeps its buffer full.
	conn := &connection{hub: hub, peer: peer, send: make(chan Envelope, 1), done: make(chan struct{})}
	hub.mu.Lock()
	hub.peers[RoleClient] = map[string]map[*connection]struct{}{"user-1": {conn: {}}}
	hub.mu.Unlock()

	env := MustEnvelope(MsgSessionUpdate, "s", SessionUpdatePayload{SessionID: "s", Status: "PENDING"})
	require.NoError(t, hub.SendToClient(context.Background(), "user-1", env))

	start := time.Now()
	err := hub.SendToClient(context.Background(), "user-1", env)
	require.ErrorIs(t, err, ErrSendTimeout)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestParseEnvelopeRequiresType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"session_id":"x"}`))
	require.Error(t, err)

	env, err := ParseEnvelope([]byte(`{"type":" session_answer ","session_id":"x","payload":{"session_id":"x","status":"READY"}}`))
	require.NoError(t, err)
	require.Equal(t, MsgSessionAnswer, env.Type)

	var answer SessionAnswerPayload
	require.NoError(t, env.Decode(&answer))
	require.Equal(t, AnswerReady, answer.Status)
}
