package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/gpubroker/internal/monitoring"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10

	defaultPongWait    = 60 * time.Second
	defaultSendTimeout = 5 * time.Second
	defaultBufferSize  = 64

	initialSendBackoff = 5 * time.Millisecond
	maxSendBackoff     = 200 * time.Millisecond
)

// Role identifies the kind of peer on a signaling connection.
type Role string

const (
	RoleHost    Role = "host"
	RoleClient  Role = "client"
	RoleGateway Role = "gateway"
)

var (
	// ErrPeerNotConnected is returned when no connection is registered for the target.
	ErrPeerNotConnected = errors.New("signaling: peer not connected")
	// ErrSendTimeout is returned when the peer's buffer stayed full past the send timeout.
	ErrSendTimeout = errors.New("signaling: send timed out")
)

// Peer identifies one side of a signaling connection.
type Peer struct {
	Role Role
	ID   string
}

func (p Peer) String() string {
	return string(p.Role) + ":" + p.ID
}

// Dispatcher receives inbound messages and connection lifecycle events. A
// returned error is reported to the sender as an error frame.
type Dispatcher interface {
	HandleMessage(ctx context.Context, peer Peer, env Envelope) error
	PeerConnected(ctx context.Context, peer Peer)
	PeerDisconnected(ctx context.Context, peer Peer)
}

// Options tune hub timeouts and buffering.
type Options struct {
	SendTimeout time.Duration
	SendBuffer  int
	PongWait    time.Duration
}

// Hub tracks signaling connections by role and id and delivers envelopes to
// them. Hosts and gateways hold one connection each; a reconnect replaces the
// previous socket. Clients may hold several, and sends fan out to all of them.
type Hub struct {
	mu    sync.RWMutex
	peers map[Role]map[string]map[*connection]struct{}

	dispatcher  Dispatcher
	bus         *Bus
	upgrader    websocket.Upgrader
	sendTimeout time.Duration
	sendBuffer  int
	pongWait    time.Duration
	log         *zap.Logger
}

// NewHub constructs a signaling hub.
func NewHub(opts Options) *Hub {
	h := &Hub{
		peers:       make(map[Role]map[string]map[*connection]struct{}),
		sendTimeout: opts.SendTimeout,
		sendBuffer:  opts.SendBuffer,
		pongWait:    opts.PongWait,
		log:         logger.WithModule("signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Agents and gateways send no Origin; browsers must be same-origin or loopback.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = defaultSendTimeout
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultBufferSize
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongWait
	}
	return h
}

// SetDispatcher wires the inbound message handler. It must be called before Serve.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// SetBus enables cross-replica delivery.
func (h *Hub) SetBus(bus *Bus) {
	h.bus = bus
}

// Serve upgrades the request and pumps messages for peer until the socket closes.
func (h *Hub) Serve(peer Peer, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("peer", peer.String()), zap.Error(err))
		return
	}

	conn := h.newConnection(peer, socket)
	h.register(conn)

	go conn.writeLoop()
	conn.readLoop()
}

// SendToHost delivers env to a host agent.
func (h *Hub) SendToHost(ctx context.Context, hostID string, env Envelope) error {
	return h.Send(ctx, Peer{Role: RoleHost, ID: hostID}, env)
}

// SendToClient delivers env to every connection of a user.
func (h *Hub) SendToClient(ctx context.Context, userID string, env Envelope) error {
	return h.Send(ctx, Peer{Role: RoleClient, ID: userID}, env)
}

// SendToGateway delivers env to a relay gateway.
func (h *Hub) SendToGateway(ctx context.Context, gatewayID string, env Envelope) error {
	return h.Send(ctx, Peer{Role: RoleGateway, ID: gatewayID}, env)
}

// Send delivers env to peer, waiting at most the send timeout for buffer space.
// Peers owned by another replica are reached through the bus.
func (h *Hub) Send(ctx context.Context, peer Peer, env Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}

	err := h.deliverLocal(ctx, peer, env)
	if errors.Is(err, ErrPeerNotConnected) && h.bus != nil {
		err = h.bus.Forward(ctx, peer, env)
	}
	if err != nil {
		monitoring.RecordSignalingFailure(string(peer.Role), string(env.Type), err.Error())
		return err
	}
	monitoring.RecordSignalingMessage("outbound", string(env.Type))
	return nil
}

func (h *Hub) deliverLocal(ctx context.Context, peer Peer, env Envelope) error {
	targets := h.connections(peer)
	if len(targets) == 0 {
		return ErrPeerNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	var lastErr error
	delivered := 0
	for _, conn := range targets {
		if err := conn.enqueue(ctx, env); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// IsConnected reports whether peer has a connection on this replica.
func (h *Hub) IsConnected(peer Peer) bool {
	return len(h.connections(peer)) > 0
}

// ConnectedPeers returns the number of distinct peers of role on this replica.
func (h *Hub) ConnectedPeers(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[Role(role)])
}

// Disconnect closes every connection of peer.
func (h *Hub) Disconnect(peer Peer) {
	for _, conn := range h.connections(peer) {
		conn.close()
	}
}

func (h *Hub) connections(peer Peer) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.peers[peer.Role][peer.ID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*connection, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) register(conn *connection) {
	var replaced []*connection

	h.mu.Lock()
	byID := h.peers[conn.peer.Role]
	if byID == nil {
		byID = make(map[string]map[*connection]struct{})
		h.peers[conn.peer.Role] = byID
	}
	set := byID[conn.peer.ID]
	if set == nil {
		set = make(map[*connection]struct{})
		byID[conn.peer.ID] = set
	}
	if conn.peer.Role != RoleClient {
		for existing := range set {
			replaced = append(replaced, existing)
			delete(set, existing)
		}
	}
	first := len(set) == 0 && len(replaced) == 0
	set[conn] = struct{}{}
	h.mu.Unlock()

	// Replaced sockets are no longer registered, so closing them reports no disconnect.
	for _, old := range replaced {
		old.close()
	}

	monitoring.RecordSignalingConnection(string(conn.peer.Role), 1)
	h.log.Info("peer connected", zap.String("peer", conn.peer.String()))

	if h.bus != nil {
		h.bus.Claim(context.Background(), conn.peer)
	}
	if h.dispatcher != nil && (first || len(replaced) > 0) {
		h.dispatcher.PeerConnected(context.Background(), conn.peer)
	}
}

// unregister removes conn and reports whether it was the peer's last connection.
func (h *Hub) unregister(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID := h.peers[conn.peer.Role]
	set := byID[conn.peer.ID]
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) > 0 {
		return false
	}
	delete(byID, conn.peer.ID)
	if len(byID) == 0 {
		delete(h.peers, conn.peer.Role)
	}
	return true
}

func (h *Hub) dispatch(conn *connection, env Envelope) {
	monitoring.RecordSignalingMessage("inbound", string(env.Type))
	if h.dispatcher == nil {
		return
	}

	if err := h.dispatcher.HandleMessage(context.Background(), conn.peer, env); err != nil {
		h.log.Warn("inbound message rejected",
			zap.String("peer", conn.peer.String()),
			zap.String("type", string(env.Type)),
			zap.String("session_id", env.SessionID),
			zap.Error(err),
		)
		appErr := apperrors.FromError(err)
		reply := NewErrorEnvelope(env.RequestID, appErr.Code, appErr.Message)
		ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
		_ = conn.enqueue(ctx, reply)
		cancel()
	}
}

type connection struct {
	hub    *Hub
	peer   Peer
	socket *websocket.Conn
	send   chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (h *Hub) newConnection(peer Peer, socket *websocket.Conn) *connection {
	return &connection{
		hub:    h,
		peer:   peer,
		socket: socket,
		send:   make(chan Envelope, h.sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue places env on the send buffer, retrying with backoff while it is full.
func (c *connection) enqueue(ctx context.Context, env Envelope) error {
	backoff := initialSendBackoff
	for {
		select {
		case <-c.done:
			return ErrPeerNotConnected
		default:
		}

		select {
		case c.send <- env:
			return nil
		case <-c.done:
			return ErrPeerNotConnected
		default:
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrSendTimeout
		case <-c.done:
			timer.Stop()
			return ErrPeerNotConnected
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxSendBackoff {
			backoff = maxSendBackoff
		}
	}
}

func (c *connection) readLoop() {
	defer c.close()

	pongWait := c.hub.pongWait
	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected close", zap.String("peer", c.peer.String()), zap.Error(err))
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))

		if len(payload) == 0 {
			continue
		}

		env, err := ParseEnvelope(payload)
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.sendTimeout)
			_ = c.enqueue(ctx, NewErrorEnvelope("", "INVALID_MESSAGE", err.Error()))
			cancel()
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	pingPeriod := (c.hub.pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if c.hub.bus != nil {
				c.hub.bus.Refresh(context.Background(), c.peer)
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.socket.Close()

		last := c.hub.unregister(c)
		monitoring.RecordSignalingConnection(string(c.peer.Role), -1)
		if !last {
			return
		}

		c.hub.log.Info("peer disconnected", zap.String("peer", c.peer.String()))
		if c.hub.bus != nil {
			c.hub.bus.Release(context.Background(), c.peer)
		}
		if c.hub.dispatcher != nil {
			c.hub.dispatcher.PeerDisconnected(context.Background(), c.peer)
		}
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
