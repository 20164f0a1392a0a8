package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/internal/signaling"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
	"github.com/charlesng35/gpubroker/pkg/validator"
)

// Broker defaults.
const (
	DefaultEstablishmentTimeout = 15 * time.Second
	DefaultOverallTimeout       = 35 * time.Second
	DefaultDirectWindow         = 3 * time.Second
	DefaultKeepaliveInterval    = 25 * time.Second
	DefaultGraceMultiplier      = 3
	DefaultMaxSessionDuration   = 12 * time.Hour
)

// Termination reasons that are not error reasons.
const (
	ReasonCancelled   = "cancelled"
	ReasonUserRequest = "user_request"
	ReasonInterrupted = "interrupted"
)

var errStaleTransition = errors.New("session broker: status changed concurrently")

// sessionTransitions lists the allowed status changes.
var sessionTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionPending: {models.SessionActive, models.SessionFailed},
	models.SessionActive:  {models.SessionTerminated, models.SessionExpired, models.SessionFailed},
}

func transitionAllowed(from, to models.SessionStatus) bool {
	for _, candidate := range sessionTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func transitionEvent(to models.SessionStatus) string {
	switch to {
	case models.SessionActive:
		return AuditSessionActivated
	case models.SessionTerminated:
		return AuditSessionTerminated
	case models.SessionExpired:
		return AuditSessionExpired
	default:
		return AuditSessionFailed
	}
}

// Signaler delivers broker messages to connected peers.
type Signaler interface {
	SendToHost(ctx context.Context, hostID string, env signaling.Envelope) error
	SendToClient(ctx context.Context, userID string, env signaling.Envelope) error
	SendToGateway(ctx context.Context, gatewayID string, env signaling.Envelope) error
}

// GatewayDirectory resolves gateway records by id.
type GatewayDirectory interface {
	Gateway(id string) (models.Gateway, bool)
}

// MembershipLookup reports a user's role in an organization, or "" when not a member.
type MembershipLookup interface {
	MemberRole(ctx context.Context, orgID, userID string) (string, error)
}

// BrokerConfig carries establishment deadlines and liveness settings.
type BrokerConfig struct {
	EstablishmentTimeout time.Duration
	OverallTimeout       time.Duration
	DirectWindow         time.Duration
	KeepaliveInterval    time.Duration
	GraceMultiplier      int
	MaxSessionDuration   time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.EstablishmentTimeout <= 0 {
		c.EstablishmentTimeout = DefaultEstablishmentTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.DirectWindow <= 0 {
		c.DirectWindow = DefaultDirectWindow
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.GraceMultiplier <= 0 {
		c.GraceMultiplier = DefaultGraceMultiplier
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = DefaultMaxSessionDuration
	}
	return c
}

// HeartbeatGrace is how long an ACTIVE session may go without a keepalive.
func (c BrokerConfig) HeartbeatGrace() time.Duration {
	c = c.withDefaults()
	return c.KeepaliveInterval * time.Duration(c.GraceMultiplier)
}

// CreateSessionParams is the connect request.
type CreateSessionParams struct {
	HostID          string        `validate:"required"`
	ClientPublicKey string        `validate:"required,wgkey"`
	MaxDuration     time.Duration `validate:"gte=0"`
}

// SessionAnswer is a host agent's reply to an offer.
type SessionAnswer struct {
	SessionID     string
	HostID        string
	HostPublicKey string
	Accepted      bool
	Reason        string
}

// SessionFilters narrows ListSessions.
type SessionFilters struct {
	UserID   string
	HostID   string
	Status   string
	Page     int
	PageSize int
}

// SessionBroker owns the session state machine. Each PENDING session has one
// establishment goroutine; every transition runs under the session's keyed
// lock and compares-and-swaps the stored status in the same transaction as
// its audit entry. Locks are taken in the order session, audit chain, database.
type SessionBroker struct {
	db       *gorm.DB
	audit    *AuditService
	alloc    *IPAllocator
	tunnels  *TunnelIssuer
	signal   Signaler
	gateways GatewayDirectory
	members  MembershipLookup
	cfg      BrokerConfig
	clock    Clock
	log      *zap.Logger

	locks *keyedMutex

	pendingMu sync.Mutex
	pending   map[string]*establishment

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// establishment is the in-memory side of one PENDING session.
type establishment struct {
	sessionID string
	answers   chan SessionAnswer
	confirmed chan struct{}
	stopped   chan struct{}
	done      chan struct{}

	answered    atomic.Bool
	directOpen  atomic.Bool
	confirmOnce sync.Once
	stopOnce    sync.Once
}

func newEstablishment(sessionID string) *establishment {
	return &establishment{
		sessionID: sessionID,
		answers:   make(chan SessionAnswer, 1),
		confirmed: make(chan struct{}),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// confirm reports whether the confirmation was accepted. Only confirmations
// sent after direct_connect count.
func (e *establishment) confirm() bool {
	if !e.directOpen.Load() {
		return false
	}
	e.confirmOnce.Do(func() { close(e.confirmed) })
	return true
}

func (e *establishment) stop() { e.stopOnce.Do(func() { close(e.stopped) }) }

func (e *establishment) isStopped() bool {
	select {
	case <-e.stopped:
		return true
	default:
		return false
	}
}

// BrokerOption customises the broker.
type BrokerOption func(*SessionBroker)

// WithBrokerClock overrides the clock driving deadlines and timestamps.
func WithBrokerClock(clock Clock) BrokerOption {
	return func(b *SessionBroker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithBrokerConfig overrides the deadline configuration.
func WithBrokerConfig(cfg BrokerConfig) BrokerOption {
	return func(b *SessionBroker) {
		b.cfg = cfg.withDefaults()
	}
}

// WithMembershipLookup wires organization membership checks.
func WithMembershipLookup(members MembershipLookup) BrokerOption {
	return func(b *SessionBroker) {
		b.members = members
	}
}

// NewSessionBroker constructs the broker.
func NewSessionBroker(db *gorm.DB, audit *AuditService, alloc *IPAllocator, tunnels *TunnelIssuer, signal Signaler, gateways GatewayDirectory, opts ...BrokerOption) (*SessionBroker, error) {
	switch {
	case db == nil:
		return nil, errors.New("session broker: db is required")
	case audit == nil:
		return nil, errors.New("session broker: audit service is required")
	case alloc == nil:
		return nil, errors.New("session broker: ip allocator is required")
	case tunnels == nil:
		return nil, errors.New("session broker: tunnel issuer is required")
	case signal == nil:
		return nil, errors.New("session broker: signaler is required")
	case gateways == nil:
		return nil, errors.New("session broker: gateway directory is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &SessionBroker{
		db:       db,
		audit:    audit,
		alloc:    alloc,
		tunnels:  tunnels,
		signal:   signal,
		gateways: gateways,
		cfg:      BrokerConfig{}.withDefaults(),
		clock:    SystemClock{},
		log:      logger.WithModule("broker"),
		locks:    newKeyedMutex(),
		pending:  make(map[string]*establishment),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the effective broker configuration.
func (b *SessionBroker) Config() BrokerConfig {
	return b.cfg
}

// Shutdown stops establishment tasks and waits for them to exit. Sessions they
// leave PENDING are failed as interrupted by Recover on the next start.
func (b *SessionBroker) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession validates the request, reserves addresses, persists a PENDING
// session and starts its establishment task. It returns without waiting for the host.
func (b *SessionBroker) CreateSession(ctx context.Context, actor auditctx.Actor, params CreateSessionParams) (*models.Session, error) {
	ctx = ensureContext(ctx)

	params.HostID = strings.TrimSpace(params.HostID)
	params.ClientPublicKey = strings.TrimSpace(params.ClientPublicKey)
	if err := validator.ValidateStruct(params); err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}
	if actor.ID == "" {
		return nil, apperrors.ErrUnauthenticated
	}

	maxDuration := params.MaxDuration
	if maxDuration == 0 {
		maxDuration = b.cfg.MaxSessionDuration
	}
	if maxDuration > b.cfg.MaxSessionDuration {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("max duration may not exceed %s", b.cfg.MaxSessionDuration))
	}

	var host models.Host
	if err := b.db.WithContext(ctx).Take(&host, "id = ?", params.HostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("host not found")
		}
		return nil, apperrors.Wrap(err, "load host")
	}

	if !actor.IsAdmin() {
		role, err := b.memberRole(ctx, host.OrgID, actor.ID)
		if err != nil {
			return nil, err
		}
		if role == "" {
			return nil, apperrors.ErrForbidden.WithMessage("not a member of the host's organization")
		}
	}

	if host.Status != models.HostOnline {
		monitoring.RecordSessionFailed(apperrors.ReasonHostOffline)
		return nil, apperrors.ErrHostOffline
	}

	sessionID := uuid.NewString()
	alloc, err := b.alloc.Allocate(sessionID)
	if err != nil {
		monitoring.RecordSessionFailed(apperrors.ReasonOf(err))
		return nil, err
	}

	gateway, ok := b.gateways.Gateway(alloc.GatewayID)
	if !ok {
		b.alloc.Release(sessionID)
		return nil, apperrors.ErrInternal.WithInternal(fmt.Errorf("gateway %q not registered", alloc.GatewayID))
	}

	now := b.clock.Now().UTC()
	client := alloc.ClientAddr.String()
	hostAddr := alloc.HostAddr.String()
	metadata, _ := json.Marshal(map[string]any{"gateway_id": gateway.ID})

	session := models.Session{
		ID:              sessionID,
		UserID:          actor.ID,
		HostID:          host.ID,
		OrgID:           host.OrgID,
		GatewayID:       gateway.ID,
		Status:          models.SessionPending,
		ClientPublicKey: params.ClientPublicKey,
		ClientAddress:   client,
		HostAddress:     hostAddr,
		MaxDurationSecs: int64(maxDuration / time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        datatypes.JSON(metadata),
	}
	allocation := models.AddressAllocation{
		SessionID:         sessionID,
		ClientAddress:     client,
		HostAddress:       hostAddr,
		RelayID:           gateway.ID,
		LiveClientAddress: &client,
		LiveHostAddress:   &hostAddr,
		AllocatedAt:       now,
	}

	_, err = b.audit.Record(ctx, AuditEvent{
		EventType:    AuditSessionCreated,
		Actor:        actor,
		ResourceType: ResourceSession,
		ResourceID:   sessionID,
		SessionID:    sessionID,
		Outcome:      OutcomeSuccess,
		Context: map[string]any{
			"host_id":        host.ID,
			"org_id":         host.OrgID,
			"gateway_id":     gateway.ID,
			"client_address": client,
			"host_address":   hostAddr,
		},
	}, func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		return tx.Create(&allocation).Error
	})
	if err != nil {
		b.alloc.Release(sessionID)
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithMessage("address pair already in use").WithInternal(err)
		}
		return nil, apperrors.Wrap(err, "persist session")
	}

	monitoring.RecordSessionTransition("", string(models.SessionPending), "applied")
	monitoring.AdjustActiveSessions(1)
	b.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("host_id", host.ID),
		zap.String("gateway_id", gateway.ID),
	)

	est := newEstablishment(sessionID)
	b.pendingMu.Lock()
	b.pending[sessionID] = est
	b.pendingMu.Unlock()

	b.wg.Add(1)
	go b.establish(est, session, gateway)

	return &session, nil
}

// AwaitSession blocks until the session leaves PENDING or ctx ends, then returns its current state.
func (b *SessionBroker) AwaitSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx = ensureContext(ctx)

	if est := b.lookupEstablishment(sessionID); est != nil {
		select {
		case <-est.done:
		case <-ctx.Done():
		}
	}
	return b.loadSession(context.WithoutCancel(ctx), sessionID)
}

func (b *SessionBroker) lookupEstablishment(sessionID string) *establishment {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.pending[sessionID]
}

// establish drives one session from offer to ACTIVE or FAILED.
func (b *SessionBroker) establish(est *establishment, session models.Session, gateway models.Gateway) {
	defer b.wg.Done()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, est.sessionID)
		b.pendingMu.Unlock()
		close(est.done)
	}()

	log := logger.WithSession("broker", session.ID)
	ctx := b.ctx
	started := b.clock.Now()

	overall := b.clock.NewTimer(b.cfg.OverallTimeout)
	defer overall.Stop()

	offer := signaling.MustEnvelope(signaling.MsgSessionOffer, session.ID, signaling.SessionOfferPayload{
		SessionID:        session.ID,
		UserID:           session.UserID,
		ClientPublicKey:  session.ClientPublicKey,
		ClientAddress:    session.ClientAddress,
		HostAddress:      session.HostAddress,
		GatewayEndpoint:  gateway.Endpoint,
		GatewayPublicKey: gateway.PublicKey,
		ExpiresAt:        started.Add(b.cfg.EstablishmentTimeout).Unix(),
	})
	if err := b.signal.SendToHost(ctx, session.HostID, offer); err != nil {
		log.Warn("offer undeliverable", zap.Error(err))
		b.failPending(est, session, apperrors.ReasonHostOffline, false)
		return
	}
	b.notifyClient(ctx, session.UserID, signaling.SessionUpdatePayload{
		SessionID:     session.ID,
		Status:        string(models.SessionPending),
		ClientAddress: session.ClientAddress,
		HostAddress:   session.HostAddress,
	})

	answerTimer := b.clock.NewTimer(b.cfg.EstablishmentTimeout)
	var answer SessionAnswer
	select {
	case answer = <-est.answers:
		answerTimer.Stop()
	case <-answerTimer.C():
		log.Info("no answer before deadline")
		b.failPending(est, session, apperrors.ReasonTimeout, true)
		return
	case <-overall.C():
		answerTimer.Stop()
		b.failPending(est, session, apperrors.ReasonTimeout, true)
		return
	case <-est.stopped:
		answerTimer.Stop()
		return
	case <-ctx.Done():
		answerTimer.Stop()
		return
	}

	if !answer.Accepted {
		reason := strings.TrimSpace(answer.Reason)
		if reason == "" {
			reason = apperrors.ReasonRejected
		}
		log.Info("host rejected session", zap.String("reason", reason))
		b.failPending(est, session, reason, false)
		return
	}

	hostKey := answer.HostPublicKey
	est.directOpen.Store(true)
	for _, target := range []struct {
		send  func(context.Context, string, signaling.Envelope) error
		id    string
		key   string
		local string
		peer  string
	}{
		{b.signal.SendToHost, session.HostID, session.ClientPublicKey, session.HostAddress, session.ClientAddress},
		{b.signal.SendToClient, session.UserID, hostKey, session.ClientAddress, session.HostAddress},
	} {
		env := signaling.MustEnvelope(signaling.MsgDirectConnect, session.ID, signaling.DirectConnectPayload{
			SessionID:     session.ID,
			PeerPublicKey: target.key,
			LocalAddress:  target.local,
			PeerAddress:   target.peer,
			WindowMillis:  b.cfg.DirectWindow.Milliseconds(),
		})
		if err := target.send(ctx, target.id, env); err != nil {
			log.Debug("direct_connect not delivered", zap.String("peer", target.id), zap.Error(err))
		}
	}

	mode := models.ConnectionRelay
	directTimer := b.clock.NewTimer(b.cfg.DirectWindow)
	select {
	case <-est.confirmed:
		directTimer.Stop()
		mode = models.ConnectionDirect
	case <-directTimer.C():
	case <-overall.C():
		directTimer.Stop()
		b.failPending(est, session, apperrors.ReasonTimeout, true)
		return
	case <-est.stopped:
		directTimer.Stop()
		return
	case <-ctx.Done():
		directTimer.Stop()
		return
	}

	if mode == models.ConnectionRelay {
		peerConfig := signaling.MustEnvelope(signaling.MsgPeerConfig, session.ID, signaling.PeerConfigPayload{
			SessionID:       session.ID,
			ClientAddress:   session.ClientAddress,
			HostAddress:     session.HostAddress,
			ClientPublicKey: session.ClientPublicKey,
			HostPublicKey:   hostKey,
			ExpiresAt:       b.clock.Now().Add(time.Duration(session.MaxDurationSecs) * time.Second).Unix(),
		})
		if err := b.signal.SendToGateway(ctx, gateway.ID, peerConfig); err != nil {
			log.Warn("relay unavailable", zap.String("gateway_id", gateway.ID), zap.Error(err))
			b.failPending(est, session, apperrors.ReasonRelayUnavailable, true)
			return
		}
		for _, target := range []struct {
			send  func(context.Context, string, signaling.Envelope) error
			id    string
			local string
			peer  string
		}{
			{b.signal.SendToHost, session.HostID, session.HostAddress, session.ClientAddress},
			{b.signal.SendToClient, session.UserID, session.ClientAddress, session.HostAddress},
		} {
			env := signaling.MustEnvelope(signaling.MsgRelayConnect, session.ID, signaling.RelayConnectPayload{
				SessionID:      session.ID,
				RelayEndpoint:  gateway.Endpoint,
				RelayPublicKey: gateway.PublicKey,
				LocalAddress:   target.local,
				PeerAddress:    target.peer,
			})
			if err := target.send(ctx, target.id, env); err != nil {
				log.Debug("relay_connect not delivered", zap.String("peer", target.id), zap.Error(err))
			}
		}
	}

	select {
	case <-overall.C():
		log.Info("establishment budget spent before activation")
		if mode == models.ConnectionRelay {
			b.removeGatewayPeer(ctx, gateway.ID, session.ID)
		}
		b.failPending(est, session, apperrors.ReasonTimeout, true)
		return
	default:
	}

	activated, err := b.activate(est, session, gateway, hostKey, mode, started)
	if err != nil {
		if mode == models.ConnectionRelay {
			b.removeGatewayPeer(ctx, gateway.ID, session.ID)
		}
		if !errors.Is(err, errEstablishmentStopped) {
			log.Warn("activation failed", zap.Error(err))
		}
		return
	}

	monitoring.RecordSessionEstablished(mode, b.clock.Now().Sub(started))
	update := signaling.SessionUpdatePayload{
		SessionID:      activated.ID,
		Status:         string(models.SessionActive),
		ConnectionType: mode,
		HostPublicKey:  hostKey,
		ClientAddress:  activated.ClientAddress,
		HostAddress:    activated.HostAddress,
	}
	if mode == models.ConnectionRelay {
		update.RelayEndpoint = gateway.Endpoint
		update.RelayPublicKey = gateway.PublicKey
	}
	b.notifyClient(ctx, activated.UserID, update)
	log.Info("session active", zap.String("connection_type", mode))
}

var errEstablishmentStopped = errors.New("session broker: establishment stopped")

func (b *SessionBroker) activate(est *establishment, session models.Session, gateway models.Gateway, hostKey, mode string, started time.Time) (*models.Session, error) {
	unlock := b.locks.Lock(session.ID)
	defer unlock()

	if est.isStopped() {
		return nil, errEstablishmentStopped
	}

	now := b.clock.Now().UTC()
	metadata, _ := json.Marshal(map[string]any{
		"gateway_id":       gateway.ID,
		"connection_type":  mode,
		"establishment_ms": now.Sub(started).Milliseconds(),
	})
	updates := map[string]any{
		"host_public_key":   hostKey,
		"started_at":        now,
		"last_heartbeat_at": now,
		"connection_type":   mode,
		"metadata":          datatypes.JSON(metadata),
	}
	if mode == models.ConnectionRelay {
		updates["relay_endpoint"] = gateway.Endpoint
		updates["relay_public_key"] = gateway.PublicKey
	}

	return b.transitionLocked(b.ctx, session.ID, models.SessionActive, transitionInput{
		actor:   auditctx.Actor{Type: auditctx.ActorHost, ID: session.HostID},
		updates: updates,
		context: map[string]any{"connection_type": mode},
	})
}

// failPending moves a PENDING session to FAILED from its establishment task.
// notifyHost is set once the host has seen the offer.
func (b *SessionBroker) failPending(est *establishment, session models.Session, reason string, notifyHost bool) {
	unlock := b.locks.Lock(session.ID)
	if est.isStopped() {
		unlock()
		return
	}
	failed, err := b.transitionLocked(b.ctx, session.ID, models.SessionFailed, transitionInput{
		actor:  auditctx.System,
		reason: reason,
	})
	est.stop()
	unlock()

	if err != nil {
		logger.WithSession("broker", session.ID).Warn("fail transition rejected", zap.String("reason", reason), zap.Error(err))
		return
	}
	b.afterTerminal(b.ctx, failed, notifyHost)
}

// SubmitAnswer routes a host's answer to the session's establishment task.
// Answers for sessions that are no longer waiting are recorded and ignored.
func (b *SessionBroker) SubmitAnswer(ctx context.Context, answer SessionAnswer) error {
	ctx = ensureContext(ctx)

	session, err := b.loadSession(ctx, answer.SessionID)
	if err != nil {
		return err
	}
	if answer.HostID != "" && answer.HostID != session.HostID {
		return apperrors.ErrForbidden.WithMessage("session belongs to another host")
	}
	if answer.Accepted && !validator.IsWireGuardKey(answer.HostPublicKey) {
		return apperrors.NewBadRequest("host public key must be a WireGuard key")
	}

	ignore := func(why string) error {
		recordAudit(b.audit, ctx, AuditEvent{
			EventType:    AuditSessionAnswerIgnored,
			Actor:        auditctx.Actor{Type: auditctx.ActorHost, ID: session.HostID},
			ResourceType: ResourceSession,
			ResourceID:   session.ID,
			SessionID:    session.ID,
			Outcome:      OutcomeIgnored,
			Context:      map[string]any{"status": string(session.Status), "why": why},
		})
		logger.WithSession("broker", session.ID).Info("answer ignored", zap.String("why", why))
		return nil
	}

	est := b.lookupEstablishment(session.ID)
	if session.Status != models.SessionPending || est == nil || est.isStopped() {
		return ignore("not_pending")
	}

	if !est.answered.CompareAndSwap(false, true) {
		return ignore("duplicate")
	}
	est.answers <- answer
	return nil
}

// ConfirmDirect records that a peer completed the direct path.
func (b *SessionBroker) ConfirmDirect(ctx context.Context, peer signaling.Peer, sessionID string) error {
	session, err := b.loadSession(ensureContext(ctx), sessionID)
	if err != nil {
		return err
	}
	if !peerOwnsSession(peer, session) {
		return apperrors.ErrForbidden
	}
	if est := b.lookupEstablishment(sessionID); est != nil && !est.confirm() {
		logger.WithSession("broker", sessionID).Debug("direct confirmation before direct_connect ignored", zap.String("peer", peer.String()))
	}
	return nil
}

func peerOwnsSession(peer signaling.Peer, session *models.Session) bool {
	switch peer.Role {
	case signaling.RoleHost:
		return peer.ID == session.HostID
	case signaling.RoleClient:
		return peer.ID == session.UserID
	default:
		return false
	}
}

// TerminateSession ends a session. ACTIVE sessions become TERMINATED; PENDING
// ones become FAILED with reason (default cancelled). Anything else is a Conflict.
func (b *SessionBroker) TerminateSession(ctx context.Context, sessionID string, actor auditctx.Actor, reason string) (*models.Session, error) {
	ctx = ensureContext(ctx)

	unlock := b.locks.Lock(sessionID)
	session, err := b.loadSession(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !b.canTerminate(actor, session) {
		unlock()
		return nil, apperrors.ErrForbidden
	}

	reason = strings.TrimSpace(reason)
	to := models.SessionTerminated
	if session.Status == models.SessionPending {
		to = models.SessionFailed
		if reason == "" {
			reason = ReasonCancelled
		}
	} else if reason == "" {
		reason = ReasonUserRequest
	}

	ended, err := b.transitionLocked(ctx, sessionID, to, transitionInput{actor: actor, reason: reason})
	if err == nil && session.Status == models.SessionPending {
		if est := b.lookupEstablishment(sessionID); est != nil {
			est.stop()
		}
	}
	unlock()
	if err != nil {
		return nil, err
	}

	b.afterTerminal(ctx, ended, true)
	return ended, nil
}

func (b *SessionBroker) canTerminate(actor auditctx.Actor, session *models.Session) bool {
	switch actor.Type {
	case auditctx.ActorSystem:
		return true
	case auditctx.ActorHost:
		return actor.ID == session.HostID
	case auditctx.ActorUser:
		return actor.ID == session.UserID || actor.IsAdmin()
	default:
		return false
	}
}

// ExpireStaleSessions fails ACTIVE sessions whose keepalives stopped and
// expires those past their maximum duration.
func (b *SessionBroker) ExpireStaleSessions(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	var active []models.Session
	if err := b.db.WithContext(ctx).Where("status = ?", models.SessionActive).Find(&active).Error; err != nil {
		return 0, apperrors.Wrap(err, "list active sessions")
	}

	var errs error
	count := 0
	for i := range active {
		ended, err := b.expireOne(ctx, active[i].ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ended != nil {
			count++
			b.afterTerminal(ctx, ended, true)
		}
	}
	return count, errs
}

func (b *SessionBroker) expireOne(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock := b.locks.Lock(sessionID)
	defer unlock()

	session, err := b.loadSession(ctx, sessionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, nil
	}

	to, reason := b.staleness(session)
	if to == "" {
		return nil, nil
	}
	return b.transitionLocked(ctx, sessionID, to, transitionInput{actor: auditctx.System, reason: reason})
}

// staleness decides whether an ACTIVE session must end and how.
func (b *SessionBroker) staleness(session *models.Session) (models.SessionStatus, string) {
	now := b.clock.Now()

	last := session.StartedAt
	if session.LastHeartbeatAt != nil {
		last = session.LastHeartbeatAt
	}
	if last != nil && now.Sub(*last) > b.cfg.HeartbeatGrace() {
		return models.SessionFailed, apperrors.ReasonHeartbeatLost
	}

	if session.StartedAt != nil && session.MaxDurationSecs > 0 {
		limit := time.Duration(session.MaxDurationSecs) * time.Second
		if !now.Before(session.StartedAt.Add(limit)) {
			return models.SessionExpired, apperrors.ReasonMaxDuration
		}
	}
	return "", ""
}

// RecordKeepalive refreshes the heartbeat of one ACTIVE session owned by peer.
func (b *SessionBroker) RecordKeepalive(ctx context.Context, peer signaling.Peer, sessionID string) error {
	ctx = ensureContext(ctx)

	session, err := b.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !peerOwnsSession(peer, session) {
		return apperrors.ErrForbidden
	}
	if session.Status != models.SessionActive {
		return apperrors.ErrConflict.WithReason(apperrors.ReasonInvalidState).WithMessage("session is not active")
	}

	return b.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, models.SessionActive).
		Update("last_heartbeat_at", b.clock.Now().UTC()).Error
}

// RecordHostHeartbeat refreshes every ACTIVE session of a host.
func (b *SessionBroker) RecordHostHeartbeat(ctx context.Context, hostID string) error {
	return b.db.WithContext(ensureContext(ctx)).Model(&models.Session{}).
		Where("host_id = ? AND status = ?", hostID, models.SessionActive).
		Update("last_heartbeat_at", b.clock.Now().UTC()).Error
}

// GetSession returns a session visible to actor: its owner, an owner of its
// organization, or an admin.
func (b *SessionBroker) GetSession(ctx context.Context, actor auditctx.Actor, sessionID string) (*models.Session, error) {
	ctx = ensureContext(ctx)

	session, err := b.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() || session.UserID == actor.ID {
		return session, nil
	}
	role, err := b.memberRole(ctx, session.OrgID, actor.ID)
	if err != nil {
		return nil, err
	}
	if role == models.MemberRoleOwner {
		return session, nil
	}
	return nil, apperrors.ErrForbidden
}

// ListSessions returns a page of sessions. Non-admins only see their own.
func (b *SessionBroker) ListSessions(ctx context.Context, actor auditctx.Actor, filters SessionFilters) ([]models.Session, int64, error) {
	ctx = ensureContext(ctx)

	page := filters.Page
	if page <= 0 {
		page = 1
	}
	perPage := filters.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	query := b.db.WithContext(ctx).Model(&models.Session{})
	if actor.IsAdmin() {
		if filters.UserID != "" {
			query = query.Where("user_id = ?", filters.UserID)
		}
	} else {
		query = query.Where("user_id = ?", actor.ID)
	}
	if filters.HostID != "" {
		query = query.Where("host_id = ?", filters.HostID)
	}
	if status := strings.ToUpper(strings.TrimSpace(filters.Status)); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, apperrors.Wrap(err, "count sessions")
	}

	var sessions []models.Session
	if err := query.Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&sessions).Error; err != nil {
		return nil, 0, apperrors.Wrap(err, "list sessions")
	}
	return sessions, total, nil
}

// RecoveryReport summarises Recover.
type RecoveryReport struct {
	Interrupted int `json:"interrupted"`
	Restored    int `json:"restored"`
	Tunnels     int `json:"tunnels"`
}

// Recover reconciles persisted state after a restart: leftover PENDING sessions
// are failed as interrupted, ACTIVE allocations are claimed back into the
// allocator, and live tunnel credentials are reloaded.
func (b *SessionBroker) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx = ensureContext(ctx)
	var report RecoveryReport

	var pending []models.Session
	if err := b.db.WithContext(ctx).Where("status = ?", models.SessionPending).Find(&pending).Error; err != nil {
		return report, apperrors.Wrap(err, "list pending sessions")
	}

	var errs error
	for _, session := range pending {
		unlock := b.locks.Lock(session.ID)
		failed, err := b.transitionLocked(ctx, session.ID, models.SessionFailed, transitionInput{
			actor:  auditctx.System,
			reason: ReasonInterrupted,
		})
		unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.Interrupted++
		b.afterTerminal(ctx, failed, false)
	}

	type liveRow struct {
		SessionID     string
		ClientAddress string
		HostAddress   string
		RelayID       string
	}
	var rows []liveRow
	if err := b.db.WithContext(ctx).Model(&models.AddressAllocation{}).
		Select("address_allocations.session_id, address_allocations.client_address, address_allocations.host_address, address_allocations.relay_id").
		Joins("JOIN sessions ON sessions.id = address_allocations.session_id").
		Where("address_allocations.released_at IS NULL AND sessions.status = ?", models.SessionActive).
		Scan(&rows).Error; err != nil {
		return report, multierr.Append(errs, apperrors.Wrap(err, "list live allocations"))
	}

	for _, row := range rows {
		client, cerr := netip.ParseAddr(row.ClientAddress)
		host, herr := netip.ParseAddr(row.HostAddress)
		if cerr != nil || herr != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: malformed allocation", row.SessionID))
			continue
		}
		if err := b.alloc.Claim(Allocation{
			SessionID:  row.SessionID,
			ClientAddr: client,
			HostAddr:   host,
			GatewayID:  row.RelayID,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", row.SessionID, err))
			continue
		}
		report.Restored++
	}
	if report.Restored > 0 {
		monitoring.AdjustActiveSessions(int64(report.Restored))
	}

	restored, err := b.tunnels.Restore(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	report.Tunnels = restored

	b.log.Info("recovery complete",
		zap.Int("interrupted", report.Interrupted),
		zap.Int("restored", report.Restored),
		zap.Int("tunnels", report.Tunnels),
	)
	return report, errs
}

type transitionInput struct {
	actor   auditctx.Actor
	reason  string
	updates map[string]any
	context map[string]any
}

// transitionLocked applies one status change. The caller holds the session lock.
func (b *SessionBroker) transitionLocked(ctx context.Context, sessionID string, to models.SessionStatus, in transitionInput) (*models.Session, error) {
	session, err := b.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	from := session.Status
	if !transitionAllowed(from, to) {
		b.rejectTransition(ctx, session, to, in.actor)
		return nil, apperrors.ErrInvalidTransition.WithMessage(fmt.Sprintf("cannot move session from %s to %s", from, to))
	}

	now := b.clock.Now().UTC()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	for k, v := range in.updates {
		updates[k] = v
	}
	if to.IsTerminal() {
		updates["ended_at"] = now
		updates["termination_reason"] = in.reason
	}

	auditContext := map[string]any{"from": string(from), "to": string(to)}
	if in.reason != "" {
		auditContext["reason"] = in.reason
	}
	for k, v := range in.context {
		auditContext[k] = v
	}
	outcome := OutcomeSuccess
	if to == models.SessionFailed {
		outcome = OutcomeFailure
	} else if to == models.SessionExpired {
		outcome = OutcomeExpired
	}

	actor := in.actor
	if actor.Type == "" {
		actor = auditctx.System
	}

	_, err = b.audit.Record(ctx, AuditEvent{
		EventType:    transitionEvent(to),
		Actor:        actor,
		ResourceType: ResourceSession,
		ResourceID:   sessionID,
		SessionID:    sessionID,
		Outcome:      outcome,
		Context:      auditContext,
	}, func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", sessionID, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errStaleTransition
		}
		if !to.IsTerminal() {
			return nil
		}
		return tx.Model(&models.AddressAllocation{}).
			Where("session_id = ? AND released_at IS NULL", sessionID).
			Updates(map[string]any{
				"released_at":         now,
				"live_client_address": nil,
				"live_host_address":   nil,
			}).Error
	})
	if errors.Is(err, errStaleTransition) {
		// Another replica moved the session first.
		b.rejectTransition(ctx, session, to, in.actor)
		return nil, apperrors.ErrInvalidTransition.WithInternal(err)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "apply session transition")
	}

	monitoring.RecordSessionTransition(string(from), string(to), "applied")
	if to.IsTerminal() {
		b.alloc.Release(sessionID)
		monitoring.AdjustActiveSessions(-1)
		if to == models.SessionFailed {
			monitoring.RecordSessionFailed(in.reason)
		}
		if session.StartedAt != nil {
			monitoring.RecordSessionClosed(now.Sub(*session.StartedAt))
		}
	}

	logger.WithSession("broker", sessionID).Info("session transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", in.reason),
	)

	return b.loadSession(ctx, sessionID)
}

func (b *SessionBroker) rejectTransition(ctx context.Context, session *models.Session, to models.SessionStatus, actor auditctx.Actor) {
	monitoring.RecordSessionTransition(string(session.Status), string(to), "rejected")
	if actor.Type == "" {
		actor = auditctx.System
	}
	recordAudit(b.audit, ctx, AuditEvent{
		EventType:    AuditSessionTransitionRejected,
		Actor:        actor,
		ResourceType: ResourceSession,
		ResourceID:   session.ID,
		SessionID:    session.ID,
		Outcome:      OutcomeRejected,
		Context:      map[string]any{"from": string(session.Status), "to": string(to)},
	})
	logger.WithSession("broker", session.ID).Warn("session transition rejected",
		zap.String("from", string(session.Status)),
		zap.String("to", string(to)),
	)
}

// afterTerminal revokes credentials and tells peers a session ended. It runs
// outside the session lock.
func (b *SessionBroker) afterTerminal(ctx context.Context, session *models.Session, notifyHost bool) {
	log := logger.WithSession("broker", session.ID)

	if _, err := b.tunnels.RevokeForSession(ctx, session.ID, string(session.Status)); err != nil {
		log.Warn("tunnel revocation failed", zap.Error(err))
	}

	reason := ""
	if session.TerminationReason != nil {
		reason = *session.TerminationReason
	}

	if session.ConnectionType == models.ConnectionRelay {
		b.removeGatewayPeer(ctx, session.GatewayID, session.ID)
	}
	if notifyHost {
		env := signaling.MustEnvelope(signaling.MsgSessionTerminated, session.ID, signaling.SessionTerminatedPayload{
			SessionID: session.ID,
			Status:    string(session.Status),
			Reason:    reason,
		})
		if err := b.signal.SendToHost(ctx, session.HostID, env); err != nil {
			log.Debug("host not notified", zap.Error(err))
		}
	}
	b.notifyClient(ctx, session.UserID, signaling.SessionUpdatePayload{
		SessionID: session.ID,
		Status:    string(session.Status),
		Reason:    reason,
	})
}

func (b *SessionBroker) removeGatewayPeer(ctx context.Context, gatewayID, sessionID string) {
	env := signaling.MustEnvelope(signaling.MsgPeerRemove, sessionID, signaling.PeerRemovePayload{SessionID: sessionID})
	if err := b.signal.SendToGateway(ctx, gatewayID, env); err != nil {
		logger.WithSession("broker", sessionID).Debug("gateway not notified", zap.Error(err))
	}
}

func (b *SessionBroker) notifyClient(ctx context.Context, userID string, update signaling.SessionUpdatePayload) {
	env := signaling.MustEnvelope(signaling.MsgSessionUpdate, update.SessionID, update)
	if err := b.signal.SendToClient(ctx, userID, env); err != nil {
		logger.WithSession("broker", update.SessionID).Debug("client not notified", zap.Error(err))
	}
}

func (b *SessionBroker) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := b.db.WithContext(ctx).Take(&session, "id = ?", strings.TrimSpace(sessionID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("session not found")
		}
		return nil, apperrors.Wrap(err, "load session")
	}
	return &session, nil
}

func (b *SessionBroker) memberRole(ctx context.Context, orgID, userID string) (string, error) {
	if b.members == nil {
		return "", nil
	}
	role, err := b.members.MemberRole(ctx, orgID, userID)
	if err != nil {
		return "", apperrors.Wrap(err, "check membership")
	}
	return role, nil
}
