package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const (
	// TunnelScopeRelay marks a token as a relay credential.
	TunnelScopeRelay = "tunnel:relay"

	DefaultTunnelTTL      = 15 * time.Minute
	MaxTunnelTTL          = 24 * time.Hour
	DefaultTunnelProtocol = "wireguard"
)

// DefaultTunnelProtocols lists the transports a tunnel may be requested for.
var DefaultTunnelProtocols = []string{"wireguard", "udp", "tcp"}

// Validation failure reasons.
const (
	TunnelReasonMalformed     = "malformed"
	TunnelReasonBadSignature  = "invalid_signature"
	TunnelReasonBadScope      = "invalid_scope"
	TunnelReasonExpired       = "expired"
	TunnelReasonRevoked       = "revoked"
	TunnelReasonScopeMismatch = "scope_mismatch"
	TunnelReasonSessionEnded  = "session_ended"
	TunnelReasonUnavailable   = "unavailable"
)

var (
	errTunnelAlreadyRevoked = errors.New("tunnel issuer: credential already revoked")
	errTunnelSessionEnded   = errors.New("tunnel issuer: session ended")
)

// TunnelClaims are the claims carried by a relay credential.
type TunnelClaims struct {
	TunnelID  string `json:"tid"`
	SessionID string `json:"sid"`
	HostID    string `json:"hid"`
	UserID    string `json:"uid"`
	Protocol  string `json:"proto"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// TunnelGrant is returned to the caller once: the token is never stored.
type TunnelGrant struct {
	TunnelID  string    `json:"tunnel_id"`
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	GatewayID string    `json:"gateway_id"`
	Protocol  string    `json:"protocol"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TunnelScope narrows validation to one session, host and gateway. Empty fields are not checked.
type TunnelScope struct {
	SessionID string `json:"session_id"`
	HostID    string `json:"host_id"`
	GatewayID string `json:"gateway_id"`
}

// TunnelValidation is the outcome of validating a relay credential.
type TunnelValidation struct {
	Valid     bool   `json:"valid"`
	TunnelID  string `json:"tunnel_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	HostID    string `json:"host_id,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TunnelIssuerConfig carries signing and policy settings.
type TunnelIssuerConfig struct {
	SigningSecret string
	Issuer        string
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	Protocols     []string
}

// TunnelIssuer mints session-scoped relay credentials and keeps the set of
// credentials that are still honoured.
type TunnelIssuer struct {
	db        *gorm.DB
	audit     *AuditService
	secret    []byte
	issuer    string
	ttl       time.Duration
	maxTTL    time.Duration
	protocols []string
	now       func() time.Time
	log       *zap.Logger

	mu     sync.RWMutex
	active map[string]models.TunnelCredential
}

// TunnelOption customises the tunnel issuer.
type TunnelOption func(*TunnelIssuer)

// WithTunnelClock overrides the clock used for issuing and validating credentials.
func WithTunnelClock(clock func() time.Time) TunnelOption {
	return func(t *TunnelIssuer) {
		if clock != nil {
			t.now = clock
		}
	}
}

// NewTunnelIssuer constructs the issuer.
func NewTunnelIssuer(db *gorm.DB, audit *AuditService, cfg TunnelIssuerConfig, opts ...TunnelOption) (*TunnelIssuer, error) {
	if db == nil {
		return nil, errors.New("tunnel issuer: db is required")
	}
	if audit == nil {
		return nil, errors.New("tunnel issuer: audit service is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("tunnel issuer: signing secret is required")
	}

	issuer := &TunnelIssuer{
		db:        db,
		audit:     audit,
		secret:    []byte(cfg.SigningSecret),
		issuer:    strings.TrimSpace(cfg.Issuer),
		ttl:       cfg.DefaultTTL,
		maxTTL:    cfg.MaxTTL,
		protocols: normaliseTokens(cfg.Protocols),
		now:       time.Now,
		log:       logger.WithModule("tunnels"),
		active:    make(map[string]models.TunnelCredential),
	}
	if issuer.ttl <= 0 {
		issuer.ttl = DefaultTunnelTTL
	}
	if issuer.maxTTL <= 0 {
		issuer.maxTTL = MaxTunnelTTL
	}
	if issuer.ttl > issuer.maxTTL {
		return nil, fmt.Errorf("tunnel issuer: default ttl %s exceeds max ttl %s", issuer.ttl, issuer.maxTTL)
	}
	if len(issuer.protocols) == 0 {
		issuer.protocols = append([]string(nil), DefaultTunnelProtocols...)
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// CreateTunnel issues a credential for a session owned by userID. The session
// must be PENDING or ACTIVE.
func (t *TunnelIssuer) CreateTunnel(ctx context.Context, userID, sessionID string, ttl time.Duration, protocol string) (*TunnelGrant, error) {
	ctx = ensureContext(ctx)

	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		protocol = DefaultTunnelProtocol
	}
	if !slices.Contains(t.protocols, protocol) {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unsupported tunnel protocol %q", protocol))
	}
	if ttl < 0 {
		return nil, apperrors.NewBadRequest("tunnel ttl must be positive")
	}
	if ttl == 0 {
		ttl = t.ttl
	}
	if ttl > t.maxTTL {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("tunnel ttl may not exceed %s", t.maxTTL))
	}

	var session models.Session
	if err := t.db.WithContext(ctx).Take(&session, "id = ?", strings.TrimSpace(sessionID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("session not found")
		}
		return nil, apperrors.Wrap(err, "load session")
	}
	if session.UserID != userID {
		return nil, apperrors.ErrForbidden
	}
	if !session.Status.IsLive() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("session is %s", session.Status))
	}

	issuedAt := t.now().UTC().Truncate(time.Second)
	cred := models.TunnelCredential{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    userID,
		HostID:    session.HostID,
		GatewayID: session.GatewayID,
		Protocol:  protocol,
		IssuedAt:  issuedAt,
		ExpiresAt: sessionBoundExpiry(session, issuedAt, ttl),
	}

	token, err := t.sign(cred)
	if err != nil {
		return nil, apperrors.Wrap(err, "sign tunnel credential")
	}

	var endedAs models.SessionStatus
	_, err = t.audit.Record(ctx, AuditEvent{
		EventType:    AuditTunnelCreated,
		Actor:        auditctx.FromContextOr(ctx, auditctx.Actor{Type: auditctx.ActorUser, ID: userID}),
		ResourceType: ResourceTunnel,
		ResourceID:   cred.ID,
		SessionID:    cred.SessionID,
		Outcome:      OutcomeSuccess,
		Context: map[string]any{
			"protocol":   protocol,
			"gateway_id": cred.GatewayID,
			"expires_at": cred.ExpiresAt.Format(time.RFC3339),
		},
	}, func(tx *gorm.DB) error {
		// Session transitions commit under the same chain lock, so this read
		// is ordered against any termination.
		var current models.Session
		if err := tx.Select("status").Take(&current, "id = ?", session.ID).Error; err != nil {
			return err
		}
		if !current.Status.IsLive() {
			endedAs = current.Status
			return errTunnelSessionEnded
		}
		if err := tx.Create(&cred).Error; err != nil {
			return err
		}
		// Enter the active set before commit so a revocation that follows
		// the commit always finds the credential.
		t.setActive(cred)
		return nil
	})
	if err != nil {
		t.dropActive(cred.ID)
		if errors.Is(err, errTunnelSessionEnded) {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("session is %s", endedAs))
		}
		return nil, apperrors.Wrap(err, "persist tunnel credential")
	}

	return &TunnelGrant{
		TunnelID:  cred.ID,
		Token:     token,
		SessionID: cred.SessionID,
		GatewayID: cred.GatewayID,
		Protocol:  cred.Protocol,
		IssuedAt:  cred.IssuedAt,
		ExpiresAt: cred.ExpiresAt,
	}, nil
}

// sessionBoundExpiry caps a credential at the end of its session's maximum
// duration. A session that has not started yet is measured from issuedAt.
func sessionBoundExpiry(session models.Session, issuedAt time.Time, ttl time.Duration) time.Time {
	expires := issuedAt.Add(ttl)
	if session.MaxDurationSecs <= 0 {
		return expires
	}
	base := issuedAt
	if session.StartedAt != nil {
		base = session.StartedAt.UTC().Truncate(time.Second)
	}
	if limit := base.Add(time.Duration(session.MaxDurationSecs) * time.Second); limit.Before(expires) {
		return limit
	}
	return expires
}

func (t *TunnelIssuer) setActive(cred models.TunnelCredential) {
	t.mu.Lock()
	t.active[cred.ID] = cred
	count := len(t.active)
	t.mu.Unlock()
	monitoring.SetActiveTunnels(count)
}

func (t *TunnelIssuer) dropActive(tunnelID string) {
	t.mu.Lock()
	delete(t.active, tunnelID)
	count := len(t.active)
	t.mu.Unlock()
	monitoring.SetActiveTunnels(count)
}

func (t *TunnelIssuer) sign(cred models.TunnelCredential) (string, error) {
	claims := TunnelClaims{
		TunnelID:  cred.ID,
		SessionID: cred.SessionID,
		HostID:    cred.HostID,
		UserID:    cred.UserID,
		Protocol:  cred.Protocol,
		Scope:     TunnelScopeRelay,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			Subject:   cred.UserID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{cred.GatewayID},
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// DestroyTunnel revokes a credential owned by userID. Destroying an already
// revoked credential is a no-op.
func (t *TunnelIssuer) DestroyTunnel(ctx context.Context, userID, tunnelID string) error {
	ctx = ensureContext(ctx)

	var cred models.TunnelCredential
	if err := t.db.WithContext(ctx).Take(&cred, "id = ?", strings.TrimSpace(tunnelID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotFound.WithMessage("tunnel not found")
		}
		return apperrors.Wrap(err, "load tunnel")
	}
	if cred.UserID != userID {
		return apperrors.ErrForbidden
	}

	actor := auditctx.FromContextOr(ctx, auditctx.Actor{Type: auditctx.ActorUser, ID: userID})
	err := t.revoke(ctx, cred, "destroyed", AuditTunnelDestroyed, OutcomeSuccess, actor)
	if errors.Is(err, errTunnelAlreadyRevoked) {
		return nil
	}
	return err
}

// RevokeForSession revokes every live credential of a session.
func (t *TunnelIssuer) RevokeForSession(ctx context.Context, sessionID, reason string) (int, error) {
	ctx = ensureContext(ctx)

	var creds []models.TunnelCredential
	if err := t.db.WithContext(ctx).
		Where("session_id = ? AND revoked = ?", sessionID, false).
		Find(&creds).Error; err != nil {
		return 0, apperrors.Wrap(err, "list session tunnels")
	}

	revoked := 0
	var errs error
	for _, cred := range creds {
		err := t.revoke(ctx, cred, reason, AuditTunnelDestroyed, OutcomeSuccess, auditctx.System)
		switch {
		case err == nil:
			revoked++
		case errors.Is(err, errTunnelAlreadyRevoked):
		default:
			errs = multierr.Append(errs, err)
		}
	}
	return revoked, errs
}

// SweepExpired revokes every credential past its expiry and records a
// tunnel_expired entry for each.
func (t *TunnelIssuer) SweepExpired(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	var creds []models.TunnelCredential
	if err := t.db.WithContext(ctx).
		Where("revoked = ? AND expires_at <= ?", false, t.now().UTC()).
		Find(&creds).Error; err != nil {
		return 0, apperrors.Wrap(err, "list expired tunnels")
	}

	expired := 0
	var errs error
	for _, cred := range creds {
		err := t.revoke(ctx, cred, TunnelReasonExpired, AuditTunnelExpired, OutcomeExpired, auditctx.System)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errTunnelAlreadyRevoked):
		default:
			errs = multierr.Append(errs, err)
		}
	}
	return expired, errs
}

func (t *TunnelIssuer) revoke(ctx context.Context, cred models.TunnelCredential, reason, eventType, outcome string, actor auditctx.Actor) error {
	now := t.now().UTC()

	_, err := t.audit.Record(ctx, AuditEvent{
		EventType:    eventType,
		Actor:        actor,
		ResourceType: ResourceTunnel,
		ResourceID:   cred.ID,
		SessionID:    cred.SessionID,
		Outcome:      outcome,
		Context:      map[string]any{"reason": reason},
	}, func(tx *gorm.DB) error {
		result := tx.Model(&models.TunnelCredential{}).
			Where("id = ? AND revoked = ?", cred.ID, false).
			Updates(map[string]any{
				"revoked":       true,
				"revoked_at":    now,
				"revoke_reason": reason,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errTunnelAlreadyRevoked
		}
		return nil
	})

	// Drop from the active set even when the row was already revoked elsewhere.
	if err == nil || errors.Is(err, errTunnelAlreadyRevoked) {
		t.dropActive(cred.ID)
	}
	if err != nil && !errors.Is(err, errTunnelAlreadyRevoked) {
		return apperrors.Wrap(err, "revoke tunnel")
	}
	return err
}

// ListTunnels expires stale credentials, then returns the caller's live ones.
func (t *TunnelIssuer) ListTunnels(ctx context.Context, userID string) ([]models.TunnelCredential, error) {
	ctx = ensureContext(ctx)

	if _, err := t.SweepExpired(ctx); err != nil {
		return nil, err
	}

	var creds []models.TunnelCredential
	if err := t.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ?", userID, false).
		Order("issued_at DESC").
		Find(&creds).Error; err != nil {
		return nil, apperrors.Wrap(err, "list tunnels")
	}
	return creds, nil
}

// Validate checks signature, scope marker, expiry and active-set membership, in that order.
func (t *TunnelIssuer) Validate(ctx context.Context, token string) TunnelValidation {
	result := t.validate(ctx, token)
	monitoring.RecordTunnelValidation(validationLabel(result))
	return result
}

// ValidateFor validates token and additionally requires it to match scope.
func (t *TunnelIssuer) ValidateFor(ctx context.Context, token string, scope TunnelScope) TunnelValidation {
	result := t.validate(ctx, token)
	if result.Valid {
		cred := t.lookupActive(result.TunnelID)
		if (scope.SessionID != "" && scope.SessionID != cred.SessionID) ||
			(scope.HostID != "" && scope.HostID != cred.HostID) ||
			(scope.GatewayID != "" && scope.GatewayID != cred.GatewayID) {
			result = TunnelValidation{
				TunnelID:  result.TunnelID,
				SessionID: result.SessionID,
				Reason:    TunnelReasonScopeMismatch,
			}
		}
	}
	monitoring.RecordTunnelValidation(validationLabel(result))
	return result
}

func (t *TunnelIssuer) validate(ctx context.Context, token string) TunnelValidation {
	token = strings.TrimSpace(token)
	if token == "" {
		return TunnelValidation{Reason: TunnelReasonMalformed}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims TunnelClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return TunnelValidation{Reason: TunnelReasonBadSignature}
		}
		return TunnelValidation{Reason: TunnelReasonMalformed}
	}

	base := TunnelValidation{TunnelID: claims.TunnelID, SessionID: claims.SessionID}

	if claims.Scope != TunnelScopeRelay || claims.TunnelID == "" || claims.SessionID == "" ||
		(t.issuer != "" && claims.Issuer != t.issuer) {
		base.Reason = TunnelReasonBadScope
		return base
	}

	now := t.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		base.Reason = TunnelReasonExpired
		return base
	}

	cred := t.lookupActive(claims.TunnelID)
	if cred.ID == "" || cred.Revoked {
		base.Reason = TunnelReasonRevoked
		return base
	}
	if !now.Before(cred.ExpiresAt) {
		base.Reason = TunnelReasonExpired
		return base
	}
	if cred.SessionID != claims.SessionID || !slices.Contains(claims.Audience, cred.GatewayID) {
		base.Reason = TunnelReasonBadScope
		return base
	}

	var session models.Session
	err = t.db.WithContext(ensureContext(ctx)).Select("status").Take(&session, "id = ?", cred.SessionID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		base.Reason = TunnelReasonSessionEnded
		return base
	case err != nil:
		t.log.Warn("tunnel session lookup failed", zap.String("tunnel_id", cred.ID), zap.Error(err))
		base.Reason = TunnelReasonUnavailable
		return base
	case !session.Status.IsLive():
		base.Reason = TunnelReasonSessionEnded
		return base
	}

	return TunnelValidation{
		Valid:     true,
		TunnelID:  cred.ID,
		SessionID: cred.SessionID,
		HostID:    cred.HostID,
		Protocol:  cred.Protocol,
	}
}

func (t *TunnelIssuer) lookupActive(tunnelID string) models.TunnelCredential {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[tunnelID]
}

// ActiveCount returns the number of credentials in the active set.
func (t *TunnelIssuer) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Restore loads unrevoked, unexpired credentials into the active set.
func (t *TunnelIssuer) Restore(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	var creds []models.TunnelCredential
	if err := t.db.WithContext(ctx).
		Where("revoked = ? AND expires_at > ?", false, t.now().UTC()).
		Find(&creds).Error; err != nil {
		return 0, apperrors.Wrap(err, "restore tunnels")
	}

	t.mu.Lock()
	for _, cred := range creds {
		t.active[cred.ID] = cred
	}
	count := len(t.active)
	t.mu.Unlock()

	monitoring.SetActiveTunnels(count)
	return len(creds), nil
}

func validationLabel(v TunnelValidation) string {
	if v.Valid {
		return "valid"
	}
	return v.Reason
}
