package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/signaling"
	"github.com/charlesng35/gpubroker/pkg/crypto"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const agentTokenBytes = 32

// RegisterHostInput describes a host being added to an organisation.
type RegisterHostInput struct {
	Name           string `json:"name" validate:"required,max=128"`
	PublicEndpoint string `json:"public_endpoint" validate:"omitempty,max=255,hostname_port"`
}

// HostRegistration is returned once on registration. The agent token is not retrievable afterwards.
type HostRegistration struct {
	Host       *models.Host `json:"host"`
	AgentToken string       `json:"agent_token"`
}

// HostService tracks host agents and their presence.
type HostService struct {
	db     *gorm.DB
	audit  *AuditService
	orgs   *OrganizationService
	notify Signaler
	grace  time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// HostOption customises the host service.
type HostOption func(*HostService)

// WithHostClock overrides the clock used for heartbeat bookkeeping.
func WithHostClock(clock func() time.Time) HostOption {
	return func(s *HostService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithHostNotifier pushes host_status updates to organisation members.
func WithHostNotifier(notify Signaler) HostOption {
	return func(s *HostService) {
		s.notify = notify
	}
}

// NewHostService constructs the service. grace is how long an ONLINE host may
// go without a heartbeat before it is marked OFFLINE.
func NewHostService(db *gorm.DB, audit *AuditService, orgs *OrganizationService, grace time.Duration, opts ...HostOption) (*HostService, error) {
	if db == nil {
		return nil, errors.New("host service: db is required")
	}
	if audit == nil {
		return nil, errors.New("host service: audit service is required")
	}
	if orgs == nil {
		return nil, errors.New("host service: organization service is required")
	}
	if grace <= 0 {
		grace = DefaultKeepaliveInterval * DefaultGraceMultiplier
	}
	svc := &HostService{
		db:    db,
		audit: audit,
		orgs:  orgs,
		grace: grace,
		now:   time.Now,
		log:   logger.WithModule("hosts"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Register adds a host to orgID and returns its one-time agent token.
func (s *HostService) Register(ctx context.Context, orgID string, input RegisterHostInput) (*HostRegistration, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("host name is required")
	}
	if _, err := s.orgs.GetByID(ctx, orgID); err != nil {
		return nil, err
	}

	token, err := crypto.GenerateToken(agentTokenBytes)
	if err != nil {
		return nil, apperrors.Wrap(err, "generate agent token")
	}
	hash, err := crypto.HashSecret(token)
	if err != nil {
		return nil, apperrors.Wrap(err, "hash agent token")
	}

	host := &models.Host{
		BaseModel:      models.BaseModel{ID: uuid.NewString()},
		OrgID:          orgID,
		Name:           name,
		Status:         models.HostOffline,
		PublicEndpoint: strings.TrimSpace(input.PublicEndpoint),
		AgentTokenHash: hash,
	}

	_, err = s.audit.Record(ctx, AuditEvent{
		EventType:    AuditHostRegistered,
		Actor:        auditctx.FromContextOr(ctx, auditctx.System),
		ResourceType: ResourceHost,
		ResourceID:   host.ID,
		Outcome:      OutcomeSuccess,
		Context:      map[string]any{"org_id": orgID, "name": name},
	}, func(tx *gorm.DB) error {
		return tx.Create(host).Error
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "register host")
	}

	s.log.Info("host registered", zap.String("host_id", host.ID), zap.String("org_id", orgID))
	return &HostRegistration{Host: host, AgentToken: token}, nil
}

// Authenticate verifies a host agent's token.
func (s *HostService) Authenticate(ctx context.Context, hostID, token string) (*models.Host, error) {
	host, err := s.Get(ctx, hostID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrUnauthenticated
		}
		return nil, err
	}
	if !crypto.VerifySecret(host.AgentTokenHash, strings.TrimSpace(token)) {
		return nil, apperrors.ErrUnauthenticated
	}
	return host, nil
}

// Get loads a host by id.
func (s *HostService) Get(ctx context.Context, hostID string) (*models.Host, error) {
	var host models.Host
	if err := s.db.WithContext(ensureContext(ctx)).Take(&host, "id = ?", strings.TrimSpace(hostID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("host not found")
		}
		return nil, apperrors.Wrap(err, "load host")
	}
	return &host, nil
}

// ListForUser returns hosts in the organisations the actor belongs to. Admins see every host.
func (s *HostService) ListForUser(ctx context.Context, actor auditctx.Actor) ([]models.Host, error) {
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).Order("name ASC")
	if !actor.IsAdmin() {
		orgIDs, err := s.orgs.UserOrgIDs(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		if len(orgIDs) == 0 {
			return []models.Host{}, nil
		}
		query = query.Where("org_id IN ?", orgIDs)
	}

	var hosts []models.Host
	if err := query.Find(&hosts).Error; err != nil {
		return nil, apperrors.Wrap(err, "list hosts")
	}
	return hosts, nil
}

// Heartbeat records agent liveness and marks the host ONLINE.
func (s *HostService) Heartbeat(ctx context.Context, hostID string, load float64) error {
	ctx = ensureContext(ctx)

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&models.Host{}).
		Where("id = ?", hostID).
		Updates(map[string]any{"last_heartbeat_at": now, "load": load})
	if result.Error != nil {
		return apperrors.Wrap(result.Error, "record heartbeat")
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("host not found")
	}
	_, err := s.SetStatus(ctx, hostID, models.HostOnline)
	return err
}

// SetStatus changes a host's presence. It reports whether the status changed;
// changes are audited and pushed to organisation members.
func (s *HostService) SetStatus(ctx context.Context, hostID string, status models.HostStatus) (bool, error) {
	ctx = ensureContext(ctx)

	host, err := s.Get(ctx, hostID)
	if err != nil {
		return false, err
	}
	if host.Status == status {
		return false, nil
	}

	changed := false
	_, err = s.audit.Record(ctx, AuditEvent{
		EventType:    AuditHostStatusChanged,
		Actor:        auditctx.Actor{Type: auditctx.ActorHost, ID: hostID},
		ResourceType: ResourceHost,
		ResourceID:   hostID,
		Outcome:      OutcomeSuccess,
		Context:      map[string]any{"from": string(host.Status), "to": string(status)},
	}, func(tx *gorm.DB) error {
		result := tx.Model(&models.Host{}).
			Where("id = ? AND status = ?", hostID, host.Status).
			Update("status", status)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errStaleTransition
		}
		changed = true
		return nil
	})
	if errors.Is(err, errStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, "update host status")
	}

	s.log.Info("host status changed",
		zap.String("host_id", hostID),
		zap.String("from", string(host.Status)),
		zap.String("to", string(status)),
	)
	s.broadcastStatus(ctx, host.OrgID, hostID, status)
	return changed, nil
}

func (s *HostService) broadcastStatus(ctx context.Context, orgID, hostID string, status models.HostStatus) {
	if s.notify == nil {
		return
	}
	members, err := s.orgs.OrgMemberIDs(ctx, orgID)
	if err != nil {
		s.log.Warn("host status not broadcast", zap.String("host_id", hostID), zap.Error(err))
		return
	}
	env := signaling.MustEnvelope(signaling.MsgHostStatus, "", signaling.HostStatusPayload{
		HostID: hostID,
		Status: string(status),
	})
	for _, userID := range members {
		if err := s.notify.SendToClient(ctx, userID, env); err != nil && !errors.Is(err, signaling.ErrPeerNotConnected) {
			s.log.Debug("host status not delivered", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// SweepPresence marks ONLINE hosts OFFLINE once their heartbeat is older than the grace period.
func (s *HostService) SweepPresence(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	cutoff := s.now().UTC().Add(-s.grace)
	var stale []models.Host
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", models.HostOnline, cutoff).
		Find(&stale).Error; err != nil {
		return 0, apperrors.Wrap(err, "list stale hosts")
	}

	var errs error
	count := 0
	for _, host := range stale {
		changed, err := s.SetStatus(ctx, host.ID, models.HostOffline)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("host %s: %w", host.ID, err))
			continue
		}
		if changed {
			count++
		}
	}
	return count, errs
}
