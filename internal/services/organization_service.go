package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

// ErrOrganizationNotFound indicates the requested organisation does not exist.
var ErrOrganizationNotFound = apperrors.ErrNotFound.WithMessage("organization not found")

// CreateOrganizationInput captures the attributes required to register an organisation.
type CreateOrganizationInput struct {
	Name        string `validate:"required,max=128"`
	Description string `validate:"max=512"`
	// OwnerID becomes the first owner when set.
	OwnerID string
}

// OrganizationService manages organisations and their memberships.
type OrganizationService struct {
	db           *gorm.DB
	auditService *AuditService
}

// NewOrganizationService constructs an OrganizationService instance.
func NewOrganizationService(db *gorm.DB, auditService *AuditService) (*OrganizationService, error) {
	if db == nil {
		return nil, errors.New("organization service: db is required")
	}
	if auditService == nil {
		return nil, errors.New("organization service: audit service is required")
	}
	return &OrganizationService{
		db:           db,
		auditService: auditService,
	}, nil
}

// Create registers a new organisation and, optionally, its first owner.
func (s *OrganizationService) Create(ctx context.Context, input CreateOrganizationInput) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("organization name is required")
	}

	org := &models.Organization{
		BaseModel:   models.BaseModel{ID: uuid.NewString()},
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	}
	ownerID := strings.TrimSpace(input.OwnerID)

	_, err := s.auditService.Record(ctx, AuditEvent{
		EventType:    AuditOrganizationCreated,
		Actor:        auditctx.FromContextOr(ctx, auditctx.System),
		ResourceType: ResourceOrganization,
		ResourceID:   org.ID,
		Outcome:      OutcomeSuccess,
		Context:      map[string]any{"name": name, "owner_id": ownerID},
	}, func(tx *gorm.DB) error {
		if err := tx.Create(org).Error; err != nil {
			return err
		}
		if ownerID == "" {
			return nil
		}
		return tx.Create(&models.Membership{OrgID: org.ID, UserID: ownerID, Role: models.MemberRoleOwner}).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithMessage("organization name already taken")
		}
		return nil, fmt.Errorf("organization service: create organization: %w", err)
	}
	return org, nil
}

// GetByID loads an organisation with its members.
func (s *OrganizationService) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	var org models.Organization
	err := s.db.WithContext(ctx).
		Preload("Members").
		First(&org, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: get organization: %w", err)
	}
	return &org, nil
}

// ListForUser returns the organisations userID belongs to. Admins see all.
func (s *OrganizationService) ListForUser(ctx context.Context, actor auditctx.Actor) ([]models.Organization, error) {
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).Order("created_at ASC")
	if !actor.IsAdmin() {
		query = query.Where("id IN (?)", s.db.Model(&models.Membership{}).Select("org_id").Where("user_id = ?", actor.ID))
	}

	var orgs []models.Organization
	if err := query.Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("organization service: list organizations: %w", err)
	}
	return orgs, nil
}

// AddMember grants userID a role in the organisation. Re-adding updates the role.
func (s *OrganizationService) AddMember(ctx context.Context, orgID, userID, role string) (*models.Membership, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = models.MemberRoleMember
	}
	if role != models.MemberRoleMember && role != models.MemberRoleOwner {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown member role %q", role))
	}

	if _, err := s.GetByID(ctx, orgID); err != nil {
		return nil, err
	}

	membership := models.Membership{OrgID: orgID, UserID: userID, Role: role}
	_, err := s.auditService.Record(ctx, AuditEvent{
		EventType:    AuditMemberAdded,
		Actor:        auditctx.FromContextOr(ctx, auditctx.System),
		ResourceType: ResourceOrganization,
		ResourceID:   orgID,
		Outcome:      OutcomeSuccess,
		Context:      map[string]any{"user_id": userID, "role": role},
	}, func(tx *gorm.DB) error {
		var existing models.Membership
		err := tx.Where("org_id = ? AND user_id = ?", orgID, userID).Take(&existing).Error
		switch {
		case err == nil:
			membership = existing
			membership.Role = role
			return tx.Model(&existing).Update("role", role).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&membership).Error
		default:
			return err
		}
	})
	switch violatedConstraint(err) {
	case uniqueViolation:
		return nil, apperrors.ErrConflict.WithMessage("membership was changed concurrently").WithInternal(err)
	case foreignKeyViolation:
		return nil, apperrors.ErrNotFound.WithMessage("organization not found").WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: add member: %w", err)
	}
	return &membership, nil
}

// MemberRole returns userID's role in orgID, or "" when not a member.
func (s *OrganizationService) MemberRole(ctx context.Context, orgID, userID string) (string, error) {
	ctx = ensureContext(ctx)

	var membership models.Membership
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("organization service: load membership: %w", err)
	}
	return membership.Role, nil
}

// IsMember reports whether userID belongs to orgID.
func (s *OrganizationService) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	role, err := s.MemberRole(ctx, orgID, userID)
	return role != "", err
}

// UserOrgIDs returns the organisation ids userID belongs to.
func (s *OrganizationService) UserOrgIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ensureContext(ctx)).
		Model(&models.Membership{}).
		Where("user_id = ?", userID).
		Pluck("org_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("organization service: list memberships: %w", err)
	}
	return ids, nil
}

// OrgMemberIDs returns the user ids belonging to orgID.
func (s *OrganizationService) OrgMemberIDs(ctx context.Context, orgID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ensureContext(ctx)).
		Model(&models.Membership{}).
		Where("org_id = ?", orgID).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("organization service: list members: %w", err)
	}
	return ids, nil
}
