package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

func TestOrganizationServiceLifecycle(t *testing.T) {
	auditSvc, db := newTestAuditService(t)
	orgSvc, err := NewOrganizationService(db, auditSvc)
	require.NoError(t, err)

	ctx := context.Background()

	org, err := orgSvc.Create(ctx, CreateOrganizationInput{
		Name:        "Acme Corp",
		Description: "Primary tenant",
		OwnerID:     "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, org.ID)

	retrieved, err := orgSvc.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", retrieved.Name)
	require.Len(t, retrieved.Members, 1)

	role, err := orgSvc.MemberRole(ctx, org.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.MemberRoleOwner, role)

	_, err = orgSvc.AddMember(ctx, org.ID, "bob", "")
	require.NoError(t, err)
	ok, err := orgSvc.IsMember(ctx, org.ID, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	promoted, err := orgSvc.AddMember(ctx, org.ID, "bob", "OWNER")
	require.NoError(t, err)
	require.Equal(t, models.MemberRoleOwner, promoted.Role)

	members, err := orgSvc.OrgMemberIDs(ctx, org.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)

	ok, err = orgSvc.IsMember(ctx, org.ID, "mallory")
	require.NoError(t, err)
	require.False(t, ok)

	var events []string
	require.NoError(t, db.Model(&models.AuditEntry{}).Order("seq ASC").Pluck("event_type", &events).Error)
	require.Equal(t, []string{AuditOrganizationCreated, AuditMemberAdded, AuditMemberAdded}, events)
}

func TestOrganizationServiceListForUser(t *testing.T) {
	auditSvc, db := newTestAuditService(t)
	orgSvc, err := NewOrganizationService(db, auditSvc)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := orgSvc.Create(ctx, CreateOrganizationInput{Name: "one", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = orgSvc.Create(ctx, CreateOrganizationInput{Name: "two", OwnerID: "bob"})
	require.NoError(t, err)

	visible, err := orgSvc.ListForUser(ctx, auditctx.Actor{Type: auditctx.ActorUser, ID: "alice"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, first.ID, visible[0].ID)

	all, err := orgSvc.ListForUser(ctx, auditctx.Actor{Type: auditctx.ActorUser, ID: "root", Role: "admin"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	ids, err := orgSvc.UserOrgIDs(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, ids)
}

func TestOrganizationServiceValidation(t *testing.T) {
	auditSvc, db := newTestAuditService(t)
	orgSvc, err := NewOrganizationService(db, auditSvc)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = orgSvc.Create(ctx, CreateOrganizationInput{Name: "  "})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = orgSvc.Create(ctx, CreateOrganizationInput{Name: "dup"})
	require.NoError(t, err)
	_, err = orgSvc.Create(ctx, CreateOrganizationInput{Name: "dup"})
	require.Error(t, err)

	_, err = orgSvc.AddMember(ctx, "missing", "bob", "member")
	require.ErrorIs(t, err, ErrOrganizationNotFound)

	org, err := orgSvc.Create(ctx, CreateOrganizationInput{Name: "roles"})
	require.NoError(t, err)
	_, err = orgSvc.AddMember(ctx, org.ID, "bob", "superuser")
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}
