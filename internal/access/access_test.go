package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/cache"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store/memory"
)

func seedMembers(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	now := time.Now().UTC()

	org := domain.Organization{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "u_owner", CreatedAt: now}
	require.NoError(t, s.CreateOrganization(ctx, org, domain.Member{ID: "m_owner", UserID: "u_owner", Role: domain.RoleOwner, JoinedAt: now}))
	require.NoError(t, s.CreateMember(ctx, domain.Member{ID: "m_admin", OrgID: "org_1", UserID: "u_admin", Role: domain.RoleAdmin, JoinedAt: now}))
	require.NoError(t, s.CreateMember(ctx, domain.Member{ID: "m_member", OrgID: "org_1", UserID: "u_member", Role: domain.RoleMember, JoinedAt: now}))
	require.NoError(t, s.UpsertAppRole(ctx, domain.AppRole{UserID: "u_root", Role: domain.AppRoleSuperAdmin}))
	return s
}

func TestAssertOrgAccess(t *testing.T) {
	c := NewChecker(seedMembers(t), nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, c.AssertOrgAccess(ctx, "org_1", &domain.Actor{UserID: "u_member"}))
	require.NoError(t, c.AssertOrgAccess(ctx, "org_1", &domain.Actor{UserID: "u_root"}))

	assert.ErrorIs(t, c.AssertOrgAccess(ctx, "org_1", nil), ErrUnauthorized)
	assert.ErrorIs(t, c.AssertOrgAccess(ctx, "org_1", &domain.Actor{UserID: "u_stranger"}), ErrUnauthorized)
	assert.ErrorIs(t, c.AssertOrgAccess(ctx, "org_other", &domain.Actor{UserID: "u_owner"}), ErrUnauthorized)
}

func TestAssertOrgRoleHierarchy(t *testing.T) {
	c := NewChecker(seedMembers(t), nil, 0, nil)
	ctx := context.Background()

	cases := []struct {
		user     string
		required domain.OrgRole
		wantErr  error
	}{
		{"u_owner", domain.RoleOwner, nil},
		{"u_admin", domain.RoleAdmin, nil},
		{"u_admin", domain.RoleOwner, ErrForbidden},
		{"u_member", domain.RoleAdmin, ErrForbidden},
		{"u_member", domain.RoleMember, nil},
		{"u_root", domain.RoleOwner, nil},
		{"u_stranger", domain.RoleMember, ErrUnauthorized},
	}
	for _, tc := range cases {
		_, err := c.AssertOrgRole(ctx, "org_1", &domain.Actor{UserID: tc.user}, tc.required)
		if tc.wantErr == nil {
			assert.NoError(t, err, "%s needs %s", tc.user, tc.required)
			continue
		}
		assert.True(t, errors.Is(err, tc.wantErr), "%s needs %s: got %v", tc.user, tc.required, err)
	}
}

func TestSuperAdminRanksAsOwner(t *testing.T) {
	c := NewChecker(seedMembers(t), nil, 0, nil)
	role, err := c.OrgRole(context.Background(), "org_anything", "u_root")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, role)
}

func TestCachedRoleIsInvalidatedOnChange(t *testing.T) {
	s := seedMembers(t)
	c := NewChecker(s, cache.NewMemoryRoleCache(nil), time.Minute, nil)
	ctx := context.Background()

	role, err := c.OrgRole(ctx, "org_1", "u_member")
	require.NoError(t, err)
	require.Equal(t, domain.RoleMember, role)

	require.NoError(t, s.UpdateMemberRole(ctx, "m_member", domain.RoleAdmin))

	role, err = c.OrgRole(ctx, "org_1", "u_member")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, role, "stale entry is served until invalidated")

	c.InvalidateMember(ctx, "org_1", "u_member")
	role, err = c.OrgRole(ctx, "org_1", "u_member")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)
}

func TestNegativeLookupIsCached(t *testing.T) {
	s := seedMembers(t)
	c := NewChecker(s, cache.NewMemoryRoleCache(nil), time.Minute, nil)
	ctx := context.Background()

	role, err := c.OrgRole(ctx, "org_1", "u_late")
	require.NoError(t, err)
	require.Equal(t, domain.OrgRole(""), role)

	require.NoError(t, s.CreateMember(ctx, domain.Member{ID: "m_late", OrgID: "org_1", UserID: "u_late", Role: domain.RoleMember, JoinedAt: time.Now()}))
	c.InvalidateMember(ctx, "org_1", "u_late")

	role, err = c.OrgRole(ctx, "org_1", "u_late")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, role)
}
