package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"kpiboard/backend/internal/access"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/xid"
)

// maxSlugAttempts bounds the -N suffixes tried for a personal organization.
const maxSlugAttempts = 50

// ListOrganizations returns every organization to super admins and the
// actor's own organizations to everyone else.
func (s *Service) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	superAdmin, err := s.access.IsSuperAdmin(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if superAdmin {
		return s.repo.ListOrganizations(ctx)
	}
	return s.repo.ListOrganizationsForUser(ctx, actor.UserID)
}

func (s *Service) GetOrganization(ctx context.Context, orgID string) (domain.Organization, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Organization{}, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return domain.Organization{}, err
	}
	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return domain.Organization{}, err
	}
	return *org, nil
}

func (s *Service) CreateOrganization(ctx context.Context, req domain.OrganizationCreateRequest) (domain.Organization, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Organization{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Organization{}, err
	}

	orgSlug := slug.Make(req.Slug)
	if orgSlug == "" {
		orgSlug = slug.Make(req.Name)
	}
	if orgSlug == "" {
		return domain.Organization{}, invalidf("invalid organization slug")
	}

	org, err := s.insertOrganization(ctx, req.Name, orgSlug, actor.UserID)
	if errors.Is(err, store.ErrConflict) {
		return domain.Organization{}, fmt.Errorf("%w: organization slug already exists", store.ErrConflict)
	}
	if err != nil {
		return domain.Organization{}, err
	}
	s.log.Info("organization created", zap.String("org_id", org.ID), zap.String("slug", org.Slug), zap.String("owner_id", actor.UserID))
	return org, nil
}

// EnsurePersonalOrganization gives a freshly registered account an
// organization of its own unless it already belongs to one. The slug gets a
// numeric suffix when the plain one is taken.
func (s *Service) EnsurePersonalOrganization(ctx context.Context, user domain.UserAccount) (*domain.Organization, error) {
	existing, err := s.repo.ListOrganizationsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}

	name := "My Organization"
	if first := strings.Fields(user.Name); len(first) > 0 {
		name = first[0] + "'s Organization"
	}
	base := slug.Make(name)

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", base, attempt)
		}
		org, err := s.insertOrganization(ctx, name, candidate, user.ID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &org, nil
	}
	return nil, fmt.Errorf("%w: no free slug for %q", store.ErrConflict, base)
}

func (s *Service) insertOrganization(ctx context.Context, name, orgSlug, ownerID string) (domain.Organization, error) {
	now := s.clock.Now()
	org := domain.Organization{
		ID:        xid.New("org"),
		Name:      name,
		Slug:      orgSlug,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
	owner := domain.Member{
		ID:       xid.New("mem"),
		OrgID:    org.ID,
		UserID:   ownerID,
		Role:     domain.RoleOwner,
		JoinedAt: now,
	}
	if err := s.repo.CreateOrganization(ctx, org, owner); err != nil {
		return domain.Organization{}, err
	}
	s.access.InvalidateMember(ctx, org.ID, ownerID)
	return org, nil
}

func (s *Service) ListMembers(ctx context.Context, orgID string) ([]domain.MemberDetail, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}

	members, err := s.repo.ListMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	details := make([]domain.MemberDetail, 0, len(members))
	for _, m := range members {
		d := domain.MemberDetail{MemberID: m.ID, UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt}
		user, err := s.repo.GetUserByID(ctx, m.UserID)
		switch {
		case err == nil:
			d.Name, d.Email = user.Name, user.Email
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

// MyOrgRole returns the actor's effective role, or "" when they are not a
// member.
func (s *Service) MyOrgRole(ctx context.Context, orgID string) (domain.OrgRole, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return "", err
	}
	return s.access.OrgRole(ctx, orgID, actor.UserID)
}

func (s *Service) InviteMember(ctx context.Context, orgID string, req domain.MemberInviteRequest) (domain.MemberDetail, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.MemberDetail{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.MemberDetail{}, err
	}
	if _, err := s.access.AssertOrgRole(ctx, orgID, actor, domain.RoleAdmin); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			return domain.MemberDetail{}, forbiddenf("insufficient permissions to invite members")
		}
		return domain.MemberDetail{}, err
	}

	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return domain.MemberDetail{}, notFoundf("user not found, they must sign up first")
	}
	if err != nil {
		return domain.MemberDetail{}, err
	}

	member := domain.Member{
		ID:       xid.New("mem"),
		OrgID:    orgID,
		UserID:   user.ID,
		Role:     req.Role,
		JoinedAt: s.clock.Now(),
	}
	if err := s.repo.CreateMember(ctx, member); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.MemberDetail{}, fmt.Errorf("%w: user is already a member of this organization", store.ErrConflict)
		}
		return domain.MemberDetail{}, err
	}
	s.access.InvalidateMember(ctx, orgID, user.ID)
	s.log.Info("member invited", zap.String("org_id", orgID), zap.String("user_id", user.ID), zap.String("role", string(req.Role)))

	return domain.MemberDetail{
		MemberID: member.ID,
		UserID:   user.ID,
		Role:     member.Role,
		JoinedAt: member.JoinedAt,
		Name:     user.Name,
		Email:    user.Email,
	}, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, orgID, memberID string, req domain.MemberRoleUpdateRequest) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	if err := s.validateRequest(req); err != nil {
		return err
	}
	if _, err := s.access.AssertOrgRole(ctx, orgID, actor, domain.RoleOwner); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			return forbiddenf("only owners can change member roles")
		}
		return err
	}

	member, err := s.orgMember(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if member.Role == domain.RoleOwner && req.Role != domain.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, orgID); err != nil {
			return err
		}
	}

	if err := s.repo.UpdateMemberRole(ctx, memberID, req.Role); err != nil {
		return err
	}
	s.access.InvalidateMember(ctx, orgID, member.UserID)
	return nil
}

// RemoveMember lets anyone remove themselves. Otherwise owners remove admins
// and members, admins remove members, and owners are never removed by
// someone else.
func (s *Service) RemoveMember(ctx context.Context, orgID, memberID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}

	member, err := s.orgMember(ctx, orgID, memberID)
	if err != nil {
		return err
	}

	if member.UserID != actor.UserID {
		viewerRole, err := s.access.OrgRole(ctx, orgID, actor.UserID)
		if err != nil {
			return err
		}
		switch {
		case viewerRole == "":
			return access.ErrForbidden
		case viewerRole == domain.RoleMember:
			return forbiddenf("members cannot remove other members")
		case viewerRole == domain.RoleAdmin && member.Role == domain.RoleAdmin:
			return forbiddenf("admins cannot remove other admins")
		case member.Role == domain.RoleOwner:
			return forbiddenf("only owners can remove other owners")
		}
	}

	if member.Role == domain.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, orgID); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteMember(ctx, memberID); err != nil {
		return err
	}
	s.access.InvalidateMember(ctx, orgID, member.UserID)
	return nil
}

func (s *Service) LeaveOrganization(ctx context.Context, orgID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	membership, err := s.repo.GetMembership(ctx, orgID, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: you are not a member of this organization", access.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if membership.Role == domain.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, orgID); err != nil {
			return fmt.Errorf("cannot leave, transfer ownership first: %w", err)
		}
	}
	if err := s.repo.DeleteMember(ctx, membership.ID); err != nil {
		return err
	}
	s.access.InvalidateMember(ctx, orgID, actor.UserID)
	return nil
}

func (s *Service) orgMember(ctx context.Context, orgID, memberID string) (*domain.Member, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && member.OrgID != orgID) {
		return nil, notFoundf("member not found")
	}
	return member, err
}

func (s *Service) ensureAnotherOwner(ctx context.Context, orgID string) error {
	members, err := s.repo.ListMembers(ctx, orgID)
	if err != nil {
		return err
	}
	owners := 0
	for _, m := range members {
		if m.Role == domain.RoleOwner {
			owners++
		}
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

func (s *Service) MyAppRole(ctx context.Context) (domain.AppRoleName, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return "", err
	}
	role, err := s.repo.GetAppRole(ctx, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.AppRoleUser, nil
	}
	if err != nil {
		return "", err
	}
	return role.Role, nil
}

// BootstrapSuperAdmin promotes the caller when no app role has been
// assigned to anyone yet.
func (s *Service) BootstrapSuperAdmin(ctx context.Context) (domain.AppRole, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.AppRole{}, err
	}
	return s.bootstrap(ctx, actor.UserID)
}

// BootstrapSuperAdminByEmail is the operator path for an existing account.
func (s *Service) BootstrapSuperAdminByEmail(ctx context.Context, email string) (domain.AppRole, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return domain.AppRole{}, notFoundf("user with email %s not found", email)
	}
	if err != nil {
		return domain.AppRole{}, err
	}
	return s.bootstrap(ctx, user.ID)
}

func (s *Service) bootstrap(ctx context.Context, userID string) (domain.AppRole, error) {
	role := domain.AppRole{UserID: userID, Role: domain.AppRoleSuperAdmin}
	if err := s.repo.CreateFirstAppRole(ctx, role); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.AppRole{}, fmt.Errorf("%w: super admin already initialized", store.ErrConflict)
		}
		return domain.AppRole{}, err
	}
	s.access.InvalidateAppRole(ctx, userID)
	s.log.Info("super admin bootstrapped", zap.String("user_id", userID))
	return role, nil
}

func (s *Service) SetUserRole(ctx context.Context, req domain.AppRoleUpdateRequest) (domain.AppRole, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.AppRole{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.AppRole{}, err
	}
	if err := s.requireSuperAdmin(ctx, actor); err != nil {
		return domain.AppRole{}, err
	}
	if _, err := s.repo.GetUserByID(ctx, req.UserID); err != nil {
		return domain.AppRole{}, err
	}

	role := domain.AppRole{UserID: req.UserID, Role: req.Role}
	if err := s.repo.UpsertAppRole(ctx, role); err != nil {
		return domain.AppRole{}, err
	}
	s.access.InvalidateAppRole(ctx, req.UserID)
	return role, nil
}

func (s *Service) requireSuperAdmin(ctx context.Context, actor *domain.Actor) error {
	ok, err := s.access.IsSuperAdmin(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return access.ErrForbidden
	}
	return nil
}
