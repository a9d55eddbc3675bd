package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kpiboard/backend/internal/cache"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
)

var (
	// ErrUnauthorized means the actor has no standing in the organization.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the actor is a member but their role is too low.
	ErrForbidden = errors.New("forbidden")
)

// Checker resolves what an actor may do in an organization.
type Checker struct {
	store store.AccessStore
	cache cache.RoleCache
	ttl   time.Duration
	log   *zap.Logger
}

func NewChecker(s store.AccessStore, roleCache cache.RoleCache, ttl time.Duration, log *zap.Logger) *Checker {
	if roleCache == nil {
		roleCache = cache.NoopRoleCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{store: s, cache: roleCache, ttl: ttl, log: log.Named("access")}
}

func appRoleKey(userID string) string {
	return "kpiboard:approle:" + userID
}

func memberKey(orgID, userID string) string {
	return "kpiboard:member:" + orgID + ":" + userID
}

func (c *Checker) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	role, err := c.cached(ctx, appRoleKey(userID), func() (string, bool, error) {
		r, err := c.store.GetAppRole(ctx, userID)
		if err != nil {
			return "", false, err
		}
		return string(r.Role), true, nil
	})
	if err != nil {
		return false, err
	}
	return domain.AppRoleName(role) == domain.AppRoleSuperAdmin, nil
}

// OrgRole returns the actor's effective role in orgID. Super admins rank as
// owner everywhere; non-members get "".
func (c *Checker) OrgRole(ctx context.Context, orgID, userID string) (domain.OrgRole, error) {
	if userID == "" {
		return "", nil
	}
	superAdmin, err := c.IsSuperAdmin(ctx, userID)
	if err != nil {
		return "", err
	}
	if superAdmin {
		return domain.RoleOwner, nil
	}
	role, err := c.cached(ctx, memberKey(orgID, userID), func() (string, bool, error) {
		m, err := c.store.GetMembership(ctx, orgID, userID)
		if err != nil {
			return "", false, err
		}
		return string(m.Role), true, nil
	})
	if err != nil {
		return "", err
	}
	return domain.OrgRole(role), nil
}

func (c *Checker) AssertOrgAccess(ctx context.Context, orgID string, actor *domain.Actor) error {
	_, err := c.AssertOrgRole(ctx, orgID, actor, domain.RoleMember)
	return err
}

// AssertOrgRole returns the actor's effective role when it ranks at least
// required.
func (c *Checker) AssertOrgRole(ctx context.Context, orgID string, actor *domain.Actor, required domain.OrgRole) (domain.OrgRole, error) {
	if actor == nil || actor.UserID == "" || orgID == "" {
		return "", ErrUnauthorized
	}
	role, err := c.OrgRole(ctx, orgID, actor.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve org role: %w", err)
	}
	if role == "" {
		return "", ErrUnauthorized
	}
	if role.Rank() < required.Rank() {
		return role, ErrForbidden
	}
	return role, nil
}

// InvalidateMember drops the cached membership of userID in orgID.
func (c *Checker) InvalidateMember(ctx context.Context, orgID, userID string) {
	if err := c.cache.Delete(ctx, memberKey(orgID, userID)); err != nil {
		c.log.Warn("invalidate membership cache", zap.String("org_id", orgID), zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *Checker) InvalidateAppRole(ctx context.Context, userID string) {
	if err := c.cache.Delete(ctx, appRoleKey(userID)); err != nil {
		c.log.Warn("invalidate app role cache", zap.String("user_id", userID), zap.Error(err))
	}
}

// cached serves load through the role cache. store.ErrNotFound from load is
// cached as a negative entry; cache failures fall back to the store.
func (c *Checker) cached(ctx context.Context, key string, load func() (string, bool, error)) (string, error) {
	if entry, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("role cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		if !entry.Found {
			return "", nil
		}
		return entry.Role, nil
	}

	role, found, err := load()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if err := c.cache.Set(ctx, key, cache.Entry{Role: role, Found: found}, c.ttl); err != nil {
		c.log.Warn("role cache write failed", zap.String("key", key), zap.Error(err))
	}
	return role, nil
}
