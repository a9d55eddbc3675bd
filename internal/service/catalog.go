package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/xid"
)

func (s *Service) ListStores(ctx context.Context, orgID string) ([]domain.Store, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListStores(ctx, orgID)
}

func (s *Service) CreateStore(ctx context.Context, orgID string, req domain.NamedCreateRequest) (domain.Store, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Store{}, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return domain.Store{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Store{}, err
	}
	return s.createStore(ctx, orgID, req.Name)
}

func (s *Service) createStore(ctx context.Context, orgID, name string) (domain.Store, error) {
	st := domain.Store{ID: xid.New("store"), OrgID: orgID, Name: name, CreatedAt: s.clock.Now()}
	if err := s.repo.CreateStore(ctx, st); err != nil {
		return domain.Store{}, err
	}
	return st, nil
}

// DeleteStore removes the store together with its daily sales and rollups.
func (s *Service) DeleteStore(ctx context.Context, orgID, storeID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	if _, err := s.access.AssertOrgRole(ctx, orgID, actor, domain.RoleAdmin); err != nil {
		return err
	}
	st, err := s.repo.GetStore(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && st.OrgID != orgID) {
		return notFoundf("store not found")
	}
	if err != nil {
		return err
	}
	if err := s.repo.DeleteStore(ctx, storeID); err != nil {
		return err
	}
	s.log.Info("store deleted", zap.String("org_id", orgID), zap.String("store_id", storeID), zap.String("by", actor.UserID))
	return nil
}

func (s *Service) ListKPIs(ctx context.Context, orgID string) ([]domain.KPI, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListKPIs(ctx, orgID)
}

func (s *Service) CreateKPI(ctx context.Context, orgID string, req domain.NamedCreateRequest) (domain.KPI, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.KPI{}, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return domain.KPI{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.KPI{}, err
	}
	return s.createKPI(ctx, orgID, req.Name)
}

func (s *Service) createKPI(ctx context.Context, orgID, name string) (domain.KPI, error) {
	k := domain.KPI{ID: xid.New("kpi"), OrgID: orgID, Name: name, CreatedAt: s.clock.Now()}
	if err := s.repo.CreateKPI(ctx, k); err != nil {
		return domain.KPI{}, err
	}
	return k, nil
}

// DeleteKPI removes the KPI together with its daily sales and rollups.
func (s *Service) DeleteKPI(ctx context.Context, orgID, kpiID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	if _, err := s.access.AssertOrgRole(ctx, orgID, actor, domain.RoleAdmin); err != nil {
		return err
	}
	k, err := s.repo.GetKPI(ctx, kpiID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && k.OrgID != orgID) {
		return notFoundf("kpi not found")
	}
	if err != nil {
		return err
	}
	if err := s.repo.DeleteKPI(ctx, kpiID); err != nil {
		return err
	}
	s.log.Info("kpi deleted", zap.String("org_id", orgID), zap.String("kpi_id", kpiID), zap.String("by", actor.UserID))
	return nil
}
