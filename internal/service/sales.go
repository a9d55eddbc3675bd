package service

import (
	"context"
	"time"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/performance"
	"kpiboard/backend/internal/rollup"
)

func (s *Service) SalesSummary(ctx context.Context, orgID, monthKey string) ([]domain.SalesSummary, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.SummarizeMonth(ctx, orgID, monthKey, actor)
}

// RecordMTD stores a month-to-date statement and returns the id of the daily
// row it wrote.
func (s *Service) RecordMTD(ctx context.Context, orgID string, entry domain.MTDEntry) (string, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return "", err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return "", err
	}
	if err := s.validateRequest(entry); err != nil {
		return "", err
	}
	entry.OrgID = orgID
	return s.ledger.RecordMonthToDateValue(ctx, entry, actor)
}

// AuthorizeOrg fails unless the caller may access orgID. Handlers call it
// before reading a request body.
func (s *Service) AuthorizeOrg(ctx context.Context, orgID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	return s.access.AssertOrgAccess(ctx, orgID, actor)
}

func (s *Service) ListDailySales(ctx context.Context, orgID, monthKey, storeID string) ([]domain.DailySale, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListDays(ctx, orgID, monthKey, storeID, actor)
}

// Dashboard reports every (store, KPI) pair of the organization against its
// goal as of dateKey, today when empty.
func (s *Service) Dashboard(ctx context.Context, orgID, dateKey string) (domain.Dashboard, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return s.dashboard(ctx, orgID, dateKey, actor)
}

func (s *Service) dashboard(ctx context.Context, orgID, dateKey string, actor *domain.Actor) (domain.Dashboard, error) {
	day, err := s.resolveDate(dateKey)
	if err != nil {
		return domain.Dashboard{}, err
	}
	monthKey := calendar.MonthKey(day)

	summaries, err := s.ledger.SummarizeMonth(ctx, orgID, monthKey, actor)
	if err != nil {
		return domain.Dashboard{}, err
	}
	stores, err := s.repo.ListStores(ctx, orgID)
	if err != nil {
		return domain.Dashboard{}, err
	}
	kpis, err := s.repo.ListKPIs(ctx, orgID)
	if err != nil {
		return domain.Dashboard{}, err
	}

	pos := calendar.PositionOf(day)
	return domain.Dashboard{
		OrgID:    orgID,
		DateKey:  calendar.DateKey(day),
		MonthKey: monthKey,
		Position: pos,
		Lines:    performance.Lines(stores, kpis, summaries, pos),
	}, nil
}

func (s *Service) resolveDate(dateKey string) (time.Time, error) {
	if dateKey == "" {
		return s.clock.Now(), nil
	}
	day, err := calendar.ParseDate(dateKey)
	if err != nil {
		return time.Time{}, invalidf("%v", err)
	}
	return day, nil
}

// RunRollup closes monthKey, or the previous month when empty. Super admins
// only.
func (s *Service) RunRollup(ctx context.Context, req domain.RollupRequest) (domain.RollupResult, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.RollupResult{}, err
	}
	if err := s.requireSuperAdmin(ctx, actor); err != nil {
		return domain.RollupResult{}, err
	}

	monthKey := req.MonthKey
	if monthKey == "" {
		monthKey = s.rollups.PreviousMonth()
	}
	if _, err := calendar.ParseMonth(monthKey); err != nil {
		return domain.RollupResult{}, invalidf("%v", err)
	}

	n, err := s.rollups.RollupMonth(ctx, monthKey, rollup.TriggerManual)
	if err != nil {
		return domain.RollupResult{}, err
	}
	return domain.RollupResult{MonthKey: monthKey, Rollups: n}, nil
}

func (s *Service) ListRollups(ctx context.Context, orgID, monthKey string) ([]domain.MonthlyRollup, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	if monthKey == "" {
		monthKey = s.rollups.PreviousMonth()
	}
	if _, err := calendar.ParseMonth(monthKey); err != nil {
		return nil, invalidf("%v", err)
	}
	return s.repo.ListRollups(ctx, orgID, monthKey)
}
