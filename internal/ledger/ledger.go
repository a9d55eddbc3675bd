// Package ledger turns month-to-date statements into per-day sales deltas and
// aggregates them back into month summaries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/lock"
	"kpiboard/backend/internal/metrics"
	"kpiboard/backend/internal/store"
)

var ErrInvalidEntry = errors.New("invalid ledger entry")

// Authorizer gates every ledger call on organization access.
type Authorizer interface {
	AssertOrgAccess(ctx context.Context, orgID string, actor *domain.Actor) error
}

type Reconciler struct {
	store   store.LedgerStore
	access  Authorizer
	locker  lock.Locker
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

type Option func(*Reconciler)

// WithLocker serializes same-day writes. Without it concurrent writes for the
// same day race and the last writer wins.
func WithLocker(l lock.Locker) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log.Named("ledger")
		}
	}
}

func New(s store.LedgerStore, access Authorizer, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  s,
		access: access,
		locker: lock.None{},
		clock:  clock.System{},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func lockKey(orgID, storeID, kpiID, dateKey string) string {
	return fmt.Sprintf("kpiboard:ledger:%s:%s:%s:%s", orgID, storeID, kpiID, dateKey)
}

// normalize validates entry and fills in a missing MonthKey.
func normalize(entry domain.MTDEntry) (domain.MTDEntry, error) {
	if entry.StoreID == "" || entry.KpiID == "" {
		return entry, fmt.Errorf("%w: store_id and kpi_id are required", ErrInvalidEntry)
	}
	month, err := calendar.MonthOf(entry.DateKey)
	if err != nil {
		return entry, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.MonthKey == "" {
		entry.MonthKey = month
	} else if entry.MonthKey != month {
		return entry, fmt.Errorf("%w: date %s is not in month %s", ErrInvalidEntry, entry.DateKey, entry.MonthKey)
	}
	if entry.MonthlyGoal.IsNegative() {
		return entry, fmt.Errorf("%w: monthly goal must not be negative", ErrInvalidEntry)
	}
	return entry, nil
}

// RecordMonthToDateValue stores the share of entry.MTDTotal attributable to
// entry.DateKey, given every other day already recorded in the month, and
// returns the id of the single row written.
func (r *Reconciler) RecordMonthToDateValue(ctx context.Context, entry domain.MTDEntry, actor *domain.Actor) (string, error) {
	if err := r.access.AssertOrgAccess(ctx, entry.OrgID, actor); err != nil {
		return "", err
	}
	entry, err := normalize(entry)
	if err != nil {
		return "", err
	}

	release, err := r.locker.Acquire(ctx, lockKey(entry.OrgID, entry.StoreID, entry.KpiID, entry.DateKey))
	if err != nil {
		return "", fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer release()

	id, outcome, err := r.reconcile(ctx, entry, actor.UserID)
	if err != nil {
		r.metrics.LedgerWrite(metrics.LedgerOutcomeError)
		return "", err
	}
	r.metrics.LedgerWrite(outcome)
	r.log.Debug("recorded month-to-date value",
		zap.String("org_id", entry.OrgID),
		zap.String("store_id", entry.StoreID),
		zap.String("kpi_id", entry.KpiID),
		zap.String("date_key", entry.DateKey),
		zap.String("outcome", outcome),
	)
	return id, nil
}

func (r *Reconciler) reconcile(ctx context.Context, entry domain.MTDEntry, userID string) (string, string, error) {
	rows, err := r.store.ListDailySalesForKey(ctx, entry.OrgID, entry.StoreID, entry.KpiID, entry.MonthKey)
	if err != nil {
		return "", "", fmt.Errorf("list daily sales: %w", err)
	}

	var (
		target  *domain.DailySale
		without = decimal.Zero
	)
	for i := range rows {
		if rows[i].DateKey == entry.DateKey {
			target = &rows[i]
			continue
		}
		without = without.Add(rows[i].DailyValue)
	}

	dailyValue := decimal.Max(entry.MTDTotal.Sub(without), decimal.Zero)

	if target != nil {
		if err := r.store.UpdateDailySale(ctx, target.ID, dailyValue, entry.MonthlyGoal, userID); err != nil {
			return "", "", fmt.Errorf("update daily sale: %w", err)
		}
		return target.ID, metrics.LedgerOutcomeUpdated, nil
	}

	created, err := r.store.InsertDailySale(ctx, domain.DailySale{
		OrgID:       entry.OrgID,
		StoreID:     entry.StoreID,
		KpiID:       entry.KpiID,
		DateKey:     entry.DateKey,
		MonthKey:    entry.MonthKey,
		DailyValue:  dailyValue,
		MonthlyGoal: entry.MonthlyGoal,
		CreatedBy:   userID,
		CreatedAt:   r.clock.Now(),
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent writer inserted the day first; overwrite it with our
		// value so the later writer wins.
		return r.overwriteDay(ctx, entry, dailyValue, userID)
	}
	if err != nil {
		return "", "", fmt.Errorf("insert daily sale: %w", err)
	}
	return created.ID, metrics.LedgerOutcomeInserted, nil
}

func (r *Reconciler) overwriteDay(ctx context.Context, entry domain.MTDEntry, dailyValue decimal.Decimal, userID string) (string, string, error) {
	rows, err := r.store.ListDailySalesForKey(ctx, entry.OrgID, entry.StoreID, entry.KpiID, entry.MonthKey)
	if err != nil {
		return "", "", fmt.Errorf("list daily sales: %w", err)
	}
	for _, row := range rows {
		if row.DateKey != entry.DateKey {
			continue
		}
		if err := r.store.UpdateDailySale(ctx, row.ID, dailyValue, entry.MonthlyGoal, userID); err != nil {
			return "", "", fmt.Errorf("update daily sale: %w", err)
		}
		return row.ID, metrics.LedgerOutcomeUpdated, nil
	}
	return "", "", fmt.Errorf("insert daily sale: %w", store.ErrConflict)
}

// SummarizeMonth aggregates an organization's month per (store, KPI). Pairs
// with no rows are absent from the result.
func (r *Reconciler) SummarizeMonth(ctx context.Context, orgID, monthKey string, actor *domain.Actor) ([]domain.SalesSummary, error) {
	if err := r.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	if _, err := calendar.ParseMonth(monthKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	rows, err := r.store.ListDailySalesByOrgMonth(ctx, orgID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("list daily sales: %w", err)
	}
	return Summarize(rows), nil
}

// Summarize groups rows by (store, KPI): sales are summed and the goal is the
// largest seen. Output is ordered by store then KPI.
func Summarize(rows []domain.DailySale) []domain.SalesSummary {
	type key struct{ store, kpi string }
	groups := make(map[key]*domain.SalesSummary, len(rows))
	for _, row := range rows {
		k := key{row.StoreID, row.KpiID}
		g, ok := groups[k]
		if !ok {
			g = &domain.SalesSummary{
				StoreID:     row.StoreID,
				KpiID:       row.KpiID,
				MonthlyGoal: row.MonthlyGoal,
				MTDSales:    decimal.Zero,
			}
			groups[k] = g
		}
		g.MTDSales = g.MTDSales.Add(row.DailyValue)
		g.MonthlyGoal = decimal.Max(g.MonthlyGoal, row.MonthlyGoal)
	}

	result := make([]domain.SalesSummary, 0, len(groups))
	for _, g := range groups {
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StoreID != result[j].StoreID {
			return result[i].StoreID < result[j].StoreID
		}
		return result[i].KpiID < result[j].KpiID
	})
	return result
}

// ListDays returns a store's daily rows for a month ordered by date.
func (r *Reconciler) ListDays(ctx context.Context, orgID, monthKey, storeID string, actor *domain.Actor) ([]domain.DailySale, error) {
	if err := r.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	if _, err := calendar.ParseMonth(monthKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if storeID == "" {
		return nil, fmt.Errorf("%w: store_id is required", ErrInvalidEntry)
	}

	rows, err := r.store.ListDailySalesByStoreMonth(ctx, orgID, storeID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("list daily sales: %w", err)
	}
	return rows, nil
}
