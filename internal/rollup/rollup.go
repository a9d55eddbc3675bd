// Package rollup closes out months of daily sales into monthly_rollups rows.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/metrics"
)

// Schedule runs at 00:10 UTC on the first day of every month.
const Schedule = "10 0 1 * *"

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

type Store interface {
	ListDailySalesByMonth(ctx context.Context, monthKey string) ([]domain.DailySale, error)
	UpsertRollup(ctx context.Context, rollup domain.MonthlyRollup) error
}

type Job struct {
	store   Store
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewJob(s Store, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Job {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{store: s, clock: c, metrics: m, log: log.Named("rollup")}
}

// Build groups a month's rows by (org, store, KPI).
func Build(rows []domain.DailySale, monthKey string, closedAt time.Time) []domain.MonthlyRollup {
	type key struct{ org, store, kpi string }
	type group struct {
		rollup domain.MonthlyRollup
		days   map[string]struct{}
	}

	groups := make(map[key]*group)
	for _, row := range rows {
		if row.MonthKey != monthKey {
			continue
		}
		k := key{row.OrgID, row.StoreID, row.KpiID}
		g, ok := groups[k]
		if !ok {
			g = &group{
				rollup: domain.MonthlyRollup{
					OrgID:       row.OrgID,
					StoreID:     row.StoreID,
					KpiID:       row.KpiID,
					MonthKey:    monthKey,
					TotalSales:  decimal.Zero,
					MonthlyGoal: row.MonthlyGoal,
					ClosedAt:    closedAt,
				},
				days: make(map[string]struct{}),
			}
			groups[k] = g
		}
		g.rollup.TotalSales = g.rollup.TotalSales.Add(row.DailyValue)
		g.rollup.MonthlyGoal = decimal.Max(g.rollup.MonthlyGoal, row.MonthlyGoal)
		g.days[row.DateKey] = struct{}{}
	}

	out := make([]domain.MonthlyRollup, 0, len(groups))
	for _, g := range groups {
		g.rollup.DaysRecorded = len(g.days)
		out = append(out, g.rollup)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		return a.KpiID < b.KpiID
	})
	return out
}

// RollupMonth writes one rollup per (org, store, KPI) with rows in monthKey
// and returns how many were written. Rerunning a month overwrites its rows.
func (j *Job) RollupMonth(ctx context.Context, monthKey, trigger string) (int, error) {
	if _, err := calendar.ParseMonth(monthKey); err != nil {
		return 0, err
	}

	rows, err := j.store.ListDailySalesByMonth(ctx, monthKey)
	if err != nil {
		j.metrics.RollupRun(trigger, metrics.JobResultError, 0)
		return 0, fmt.Errorf("list daily sales: %w", err)
	}

	rollups := Build(rows, monthKey, j.clock.Now())
	for i, r := range rollups {
		if err := j.store.UpsertRollup(ctx, r); err != nil {
			j.metrics.RollupRun(trigger, metrics.JobResultError, i)
			return i, fmt.Errorf("upsert rollup %s/%s/%s: %w", r.OrgID, r.StoreID, r.KpiID, err)
		}
	}

	j.metrics.RollupRun(trigger, metrics.JobResultSuccess, len(rollups))
	j.log.Info("month rolled up",
		zap.String("month_key", monthKey),
		zap.String("trigger", trigger),
		zap.Int("rollups", len(rollups)),
	)
	return len(rollups), nil
}

// PreviousMonth is the month the scheduled run closes.
func (j *Job) PreviousMonth() string {
	return calendar.PreviousMonth(j.clock.Now())
}

// Scheduler runs the job for the previous month on Schedule.
type Scheduler struct {
	cron *cron.Cron
	job  *Job
	log  *zap.Logger
}

func NewScheduler(job *Job, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		job:  job,
		log:  log.Named("rollup_scheduler"),
	}
	if _, err := s.cron.AddFunc(Schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule rollup: %w", err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	month := s.job.PreviousMonth()
	if _, err := s.job.RollupMonth(ctx, month, TriggerSchedule); err != nil {
		s.log.Error("scheduled rollup failed", zap.String("month_key", month), zap.Error(err))
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("rollup schedule started", zap.String("spec", Schedule))
}

// Stop waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports when the schedule fires next after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(t)
}
