package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/metrics"
	"kpiboard/backend/internal/store/memory"
)

func sale(org, st, kpi, date string, value, goal int64) domain.DailySale {
	return domain.DailySale{
		OrgID: org, StoreID: st, KpiID: kpi,
		DateKey: date, MonthKey: date[:7],
		DailyValue: decimal.NewFromInt(value), MonthlyGoal: decimal.NewFromInt(goal),
	}
}

func TestBuildGroupsAcrossOrgs(t *testing.T) {
	closedAt := time.Date(2024, 4, 1, 0, 10, 0, 0, time.UTC)
	rows := []domain.DailySale{
		sale("o1", "s1", "k1", "2024-03-01", 100, 1000),
		sale("o1", "s1", "k1", "2024-03-02", 50, 1200),
		sale("o2", "s9", "k9", "2024-03-05", 7, 0),
		sale("o1", "s1", "k1", "2024-04-01", 999, 9999),
	}

	got := Build(rows, "2024-03", closedAt)
	require.Len(t, got, 2)

	assert.Equal(t, "o1", got[0].OrgID)
	assert.True(t, got[0].TotalSales.Equal(decimal.NewFromInt(150)))
	assert.True(t, got[0].MonthlyGoal.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, 2, got[0].DaysRecorded)
	assert.Equal(t, closedAt, got[0].ClosedAt)

	assert.Equal(t, "o2", got[1].OrgID)
	assert.Equal(t, 1, got[1].DaysRecorded)
}

func TestRollupMonthIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for _, row := range []domain.DailySale{
		sale("o1", "s1", "k1", "2024-03-01", 100, 1000),
		sale("o1", "s1", "k1", "2024-03-09", 300, 1000),
		sale("o1", "s2", "k1", "2024-03-09", 40, 500),
	} {
		_, err := s.InsertDailySale(ctx, row)
		require.NoError(t, err)
	}

	fake := clock.NewFake(time.Date(2024, 4, 1, 0, 10, 0, 0, time.UTC))
	job := NewJob(s, fake, metrics.New(), nil)

	n, err := job.RollupMonth(ctx, "2024-03", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fake.Advance(time.Hour)
	n, err = job.RollupMonth(ctx, "2024-03", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rollups, err := s.ListRollups(ctx, "o1", "2024-03")
	require.NoError(t, err)
	require.Len(t, rollups, 2)
	assert.Equal(t, "s1", rollups[0].StoreID)
	assert.True(t, rollups[0].TotalSales.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, 2, rollups[0].DaysRecorded)
	assert.Equal(t, fake.Now(), rollups[0].ClosedAt)
}

func TestRollupMonthRejectsBadKey(t *testing.T) {
	job := NewJob(memory.New(), nil, nil, nil)
	_, err := job.RollupMonth(context.Background(), "2024-13", TriggerManual)
	assert.Error(t, err)
}

func TestSchedulerFiresOnFirstOfMonthUTC(t *testing.T) {
	job := NewJob(memory.New(), clock.NewFake(time.Date(2024, 4, 1, 0, 10, 0, 0, time.UTC)), nil, nil)
	assert.Equal(t, "2024-03", job.PreviousMonth())

	s, err := NewScheduler(job, nil)
	require.NoError(t, err)

	next := s.Next(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 4, 1, 0, 10, 0, 0, time.UTC), next)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
