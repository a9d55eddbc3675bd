// Package performance derives pace metrics from month-to-date summaries.
package performance

import (
	"github.com/shopspring/decimal"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/domain"
)

// statusBand is the tolerance, in percentage points, around the expected
// progress before a line counts as ahead or behind.
var statusBand = decimal.NewFromInt(5)

var hundred = decimal.NewFromInt(100)

const displayPlaces = 2

type Metrics struct {
	PercentToGoal decimal.Decimal
	Projection    decimal.Decimal
	DailyAverage  decimal.Decimal
	DailyTarget   decimal.Decimal
	Status        domain.PerformanceStatus
}

// Compute returns the pace metrics for one (store, KPI) at pos.
func Compute(mtd, goal decimal.Decimal, pos calendar.Position) Metrics {
	var m Metrics

	if goal.IsPositive() {
		m.PercentToGoal = mtd.Div(goal).Mul(hundred)
	}

	if pos.DayOfMonth > 0 {
		day := decimal.NewFromInt(int64(pos.DayOfMonth))
		m.DailyAverage = mtd.Div(day)
		m.Projection = m.DailyAverage.Mul(decimal.NewFromInt(int64(pos.DaysInMonth)))
	}

	if pos.DaysRemaining > 0 {
		remaining := goal.Sub(mtd)
		if remaining.IsPositive() {
			m.DailyTarget = remaining.Div(decimal.NewFromInt(int64(pos.DaysRemaining)))
		}
	}

	m.Status = status(m.PercentToGoal, goal, pos)

	m.PercentToGoal = m.PercentToGoal.Round(displayPlaces)
	m.Projection = m.Projection.Round(displayPlaces)
	m.DailyAverage = m.DailyAverage.Round(displayPlaces)
	m.DailyTarget = m.DailyTarget.Round(displayPlaces)
	return m
}

func status(percent, goal decimal.Decimal, pos calendar.Position) domain.PerformanceStatus {
	if !goal.IsPositive() || pos.DaysInMonth == 0 {
		return domain.StatusNeutral
	}
	expected := decimal.NewFromInt(int64(pos.DayOfMonth)).
		Div(decimal.NewFromInt(int64(pos.DaysInMonth))).
		Mul(hundred)

	switch {
	case percent.GreaterThan(expected.Add(statusBand)):
		return domain.StatusAhead
	case percent.LessThan(expected.Sub(statusBand)):
		return domain.StatusBehind
	default:
		return domain.StatusOnTrack
	}
}

// Lines crosses every store with every KPI, in the given order, and attaches
// metrics. Pairs missing from summaries count as zero goal and zero sales.
func Lines(stores []domain.Store, kpis []domain.KPI, summaries []domain.SalesSummary, pos calendar.Position) []domain.PerformanceLine {
	type key struct{ store, kpi string }
	byKey := make(map[key]domain.SalesSummary, len(summaries))
	for _, s := range summaries {
		byKey[key{s.StoreID, s.KpiID}] = s
	}

	lines := make([]domain.PerformanceLine, 0, len(stores)*len(kpis))
	for _, st := range stores {
		for _, k := range kpis {
			s, ok := byKey[key{st.ID, k.ID}]
			if !ok {
				s = domain.SalesSummary{StoreID: st.ID, KpiID: k.ID, MonthlyGoal: decimal.Zero, MTDSales: decimal.Zero}
			}
			m := Compute(s.MTDSales, s.MonthlyGoal, pos)
			lines = append(lines, domain.PerformanceLine{
				StoreID:       st.ID,
				StoreName:     st.Name,
				KpiID:         k.ID,
				KpiName:       k.Name,
				MonthlyGoal:   s.MonthlyGoal,
				MTDSales:      s.MTDSales,
				PercentToGoal: m.PercentToGoal,
				Projection:    m.Projection,
				DailyAverage:  m.DailyAverage,
				DailyTarget:   m.DailyTarget,
				Status:        m.Status,
			})
		}
	}
	return lines
}
