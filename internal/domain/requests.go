package domain

import (
	"github.com/shopspring/decimal"

	"kpiboard/backend/internal/calendar"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Name     string `json:"name" validate:"max=120"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresAt   string      `json:"expires_at"`
	User        UserAccount `json:"user"`
}

type OrganizationCreateRequest struct {
	Name string `json:"name" validate:"required,max=120"`
	Slug string `json:"slug" validate:"max=120"`
}

type MemberInviteRequest struct {
	Email string  `json:"email" validate:"required,email"`
	Role  OrgRole `json:"role" validate:"required,oneof=admin member"`
}

type MemberRoleUpdateRequest struct {
	Role OrgRole `json:"role" validate:"required,oneof=owner admin member"`
}

type AppRoleUpdateRequest struct {
	UserID string      `json:"user_id" validate:"required"`
	Role   AppRoleName `json:"role" validate:"required,oneof=user super_admin"`
}

type NamedCreateRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

// MTDEntry is a statement that a store's month-to-date total for a KPI, as of
// DateKey, is MTDTotal. MonthKey may be left empty and is then derived.
type MTDEntry struct {
	OrgID       string          `json:"org_id"`
	StoreID     string          `json:"store_id" validate:"required"`
	KpiID       string          `json:"kpi_id" validate:"required"`
	DateKey     string          `json:"date_key" validate:"required"`
	MonthKey    string          `json:"month_key"`
	MTDTotal    decimal.Decimal `json:"mtd_sales"`
	MonthlyGoal decimal.Decimal `json:"monthly_goal"`
}

type RollupRequest struct {
	MonthKey string `json:"month_key"`
}

type RollupResult struct {
	MonthKey string `json:"month_key"`
	Rollups  int    `json:"rollups"`
}

type ReportCreateRequest struct {
	Name     string   `json:"name" validate:"required,max=160"`
	StoreIDs []string `json:"store_ids"`
	DateKey  string   `json:"date_key"`
}

// PerformanceStatus compares progress to goal against elapsed share of the month.
type PerformanceStatus string

const (
	StatusAhead   PerformanceStatus = "ahead"
	StatusOnTrack PerformanceStatus = "on_track"
	StatusBehind  PerformanceStatus = "behind"
	StatusNeutral PerformanceStatus = "neutral"
)

type PerformanceLine struct {
	StoreID       string            `json:"store_id"`
	StoreName     string            `json:"store_name"`
	KpiID         string            `json:"kpi_id"`
	KpiName       string            `json:"kpi_name"`
	MonthlyGoal   decimal.Decimal   `json:"monthly_goal"`
	MTDSales      decimal.Decimal   `json:"mtd_sales"`
	PercentToGoal decimal.Decimal   `json:"percent_to_goal"`
	Projection    decimal.Decimal   `json:"projection"`
	DailyAverage  decimal.Decimal   `json:"daily_average"`
	DailyTarget   decimal.Decimal   `json:"daily_target"`
	Status        PerformanceStatus `json:"status"`
}

type Dashboard struct {
	OrgID    string            `json:"org_id"`
	DateKey  string            `json:"date_key"`
	MonthKey string            `json:"month_key"`
	Position calendar.Position `json:"position"`
	Lines    []PerformanceLine `json:"lines"`
}

type ImportResult struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	CreatedStores []string `json:"created_stores"`
	CreatedKPIs   []string `json:"created_kpis"`
	RecordsLoaded int      `json:"records_loaded"`
	Errors        []string `json:"errors"`
}
