package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrgRole string

const (
	RoleOwner  OrgRole = "owner"
	RoleAdmin  OrgRole = "admin"
	RoleMember OrgRole = "member"
)

// Rank orders organization roles: owner > admin > member. Unknown roles rank 0.
func (r OrgRole) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

func (r OrgRole) Valid() bool {
	return r.Rank() > 0
}

type AppRoleName string

const (
	AppRoleUser       AppRoleName = "user"
	AppRoleSuperAdmin AppRoleName = "super_admin"
)

// Actor is the authenticated caller, resolved from the bearer token.
type Actor struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type UserAccount struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type AppRole struct {
	UserID string      `json:"user_id"`
	Role   AppRoleName `json:"role"`
}

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	ID       string    `json:"id"`
	OrgID    string    `json:"org_id"`
	UserID   string    `json:"user_id"`
	Role     OrgRole   `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// MemberDetail is a membership joined with the member's account.
type MemberDetail struct {
	MemberID string    `json:"member_id"`
	UserID   string    `json:"user_id"`
	Role     OrgRole   `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
}

type Store struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type KPI struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DailySale is one ledger row per (org, store, kpi, day). DailyValue is the
// delta attributed to DateKey; MonthlyGoal is last-write-wins for the month.
type DailySale struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	StoreID     string          `json:"store_id"`
	KpiID       string          `json:"kpi_id"`
	DateKey     string          `json:"date_key"`
	MonthKey    string          `json:"month_key"`
	DailyValue  decimal.Decimal `json:"daily_value"`
	MonthlyGoal decimal.Decimal `json:"monthly_goal"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SalesSummary is derived from daily rows on every read.
type SalesSummary struct {
	StoreID     string          `json:"store_id"`
	KpiID       string          `json:"kpi_id"`
	MonthlyGoal decimal.Decimal `json:"monthly_goal"`
	MTDSales    decimal.Decimal `json:"mtd_sales"`
}

type MonthlyRollup struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	StoreID      string          `json:"store_id"`
	KpiID        string          `json:"kpi_id"`
	MonthKey     string          `json:"month_key"`
	TotalSales   decimal.Decimal `json:"total_sales"`
	MonthlyGoal  decimal.Decimal `json:"monthly_goal"`
	DaysRecorded int             `json:"days_recorded"`
	ClosedAt     time.Time       `json:"closed_at"`
}

type Report struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ObjectKey string    `json:"object_key"`
	StoreIDs  []string  `json:"store_ids"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
