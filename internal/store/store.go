package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"kpiboard/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid record")
)

// LedgerStore holds daily sales rows. It serializes writes to a single row but
// offers no cross-row transaction.
type LedgerStore interface {
	ListDailySalesForKey(ctx context.Context, orgID, storeID, kpiID, monthKey string) ([]domain.DailySale, error)
	ListDailySalesByOrgMonth(ctx context.Context, orgID, monthKey string) ([]domain.DailySale, error)
	ListDailySalesByStoreMonth(ctx context.Context, orgID, storeID, monthKey string) ([]domain.DailySale, error)
	ListDailySalesByMonth(ctx context.Context, monthKey string) ([]domain.DailySale, error)
	InsertDailySale(ctx context.Context, sale domain.DailySale) (*domain.DailySale, error)
	UpdateDailySale(ctx context.Context, id string, dailyValue, monthlyGoal decimal.Decimal, createdBy string) error
}

type AccessStore interface {
	GetAppRole(ctx context.Context, userID string) (*domain.AppRole, error)
	GetMembership(ctx context.Context, orgID, userID string) (*domain.Member, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
}

type OrganizationStore interface {
	// CreateOrganization inserts the organization together with its owner membership.
	CreateOrganization(ctx context.Context, org domain.Organization, owner domain.Member) error
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error)
	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	ListOrganizationsForUser(ctx context.Context, userID string) ([]domain.Organization, error)

	ListMembers(ctx context.Context, orgID string) ([]domain.Member, error)
	GetMember(ctx context.Context, id string) (*domain.Member, error)
	CreateMember(ctx context.Context, member domain.Member) error
	UpdateMemberRole(ctx context.Context, id string, role domain.OrgRole) error
	DeleteMember(ctx context.Context, id string) error

	// CreateFirstAppRole stores role only when no app role exists yet.
	CreateFirstAppRole(ctx context.Context, role domain.AppRole) error
	UpsertAppRole(ctx context.Context, role domain.AppRole) error
}

// CatalogStore deletes cascade to the entity's daily sales and rollups.
type CatalogStore interface {
	CreateStore(ctx context.Context, s domain.Store) error
	ListStores(ctx context.Context, orgID string) ([]domain.Store, error)
	GetStore(ctx context.Context, id string) (*domain.Store, error)
	DeleteStore(ctx context.Context, id string) error

	CreateKPI(ctx context.Context, k domain.KPI) error
	ListKPIs(ctx context.Context, orgID string) ([]domain.KPI, error)
	GetKPI(ctx context.Context, id string) (*domain.KPI, error)
	DeleteKPI(ctx context.Context, id string) error
}

type RollupStore interface {
	UpsertRollup(ctx context.Context, rollup domain.MonthlyRollup) error
	ListRollups(ctx context.Context, orgID, monthKey string) ([]domain.MonthlyRollup, error)
}

type ReportStore interface {
	CreateReport(ctx context.Context, report domain.Report) error
	ListReports(ctx context.Context, orgID string) ([]domain.Report, error)
	GetReport(ctx context.Context, id string) (*domain.Report, error)
	DeleteReport(ctx context.Context, id string) error
}

type Repository interface {
	LedgerStore
	AccessStore
	UserStore
	OrganizationStore
	CatalogStore
	RollupStore
	ReportStore
	Ping(ctx context.Context) error
}
