package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ledger

const dailySaleColumns = `id, org_id, store_id, kpi_id, date_key, month_key, daily_value, monthly_goal, created_by, created_at`

func (s *Store) queryDailySales(ctx context.Context, where string, args ...any) ([]domain.DailySale, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dailySaleColumns+` FROM daily_sales WHERE `+where+` ORDER BY date_key, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.DailySale, 0, 32)
	for rows.Next() {
		var row domain.DailySale
		if err := rows.Scan(
			&row.ID, &row.OrgID, &row.StoreID, &row.KpiID, &row.DateKey, &row.MonthKey,
			&row.DailyValue, &row.MonthlyGoal, &row.CreatedBy, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListDailySalesForKey(ctx context.Context, orgID, storeID, kpiID, monthKey string) ([]domain.DailySale, error) {
	return s.queryDailySales(ctx, `org_id = $1 AND store_id = $2 AND kpi_id = $3 AND month_key = $4`, orgID, storeID, kpiID, monthKey)
}

func (s *Store) ListDailySalesByOrgMonth(ctx context.Context, orgID, monthKey string) ([]domain.DailySale, error) {
	return s.queryDailySales(ctx, `org_id = $1 AND month_key = $2`, orgID, monthKey)
}

func (s *Store) ListDailySalesByStoreMonth(ctx context.Context, orgID, storeID, monthKey string) ([]domain.DailySale, error) {
	return s.queryDailySales(ctx, `org_id = $1 AND store_id = $2 AND month_key = $3`, orgID, storeID, monthKey)
}

func (s *Store) ListDailySalesByMonth(ctx context.Context, monthKey string) ([]domain.DailySale, error) {
	return s.queryDailySales(ctx, `month_key = $1`, monthKey)
}

func (s *Store) InsertDailySale(ctx context.Context, sale domain.DailySale) (*domain.DailySale, error) {
	if sale.OrgID == "" || sale.StoreID == "" || sale.KpiID == "" || sale.DateKey == "" || sale.MonthKey == "" {
		return nil, store.ErrInvalid
	}
	if sale.ID == "" {
		sale.ID = xid.New("ds")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_sales (`+dailySaleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.OrgID, sale.StoreID, sale.KpiID, sale.DateKey, sale.MonthKey,
		sale.DailyValue, sale.MonthlyGoal, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) UpdateDailySale(ctx context.Context, id string, dailyValue, monthlyGoal decimal.Decimal, createdBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_sales
		SET daily_value = $2, monthly_goal = $3, created_by = $4
		WHERE id = $1
	`, id, dailyValue, monthlyGoal, createdBy)
	return expectAffected(res, err)
}

// access

func (s *Store) GetAppRole(ctx context.Context, userID string) (*domain.AppRole, error) {
	var role domain.AppRole
	err := s.db.QueryRowContext(ctx, `SELECT user_id, role FROM app_roles WHERE user_id = $1`, userID).
		Scan(&role.UserID, &role.Role)
	if err != nil {
		return nil, notFound(err)
	}
	return &role, nil
}

func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*domain.Member, error) {
	var m domain.Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, role, joined_at
		FROM organization_members
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID).Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.JoinedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// CreateFirstAppRole serializes bootstrap attempts on a table lock so only one
// caller can observe the empty table.
func (s *Store) CreateFirstAppRole(ctx context.Context, role domain.AppRole) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE app_roles IN EXCLUSIVE MODE`); err != nil {
		return err
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM app_roles`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return store.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO app_roles (user_id, role) VALUES ($1, $2)`, role.UserID, role.Role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertAppRole(ctx context.Context, role domain.AppRole) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role
	`, role.UserID, role.Role)
	return err
}

// users

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || email == "" {
		return store.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, email, user.Name, user.PasswordHash, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) getUser(ctx context.Context, column, value string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, active, created_at
		FROM users
		WHERE `+column+` = $1
	`, value).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error) {
	return s.getUser(ctx, "id", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	return s.getUser(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// organizations

func (s *Store) CreateOrganization(ctx context.Context, org domain.Organization, owner domain.Member) error {
	if org.ID == "" || org.Slug == "" || owner.ID == "" {
		return store.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, owner_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, org.ID, org.Name, org.Slug, org.OwnerID, org.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organization_members (id, org_id, user_id, role, joined_at)
		VALUES ($1,$2,$3,$4,$5)
	`, owner.ID, org.ID, owner.UserID, owner.Role, owner.JoinedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func scanOrganizations(rows *sql.Rows) ([]domain.Organization, error) {
	defer rows.Close()

	orgs := make([]domain.Organization, 0, 8)
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orgs, nil
}

func (s *Store) getOrganization(ctx context.Context, column, value string) (*domain.Organization, error) {
	var o domain.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, owner_id, created_at FROM organizations WHERE `+column+` = $1
	`, value).Scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	return s.getOrganization(ctx, "id", id)
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	return s.getOrganization(ctx, "slug", slug)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, owner_id, created_at FROM organizations ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	return scanOrganizations(rows)
}

func (s *Store) ListOrganizationsForUser(ctx context.Context, userID string) ([]domain.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.slug, o.owner_id, o.created_at
		FROM organizations o
		JOIN organization_members m ON m.org_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.created_at, o.id
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanOrganizations(rows)
}

func (s *Store) ListMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, role, joined_at
		FROM organization_members
		WHERE org_id = $1
		ORDER BY joined_at, id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.Member, 0, 8)
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	var m domain.Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, role, joined_at FROM organization_members WHERE id = $1
	`, id).Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.JoinedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) CreateMember(ctx context.Context, member domain.Member) error {
	if member.ID == "" || member.OrgID == "" || member.UserID == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_members (id, org_id, user_id, role, joined_at)
		VALUES ($1,$2,$3,$4,$5)
	`, member.ID, member.OrgID, member.UserID, member.Role, member.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdateMemberRole(ctx context.Context, id string, role domain.OrgRole) error {
	res, err := s.db.ExecContext(ctx, `UPDATE organization_members SET role = $2 WHERE id = $1`, id, role)
	return expectAffected(res, err)
}

func (s *Store) DeleteMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organization_members WHERE id = $1`, id)
	return expectAffected(res, err)
}

// catalog

func (s *Store) CreateStore(ctx context.Context, st domain.Store) error {
	if st.ID == "" || st.OrgID == "" || st.Name == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, org_id, name, created_at) VALUES ($1,$2,$3,$4)
	`, st.ID, st.OrgID, st.Name, st.CreatedAt)
	return err
}

func (s *Store) ListStores(ctx context.Context, orgID string) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, created_at FROM stores WHERE org_id = $1 ORDER BY created_at, id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.OrgID, &st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetStore(ctx context.Context, id string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `SELECT id, org_id, name, created_at FROM stores WHERE id = $1`, id).
		Scan(&st.ID, &st.OrgID, &st.Name, &st.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// DeleteStore relies on ON DELETE CASCADE for daily_sales and monthly_rollups.
func (s *Store) DeleteStore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, id)
	return expectAffected(res, err)
}

func (s *Store) CreateKPI(ctx context.Context, k domain.KPI) error {
	if k.ID == "" || k.OrgID == "" || k.Name == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpis (id, org_id, name, created_at) VALUES ($1,$2,$3,$4)
	`, k.ID, k.OrgID, k.Name, k.CreatedAt)
	return err
}

func (s *Store) ListKPIs(ctx context.Context, orgID string) ([]domain.KPI, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, created_at FROM kpis WHERE org_id = $1 ORDER BY created_at, id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.KPI, 0, 8)
	for rows.Next() {
		var k domain.KPI
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetKPI(ctx context.Context, id string) (*domain.KPI, error) {
	var k domain.KPI
	err := s.db.QueryRowContext(ctx, `SELECT id, org_id, name, created_at FROM kpis WHERE id = $1`, id).
		Scan(&k.ID, &k.OrgID, &k.Name, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (s *Store) DeleteKPI(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kpis WHERE id = $1`, id)
	return expectAffected(res, err)
}

// rollups

func (s *Store) UpsertRollup(ctx context.Context, r domain.MonthlyRollup) error {
	if r.ID == "" {
		r.ID = xid.New("roll")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monthly_rollups (id, org_id, store_id, kpi_id, month_key, total_sales, monthly_goal, days_recorded, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (org_id, store_id, kpi_id, month_key)
		DO UPDATE SET
			total_sales = EXCLUDED.total_sales,
			monthly_goal = EXCLUDED.monthly_goal,
			days_recorded = EXCLUDED.days_recorded,
			closed_at = EXCLUDED.closed_at
	`, r.ID, r.OrgID, r.StoreID, r.KpiID, r.MonthKey, r.TotalSales, r.MonthlyGoal, r.DaysRecorded, r.ClosedAt)
	return err
}

func (s *Store) ListRollups(ctx context.Context, orgID, monthKey string) ([]domain.MonthlyRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, store_id, kpi_id, month_key, total_sales, monthly_goal, days_recorded, closed_at
		FROM monthly_rollups
		WHERE org_id = $1 AND month_key = $2
		ORDER BY store_id, kpi_id
	`, orgID, monthKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.MonthlyRollup, 0, 16)
	for rows.Next() {
		var r domain.MonthlyRollup
		if err := rows.Scan(&r.ID, &r.OrgID, &r.StoreID, &r.KpiID, &r.MonthKey, &r.TotalSales, &r.MonthlyGoal, &r.DaysRecorded, &r.ClosedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// reports

func (s *Store) CreateReport(ctx context.Context, report domain.Report) error {
	if report.ID == "" || report.OrgID == "" {
		return store.ErrInvalid
	}
	storeIDs := report.StoreIDs
	if storeIDs == nil {
		storeIDs = []string{}
	}
	storeIDsJSON, err := json.Marshal(storeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, org_id, name, url, object_key, store_ids, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, report.ID, report.OrgID, report.Name, report.URL, report.ObjectKey, string(storeIDsJSON), report.CreatedBy, report.CreatedAt)
	return err
}

const reportColumns = `id, org_id, name, url, object_key, store_ids, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (domain.Report, error) {
	var (
		r        domain.Report
		storeIDs []byte
	)
	if err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.URL, &r.ObjectKey, &storeIDs, &r.CreatedBy, &r.CreatedAt); err != nil {
		return r, err
	}
	if len(storeIDs) > 0 {
		if err := json.Unmarshal(storeIDs, &r.StoreIDs); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, orgID string) ([]domain.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+` FROM reports WHERE org_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Report, 0, 8)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	return expectAffected(res, err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ store.Repository = (*Store)(nil)
