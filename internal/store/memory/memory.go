package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/xid"
)

// Store is a process-local Repository used for development and tests.
type Store struct {
	mu            sync.RWMutex
	users         map[string]domain.UserAccount
	userByEmail   map[string]string
	appRoles      map[string]domain.AppRole
	orgs          map[string]domain.Organization
	members       map[string]domain.Member
	stores        map[string]domain.Store
	kpis          map[string]domain.KPI
	dailySales    map[string]domain.DailySale
	dailySaleKeys map[string]string
	rollups       map[string]domain.MonthlyRollup
	reports       map[string]domain.Report
}

func New() *Store {
	return &Store{
		users:         make(map[string]domain.UserAccount),
		userByEmail:   make(map[string]string),
		appRoles:      make(map[string]domain.AppRole),
		orgs:          make(map[string]domain.Organization),
		members:       make(map[string]domain.Member),
		stores:        make(map[string]domain.Store),
		kpis:          make(map[string]domain.KPI),
		dailySales:    make(map[string]domain.DailySale),
		dailySaleKeys: make(map[string]string),
		rollups:       make(map[string]domain.MonthlyRollup),
		reports:       make(map[string]domain.Report),
	}
}

// NewSeeded returns a store with a super admin account and a demo
// organization. Credentials come from SEED_ADMIN_EMAIL and
// SEED_ADMIN_PASSWORD; dev defaults are used with a warning when unset.
func NewSeeded(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := New()

	email := envOr("SEED_ADMIN_EMAIL", "admin@kpiboard.local")
	password := envOr("SEED_ADMIN_PASSWORD", "admin12345")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Warn("memory store is using default dev credentials; set SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD to override")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("hash seed password", zap.Error(err))
	}

	now := time.Now().UTC()
	admin := domain.UserAccount{
		ID:           xid.New("user"),
		Email:        strings.ToLower(email),
		Name:         "Admin",
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    now,
	}
	org := domain.Organization{
		ID:        xid.New("org"),
		Name:      "Demo Organization",
		Slug:      "demo-organization",
		OwnerID:   admin.ID,
		CreatedAt: now,
	}

	s.users[admin.ID] = admin
	s.userByEmail[admin.Email] = admin.ID
	s.appRoles[admin.ID] = domain.AppRole{UserID: admin.ID, Role: domain.AppRoleSuperAdmin}
	s.orgs[org.ID] = org
	ownerID := xid.New("mem")
	s.members[ownerID] = domain.Member{ID: ownerID, OrgID: org.ID, UserID: admin.ID, Role: domain.RoleOwner, JoinedAt: now}
	for _, name := range []string{"Downtown", "Airport"} {
		id := xid.New("store")
		s.stores[id] = domain.Store{ID: id, OrgID: org.ID, Name: name, CreatedAt: now}
	}
	for _, name := range []string{"Sales", "Units"} {
		id := xid.New("kpi")
		s.kpis[id] = domain.KPI{ID: id, OrgID: org.ID, Name: name, CreatedAt: now}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Ping(context.Context) error { return nil }

// ledger

func dailySaleKey(orgID, storeID, kpiID, dateKey string) string {
	return orgID + "\x00" + storeID + "\x00" + kpiID + "\x00" + dateKey
}

func (s *Store) filterDailySales(match func(domain.DailySale) bool) []domain.DailySale {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.DailySale, 0, 16)
	for _, row := range s.dailySales {
		if match(row) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DateKey != rows[j].DateKey {
			return rows[i].DateKey < rows[j].DateKey
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func (s *Store) ListDailySalesForKey(_ context.Context, orgID, storeID, kpiID, monthKey string) ([]domain.DailySale, error) {
	return s.filterDailySales(func(row domain.DailySale) bool {
		return row.OrgID == orgID && row.StoreID == storeID && row.KpiID == kpiID && row.MonthKey == monthKey
	}), nil
}

func (s *Store) ListDailySalesByOrgMonth(_ context.Context, orgID, monthKey string) ([]domain.DailySale, error) {
	return s.filterDailySales(func(row domain.DailySale) bool {
		return row.OrgID == orgID && row.MonthKey == monthKey
	}), nil
}

func (s *Store) ListDailySalesByStoreMonth(_ context.Context, orgID, storeID, monthKey string) ([]domain.DailySale, error) {
	return s.filterDailySales(func(row domain.DailySale) bool {
		return row.OrgID == orgID && row.StoreID == storeID && row.MonthKey == monthKey
	}), nil
}

func (s *Store) ListDailySalesByMonth(_ context.Context, monthKey string) ([]domain.DailySale, error) {
	return s.filterDailySales(func(row domain.DailySale) bool {
		return row.MonthKey == monthKey
	}), nil
}

func (s *Store) InsertDailySale(_ context.Context, sale domain.DailySale) (*domain.DailySale, error) {
	if sale.OrgID == "" || sale.StoreID == "" || sale.KpiID == "" || sale.DateKey == "" || sale.MonthKey == "" {
		return nil, store.ErrInvalid
	}
	if sale.ID == "" {
		sale.ID = xid.New("ds")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dailySaleKey(sale.OrgID, sale.StoreID, sale.KpiID, sale.DateKey)
	if _, exists := s.dailySaleKeys[key]; exists {
		return nil, store.ErrConflict
	}
	s.dailySales[sale.ID] = sale
	s.dailySaleKeys[key] = sale.ID

	created := sale
	return &created, nil
}

func (s *Store) UpdateDailySale(_ context.Context, id string, dailyValue, monthlyGoal decimal.Decimal, createdBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dailySales[id]
	if !ok {
		return store.ErrNotFound
	}
	row.DailyValue = dailyValue
	row.MonthlyGoal = monthlyGoal
	row.CreatedBy = createdBy
	s.dailySales[id] = row
	return nil
}

// access

func (s *Store) GetAppRole(_ context.Context, userID string) (*domain.AppRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.appRoles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &role, nil
}

func (s *Store) GetMembership(_ context.Context, orgID, userID string) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		if m.OrgID == orgID && m.UserID == userID {
			found := m
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateFirstAppRole(_ context.Context, role domain.AppRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appRoles) > 0 {
		return store.ErrConflict
	}
	s.appRoles[role.UserID] = role
	return nil
}

func (s *Store) UpsertAppRole(_ context.Context, role domain.AppRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appRoles[role.UserID] = role
	return nil
}

// users

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || email == "" {
		return store.ErrInvalid
	}
	user.Email = email

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userByEmail[email]; exists {
		return store.ErrConflict
	}
	s.users[user.ID] = user
	s.userByEmail[email] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

// organizations

func (s *Store) CreateOrganization(_ context.Context, org domain.Organization, owner domain.Member) error {
	if org.ID == "" || org.Slug == "" || owner.ID == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orgs {
		if existing.Slug == org.Slug {
			return store.ErrConflict
		}
	}
	owner.OrgID = org.ID
	s.orgs[org.ID] = org
	s.members[owner.ID] = owner
	return nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &org, nil
}

func (s *Store) GetOrganizationBySlug(_ context.Context, slug string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.orgs {
		if org.Slug == slug {
			found := org
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListOrganizations(_ context.Context) ([]domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs := make([]domain.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		orgs = append(orgs, org)
	}
	sortOrganizations(orgs)
	return orgs, nil
}

func (s *Store) ListOrganizationsForUser(_ context.Context, userID string) ([]domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs := make([]domain.Organization, 0, 4)
	for _, m := range s.members {
		if m.UserID != userID {
			continue
		}
		if org, ok := s.orgs[m.OrgID]; ok {
			orgs = append(orgs, org)
		}
	}
	sortOrganizations(orgs)
	return orgs, nil
}

func sortOrganizations(orgs []domain.Organization) {
	sort.Slice(orgs, func(i, j int) bool {
		if !orgs[i].CreatedAt.Equal(orgs[j].CreatedAt) {
			return orgs[i].CreatedAt.Before(orgs[j].CreatedAt)
		}
		return orgs[i].ID < orgs[j].ID
	})
}

func (s *Store) ListMembers(_ context.Context, orgID string) ([]domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]domain.Member, 0, 8)
	for _, m := range s.members {
		if m.OrgID == orgID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ID < members[j].ID
	})
	return members, nil
}

func (s *Store) GetMember(_ context.Context, id string) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) CreateMember(_ context.Context, member domain.Member) error {
	if member.ID == "" || member.OrgID == "" || member.UserID == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.OrgID == member.OrgID && m.UserID == member.UserID {
			return store.ErrConflict
		}
	}
	s.members[member.ID] = member
	return nil
}

func (s *Store) UpdateMemberRole(_ context.Context, id string, role domain.OrgRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Role = role
	s.members[id] = m
	return nil
}

func (s *Store) DeleteMember(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.members, id)
	return nil
}

// catalog

func (s *Store) CreateStore(_ context.Context, st domain.Store) error {
	if st.ID == "" || st.OrgID == "" || st.Name == "" {
		return store.ErrInvalid
	}
	s.mu.Lock()
	s.stores[st.ID] = st
	s.mu.Unlock()
	return nil
}

func (s *Store) ListStores(_ context.Context, orgID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Store, 0, 8)
	for _, st := range s.stores {
		if st.OrgID == orgID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Store) GetStore(_ context.Context, id string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) DeleteStore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.stores, id)
	s.deleteLedgerLocked(func(storeID, _ string) bool { return storeID == id })
	return nil
}

func (s *Store) CreateKPI(_ context.Context, k domain.KPI) error {
	if k.ID == "" || k.OrgID == "" || k.Name == "" {
		return store.ErrInvalid
	}
	s.mu.Lock()
	s.kpis[k.ID] = k
	s.mu.Unlock()
	return nil
}

func (s *Store) ListKPIs(_ context.Context, orgID string) ([]domain.KPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.KPI, 0, 8)
	for _, k := range s.kpis {
		if k.OrgID == orgID {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Store) GetKPI(_ context.Context, id string) (*domain.KPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.kpis[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &k, nil
}

func (s *Store) DeleteKPI(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kpis[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.kpis, id)
	s.deleteLedgerLocked(func(_, kpiID string) bool { return kpiID == id })
	return nil
}

// deleteLedgerLocked removes daily sales and rollups matching (storeID, kpiID).
// Callers hold s.mu.
func (s *Store) deleteLedgerLocked(match func(storeID, kpiID string) bool) {
	for id, row := range s.dailySales {
		if match(row.StoreID, row.KpiID) {
			delete(s.dailySales, id)
			delete(s.dailySaleKeys, dailySaleKey(row.OrgID, row.StoreID, row.KpiID, row.DateKey))
		}
	}
	for key, rollup := range s.rollups {
		if match(rollup.StoreID, rollup.KpiID) {
			delete(s.rollups, key)
		}
	}
}

// rollups

func rollupKey(r domain.MonthlyRollup) string {
	return r.OrgID + "\x00" + r.StoreID + "\x00" + r.KpiID + "\x00" + r.MonthKey
}

func (s *Store) UpsertRollup(_ context.Context, rollup domain.MonthlyRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rollupKey(rollup)
	if existing, ok := s.rollups[key]; ok {
		rollup.ID = existing.ID
	} else if rollup.ID == "" {
		rollup.ID = xid.New("roll")
	}
	s.rollups[key] = rollup
	return nil
}

func (s *Store) ListRollups(_ context.Context, orgID, monthKey string) ([]domain.MonthlyRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MonthlyRollup, 0, 8)
	for _, r := range s.rollups {
		if r.OrgID == orgID && r.MonthKey == monthKey {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StoreID != result[j].StoreID {
			return result[i].StoreID < result[j].StoreID
		}
		return result[i].KpiID < result[j].KpiID
	})
	return result, nil
}

// reports

func (s *Store) CreateReport(_ context.Context, report domain.Report) error {
	if report.ID == "" || report.OrgID == "" {
		return store.ErrInvalid
	}
	report.StoreIDs = append([]string(nil), report.StoreIDs...)
	s.mu.Lock()
	s.reports[report.ID] = report
	s.mu.Unlock()
	return nil
}

func (s *Store) ListReports(_ context.Context, orgID string) ([]domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Report, 0, 8)
	for _, r := range s.reports {
		if r.OrgID == orgID {
			r.StoreIDs = append([]string(nil), r.StoreIDs...)
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) GetReport(_ context.Context, id string) (*domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.StoreIDs = append([]string(nil), r.StoreIDs...)
	return &r, nil
}

func (s *Store) DeleteReport(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.reports, id)
	return nil
}

var _ store.Repository = (*Store)(nil)
