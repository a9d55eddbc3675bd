package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/access"
	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/store/memory"
	"kpiboard/backend/internal/xid"
)

type fixture struct {
	svc   *Service
	repo  *memory.Store
	blobs *blob.Memory
	clock *clock.Fake
	org   domain.Organization
	users map[string]domain.UserAccount
}

func (f *fixture) as(name string) context.Context {
	u := f.users[name]
	return WithActor(context.Background(), domain.Actor{UserID: u.ID, Email: u.Email, Name: u.Name})
}

func (f *fixture) addUser(t *testing.T, name string) domain.UserAccount {
	t.Helper()
	u := domain.UserAccount{ID: xid.New("user"), Email: name + "@example.com", Name: strings.ToUpper(name[:1]) + name[1:] + " Tester", Active: true}
	require.NoError(t, f.repo.CreateUser(context.Background(), u), "create user %s", name)
	f.users[name] = u
	return u
}

func (f *fixture) memberID(t *testing.T, name string) string {
	t.Helper()
	m, err := f.repo.GetMembership(context.Background(), f.org.ID, f.users[name].ID)
	require.NoError(t, err, "membership of %s", name)
	return m.ID
}

// newFixture builds an organization owned by "owner" with an admin and a
// member, plus an outsider who belongs nowhere.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	f := &fixture{
		repo:  repo,
		blobs: blob.NewMemory(),
		clock: clock.NewFake(time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)),
		users: map[string]domain.UserAccount{},
	}
	f.svc = New(repo, Options{Blobs: f.blobs, Clock: f.clock})

	for _, name := range []string{"owner", "admin", "member", "outsider"} {
		f.addUser(t, name)
	}

	org, err := f.svc.CreateOrganization(f.as("owner"), domain.OrganizationCreateRequest{Name: "Acme Retail"})
	require.NoError(t, err)
	f.org = org

	for name, role := range map[string]domain.OrgRole{"admin": domain.RoleAdmin, "member": domain.RoleMember} {
		_, err := f.svc.InviteMember(f.as("owner"), org.ID, domain.MemberInviteRequest{Email: f.users[name].Email, Role: role})
		require.NoError(t, err, "invite %s", name)
	}
	return f
}

func (f *fixture) catalog(t *testing.T, ctx context.Context) (domain.Store, domain.KPI) {
	t.Helper()
	st, err := f.svc.CreateStore(ctx, f.org.ID, domain.NamedCreateRequest{Name: "Downtown"})
	require.NoError(t, err)
	k, err := f.svc.CreateKPI(ctx, f.org.ID, domain.NamedCreateRequest{Name: "Sales"})
	require.NoError(t, err)
	return st, k
}

func TestServiceRequiresActor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListStores(context.Background(), f.org.ID)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRecordMTDChecksAccessBeforeInput(t *testing.T) {
	f := newFixture(t)

	// Malformed entries from non-members still fail authorization.
	_, err := f.svc.RecordMTD(f.as("outsider"), f.org.ID, domain.MTDEntry{StoreID: "s", DateKey: "2024-03-15"})
	assert.ErrorIs(t, err, access.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.AuthorizeOrg(f.as("outsider"), f.org.ID), access.ErrUnauthorized)

	_, err = f.svc.RecordMTD(f.as("member"), f.org.ID, domain.MTDEntry{StoreID: "s", DateKey: "2024-03-15"})
	assert.ErrorIs(t, err, store.ErrInvalid)
	assert.NoError(t, f.svc.AuthorizeOrg(f.as("member"), f.org.ID))

	summary, err := f.svc.SalesSummary(f.as("member"), f.org.ID, "2024-03")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestCreateOrganizationSlugRules(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "acme-retail", f.org.Slug)

	_, err := f.svc.CreateOrganization(f.as("admin"), domain.OrganizationCreateRequest{Name: "Other", Slug: "Acme Retail"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = f.svc.CreateOrganization(f.as("admin"), domain.OrganizationCreateRequest{Name: "!!!"})
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestEnsurePersonalOrganizationSuffixesSlug(t *testing.T) {
	f := newFixture(t)
	first := f.addUser(t, "sam")
	second := f.addUser(t, "sammy")
	second.Name = "Sam Other"

	org1, err := f.svc.EnsurePersonalOrganization(context.Background(), first)
	require.NoError(t, err)
	require.NotNil(t, org1)
	org2, err := f.svc.EnsurePersonalOrganization(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, org2)

	assert.Equal(t, "Sam's Organization", org1.Name)
	assert.NotEmpty(t, org1.Slug)
	assert.Equal(t, org1.Slug+"-1", org2.Slug)

	again, err := f.svc.EnsurePersonalOrganization(context.Background(), first)
	require.NoError(t, err)
	assert.Nil(t, again, "an existing member gets no second organization")
}

func TestListOrganizationsScopesToMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrganization(f.as("outsider"), domain.OrganizationCreateRequest{Name: "Side Shop"})
	require.NoError(t, err)

	orgs, err := f.svc.ListOrganizations(f.as("member"))
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, f.org.ID, orgs[0].ID)

	_, err = f.svc.BootstrapSuperAdmin(f.as("outsider"))
	require.NoError(t, err)
	orgs, err = f.svc.ListOrganizations(f.as("outsider"))
	require.NoError(t, err)
	assert.Len(t, orgs, 2, "super admin sees every organization")
}

func TestInviteMemberRules(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "newbie")

	_, err := f.svc.InviteMember(f.as("member"), f.org.ID, domain.MemberInviteRequest{Email: "newbie@example.com", Role: domain.RoleMember})
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = f.svc.InviteMember(f.as("admin"), f.org.ID, domain.MemberInviteRequest{Email: "ghost@example.com", Role: domain.RoleMember})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.InviteMember(f.as("admin"), f.org.ID, domain.MemberInviteRequest{Email: "member@example.com", Role: domain.RoleMember})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = f.svc.InviteMember(f.as("owner"), f.org.ID, domain.MemberInviteRequest{Email: "newbie@example.com", Role: domain.RoleOwner})
	assert.ErrorIs(t, err, store.ErrInvalid)

	detail, err := f.svc.InviteMember(f.as("admin"), f.org.ID, domain.MemberInviteRequest{Email: "NEWBIE@example.com", Role: domain.RoleMember})
	require.NoError(t, err)
	assert.Equal(t, "Newbie Tester", detail.Name)

	role, err := f.svc.MyOrgRole(f.as("newbie"), f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, role)
}

func TestRemoveMemberRules(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "admin2")
	_, err := f.svc.InviteMember(f.as("owner"), f.org.ID, domain.MemberInviteRequest{Email: "admin2@example.com", Role: domain.RoleAdmin})
	require.NoError(t, err)

	cases := []struct {
		name   string
		actor  string
		target string
		want   error
	}{
		{"member cannot remove others", "member", "admin", access.ErrForbidden},
		{"admin cannot remove admin", "admin", "admin2", access.ErrForbidden},
		{"admin cannot remove owner", "admin", "owner", access.ErrForbidden},
		{"outsider cannot remove", "outsider", "member", access.ErrForbidden},
		{"last owner cannot remove self", "owner", "owner", ErrLastOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.RemoveMember(f.as(tc.actor), f.org.ID, f.memberID(t, tc.target))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	require.NoError(t, f.svc.RemoveMember(f.as("admin"), f.org.ID, f.memberID(t, "member")))
	require.NoError(t, f.svc.RemoveMember(f.as("admin2"), f.org.ID, f.memberID(t, "admin2")), "self removal")

	_, err = f.svc.ListStores(f.as("member"), f.org.ID)
	assert.ErrorIs(t, err, access.ErrUnauthorized, "removed member loses access")
}

func TestUpdateMemberRoleKeepsAnOwner(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UpdateMemberRole(f.as("admin"), f.org.ID, f.memberID(t, "member"), domain.MemberRoleUpdateRequest{Role: domain.RoleAdmin})
	assert.ErrorIs(t, err, access.ErrForbidden)
	err = f.svc.UpdateMemberRole(f.as("owner"), f.org.ID, f.memberID(t, "owner"), domain.MemberRoleUpdateRequest{Role: domain.RoleMember})
	assert.ErrorIs(t, err, ErrLastOwner)

	require.NoError(t, f.svc.UpdateMemberRole(f.as("owner"), f.org.ID, f.memberID(t, "admin"), domain.MemberRoleUpdateRequest{Role: domain.RoleOwner}))
	assert.NoError(t, f.svc.UpdateMemberRole(f.as("owner"), f.org.ID, f.memberID(t, "owner"), domain.MemberRoleUpdateRequest{Role: domain.RoleMember}),
		"demote with a second owner present")
}

func TestLeaveOrganization(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.LeaveOrganization(f.as("owner"), f.org.ID), ErrLastOwner)
	assert.ErrorIs(t, f.svc.LeaveOrganization(f.as("outsider"), f.org.ID), access.ErrUnauthorized)
	require.NoError(t, f.svc.LeaveOrganization(f.as("member"), f.org.ID))

	role, err := f.svc.MyOrgRole(f.as("member"), f.org.ID)
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestAppRoles(t *testing.T) {
	f := newFixture(t)

	role, err := f.svc.MyAppRole(f.as("member"))
	require.NoError(t, err)
	assert.Equal(t, domain.AppRoleUser, role)

	_, err = f.svc.SetUserRole(f.as("owner"), domain.AppRoleUpdateRequest{UserID: f.users["member"].ID, Role: domain.AppRoleSuperAdmin})
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.BootstrapSuperAdmin(f.as("owner"))
	require.NoError(t, err)
	_, err = f.svc.BootstrapSuperAdmin(f.as("admin"))
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = f.svc.BootstrapSuperAdminByEmail(context.Background(), "admin@example.com")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = f.svc.SetUserRole(f.as("owner"), domain.AppRoleUpdateRequest{UserID: f.users["outsider"].ID, Role: domain.AppRoleSuperAdmin})
	require.NoError(t, err)
	_, err = f.svc.ListStores(f.as("outsider"), f.org.ID)
	assert.NoError(t, err, "super admin reaches any organization")
}

func TestDeleteStoreCascadesAndChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("member")

	st, err := f.svc.CreateStore(ctx, f.org.ID, domain.NamedCreateRequest{Name: "  Downtown "})
	require.NoError(t, err)
	assert.Equal(t, "Downtown", st.Name)
	k, err := f.svc.CreateKPI(ctx, f.org.ID, domain.NamedCreateRequest{Name: "Sales"})
	require.NoError(t, err)

	_, err = f.svc.CreateStore(ctx, f.org.ID, domain.NamedCreateRequest{Name: "   "})
	assert.ErrorIs(t, err, store.ErrInvalid)

	_, err = f.svc.RecordMTD(ctx, f.org.ID, domain.MTDEntry{
		StoreID: st.ID, KpiID: k.ID, DateKey: "2024-03-10",
		MTDTotal: decimal.NewFromInt(500), MonthlyGoal: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteStore(ctx, f.org.ID, st.ID), access.ErrForbidden)

	other, err := f.svc.CreateOrganization(f.as("outsider"), domain.OrganizationCreateRequest{Name: "Elsewhere"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeleteStore(f.as("outsider"), other.ID, st.ID), store.ErrNotFound)

	require.NoError(t, f.svc.DeleteStore(f.as("admin"), f.org.ID, st.ID))
	summary, err := f.svc.SalesSummary(ctx, f.org.ID, "2024-03")
	require.NoError(t, err)
	assert.Empty(t, summary, "deleting the store drops its sales")

	assert.NoError(t, f.svc.DeleteKPI(f.as("owner"), f.org.ID, k.ID))
}

func TestDashboardFillsMissingPairs(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("member")
	s1, err := f.svc.CreateStore(ctx, f.org.ID, domain.NamedCreateRequest{Name: "Airport"})
	require.NoError(t, err)
	_, k := f.catalog(t, ctx)

	_, err = f.svc.RecordMTD(ctx, f.org.ID, domain.MTDEntry{
		StoreID: s1.ID, KpiID: k.ID, DateKey: "2024-03-15",
		MTDTotal: decimal.NewFromInt(600), MonthlyGoal: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	board, err := f.svc.Dashboard(ctx, f.org.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15", board.DateKey, "defaults to the clock date")
	assert.Equal(t, "2024-03", board.MonthKey)
	require.Len(t, board.Lines, 2, "one line per store and KPI")

	var zero int
	for _, l := range board.Lines {
		if l.MTDSales.IsZero() {
			zero++
		}
	}
	assert.Equal(t, 1, zero, "the unrecorded pair defaults to zero")

	_, err = f.svc.Dashboard(ctx, f.org.ID, "15/03/2024")
	assert.ErrorIs(t, err, store.ErrInvalid)
	_, err = f.svc.Dashboard(f.as("outsider"), f.org.ID, "")
	assert.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestRunRollupDefaultsToPreviousMonth(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("owner")
	st, k := f.catalog(t, ctx)
	for _, day := range []struct {
		date string
		mtd  int64
	}{{"2024-02-10", 100}, {"2024-02-20", 250}} {
		_, err := f.svc.RecordMTD(ctx, f.org.ID, domain.MTDEntry{
			StoreID: st.ID, KpiID: k.ID, DateKey: day.date,
			MTDTotal: decimal.NewFromInt(day.mtd), MonthlyGoal: decimal.NewFromInt(1000),
		})
		require.NoError(t, err, "record %s", day.date)
	}

	_, err := f.svc.RunRollup(ctx, domain.RollupRequest{})
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = f.svc.BootstrapSuperAdmin(ctx)
	require.NoError(t, err)

	res, err := f.svc.RunRollup(ctx, domain.RollupRequest{})
	require.NoError(t, err)
	assert.Equal(t, "2024-02", res.MonthKey)
	assert.Equal(t, 1, res.Rollups)

	rollups, err := f.svc.ListRollups(f.as("member"), f.org.ID, "")
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.True(t, rollups[0].TotalSales.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, 2, rollups[0].DaysRecorded)
}

func TestReportLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("member")
	st, _ := f.catalog(t, ctx)

	_, err := f.svc.GenerateReport(ctx, f.org.ID, domain.ReportCreateRequest{Name: "Bad", StoreIDs: []string{"store_missing"}})
	assert.ErrorIs(t, err, store.ErrInvalid)

	rep, err := f.svc.GenerateReport(ctx, f.org.ID, domain.ReportCreateRequest{Name: "March", StoreIDs: []string{st.ID}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rep.ObjectKey, "reports/"+f.org.ID+"/"), rep.ObjectKey)

	got, data, err := f.svc.DownloadReport(ctx, f.org.ID, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, rep.ID, got.ID)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	assert.ErrorIs(t, f.svc.DeleteReport(ctx, f.org.ID, rep.ID), access.ErrForbidden)
	require.NoError(t, f.svc.DeleteReport(f.as("admin"), f.org.ID, rep.ID))
	assert.Empty(t, f.blobs.Keys())

	reports, err := f.svc.ListReports(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestImportSalesCreatesEntitiesAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("member")
	_, err := f.svc.CreateStore(ctx, f.org.ID, domain.NamedCreateRequest{Name: "Downtown"})
	require.NoError(t, err)

	csv := "Store,KPI,Monthly Goal,MTD Sales\n" +
		"downtown,Sales,1000,400\n" +
		"Airport,Sales,800,300\n" +
		"Airport,Units,abc,3\n"
	res, err := f.svc.ImportSales(ctx, f.org.ID, strings.NewReader(csv), "2024-03-12")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RecordsLoaded)
	assert.Equal(t, []string{"Airport"}, res.CreatedStores)
	assert.Equal(t, []string{"Sales"}, res.CreatedKPIs)
	assert.Len(t, res.Errors, 1, "the bad row is reported")

	summary, err := f.svc.SalesSummary(ctx, f.org.ID, "2024-03")
	require.NoError(t, err)
	assert.Len(t, summary, 2)

	bad, err := f.svc.ImportSales(ctx, f.org.ID, strings.NewReader("Store,KPI\nA,B\n"), "2024-03-12")
	require.NoError(t, err)
	assert.False(t, bad.Success, "missing headers fail validation")
}

func TestExportSales(t *testing.T) {
	f := newFixture(t)
	ctx := f.as("member")
	f.catalog(t, ctx)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportSales(ctx, f.org.ID, "2024-03-15", ExportCSV, &buf))
	assert.True(t, strings.HasPrefix(buf.String(), "Store,KPI,Monthly Goal,MTD Sales"), buf.String())
	assert.Contains(t, buf.String(), "Downtown,Sales")

	_, err := ParseExportFormat("pdf")
	assert.ErrorIs(t, err, store.ErrInvalid)

	buf.Reset()
	require.NoError(t, f.svc.ImportTemplate(ctx, f.org.ID, &buf))
	assert.Contains(t, buf.String(), "Downtown,Sales,1000,500", "template uses existing entities")
}
