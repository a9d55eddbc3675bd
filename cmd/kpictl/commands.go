package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"kpiboard/backend/internal/config"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/logging"
	"kpiboard/backend/internal/rollup"
	"kpiboard/backend/internal/service"
	pgstore "kpiboard/backend/internal/store/postgres"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&rollupCmd{},
	&bootstrapAdminCmd{},
	&importCmd{},
}

// env holds what every command needs: the database and a service on top.
type env struct {
	log  *zap.Logger
	repo *pgstore.Store
	svc  *service.Service
}

func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: "console", Environment: cfg.AppEnv})
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	repo, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	svc := service.New(repo, service.Options{Logger: log})
	return &env{log: log, repo: repo, svc: svc}, nil
}

func (e *env) Close() {
	_ = e.repo.Close()
	_ = e.log.Sync()
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply pending database migrations" }
func (*migrateCmd) Usage() string {
	return `kpictl migrate

  Applies every pending schema migration to DATABASE_URL.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	if err := e.repo.Migrate(); err != nil {
		return fail(err)
	}
	e.log.Info("migrations applied")
	return subcommands.ExitSuccess
}

type rollupCmd struct {
	month string
}

func (*rollupCmd) Name() string     { return "rollup" }
func (*rollupCmd) Synopsis() string { return "close a month into monthly rollups" }
func (*rollupCmd) Usage() string {
	return `kpictl rollup [-month YYYY-MM]

  Aggregates daily sales of a month into monthly rollups. Defaults to the
  previous UTC month. Running it twice for the same month is harmless.
`
}

func (c *rollupCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.month, "month", "", "Month to close (YYYY-MM). Defaults to the previous month.")
}

func (c *rollupCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	job := e.svc.Rollups()
	month := c.month
	if month == "" {
		month = job.PreviousMonth()
	}
	n, err := job.RollupMonth(ctx, month, rollup.TriggerManual)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%s: %d rollups written\n", month, n)
	return subcommands.ExitSuccess
}

type bootstrapAdminCmd struct {
	email string
}

func (*bootstrapAdminCmd) Name() string     { return "bootstrap-admin" }
func (*bootstrapAdminCmd) Synopsis() string { return "grant the first super admin role" }
func (*bootstrapAdminCmd) Usage() string {
	return `kpictl bootstrap-admin -email <email>

  Makes an existing account the first super admin. Fails once any app
  role exists.
`
}

func (c *bootstrapAdminCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.email, "email", "", "Email of the account to promote.")
}

func (c *bootstrapAdminCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.email == "" {
		fmt.Fprintln(os.Stderr, "-email is required")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	role, err := e.svc.BootstrapSuperAdminByEmail(ctx, c.email)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%s is now %s\n", c.email, role.Role)
	return subcommands.ExitSuccess
}

type importCmd struct {
	org  string
	as   string
	file string
	date string
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "import a month-to-date sales CSV" }
func (*importCmd) Usage() string {
	return `kpictl import -org <org_id> -as <email> -file <path> [-date YYYY-MM-DD]

  Loads a CSV with Store, KPI, Monthly Goal and MTD Sales columns into an
  organization on behalf of a member. Unknown stores and KPIs are created.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.org, "org", "", "Organization id.")
	f.StringVar(&c.as, "as", "", "Email of the member the import is recorded for.")
	f.StringVar(&c.file, "file", "", "Path to the CSV file.")
	f.StringVar(&c.date, "date", "", "Date the MTD values are as of. Defaults to today (UTC).")
}

func (c *importCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.org == "" || c.as == "" || c.file == "" {
		fmt.Fprintln(os.Stderr, "-org, -as and -file are required")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	user, err := e.repo.GetUserByEmail(ctx, c.as)
	if err != nil {
		return fail(fmt.Errorf("lookup %s: %w", c.as, err))
	}
	f, err := os.Open(c.file)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	ctx = service.WithActor(ctx, domain.Actor{UserID: user.ID, Email: user.Email, Name: user.Name})
	result, err := e.svc.ImportSales(ctx, c.org, f, c.date)
	if err != nil {
		return fail(err)
	}
	fmt.Println(result.Message)
	for _, msg := range result.Errors {
		fmt.Println("  " + msg)
	}
	if !result.Success {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
