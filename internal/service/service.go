package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"kpiboard/backend/internal/access"
	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/ledger"
	"kpiboard/backend/internal/lock"
	"kpiboard/backend/internal/metrics"
	"kpiboard/backend/internal/report"
	"kpiboard/backend/internal/rollup"
	"kpiboard/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrLastOwner       = errors.New("organization must keep at least one owner")
)

// Options carries the collaborators a Service is built from. Zero values
// fall back to in-process defaults.
type Options struct {
	Access  *access.Checker
	Locker  lock.Locker
	Blobs   blob.Store
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Service struct {
	repo     store.Repository
	access   *access.Checker
	ledger   *ledger.Reconciler
	rollups  *rollup.Job
	reports  *report.Publisher
	blobs    blob.Store
	clock    clock.Clock
	metrics  *metrics.Metrics
	validate *validator.Validate
	log      *zap.Logger
}

func New(repo store.Repository, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.System{}
	}
	checker := opts.Access
	if checker == nil {
		checker = access.NewChecker(repo, nil, 0, log)
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = blob.NewMemory()
	}

	return &Service{
		repo:   repo,
		access: checker,
		ledger: ledger.New(repo, checker,
			ledger.WithLocker(opts.Locker),
			ledger.WithClock(c),
			ledger.WithMetrics(opts.Metrics),
			ledger.WithLogger(log),
		),
		rollups:  rollup.NewJob(repo, c, opts.Metrics, log),
		reports:  report.NewPublisher(blobs, repo, c, opts.Metrics, log),
		blobs:    blobs,
		clock:    c,
		metrics:  opts.Metrics,
		validate: newValidator(),
		log:      log.Named("service"),
	}
}

// Rollups exposes the month-close job for the scheduler and the CLI.
func (s *Service) Rollups() *rollup.Job {
	return s.rollups
}

func (s *Service) actor(ctx context.Context) (*domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &actor, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateRequest reports the first failing field as store.ErrInvalid.
func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		if f.Param() != "" {
			return invalidf("%s failed %s=%s", f.Field(), f.Tag(), f.Param())
		}
		return invalidf("%s failed %s", f.Field(), f.Tag())
	}
	return invalidf("%v", err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalid, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrNotFound, fmt.Sprintf(format, args...))
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", access.ErrForbidden, fmt.Sprintf(format, args...))
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) CurrentUser(ctx context.Context) (domain.UserAccount, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.UserAccount{}, err
	}
	user, err := s.repo.GetUserByID(ctx, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.UserAccount{}, ErrUnauthenticated
	}
	if err != nil {
		return domain.UserAccount{}, err
	}
	return *user, nil
}
