package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/connector"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/notify"
	"distributed-job-scheduler/internal/ratelimit"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
	"distributed-job-scheduler/internal/store/memory"
	"distributed-job-scheduler/internal/telemetry"
)

// Pipeline job types downstream of connector syncs. They are handled by
// external workers registered at runtime; until then they run as no-ops.
const (
	SignalExtraction     = "signal_extraction"
	CommitmentExtraction = "commitment_extraction"
	DigestRefresh        = "digest_refresh"
)

// Store is everything the binaries need from persistence.
type Store interface {
	scheduler.Store
	connector.Store
	connector.ViewRefresher
}

// App holds the wired components shared by cmd/api, cmd/worker and cmd/schedctl.
type App struct {
	Config     config.Config
	Log        *zap.SugaredLogger
	Store      Store
	Scheduler  *scheduler.Scheduler
	Connectors *connector.Orchestrator
	Errors     *connector.ErrorRegistry
	Metrics    *telemetry.Recorder
	Notifier   notify.Publisher
	// Limiter is nil when no Redis is wired.
	Limiter *ratelimit.TokenBucket

	redis   *redis.Client
	closers []func() error
}

type Option func(*options)

type options struct {
	store        Store
	redis        *redis.Client
	registry     *scheduler.Registry
	connectorOps []connector.Option
	schedOps     []scheduler.Option
}

// WithStore skips driver selection and uses st.
func WithStore(st Store) Option { return func(o *options) { o.store = st } }

// WithRedis supplies the Redis client used by the limiter and redis notifications.
func WithRedis(c *redis.Client) Option { return func(o *options) { o.redis = c } }

// WithRegistry lets callers pre-register pipeline handlers.
func WithRegistry(reg *scheduler.Registry) Option { return func(o *options) { o.registry = reg } }

func WithConnectorOptions(opts ...connector.Option) Option {
	return func(o *options) { o.connectorOps = append(o.connectorOps, opts...) }
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedOps = append(o.schedOps, opts...) }
}

// New connects storage and transports and wires the scheduler and
// connector layers. Close releases everything New opened.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{Config: cfg, Log: log, Metrics: telemetry.NewRecorder(), Notifier: notify.Nop{}}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err = cfg.CheckConnectorModes(); err != nil {
		return nil, err
	}
	if a.Store, err = a.openStore(ctx, o.store); err != nil {
		return nil, err
	}

	a.redis = o.redis
	if a.redis == nil && (cfg.StoreDriver != "memory" || cfg.NotifyTransport == "redis") {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, a.redis.Close)
	}
	if a.redis != nil {
		a.Limiter = ratelimit.NewTokenBucket(a.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	if err = a.openNotifier(); err != nil {
		return nil, err
	}

	connOpts := []connector.Option{
		connector.WithMetrics(a.Metrics),
		connector.WithSideEffects(sideEffects(cfg, a.Store)...),
	}
	if cfg.MCPServerURL != "" {
		inv := connector.NewMCPInvoker(cfg.MCPServerURL)
		a.closers = append(a.closers, inv.Close)
		connOpts = append(connOpts, connector.WithMCPRunner(connector.NewMCPRunner(inv)))
	}
	a.Connectors = connector.New(cfg, a.Store, log, append(connOpts, o.connectorOps...)...)
	a.Errors = connector.NewErrorRegistry(a.Connectors, cfg.ConnectorRetryRate)

	reg := o.registry
	if reg == nil {
		reg = scheduler.NewRegistry()
	}
	connector.Register(reg, a.Connectors, a.Errors, cfg.ConnectorRetryLimit)

	chain, err := Cascade(cfg, a.Connectors.Connectors())
	if err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{
		scheduler.WithCascade(chain),
		scheduler.WithPublisher(a.Notifier),
		scheduler.WithMetrics(a.Metrics),
	}
	a.Scheduler = scheduler.New(cfg, a.Store, reg, log, append(schedOpts, o.schedOps...)...)
	return a, nil
}

func (a *App) openStore(ctx context.Context, given Store) (Store, error) {
	if given != nil {
		return given, nil
	}
	switch a.Config.StoreDriver {
	case "memory":
		a.Log.Warnw("using in-memory store; state is lost on exit")
		return memory.New(), nil
	case "", "postgres":
		st, err := store.New(ctx, a.Config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { st.Close(); return nil })
		if err := st.RunMigrations(ctx); err != nil {
			return nil, errors.Wrap(err, "migrations")
		}
		return st, nil
	default:
		return nil, errors.Newf("unknown STORE_DRIVER %q", a.Config.StoreDriver)
	}
}

func (a *App) openNotifier() error {
	var t notify.Transport
	switch a.Config.NotifyTransport {
	case "", "none":
		return nil
	case "redis":
		t = notify.NewRedisTransport(a.redis)
	case "nats":
		nt, err := notify.DialNATS(a.Config.NatsURL)
		if err != nil {
			return err
		}
		t = nt
	default:
		return errors.Newf("unknown NOTIFY_TRANSPORT %q", a.Config.NotifyTransport)
	}
	async := notify.NewAsync(t, a.Config.NotifyChannel, a.Config.NotifyBuffer, a.Log)
	a.Notifier = async
	a.closers = append(a.closers, async.Close)
	return nil
}

func sideEffects(cfg config.Config, refresher connector.ViewRefresher) []connector.SideEffect {
	effects := []connector.SideEffect{
		connector.CompletenessCheck{MinPct: cfg.MinCompletenessPct},
		connector.LinkablePreview{},
	}
	if len(cfg.MaterializedViews) > 0 {
		effects = append([]connector.SideEffect{connector.MaterializedViewRefresh{
			Refresher: refresher,
			Views:     cfg.MaterializedViews,
		}}, effects...)
	}
	return effects
}

// Cascade builds the validated cascade chain: JOB_CASCADE_CHAINS when set,
// otherwise the default chain, expanded for the configured connectors.
func Cascade(cfg config.Config, connectors []string) (*scheduler.CascadeChain, error) {
	raw := cfg.CascadeChains
	if raw == nil {
		raw = scheduler.DefaultCascade
	}
	return scheduler.NewCascadeChain(scheduler.ExpandCascade(raw, connectors))
}

// JobDefinitions lists every built-in job seeded into a scope.
func JobDefinitions(cfg config.Config, connectors []string) []models.JobDefinition {
	defs := connector.JobDefinitions(connectors, cfg.JobCadence)
	for _, d := range []models.JobDefinition{
		{JobType: SignalExtraction, CadenceSeconds: 3600},
		{JobType: CommitmentExtraction, CadenceSeconds: 3600},
		{JobType: DigestRefresh, CadenceSeconds: 86400},
	} {
		d.CadenceSeconds = cfg.JobCadence(d.JobType, d.CadenceSeconds)
		defs = append(defs, d)
	}
	return defs
}

// Scopes parses SCHEDULER_SCOPES.
func (a *App) Scopes() ([]models.Scope, error) {
	out := make([]models.Scope, 0, len(a.Config.Scopes))
	for _, raw := range a.Config.Scopes {
		sc, err := models.ParseScope(raw)
		if err != nil {
			return nil, errors.Wrap(err, "SCHEDULER_SCOPES")
		}
		out = append(out, sc)
	}
	return out, nil
}

// SeedScopes inserts the built-in jobs for every configured scope. Existing
// rows are untouched.
func (a *App) SeedScopes(ctx context.Context) (int, error) {
	scopes, err := a.Scopes()
	if err != nil {
		return 0, err
	}
	defs := JobDefinitions(a.Config, a.Connectors.Connectors())
	total := 0
	for _, sc := range scopes {
		n, err := a.Scheduler.Seed(ctx, sc, defs)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		a.Log.Infow("seeded scheduled jobs", "created", total, "scopes", len(scopes))
	}
	return total, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
