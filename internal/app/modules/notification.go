package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"herald.io/herald/internal/api/handlers"
	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/config"
	"herald.io/herald/internal/dedupe"
	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/jobs"
	"herald.io/herald/internal/notification"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/presence"
	"herald.io/herald/internal/ratelimit"
	"herald.io/herald/internal/realtime"
	"herald.io/herald/internal/store"
	pgstore "herald.io/herald/internal/store/postgres"
)

// NotificationModule owns the fan-out engine and everything it delivers
// through: store, dedupe guard, preferences, presence, the socket hub and
// the channel adapters.
type NotificationModule struct {
	cfg        *config.Config
	pools      *worker.Pools
	store      store.Store
	guard      dedupe.Guard
	prefs      *preference.Resolver
	tracker    *presence.Tracker
	hub        *realtime.Hub
	dispatcher *notification.Dispatcher
	bus        *domain.EventBus
	contacts   *channel.PostgresDirectory
	email      *channel.EmailProvider
}

// NewNotificationModule wires the fan-out engine on top of infra.
func NewNotificationModule(infra *Infrastructure) (*NotificationModule, error) {
	if infra == nil || infra.Config == nil || infra.Pool == nil {
		return nil, fmt.Errorf("infrastructure is not initialized")
	}
	cfg := infra.Config

	guard, err := newGuard(cfg, infra)
	if err != nil {
		return nil, err
	}

	catalog, err := preference.LoadCatalogFile(cfg.Dispatch.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load category catalog: %w", err)
	}
	prefs, err := preference.NewResolver(catalog, preference.NewPostgresStore(infra.Pool), preference.Config{
		CacheTTL:        cfg.Preference.CacheTTL,
		DefaultTimezone: cfg.Preference.DefaultTimezone,
		RateLimits: map[domain.Channel]int{
			domain.ChannelSMS:  cfg.Preference.SMSPerHour,
			domain.ChannelPush: cfg.Preference.PushPerHour,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init preference resolver: %w", err)
	}

	tracker := presence.NewTracker(cfg.Presence.TTL)
	hubCfg := realtime.DefaultHubConfig()
	hubCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	hub := realtime.NewHub(tracker, infra.Pools, hubCfg)

	m := &NotificationModule{
		cfg:      cfg,
		pools:    infra.Pools,
		store:    pgstore.New(infra.Pool),
		guard:    guard,
		prefs:    prefs,
		tracker:  tracker,
		hub:      hub,
		bus:      domain.NewEventBus(),
		contacts: channel.NewPostgresDirectory(infra.Pool),
	}

	registry, err := m.newRegistry()
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if infra.Redis != nil {
		limiter = ratelimit.NewRedisLimiter(infra.Redis, "herald:ratelimit:")
	}

	m.dispatcher = notification.NewDispatcher(notification.Deps{
		Guard:    guard,
		Store:    m.store,
		Prefs:    prefs,
		Registry: registry,
		Contacts: m.contacts,
		Limiter:  limiter,
		Pools:    infra.Pools,
		Unread:   hub,
	}, notification.Config{
		DedupeWindow:    cfg.Dedupe.Window,
		RealtimeTimeout: cfg.Dispatch.RealtimeTimeout,
		RetryAfter:      cfg.Reconcile.MaxPendingAge,
	})

	logger.Info("Notification module initialized",
		zap.String("dedupe_backend", cfg.Dedupe.Backend),
		zap.Any("channels", registry.Channels()),
		zap.Int("categories", len(catalog.Categories())),
	)
	return m, nil
}

func newGuard(cfg *config.Config, infra *Infrastructure) (dedupe.Guard, error) {
	switch cfg.Dedupe.Backend {
	case "redis":
		if infra.Redis == nil {
			return nil, fmt.Errorf("dedupe backend redis requires a redis client")
		}
		return dedupe.NewRedisGuard(infra.Redis, "herald:dedupe:"), nil
	case "postgres":
		return dedupe.NewPostgresGuard(infra.Pool), nil
	case "memory":
		logger.Warn("Using in-memory dedupe guard; duplicates are only caught within this instance")
		return dedupe.NewMemoryGuard(), nil
	default:
		return nil, fmt.Errorf("unknown dedupe backend %q", cfg.Dedupe.Backend)
	}
}

func (m *NotificationModule) newRegistry() (*channel.Registry, error) {
	pc := m.cfg.Providers
	policy := channel.DefaultRetryPolicy()
	policy.MaxAttempts = pc.MaxAttempts
	if pc.InitialBackoff > 0 {
		policy.InitialInterval = pc.InitialBackoff
	}

	registry := channel.NewRegistry(channel.NewRealtimeAdapter(m.tracker, m.hub))
	if pc.Push.Enabled() {
		registry.Register(channel.NewPushAdapter(
			channel.NewHTTPGateway("push", pc.Push.URL, pc.Push.Token, pc.Push.Timeout), policy))
	}
	if pc.SMS.Enabled() {
		registry.Register(channel.NewSMSAdapter(
			channel.NewHTTPGateway("sms", pc.SMS.URL, pc.SMS.Token, pc.SMS.Timeout), policy))
	}
	if pc.Email.Enabled() {
		email, err := channel.DialEmailProvider(pc.Email.AMQPURL, pc.Email.Exchange, pc.Email.RoutingKey)
		if err != nil {
			return nil, fmt.Errorf("init email provider: %w", err)
		}
		m.email = email
		registry.Register(channel.NewEmailAdapter(email, policy))
	}
	return registry, nil
}

// Name returns the module identifier.
func (m *NotificationModule) Name() string { return "notification" }

// Bus returns the event bus the triggers listen on.
func (m *NotificationModule) Bus() *domain.EventBus { return m.bus }

// Dispatcher returns the fan-out engine.
func (m *NotificationModule) Dispatcher() *notification.Dispatcher { return m.dispatcher }

// AttachQueue routes triggered requests through River dispatch jobs.
// Called once the River client exists.
func (m *NotificationModule) AttachQueue(client jobs.Inserter) {
	var sink notification.RequestSink = notification.DispatcherSink{Dispatcher: m.dispatcher}
	if client != nil {
		sink = jobs.NewRiverSink(client, m.cfg.River.DispatchMaxAttempts)
	}
	notification.NewTriggers(sink).Register(m.bus)
}

// ContributeServerDeps injects the module's HTTP dependencies.
func (m *NotificationModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	deps.Store = m.store
	deps.Prefs = m.prefs
	deps.Contacts = m.contacts
	deps.Dispatcher = m.dispatcher
	deps.Hub = m.hub
}

// RegisterWorkers registers the dispatch and maintenance workers.
func (m *NotificationModule) RegisterWorkers(workers *river.Workers) {
	river.AddWorker(workers, jobs.NewDispatchRequestWorker(m.dispatcher))
	river.AddWorker(workers, jobs.NewDeliveryReconcileWorker(m.store, m.dispatcher, jobs.ReconcileConfig{
		MaxPendingAge: m.cfg.Reconcile.MaxPendingAge,
		AbandonAfter:  m.cfg.Reconcile.AbandonAfter,
		BatchSize:     m.cfg.Reconcile.BatchSize,
		Concurrency:   m.cfg.Reconcile.Concurrency,
	}))
	purger, _ := m.guard.(dedupe.Purger)
	river.AddWorker(workers, jobs.NewNotificationCleanupWorker(m.store, purger, m.cfg.Retention.Notifications))
}

// Start runs the presence sweeper.
func (m *NotificationModule) Start(context.Context) error {
	interval := m.cfg.Presence.SweepInterval
	if err := m.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		m.tracker.Run(ctx, interval)
	}); err != nil {
		return fmt.Errorf("start presence sweeper: %w", err)
	}
	return nil
}

// Shutdown closes sockets and the mail channel.
func (m *NotificationModule) Shutdown(context.Context) error {
	m.hub.Close()
	if m.email != nil {
		if err := m.email.Close(); err != nil {
			return fmt.Errorf("close email provider: %w", err)
		}
	}
	return nil
}
