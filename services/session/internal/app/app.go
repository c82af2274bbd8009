package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/appetiteclub/bartab/pkg"
	"github.com/appetiteclub/bartab/pkg/event"
	"github.com/appetiteclub/bartab/services/session/internal/events"
	"github.com/appetiteclub/bartab/services/session/internal/mongo"
	"github.com/appetiteclub/bartab/services/session/internal/payment"
	"github.com/appetiteclub/bartab/services/session/internal/redis"
	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
	aqmevents "github.com/aquamarinepk/aqm/events"
	"github.com/aquamarinepk/aqm/middleware"
)

const (
	AppName    = "session"
	AppVersion = "0.1.0"
)

const defaultNATSURL = "nats://localhost:4222"

// App encapsulates the session service application
type App struct {
	config *aqm.Config
	logger aqm.Logger
	micro  *aqm.Micro
	engine *session.Engine
}

// New creates a new session service application
func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	if config == nil {
		return nil, fmt.Errorf("%s: nil config", AppName)
	}
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &App{
		config: config,
		logger: logger,
	}, nil
}

// Engine returns the wired engine once Initialize has run.
func (a *App) Engine() *session.Engine {
	return a.engine
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	store, storeLifecycle, err := a.newStore()
	if err != nil {
		return err
	}

	lifecycles := []interface{}{}
	if storeLifecycle != nil {
		lifecycles = append(lifecycles, storeLifecycle)
	}
	if repo, ok := store.(*mongo.SessionRepo); ok {
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStart: func(ctx context.Context) error {
				ids, err := repo.NeedingReconciliation(ctx)
				if err != nil {
					a.logger.Info("cannot list sessions needing reconciliation", "error", err)
					return nil
				}
				if len(ids) > 0 {
					a.logger.Info("sessions need payment reconciliation", "count", len(ids), "session_ids", ids)
				}
				return nil
			},
		})
	}

	// Events
	natsURL := a.config.GetStringOrDef("nats.url", defaultNATSURL)

	var paymentStream *pkg.NATSStream
	var eventPublisher aqmevents.Publisher

	streamEnabled, _ := a.config.GetString("nats.stream.enabled")
	if streamEnabled == "true" {
		streamCfg := pkg.NATSStreamConfig{
			URL:        natsURL,
			StreamName: "SESSION_PAYMENTS",
			Topic:      event.SessionPaymentsTopic,
			MaxAge:     24 * time.Hour,
		}
		paymentStream, err = pkg.NewNATSStream(ctx, streamCfg)
		if err != nil {
			return err
		}
		a.logger.Info("NATS stream initialized for persistent events", "stream", streamCfg.StreamName)
		eventPublisher = paymentStream
	} else {
		publisher, err := pkg.NewNATSPublisher(natsURL)
		if err != nil {
			return err
		}
		eventPublisher = publisher
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return publisher.Close() },
		})
	}

	statusSubscriber, err := pkg.NewNATSSubscriber(natsURL, a.logger)
	if err != nil {
		return err
	}

	// Engine
	locks := session.NewLockRegistry()
	stream := session.NewEventStreamServer(nil, a.logger)
	a.engine = session.NewEngine(store, locks,
		session.WithInitialBalance(a.float("session.initial_balance", session.DefaultInitialBalance)),
		session.WithNotifier(session.Notifiers{
			stream,
			events.NewPaymentPublisher(eventPublisher, a.logger),
		}),
		session.WithLogger(a.logger),
	)
	stream.SetSnapshot(func(ctx context.Context, sessionID string) (session.PaymentState, error) {
		return a.engine.GetPaymentState(ctx, a.engine.Direct(sessionID))
	})

	paymentSubscriber := events.NewPaymentStatusSubscriber(statusSubscriber, a.engine, a.logger)

	// Payments
	var payments session.PaymentFlow
	if url, ok := a.config.GetString("services.payments.url"); ok && url != "" {
		provider := payment.NewHTTPProvider(aqm.NewServiceClient(url))
		payments = payment.NewCheckout(a.engine, provider,
			a.duration("payments.confirm_timeout", payment.DefaultConfirmTimeout),
			a.duration("payments.poll_interval", payment.DefaultPollInterval),
			a.logger)
	} else {
		a.logger.Info("payments service not configured, checkout disabled")
	}

	handler := session.NewHandler(a.engine, payments, a.logger)

	sweeper := session.NewSweeper(locks,
		a.duration("locks.max_age", session.DefaultLockMaxAge),
		a.duration("locks.sweep_interval", session.DefaultSweepInterval),
		a.logger)

	// Setup middleware
	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      a.logger,
		DisableCORS: true,
	})
	stack = append(stack, middleware.InternalOnly())

	lifecycles = append(lifecycles, paymentSubscriber, sweeper)
	if paymentStream != nil {
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return paymentStream.Close() },
		})
	}
	lifecycles = append(lifecycles, aqm.LifecycleHooks{
		OnStop: func(context.Context) error { return statusSubscriber.Close() },
	})

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler),
		aqm.WithGRPCServerModules("grpc.port", stream),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

// newStore picks the session store from store.backend. The returned
// lifecycle is nil for stores that need no start or stop.
func (a *App) newStore() (session.Store, interface{}, error) {
	backend := a.config.GetStringOrDef("store.backend", "memory")
	a.logger.Info("session store selected", "backend", backend)

	switch backend {
	case "memory":
		return session.NewMemoryStore(a.duration("store.ttl", session.DefaultTTL)), nil, nil
	case "mongo":
		repo := mongo.NewSessionRepo(a.config, a.logger)
		return repo, repo, nil
	case "redis":
		store := redis.NewSessionStore(a.config, a.logger)
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func (a *App) duration(key string, def time.Duration) time.Duration {
	raw, ok := a.config.GetString(key)
	if !ok || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		a.logger.Info("invalid duration, using default", "key", key, "value", raw, "default", def.String())
		return def
	}
	return d
}

func (a *App) float(key string, def float64) float64 {
	raw, ok := a.config.GetString(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		a.logger.Info("invalid number, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}
