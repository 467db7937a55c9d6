package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/config"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/platform/idempotency"
	"github.com/storefront/checkout/internal/platform/jobs"
	"github.com/storefront/checkout/internal/platform/observability"
	"github.com/storefront/checkout/internal/platform/postgres"
	"github.com/storefront/checkout/internal/platform/storage"
	"github.com/storefront/checkout/internal/repositories"
	firestorerepo "github.com/storefront/checkout/internal/repositories/firestore"
	"github.com/storefront/checkout/internal/repositories/memory"
	postgresrepo "github.com/storefront/checkout/internal/repositories/postgres"
	"github.com/storefront/checkout/internal/services"
)

const defaultDependencyTimeout = 2 * time.Second

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart          services.CartService
	Coupons       services.CouponService
	Prices        services.PriceService
	Inventory     services.InventoryService
	InventorySync services.InventorySyncService
	Counters      services.CounterService
	Checkout      services.CheckoutService
	Payments      services.PaymentService
	Orders        services.OrderService
}

// EventPublisher receives both order and inventory domain events.
type EventPublisher interface {
	services.OrderEventPublisher
	services.InventoryEventPublisher
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Payments     *payments.Manager
	Idempotency  idempotency.Store
	Health       repositories.HealthRepository
	Metrics      *observability.Metrics

	logger  *zap.Logger
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type options struct {
	logger      *zap.Logger
	registry    repositories.Registry
	events      EventPublisher
	idempotency idempotency.Store
	providers   map[string]payments.Provider
	receipts    services.ReceiptArchive
	meter       metric.Meter
	clock       func() time.Time
}

// Option overrides a dependency NewContainer would otherwise build from configuration.
type Option func(*options)

// WithLogger sets the base logger handed to services and infrastructure.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry supplies a repository registry instead of the configured store backend.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithEventPublisher supplies the domain event publisher instead of the configured backend.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(o *options) {
		o.events = publisher
	}
}

// WithIdempotencyStore supplies the Idempotency-Key store instead of the configured backend.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *options) {
		o.idempotency = store
	}
}

// WithPaymentProviders replaces the providers built from payment credentials.
func WithPaymentProviders(providers map[string]payments.Provider) Option {
	return func(o *options) {
		o.providers = providers
	}
}

// WithReceiptArchive supplies the receipt archive instead of the configured bucket.
func WithReceiptArchive(archive services.ReceiptArchive) Option {
	return func(o *options) {
		o.receipts = archive
	}
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithClock overrides the clock used by services and health checks.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies selected by cfg. On failure every resource
// opened so far is released before returning.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (c *Container, err error) {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c = &Container{Config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
			c = nil
		}
	}()

	var fsProvider *pfirestore.Provider
	firestoreProvider := func() *pfirestore.Provider {
		if fsProvider == nil {
			fsProvider = pfirestore.NewProvider(cfg.Firestore)
			c.addCloser("firestore", fsProvider.Close)
		}
		return fsProvider
	}

	var deps []repositories.Dependency

	reg := o.registry
	if reg == nil {
		reg, err = buildRegistry(ctx, cfg, o.logger, firestoreProvider)
		if err != nil {
			return c, err
		}
		c.addCloser("store", reg.Close)
	}
	c.Repositories = reg
	deps = append(deps, repositories.Dependency{Name: "store", Timeout: defaultDependencyTimeout, Check: reg.Ping})

	events := o.events
	if events == nil {
		events, err = c.buildEventPublisher(ctx, cfg)
		if err != nil {
			return c, err
		}
	}

	store := o.idempotency
	if store == nil {
		var dep *repositories.Dependency
		store, dep, err = c.buildIdempotencyStore(ctx, cfg, firestoreProvider)
		if err != nil {
			return c, err
		}
		if dep != nil {
			deps = append(deps, *dep)
		}
	}
	c.Idempotency = store

	receipts := o.receipts
	if receipts == nil && cfg.Receipts.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return c, fmt.Errorf("create storage client: %w", err)
		}
		c.addCloser("storage", func(context.Context) error { return client.Close() })
		archive, err := storage.NewReceiptArchive(client, cfg.Receipts.Bucket)
		if err != nil {
			return c, fmt.Errorf("build receipt archive: %w", err)
		}
		receipts = archive
	}

	providers := o.providers
	if providers == nil {
		providers, err = buildPaymentProviders(cfg.Payments, o.logger)
		if err != nil {
			return c, err
		}
	}
	manager, err := payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.Payments.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes),
	)
	if err != nil {
		return c, fmt.Errorf("build payment manager: %w", err)
	}
	c.Payments = manager

	metrics, err := observability.NewMetrics(o.meter)
	if err != nil {
		return c, fmt.Errorf("register metrics: %w", err)
	}
	c.Metrics = metrics

	svc, err := buildServices(reg, cfg, serviceInputs{
		events:   events,
		manager:  manager,
		receipts: receipts,
		logger:   o.logger,
		clock:    o.clock,
	})
	if err != nil {
		return c, err
	}
	c.Services = svc

	health, err := repositories.NewDependencyHealthRepository(deps, o.clock)
	if err != nil {
		return c, fmt.Errorf("build health repository: %w", err)
	}
	c.Health = health

	return c, nil
}

// Close releases resources in reverse order of acquisition and joins their errors.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) addCloser(name string, fn func(ctx context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

func buildRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger, firestoreProvider func() *pfirestore.Provider) (repositories.Registry, error) {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		store, err := firestorerepo.NewStore(firestoreProvider())
		if err != nil {
			return nil, fmt.Errorf("build firestore store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		if cfg.Postgres.MigrateOnStart {
			if err := postgres.Migrate(cfg.Postgres.URL, postgresrepo.Migrations, postgresrepo.MigrationsDir, logger); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store, err := postgresrepo.NewStore(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("build postgres store: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func (c *Container) buildEventPublisher(ctx context.Context, cfg config.Config) (EventPublisher, error) {
	switch cfg.Events.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firebase.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		c.addCloser("pubsub", func(context.Context) error { return client.Close() })
		publisher, err := jobs.NewPubSubEventPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			return nil, err
		}
		c.addCloser("pubsub topic", func(context.Context) error {
			publisher.Stop()
			return nil
		})
		return publisher, nil
	case config.BackendKafka:
		publisher, err := jobs.NewKafkaEventPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, err
		}
		c.addCloser("kafka", func(context.Context) error { return publisher.Close() })
		return publisher, nil
	case config.BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported events backend %q", cfg.Events.Backend)
	}
}

func (c *Container) buildIdempotencyStore(ctx context.Context, cfg config.Config, firestoreProvider func() *pfirestore.Provider) (idempotency.Store, *repositories.Dependency, error) {
	switch cfg.Idempotency.Backend {
	case config.BackendFirestore:
		provider := firestoreProvider()
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		var dep *repositories.Dependency
		if cfg.Store.Backend != config.BackendFirestore {
			dep = &repositories.Dependency{Name: "idempotency", Timeout: defaultDependencyTimeout, Check: provider.Ping}
		}
		return idempotency.NewFirestoreStore(client), dep, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		c.addCloser("redis", func(context.Context) error { return client.Close() })
		dep := &repositories.Dependency{
			Name:    "idempotency",
			Timeout: defaultDependencyTimeout,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		}
		return idempotency.NewRedisStore(client), dep, nil
	case config.BackendMemory, "":
		return idempotency.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Idempotency.Backend)
	}
}

func buildPaymentProviders(cfg config.PaymentsConfig, logger *zap.Logger) (map[string]payments.Provider, error) {
	providers := make(map[string]payments.Provider, 2)
	if cfg.StripeAPIKey != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Logger:        payments.StripeLogger(observability.EventLogger(logger, "payments.stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers["stripe"] = stripe
	}
	if cfg.PaystackSecretKey != "" {
		paystack, err := payments.NewPaystackProvider(payments.PaystackProviderConfig{
			SecretKey: cfg.PaystackSecretKey,
			BaseURL:   cfg.PaystackBaseURL,
			Logger:    observability.EventLogger(logger, "payments.paystack"),
		})
		if err != nil {
			return nil, fmt.Errorf("build paystack provider: %w", err)
		}
		providers["paystack"] = paystack
	}
	return providers, nil
}

type serviceInputs struct {
	events   EventPublisher
	manager  *payments.Manager
	receipts services.ReceiptArchive
	logger   *zap.Logger
	clock    func() time.Time
}

func buildServices(reg repositories.Registry, cfg config.Config, in serviceInputs) (Services, error) {
	var svc Services

	var (
		orderEvents     services.OrderEventPublisher
		inventoryEvents services.InventoryEventPublisher
	)
	if in.events != nil {
		orderEvents = in.events
		inventoryEvents = in.events
	}

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Events:    inventoryEvents,
		Clock:     in.clock,
		Logger:    observability.EventLogger(in.logger, "inventory"),
	})
	if err != nil {
		return svc, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	sync, err := services.NewInventorySyncService(services.InventorySyncServiceDeps{
		Pending:     reg.PendingDeltas(),
		Inventory:   inventory,
		MaxAttempts: cfg.Inventory.RetryMaxAttempts,
		BaseDelay:   cfg.Inventory.RetryBaseDelay,
		Clock:       in.clock,
		Logger:      observability.EventLogger(in.logger, "inventory.sync"),
	})
	if err != nil {
		return svc, fmt.Errorf("build inventory sync service: %w", err)
	}
	svc.InventorySync = sync

	cart, err := services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Stock:      inventory,
		UnitOfWork: reg,
		Clock:      in.clock,
		Logger:     observability.EventLogger(in.logger, "cart"),
	})
	if err != nil {
		return svc, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cart

	coupons, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons:     reg.Coupons(),
		Redemptions: reg.Redemptions(),
		Clock:       in.clock,
		Logger:      observability.EventLogger(in.logger, "coupons"),
	})
	if err != nil {
		return svc, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = coupons

	prices, err := services.NewPriceService(services.PriceServiceDeps{
		Prices: reg.Prices(),
		Clock:  in.clock,
		Logger: observability.EventLogger(in.logger, "prices"),
	})
	if err != nil {
		return svc, fmt.Errorf("build price service: %w", err)
	}
	svc.Prices = prices

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      in.clock,
	})
	if err != nil {
		return svc, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:          reg.Orders(),
		PendingDeltas:   reg.PendingDeltas(),
		UnitOfWork:      reg,
		Carts:           cart,
		Coupons:         coupons,
		Prices:          prices,
		Inventory:       inventory,
		Counters:        counters,
		Events:          orderEvents,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
		ShippingRates:   cfg.Checkout.ShippingRates,
		Clock:           in.clock,
		Logger:          observability.EventLogger(in.logger, "checkout"),
	})
	if err != nil {
		return svc, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:        reg.Orders(),
		Payments:      in.manager,
		Inventory:     inventory,
		PendingDeltas: reg.PendingDeltas(),
		Receipts:      in.receipts,
		Events:        orderEvents,
		Clock:         in.clock,
		Logger:        observability.EventLogger(in.logger, "payments"),
	})
	if err != nil {
		return svc, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Inventory:     inventory,
		PendingDeltas: reg.PendingDeltas(),
		Payments:      in.manager,
		Events:        orderEvents,
		Clock:         in.clock,
		Logger:        observability.EventLogger(in.logger, "orders"),
	})
	if err != nil {
		return svc, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	return svc, nil
}
