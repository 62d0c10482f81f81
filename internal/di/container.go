package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/config"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/jobs"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/platform/storage"
	"github.com/hanko-field/storefront/internal/repositories"
	firestorerepo "github.com/hanko-field/storefront/internal/repositories/firestore"
	"github.com/hanko-field/storefront/internal/repositories/memory"
	"github.com/hanko-field/storefront/internal/repositories/sqlite"
	"github.com/hanko-field/storefront/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cart     services.CartService
	Checkout services.CheckoutService
	Orders   services.OrderService
	System   services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Repositories  repositories.Registry
	Services      Services
	Idempotency   idempotency.Store
	Sessions      *auth.SessionIssuer
	Authenticator *auth.Authenticator

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	registry    repositories.Registry
	idempotency idempotency.Store
	verifier    auth.TokenVerifier
	logger      *zap.Logger
	build       services.BuildInfo
	clock       func() time.Time
	hooks       []services.CheckoutHook
	events      services.OrderEventPublisher
}

// WithRegistry supplies a pre-built registry instead of opening the configured driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithIdempotencyStore overrides the store derived from the registry driver.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *options) {
		o.idempotency = store
	}
}

// WithTokenVerifier overrides the Firebase verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) {
		o.verifier = verifier
	}
}

// WithLogger sets the base logger used for per-service event logs.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo records the version metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) {
		o.build = build
	}
}

// WithClock overrides the clock passed to every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCheckoutHooks appends post-commit checkout hooks.
func WithCheckoutHooks(hooks ...services.CheckoutHook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithOrderEvents overrides the publisher receiving order status events.
func WithOrderEvents(publisher services.OrderEventPublisher) Option {
	return func(o *options) {
		o.events = publisher
	}
}

// NewContainer constructs the runtime dependencies for the configured store driver.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.Background())
		}
	}()

	reg := o.registry
	idem := o.idempotency
	if reg == nil {
		opened, store, err := c.openRegistry(ctx, cfg)
		if err != nil {
			return nil, err
		}
		reg = opened
		if idem == nil {
			idem = store
		}
	}
	if idem == nil {
		idem = idempotency.NewMemoryStore()
	}
	c.Repositories = reg
	c.Idempotency = idem

	if o.events == nil && strings.TrimSpace(cfg.Events.Topic) != "" {
		publisher, err := c.openPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		o.events = publisher
	}
	hooks := append([]services.CheckoutHook(nil), o.hooks...)
	if o.events != nil {
		hooks = append(hooks, jobs.OrderPlacedHook(o.events))
	}
	if bucket := strings.TrimSpace(cfg.Storage.ReceiptsBucket); bucket != "" {
		hook, err := c.openReceiptExporter(ctx, bucket)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}

	svc, err := buildServices(reg, cfg, o, hooks)
	if err != nil {
		return nil, err
	}
	c.Services = svc

	if err := c.buildAuth(ctx, cfg, o.verifier); err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

// Close releases repository clients, publishers, and storage clients in reverse order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.Repositories = nil
	}
	return errors.Join(errs...)
}

func (c *Container) openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, idempotency.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestorerepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		client, err := provider.Client(ctx)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, nil, fmt.Errorf("connect firestore: %w", err)
		}
		return reg, idempotency.NewFirestoreStore(client), nil
	case config.StoreDriverSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		idem, err := idempotency.NewSQLiteStore(ctx, store.DB())
		if err != nil {
			_ = store.Close(ctx)
			return nil, nil, fmt.Errorf("build sqlite idempotency store: %w", err)
		}
		return store, idem, nil
	case config.StoreDriverMemory:
		return memory.NewStore(), idempotency.NewMemoryStore(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func (c *Container) openPublisher(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(strings.TrimSpace(cfg.Events.Topic))
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := jobs.NewPubSubOrderPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("build order publisher: %w", err)
	}
	return publisher, nil
}

func (c *Container) openReceiptExporter(ctx context.Context, bucket string) (services.CheckoutHook, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return services.CheckoutHook{}, fmt.Errorf("create storage client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error {
		return client.Close()
	})
	writer, err := storage.NewGCSWriter(client)
	if err != nil {
		return services.CheckoutHook{}, err
	}
	exporter, err := storage.NewReceiptExporter(writer, bucket)
	if err != nil {
		return services.CheckoutHook{}, err
	}
	return exporter.Hook(), nil
}

func (c *Container) buildAuth(ctx context.Context, cfg config.Config, verifier auth.TokenVerifier) error {
	if verifier == nil && strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebase
	}

	var authOpts []auth.Option
	if key := strings.TrimSpace(cfg.Session.SigningKey); key != "" {
		issuer, err := auth.NewSessionIssuer(key, cfg.Session.TTL)
		if err != nil {
			return fmt.Errorf("build session issuer: %w", err)
		}
		c.Sessions = issuer
		authOpts = append(authOpts, auth.WithSessions(issuer, cfg.Session.Header))
	}
	c.Authenticator = auth.NewAuthenticator(verifier, authOpts...)
	return nil
}

func buildServices(reg repositories.Registry, cfg config.Config, o options, hooks []services.CheckoutHook) (Services, error) {
	var svc Services

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:          reg.Carts(),
		Products:       reg.Products(),
		UnitOfWork:     reg,
		Clock:          o.clock,
		Currency:       cfg.Checkout.Currency,
		StrictQuantity: cfg.Cart.StrictQuantity,
		Logger:         observability.EventLogger(o.logger.Named("cart")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:        reg.Carts(),
		Products:     reg.Products(),
		Orders:       reg.Orders(),
		Addresses:    reg.Addresses(),
		UnitOfWork:   reg,
		Clock:        o.clock,
		Logger:       observability.EventLogger(o.logger.Named("checkout")),
		Currency:     cfg.Checkout.Currency,
		ShippingCost: cfg.Checkout.ShippingFlat,
		Hooks:        hooks,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  o.clock,
		Events: o.events,
		Logger: observability.EventLogger(o.logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := o.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = o.clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            o.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
