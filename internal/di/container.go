package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/storekit/coupons/internal/platform/config"
	"github.com/storekit/coupons/internal/platform/events"
	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/platform/idempotency"
	"github.com/storekit/coupons/internal/platform/observability"
	ppostgres "github.com/storekit/coupons/internal/platform/postgres"
	"github.com/storekit/coupons/internal/repositories"
	firestoreRepo "github.com/storekit/coupons/internal/repositories/firestore"
	"github.com/storekit/coupons/internal/repositories/memory"
	postgresRepo "github.com/storekit/coupons/internal/repositories/postgres"
	"github.com/storekit/coupons/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Coupons     services.CouponService
	Redemptions services.RedemptionService
	System      services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Idempotency  idempotency.Store
	Services     Services

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger      *zap.Logger
	build       services.BuildInfo
	clock       func() time.Time
	registry    repositories.Registry
	idempotency idempotency.Store
	publisher   services.RedemptionPublisher
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithBuildInfo sets the metadata reported by readiness checks.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = info }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// WithRegistry skips driver selection and uses reg directly. Tests use it with memory.New.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithIdempotencyStore overrides the store picked for the configured driver.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *containerOptions) { o.idempotency = store }
}

// WithPublisher overrides the Pub/Sub publisher built from configuration.
func WithPublisher(publisher services.RedemptionPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// NewContainer opens the configured storage driver and Pub/Sub topic and assembles the services.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	var probes []repositories.Probe

	publisher := o.publisher
	if publisher == nil && cfg.PubSub.Topic != "" {
		topic, closeTopic, err := openTopic(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("open pubsub topic: %w", err)
		}
		c.closers = append(c.closers, closeTopic)
		pub, err := events.NewPubSubRedemptionPublisher(topic)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		publisher = pub
		probes = append(probes, repositories.Probe{
			Name:  "pubsub",
			Check: topicProbe(topic),
		})
	}

	reg := o.registry
	idem := o.idempotency
	if reg == nil {
		opened, store, err := openRegistry(ctx, cfg, o.logger, o.clock, probes)
		if err != nil {
			_ = c.Close(ctx)
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
	c.closers = append(c.closers, reg.Close)

	svc, err := buildServices(cfg, reg, publisher, o)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases resources in reverse order of acquisition.
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
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, reg repositories.Registry, publisher services.RedemptionPublisher, o containerOptions) (Services, error) {
	logEvent := observability.EventLogger(o.logger.Named("coupons"))

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Stores:      reg.Stores(),
		Coupons:     reg.Coupons(),
		Redemptions: reg.Redemptions(),
		Clock:       o.clock,
		AutoApply:   cfg.Features.EnableAutoApply,
		Logger:      logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}

	redemptionSvc, err := services.NewRedemptionService(services.RedemptionServiceDeps{
		Coupons:     couponSvc,
		Redemptions: reg.Redemptions(),
		Publisher:   publisher,
		Clock:       o.clock,
		Logger:      logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build redemption service: %w", err)
	}

	build := o.build
	if build.Environment == "" {
		build.Environment = cfg.Environment
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            o.clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}

	return Services{
		Coupons:     couponSvc,
		Redemptions: redemptionSvc,
		System:      systemSvc,
	}, nil
}

// openRegistry selects the backend named by Storage.Driver along with the idempotency
// store that fits it.
func openRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger, clock func() time.Time, probes []repositories.Probe) (repositories.Registry, idempotency.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory, "":
		reg := memory.New(memory.WithClock(clock), memory.WithProbes(probes...))
		if cfg.Storage.SeedDemo {
			if err := seedDemo(ctx, memoryStores{reg}, reg.Coupons(), clock()); err != nil {
				return nil, nil, fmt.Errorf("seed memory registry: %w", err)
			}
			logger.Info("seeded demo store", zap.String("store_id", demoStoreID))
		}
		return reg, idempotency.NewMemoryStore(), nil

	case config.DriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider, probes...)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		if cfg.Storage.SeedDemo {
			logger.Info("demo seeding is not supported for firestore; skipping")
		}
		return reg, idempotency.NewFirestoreStore(provider), nil

	case config.DriverPostgres:
		pool, err := ppostgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		if cfg.Postgres.AutoMigrate {
			if err := ppostgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		reg, err := postgresRepo.NewRegistry(pool, probes...)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("build postgres registry: %w", err)
		}
		if cfg.Storage.SeedDemo {
			stores, ok := reg.Stores().(storeWriter)
			if ok {
				if err := seedDemo(ctx, stores, reg.Coupons(), clock()); err != nil {
					_ = reg.Close(ctx)
					return nil, nil, fmt.Errorf("seed postgres: %w", err)
				}
				logger.Info("seeded demo store", zap.String("store_id", demoStoreID))
			}
		}
		return reg, idempotency.NewMemoryStore(), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openTopic(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Topic, func(context.Context) error, error) {
	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, err
	}
	topic := client.Topic(cfg.Topic)
	closeFn := func(context.Context) error {
		topic.Stop()
		return client.Close()
	}
	return topic, closeFn, nil
}

func topicProbe(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}
