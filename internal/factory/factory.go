package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/client"
	"classpage-auth/internal/config"
	"classpage-auth/internal/delivery"
	"classpage-auth/internal/encryption"
	"classpage-auth/internal/handler"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/ratelimit"
	redisrepo "classpage-auth/internal/repository/redis"
	"classpage-auth/internal/repository/scylla"
	"classpage-auth/internal/service"
	"classpage-auth/internal/tls"
	"classpage-auth/internal/util"
)

// Factory owns the lifecycle of every dependency: clients, repositories,
// services and handlers, wired once at startup and torn down in Close.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	limiter           *ratelimit.Limiter

	userRepo       scylla.UserRepositoryInterface
	otpRepo        scylla.OTPRepositoryInterface
	tokenRepo      scylla.TokenRepositoryInterface
	invitationRepo scylla.InvitationRepositoryInterface
	pageRepo       scylla.PageRepositoryInterface
	sessionCache   *redisrepo.SessionCache

	events      *service.EventRecorder
	otpService  *service.OTPService
	tokens      *service.TokenService
	invitations *service.InvitationService
	resolver    *service.SessionResolver
	gate        *service.AuthorizationGate

	authHandler   *handler.AuthHandler
	healthHandler *handler.HealthHandler

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&cfg.Server)
	}

	if err := f.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initServices()

	util.Info("factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initClients brings up the backing stores. Redis and Scylla are required;
// Kafka and ClickHouse are audit sinks and only log a warning when absent.
func (f *Factory) initClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}

	scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient
	if err := f.scyllaClient.HealthCheck(); err != nil {
		return fmt.Errorf("scylla health check: %w", err)
	}

	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("kafka producer unavailable, events will not be streamed", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("clickhouse unavailable, audit log disabled", util.ErrorField(err))
	} else {
		f.clickhouseClient = ch
	}

	return nil
}

func (f *Factory) initServices() {
	cfg := f.config

	f.hasher = hashing.NewHasher(cfg)
	f.encryptionManager = encryption.NewEncryptionManager(cfg)
	f.bucketingManager = bucketing.NewBucketingManager(cfg)

	rateLimitCache := redisrepo.NewRateLimitCache(f.redisClient)
	f.limiter = ratelimit.NewLimiter(rateLimitCache, f.bucketingManager, cfg.RateLimit.FailClosed)
	f.sessionCache = redisrepo.NewSessionCache(f.redisClient)

	f.userRepo = scylla.NewUserRepository(f.scyllaClient)
	f.otpRepo = scylla.NewOTPRepository(f.scyllaClient)
	f.tokenRepo = scylla.NewTokenRepository(f.scyllaClient)
	f.invitationRepo = scylla.NewInvitationRepository(f.scyllaClient)
	f.pageRepo = scylla.NewPageRepository(f.scyllaClient)

	f.events = service.NewEventRecorder(f.kafkaProducer, f.clickhouseClient, f.bucketingManager)
	f.tokens = service.NewTokenService(f.tokenRepo, f.userRepo, f.sessionCache,
		f.bucketingManager, f.events, cfg)

	dispatcher := delivery.NewDispatcher(cfg)
	f.otpService = service.NewOTPService(f.userRepo, f.otpRepo, f.pageRepo,
		f.tokens, f.hasher, f.limiter, dispatcher, f.bucketingManager, f.events, cfg)
	f.invitations = service.NewInvitationService(f.invitationRepo, f.userRepo,
		f.pageRepo, f.tokens, f.encryptionManager, f.limiter, f.bucketingManager,
		f.events, cfg)

	f.resolver = service.NewSessionResolver(f.tokens, cfg)
	f.gate = service.NewAuthorizationGate(f.pageRepo)

	f.authHandler = handler.NewAuthHandler(f.otpService, f.tokens, f.invitations,
		f.resolver, f.gate, cfg)
	f.healthHandler = handler.NewHealthHandler(f.redisClient, f.scyllaClient,
		f.kafkaProducer, f.clickhouseClient)
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := make(map[string]error)
	checks["redis"] = f.redisClient.HealthCheck(ctx)
	checks["scylla"] = f.scyllaClient.HealthCheck()
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	return checks
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if err != nil {
			util.Warn("dependency unhealthy", util.String("dependency", name), util.ErrorField(err))
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("closing factory")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Warn("kafka close failed", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Warn("clickhouse close failed", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Warn("redis close failed", util.ErrorField(err))
			}
		}
		f.encryptionManager.ClearCache()

		close(f.closed)
		util.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config { return f.config }

func (f *Factory) TLSManager() *tls.Manager { return f.tlsManager }

func (f *Factory) AuthHandler() *handler.AuthHandler { return f.authHandler }

func (f *Factory) HealthHandler() *handler.HealthHandler { return f.healthHandler }
