package bootstrap

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/mongodb"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/provider"
	"mailsync_server/adapter/out/realtime"
	"mailsync_server/adapter/out/scoring"
	"mailsync_server/config"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/analytics"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/cache"
	"mailsync_server/core/service/classification"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/core/service/watch"
	"mailsync_server/infra/database"
	"mailsync_server/internal/eventbus"
	pkgcache "mailsync_server/pkg/cache"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/resilience"
)

// archiveRetention bounds how long classification snapshots are kept.
const archiveRetention = 30 * 24 * time.Hour

// Dependencies holds every component shared by the API and worker sides.
// In -mode=all both sides run on one instance of it.
type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger

	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	Accounts    *persistence.AccountAdapter
	Messages    *persistence.MessageAdapter
	SyncStates  *persistence.SyncStateAdapter
	Watches     *persistence.WatchAdapter
	OAuthStates *persistence.RedisOAuthStateStore
	Archive     *mongodb.ClassificationArchive

	// Provider
	Gmail           *provider.GmailAdapter
	ProviderLimiter *ratelimit.KeyedLimiter

	// Messaging
	Bus      *eventbus.Bus
	Producer *messaging.RedisProducer
	Dedup    *messaging.RedisDeduplicator
	SyncLock *messaging.RedisSyncLock
	Relay    *messaging.EventRelay

	// Realtime
	Broadcaster *realtime.Broadcaster

	// Services
	Scorer       out.ScoringService
	Tokens       *auth.TokenManager
	OAuth        *auth.OAuthService
	Registrar    *watch.Registrar
	Dispatcher   *classification.Dispatcher
	Reclassifier *classification.Reclassifier
	Engine       *mailsync.Engine
	Control      *mailsync.ControlService
	Intake       *mailsync.NotificationIntake
	Cache        *cache.Coordinator
	Analytics    *analytics.Service
}

// NewDependencies connects the stores and builds the service graph. The
// returned cleanup releases everything in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config: cfg,
		Log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("instance", cfg.InstanceID).Logger(),
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// =========================================================================
	// Stores
	// =========================================================================

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.postgres", err))
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	if err := database.EnsureSchema(ctx, db); err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.schema", err))
	}

	sqlDB, err := database.NewSQLX(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
	if err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.sqlx", err))
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { _ = sqlDB.Close() })

	if cfg.RedisURL == "" {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.redis", errors.New("REDIS_URL is required")))
	}
	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.redis", err))
	}
	deps.Redis = rdb
	cleanups = append(cleanups, func() { _ = rdb.Close() })

	mongoClient, mongoDB, err := mongodb.Connect(ctx, cfg.MongoDBURL, cfg.MongoDBName)
	if err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.mongodb", err))
	}
	deps.MongoDB = mongoClient
	cleanups = append(cleanups, func() { _ = mongoClient.Disconnect(context.Background()) })

	deps.Archive = mongodb.NewClassificationArchive(mongoDB, archiveRetention)
	if err := deps.Archive.EnsureIndexes(ctx); err != nil {
		logger.Warn("[bootstrap] archive indexes: %v", err)
	}

	// =========================================================================
	// Repositories / provider
	// =========================================================================

	cipher, err := crypto.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return fail(domain.NewSyncError(domain.ErrClassFatal, "bootstrap.cipher", err))
	}

	deps.Accounts = persistence.NewAccountAdapter(sqlDB, cipher)
	deps.Messages = persistence.NewMessageAdapter(sqlDB)
	deps.SyncStates = persistence.NewSyncStateAdapter(sqlDB)
	deps.Watches = persistence.NewWatchAdapter(sqlDB)
	deps.OAuthStates = persistence.NewRedisOAuthStateStore(rdb)

	deps.ProviderLimiter = ratelimit.NewKeyedLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.ProviderRequestsSec,
		BurstSize:         cfg.ProviderBurst,
		IdleTimeout:       ratelimit.DefaultConfig().IdleTimeout,
		MaxEntries:        ratelimit.DefaultConfig().MaxEntries,
	})
	cleanups = append(cleanups, deps.ProviderLimiter.Close)

	deps.Gmail = provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}, deps.ProviderLimiter)

	// =========================================================================
	// Events / messaging
	// =========================================================================

	deps.Bus = eventbus.New(cfg.InstanceID, deps.Log)
	deps.Producer = messaging.NewRedisProducer(rdb)
	deps.Dedup = messaging.NewRedisDeduplicator(rdb)
	deps.SyncLock = messaging.NewRedisSyncLock(rdb, 0)

	deps.Broadcaster = realtime.NewBroadcaster(cfg.SSEBufferSize, deps.Log)
	cleanups = append(cleanups, deps.Broadcaster.Close)

	deps.Cache = cache.NewCoordinator(cache.Config{
		DefaultTTL: cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		L2Timeout:  cache.DefaultConfig().L2Timeout,
	}, pkgcache.NewRedisCache(rdb))

	// =========================================================================
	// Services
	// =========================================================================

	retry := retryPolicy(cfg)

	deps.Tokens = auth.NewTokenManager(deps.Accounts, deps.SyncStates, deps.Gmail, deps.Bus, cfg.TokenRefreshMargin)

	deps.Registrar = watch.NewRegistrar(deps.Accounts, deps.Watches, deps.SyncStates, deps.Gmail, deps.Tokens, deps.Bus, retry, watch.Config{
		Topic:         cfg.PushTopic(),
		RenewalMargin: cfg.WatchRenewalMargin,
		RetryBase:     cfg.WatchRetryBase,
		RetryCap:      cfg.WatchRetryCap,
	})

	deps.Scorer = newScorer(cfg)
	dispatchCfg := classification.DefaultConfig()
	dispatchCfg.BatchSize = cfg.Phase2BatchSize
	dispatchCfg.Concurrency = cfg.Phase2Concurrency
	dispatchCfg.RetryCap = cfg.Phase2RetryCap
	dispatchCfg.HealthTimeout = cfg.HealthCheckTimeout
	deps.Dispatcher = classification.NewDispatcher(deps.Messages, deps.Tokens, deps.Scorer, deps.Bus, retry, dispatchCfg)
	deps.Reclassifier = classification.NewReclassifier(deps.Dispatcher, deps.Messages, deps.Archive, deps.Bus)

	deps.Engine = mailsync.NewEngine(deps.Accounts, deps.Messages, deps.SyncStates, deps.Gmail, deps.Tokens,
		deps.Dispatcher, deps.Bus, retry, mailsync.Config{
			PageSize:     cfg.SyncPageSize,
			CallTimeout:  cfg.ProviderCallTimeout,
			WriteTimeout: cfg.StoreWriteTimeout,
		})
	deps.Control = mailsync.NewControlService(deps.Accounts, deps.Messages, deps.SyncStates, deps.Engine,
		deps.Registrar, deps.Dispatcher, deps.Producer)
	deps.Intake = mailsync.NewNotificationIntake(deps.Accounts, deps.SyncStates, deps.Dedup, deps.Producer, cfg.WebhookIdempotencyTTL)
	deps.Analytics = analytics.NewService(deps.Messages, deps.Dispatcher, deps.Cache, cfg.CacheTTL)

	deps.OAuth = auth.NewOAuthService(deps.Gmail, deps.Tokens)
	deps.OAuth.SetConnectHook(func(ctx context.Context, ownerID uuid.UUID) error {
		_, err := deps.Control.StartSync(ctx, ownerID)
		return err
	})
	deps.OAuth.SetDisconnectHook(deps.Control.StopSync)

	// =========================================================================
	// Subscriptions (order = delivery order)
	// =========================================================================

	cleanups = append(cleanups, deps.Cache.Subscribe(deps.Bus))
	cleanups = append(cleanups, deps.Bus.Subscribe("realtime", deps.Broadcaster.HandleEvent))

	deps.Relay = messaging.NewEventRelay(rdb, deps.Bus, cfg.InstanceID, deps.Log)
	cleanups = append(cleanups, deps.Bus.Subscribe("relay", deps.Relay.Forward))

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := deps.Relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("[bootstrap] event relay stopped: %v", err)
		}
	}()
	cleanups = append(cleanups, func() {
		cancelRelay()
		<-relayDone
	})

	logger.Info("[bootstrap] dependencies ready (instance=%s, scorer=%s)", cfg.InstanceID, deps.Scorer.Name())
	return deps, cleanup, nil
}

func retryPolicy(cfg *config.Config) *resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if cfg.SyncTransientAttempts > 0 {
		policy.Transient.Attempts = cfg.SyncTransientAttempts
	}
	if cfg.SyncRateLimitAttempts > 0 {
		policy.RateLimited.Attempts = cfg.SyncRateLimitAttempts
	}
	return policy
}

// newScorer prefers the model service and falls back to OpenAI. With neither
// configured, phase 2 reports the classifier unavailable and messages stay at
// their phase-1 label.
func newScorer(cfg *config.Config) out.ScoringService {
	var openaiScorer out.ScoringService
	if cfg.OpenAIAPIKey != "" {
		openaiScorer = scoring.NewOpenAIScorer(scoring.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		})
	}

	if cfg.ClassifierURL == "" && openaiScorer != nil {
		return openaiScorer
	}
	model := scoring.NewModelClient(cfg.ClassifierURL, cfg.ClassifierTimeout)
	if openaiScorer == nil {
		return model
	}
	return scoring.NewChain(model, openaiScorer)
}
