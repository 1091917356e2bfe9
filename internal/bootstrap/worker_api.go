package bootstrap

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"mailsync_server/adapter/in/http"
	"mailsync_server/adapter/in/pubsub"
	"mailsync_server/adapter/in/worker"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
)

// ForceSync runs a provider sync inside the request, so it gets its own
// per-owner budget.
const (
	forceSyncPerSecond = 0.1
	forceSyncBurst     = 3
)

// API is the HTTP side: webhook, control API, realtime stream and health.
type API struct {
	App *fiber.App

	deps         *Dependencies
	forceLimiter *ratelimit.KeyedLimiter
	subscriber   *pubsub.Subscriber
	phase2       *worker.Phase2Scheduler
}

// NewAPI builds the fiber app. runPhase2 is set when no worker shares this
// process; ForceSync still produces phase-2 work here.
func NewAPI(deps *Dependencies, runPhase2 bool) (*API, error) {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json: 표준 encoding/json 대비 빠른 직렬화
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		BodyLimit:       1 * 1024 * 1024, // webhook + control payloads are small
		ServerHeader:    "",
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	a := &API{App: app, deps: deps}

	// =========================================================================
	// Public routes (registered before the authenticated group)
	// =========================================================================

	http.NewHealthHandler(http.HealthDeps{
		Pool:    deps.DB,
		SQL:     deps.SQLDB.DB,
		Redis:   deps.Redis,
		Scorer:  deps.Scorer,
		Timeout: cfg.HealthCheckTimeout,
	}).Register(app)

	http.NewWebhookHandler(deps.Intake).Register(app)

	public := app.Group("/api/v1")
	oauthHandler := http.NewOAuthHandler(deps.OAuth, deps.OAuthStates)

	// =========================================================================
	// Authenticated routes
	// =========================================================================

	if cfg.JWTSecret == "" {
		logger.Warn("[NewAPI] JWT_SECRET is empty, every authenticated request will be rejected")
	}
	protected := app.Group("/api/v1", middleware.JWTAuth(cfg.JWTSecret))
	oauthHandler.Register(public, protected)

	a.forceLimiter = ratelimit.NewKeyedLimiter(ratelimit.Config{
		RequestsPerSecond: forceSyncPerSecond,
		BurstSize:         forceSyncBurst,
		IdleTimeout:       ratelimit.DefaultConfig().IdleTimeout,
		MaxEntries:        ratelimit.DefaultConfig().MaxEntries,
	})
	http.NewSyncHandler(deps.Control, deps.Control, middleware.OwnerRateLimit(a.forceLimiter)).Register(protected)

	classificationHandler := http.NewClassificationHandler(deps.Analytics, deps.Reclassifier, deps.Producer)
	classificationHandler.SetRunHistory(deps.Archive)
	classificationHandler.Register(protected)

	http.NewSSEHandler(deps.Broadcaster, cfg.SSEHeartbeat, deps.Log).Register(protected)

	// =========================================================================
	// Pull-mode notifications
	// =========================================================================

	if cfg.PubSubSubscription != "" {
		sub, err := pubsub.NewSubscriber(context.Background(), pubsub.SubscriberConfig{
			ProjectID:       cfg.GoogleProjectID,
			Subscription:    cfg.PubSubSubscription,
			CredentialsFile: cfg.GoogleCredentials,
		}, deps.Intake)
		if err != nil {
			a.forceLimiter.Close()
			return nil, err
		}
		a.subscriber = sub
	}

	if runPhase2 {
		a.phase2 = worker.NewPhase2Scheduler(deps.Dispatcher, cfg.Phase2CycleInterval)
	}

	logger.Info("[NewAPI] API server initialized")
	return a, nil
}

// Listen starts background receivers and serves until Shutdown.
func (a *API) Listen(addr string) error {
	if a.subscriber != nil {
		a.subscriber.Start()
	}
	if a.phase2 != nil {
		a.phase2.Start()
	}
	logger.Info("[API.Listen] listening on %s", addr)
	return a.App.Listen(addr)
}

// Shutdown stops accepting requests, then the background receivers.
func (a *API) Shutdown(timeout time.Duration) error {
	err := a.App.ShutdownWithTimeout(timeout)
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	if a.phase2 != nil {
		a.phase2.Stop()
	}
	a.forceLimiter.Close()
	return err
}
