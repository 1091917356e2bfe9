package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mailsync_server/core/domain"
)

// generateInstanceID names this process for logs, stream consumers and the
// event relay.
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mailsync"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	InstanceID  string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Auth
	JWTSecret          string
	TokenEncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	GmailPushTopic     string
	PubSubSubscription string
	GoogleCredentials  string

	// Scoring service
	ClassifierURL     string
	ClassifierTimeout time.Duration
	OpenAIAPIKey      string
	OpenAIModel       string

	// Token / watch
	TokenRefreshMargin  time.Duration
	WatchRenewalMargin  time.Duration
	WatchCheckInterval  time.Duration
	WatchRetryBase      time.Duration
	WatchRetryCap       time.Duration
	ProviderRequestsSec float64
	ProviderBurst       int

	// Sync
	SyncPageSize           int
	SyncTransientAttempts  int
	SyncRateLimitAttempts  int
	SyncRetryCheckInterval time.Duration
	ProviderCallTimeout    time.Duration
	StoreWriteTimeout      time.Duration
	HealthCheckTimeout     time.Duration

	// Phase 2 classification
	Phase2BatchSize     int
	Phase2Concurrency   int
	Phase2RetryCap      int
	Phase2CycleInterval time.Duration

	// Cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Realtime
	SSEHeartbeat  time.Duration
	SSEBufferSize int

	// Worker
	WorkerCount      int
	WorkerQueueSize  int
	WorkerMaxRetries int

	// Consumer (Redis Stream)
	ConsumerBatchSize    int
	ConsumerBlock        time.Duration
	ConsumerPendingCheck time.Duration

	// Webhook
	WebhookIdempotencyTTL time.Duration

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		InstanceID:  getEnv("INSTANCE_ID", generateInstanceID()),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGODB_DATABASE", "mailsync"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Auth
		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GmailPushTopic:     getEnv("GMAIL_PUSH_TOPIC", ""),
		PubSubSubscription: getEnv("PUBSUB_SUBSCRIPTION", ""),
		GoogleCredentials:  getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		// Scoring service
		ClassifierURL:     getEnv("CLASSIFIER_URL", ""),
		ClassifierTimeout: getEnvDuration("CLASSIFIER_TIMEOUT", 30*time.Second),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		// Token / watch
		TokenRefreshMargin:  getEnvDuration("TOKEN_REFRESH_MARGIN", 60*time.Second),
		WatchRenewalMargin:  getEnvDuration("WATCH_RENEWAL_MARGIN", 24*time.Hour),
		WatchCheckInterval:  getEnvDuration("WATCH_CHECK_INTERVAL", time.Hour),
		WatchRetryBase:      getEnvDuration("WATCH_RETRY_BASE", time.Minute),
		WatchRetryCap:       getEnvDuration("WATCH_RETRY_CAP", 6*time.Hour),
		ProviderRequestsSec: getEnvFloat("PROVIDER_REQUESTS_PER_SEC", 10),
		ProviderBurst:       getEnvInt("PROVIDER_BURST", 20),

		// Sync
		SyncPageSize:           getEnvInt("SYNC_PAGE_SIZE", 100),
		SyncTransientAttempts:  getEnvInt("SYNC_TRANSIENT_ATTEMPTS", 4),
		SyncRateLimitAttempts:  getEnvInt("SYNC_RATE_LIMIT_ATTEMPTS", 8),
		SyncRetryCheckInterval: getEnvDuration("SYNC_RETRY_CHECK_INTERVAL", 30*time.Second),
		ProviderCallTimeout:    getEnvDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
		StoreWriteTimeout:      getEnvDuration("STORE_WRITE_TIMEOUT", 10*time.Second),
		HealthCheckTimeout:     getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),

		// Phase 2 classification
		Phase2BatchSize:     getEnvInt("PHASE2_BATCH_SIZE", 32),
		Phase2Concurrency:   getEnvInt("PHASE2_CONCURRENCY", 4),
		Phase2RetryCap:      getEnvInt("PHASE2_RETRY_CAP", 3),
		Phase2CycleInterval: getEnvDuration("PHASE2_CYCLE_INTERVAL", 30*time.Second),

		// Cache
		CacheTTL:        getEnvDuration("CACHE_TTL", 5*time.Minute),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),

		// Realtime
		SSEHeartbeat:  getEnvDuration("SSE_HEARTBEAT", 30*time.Second),
		SSEBufferSize: getEnvInt("SSE_BUFFER_SIZE", 256),

		// Worker
		WorkerCount:      getEnvInt("WORKER_COUNT", 8),
		WorkerQueueSize:  getEnvInt("WORKER_QUEUE_SIZE", 1000),
		WorkerMaxRetries: getEnvInt("WORKER_MAX_RETRIES", 3),

		// Consumer
		ConsumerBatchSize:    getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlock:        getEnvDuration("CONSUMER_BLOCK", 5*time.Second),
		ConsumerPendingCheck: getEnvDuration("CONSUMER_PENDING_CHECK", time.Minute),

		// Webhook
		WebhookIdempotencyTTL: getEnvDuration("WEBHOOK_IDEMPOTENCY_TTL", 5*time.Minute),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}, nil
}

// Validate checks the settings the sync subsystem cannot run without. The
// returned error is fatal class.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"GOOGLE_CLIENT_ID", c.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", c.GoogleClientSecret},
		{"GOOGLE_PROJECT_ID", c.GoogleProjectID},
		{"DATABASE_URL", c.DatabaseURL},
		{"TOKEN_ENCRYPTION_KEY", c.TokenEncryptionKey},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return domain.NewSyncError(domain.ErrClassFatal, "config.validate",
			fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}

	if c.SyncPageSize <= 0 || c.SyncPageSize > 500 {
		return domain.NewSyncError(domain.ErrClassFatal, "config.validate",
			fmt.Errorf("SYNC_PAGE_SIZE must be in 1..500, got %d", c.SyncPageSize))
	}
	if c.Phase2BatchSize <= 0 || c.Phase2Concurrency <= 0 {
		return domain.NewSyncError(domain.ErrClassFatal, "config.validate",
			fmt.Errorf("phase-2 batch size and concurrency must be positive"))
	}
	return nil
}

// PushTopic returns the Pub/Sub topic Gmail watches publish to.
func (c *Config) PushTopic() string {
	if c.GmailPushTopic != "" {
		return c.GmailPushTopic
	}
	if c.GoogleProjectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/gmail-push", c.GoogleProjectID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
