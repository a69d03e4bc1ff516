package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API, worker and CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TimingRedisDB int
	PostgresDSN   string

	QueueName          string
	PriorityTiers      []int
	QueueRateLimit     float64
	WorkerConcurrency  int
	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	ScheduledBatchSize int
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	NewConvDelay       time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	SendRetries        int
	SendBackoff        time.Duration

	BreakerThreshold   int
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration
	BreakerBackoff     float64
	UpstreamTimeout    time.Duration

	ChatwootBaseURL       string
	ChatwootAPIToken      string
	ChatwootAccountID     string
	ChatwootInboxID       int
	ChatwootWebhookSecret string
	FallbackPhone         string
	FallbackEmail         string

	DedupReuseWindow     time.Duration
	DedupScopeByLoanType bool

	SLAThreshold        time.Duration
	SLATargetCompliance float64
	SLASampleWindow     time.Duration
	SLASampleLimit      int
	SLACheckInterval    time.Duration
	TimingRetention     time.Duration

	QueueEnabled          bool
	RolloutPercentage     int
	RolloutMode           string
	HighScoreRolloutBoost float64
	LegacyFallback        bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMTimeout    time.Duration

	PersonaCatalogPath string

	RabbitURL   string
	RabbitQueue string

	SlackWebhookURL string
	PublicURL       string

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	IngressCapacity    int
	IngressRefill      float64

	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	ArchivePathStyle bool
	ArchiveDir       string
}

// Load reads configuration from the environment (and a local .env when present)
// with defaults suited to local development.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		TimingRedisDB: getEnvInt("TIMING_REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		QueueName:          getEnv("QUEUE_NAME", "broker-conversations"),
		PriorityTiers:      getEnvIntList("QUEUE_PRIORITY_TIERS", []int{1, 3, 5}),
		QueueRateLimit:     getEnvFloat("QUEUE_RATE_LIMIT", 30),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 10),
		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		ScheduledBatchSize: getEnvInt("SCHEDULED_BATCH_SIZE", 100),
		MaxAttempts:        getEnvInt("JOB_MAX_ATTEMPTS", 3),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", time.Minute),
		NewConvDelay:       getEnvDuration("NEW_CONVERSATION_DELAY", 500*time.Millisecond),
		CompletedRetention: getEnvDuration("COMPLETED_RETENTION", 24*time.Hour),
		FailedRetention:    getEnvDuration("FAILED_RETENTION", 7*24*time.Hour),
		SendRetries:        getEnvInt("SEND_RETRIES", 3),
		SendBackoff:        getEnvDuration("SEND_BACKOFF", 200*time.Millisecond),

		BreakerThreshold:   getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		BreakerCooldown:    getEnvMillisOrDuration("CIRCUIT_BREAKER_TIMEOUT", time.Minute),
		BreakerMaxCooldown: getEnvDuration("CIRCUIT_BREAKER_MAX_TIMEOUT", 10*time.Minute),
		BreakerBackoff:     getEnvFloat("CIRCUIT_BREAKER_BACKOFF", 2),
		UpstreamTimeout:    getEnvDuration("UPSTREAM_CALL_TIMEOUT", 10*time.Second),

		ChatwootBaseURL:       getEnv("CHATWOOT_BASE_URL", "https://chat.nextnest.sg"),
		ChatwootAPIToken:      getEnv("CHATWOOT_API_TOKEN", ""),
		ChatwootAccountID:     getEnv("CHATWOOT_ACCOUNT_ID", "1"),
		ChatwootInboxID:       getEnvInt("CHATWOOT_INBOX_ID", 1),
		ChatwootWebhookSecret: getEnv("CHATWOOT_WEBHOOK_SECRET", ""),
		FallbackPhone:         getEnv("CHAT_FALLBACK_PHONE", "+6583341445"),
		FallbackEmail:         getEnv("CHAT_FALLBACK_EMAIL", "hello@nextnest.sg"),

		DedupReuseWindow:     getEnvDuration("DEDUP_REUSE_WINDOW", 30*time.Minute),
		DedupScopeByLoanType: getEnvBool("DEDUP_SCOPE_BY_LOAN_TYPE", true),

		SLAThreshold:        getEnvDuration("SLA_THRESHOLD", 5*time.Second),
		SLATargetCompliance: getEnvFloat("SLA_TARGET_COMPLIANCE", 0.95),
		SLASampleWindow:     getEnvDuration("SLA_SAMPLE_WINDOW", time.Hour),
		SLASampleLimit:      getEnvInt("SLA_SAMPLE_LIMIT", 500),
		SLACheckInterval:    getEnvDuration("SLA_CHECK_INTERVAL", time.Minute),
		TimingRetention:     getEnvDuration("TIMING_RETENTION", 24*time.Hour),

		QueueEnabled:          getEnvBool("ENABLE_BULLMQ_BROKER", false),
		RolloutPercentage:     clampPercent(getEnvInt("BULLMQ_ROLLOUT_PERCENTAGE", 0)),
		RolloutMode:           getEnv("ROLLOUT_MODE", "random"),
		HighScoreRolloutBoost: getEnvFloat("HIGH_SCORE_ROLLOUT_BOOST", 1.5),
		LegacyFallback:        getEnvBool("ENABLE_LEGACY_FALLBACK", true),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMTimeout:    getEnvDuration("OPENAI_TIMEOUT", 20*time.Second),

		PersonaCatalogPath: getEnv("PERSONA_CATALOG_PATH", ""),

		RabbitURL:   getEnv("RABBITMQ_URL", ""),
		RabbitQueue: getEnv("RABBITMQ_QUEUE", "broker_dispatch_events"),

		SlackWebhookURL: getEnv("SLACK_ALERT_WEBHOOK_URL", ""),
		PublicURL:       getEnv("PUBLIC_URL", "http://localhost:8080"),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		IngressCapacity:    getEnvInt("INGRESS_RATE_CAPACITY", 10),
		IngressRefill:      getEnvFloat("INGRESS_RATE_REFILL_PER_SEC", 1),

		ArchiveBucket:    getEnv("SLA_ARCHIVE_BUCKET", ""),
		ArchiveRegion:    getEnv("SLA_ARCHIVE_REGION", "ap-southeast-1"),
		ArchiveEndpoint:  getEnv("SLA_ARCHIVE_ENDPOINT", ""),
		ArchivePathStyle: getEnvBool("SLA_ARCHIVE_PATH_STYLE", false),
		ArchiveDir:       getEnv("SLA_ARCHIVE_DIR", ""),
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvMillisOrDuration accepts either a Go duration ("60s") or a bare
// millisecond count ("60000").
func getEnvMillisOrDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func getEnvIntList(key string, def []int) []int {
	raw := getEnvList(key, nil)
	if len(raw) == 0 {
		return def
	}
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		i, err := strconv.Atoi(r)
		if err != nil {
			return def
		}
		out = append(out, i)
	}
	return out
}
