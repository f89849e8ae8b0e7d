package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string `validate:"required,hostname_port"`
	DatabaseURL string `validate:"required"`
	NodeEnv     string `validate:"oneof=development staging production test"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
	LogFile   string

	// Scheduler
	RunScheduler  bool
	TickSchedule  string        `validate:"required"`
	TickWorkers   int           `validate:"gte=1,lte=256"`
	LeaseTimeout  time.Duration `validate:"gte=1000000000"`
	HolderID      string        `validate:"required"`
	PipelineFile  string
	ShutdownGrace time.Duration

	// Auth
	AuthPublicKeysFile string
	AllowDebugToken    bool
	DebugToken         string

	// Integrations
	IntegrationURL     string
	IntegrationToken   string
	IntegrationRetries int `validate:"gte=0,lte=10"`

	// Activity streaming
	KafkaBrokers      []string
	KafkaTopic        string
	ActivityBucket    string
	ActivityPrefix    string
	StreamBatchSize   int `validate:"gte=1,lte=1000"`
	StreamConcurrency int `validate:"gte=1,lte=64"`

	// Manual build uploads
	ArtifactBucket string
	ArtifactPrefix string

	Rollout Rollout
}

// Rollout holds the defaults for submissions opened by SUBMIT_TO_TARGET.
type Rollout struct {
	// AndroidInitialRollout is the staged percentage an Android submission goes LIVE at.
	AndroidInitialRollout float64 `validate:"gte=0,lte=100"`
	IOSPhasedRelease      bool
}

const (
	defaultAddr              = ":8071"
	defaultTickSchedule      = "@every 30s"
	defaultTickWorkers       = 4
	defaultLeaseTimeout      = 2 * time.Minute
	defaultStreamBatchSize   = 25
	defaultStreamConcurrency = 4
	defaultShutdownGrace     = 10 * time.Second
	defaultAndroidRollout    = 10.0
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads RELEASE_* environment variables, preloading .env files when present.
func Load() (Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	cfg := Config{
		Addr:        getEnv("RELEASE_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("RELEASE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		NodeEnv:     getEnv("NODE_ENV", "development"),

		LogLevel:  getEnv("RELEASE_LOG_LEVEL", "info"),
		LogFormat: getEnv("RELEASE_LOG_FORMAT", "json"),
		LogFile:   os.Getenv("RELEASE_LOG_FILE"),

		RunScheduler:  getBool("RELEASE_RUN_SCHEDULER", false),
		TickSchedule:  getEnv("RELEASE_TICK_SCHEDULE", defaultTickSchedule),
		TickWorkers:   getInt("RELEASE_TICK_WORKERS", defaultTickWorkers),
		LeaseTimeout:  getDuration("RELEASE_LEASE_TIMEOUT", defaultLeaseTimeout),
		HolderID:      getEnv("RELEASE_HOLDER_ID", "orchestrator-"+firstNonEmpty(hostname, "local")),
		PipelineFile:  os.Getenv("RELEASE_PIPELINE_FILE"),
		ShutdownGrace: getDuration("RELEASE_SHUTDOWN_GRACE", defaultShutdownGrace),

		AuthPublicKeysFile: os.Getenv("RELEASE_AUTH_PUBLIC_KEYS_FILE"),
		AllowDebugToken:    getBool("RELEASE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:         os.Getenv("RELEASE_DEBUG_TOKEN"),

		IntegrationURL:     os.Getenv("RELEASE_INTEGRATION_URL"),
		IntegrationToken:   os.Getenv("RELEASE_INTEGRATION_TOKEN"),
		IntegrationRetries: getInt("RELEASE_INTEGRATION_RETRIES", 2),

		KafkaBrokers:      splitList(os.Getenv("RELEASE_KAFKA_BROKERS")),
		KafkaTopic:        getEnv("RELEASE_KAFKA_TOPIC", "release.activity"),
		ActivityBucket:    os.Getenv("RELEASE_ACTIVITY_BUCKET"),
		ActivityPrefix:    getEnv("RELEASE_ACTIVITY_PREFIX", "release-orchestrator"),
		StreamBatchSize:   getInt("RELEASE_STREAM_BATCH_SIZE", defaultStreamBatchSize),
		StreamConcurrency: getInt("RELEASE_STREAM_CONCURRENCY", defaultStreamConcurrency),

		ArtifactBucket: os.Getenv("RELEASE_ARTIFACT_BUCKET"),
		ArtifactPrefix: getEnv("RELEASE_ARTIFACT_PREFIX", "builds"),

		Rollout: loadRollout(),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or RELEASE_DATABASE_URL required")
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.NodeEnv == "production" && cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("RELEASE_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("RELEASE_DEBUG_TOKEN required when RELEASE_ALLOW_DEBUG_TOKEN=true")
	}
	if !cfg.AllowDebugToken && cfg.AuthPublicKeysFile == "" {
		return Config{}, fmt.Errorf("RELEASE_AUTH_PUBLIC_KEYS_FILE required unless debug tokens are enabled")
	}
	return cfg, nil
}

// LoadRollout reads only the rollout defaults, for tools that do not serve HTTP.
func LoadRollout() (Rollout, error) {
	r := loadRollout()
	if err := validate.Struct(r); err != nil {
		return Rollout{}, fmt.Errorf("invalid rollout config: %w", err)
	}
	return r, nil
}

func loadRollout() Rollout {
	return Rollout{
		AndroidInitialRollout: getFloat("RELEASE_ANDROID_INITIAL_ROLLOUT", defaultAndroidRollout),
		IOSPhasedRelease:      getBool("RELEASE_IOS_PHASED_RELEASE", true),
	}
}

// StreamingEnabled reports whether both Kafka and the S3 archive are configured.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != "" && c.ActivityBucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
