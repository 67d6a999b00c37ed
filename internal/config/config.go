package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBConnectTimeout  time.Duration

	Paths    PathsConfig
	Archive  ArchiveConfig
	Redis    RedisConfig
	Metrics  MetricsConfig
	Pipeline PipelineConfig
	Phone    PhoneConfig
	Server   ServerConfig
}

type PathsConfig struct {
	IncomingDir string
	OutputDir   string
	ConfigDir   string
}

type ArchiveConfig struct {
	Backend   string
	LocalDir  string
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
}

type MetricsConfig struct {
	PushgatewayURL string
	JobName        string
}

type PipelineConfig struct {
	CommitTimeout         time.Duration
	HaltOnValidationError bool
	SourceTimezone        string
	ReconcileEpsilonCents int64
	TopSpendersLimit      int
	TopSpendersWindowDays int
}

type PhoneConfig struct {
	DefaultRegion     string
	MinNationalDigits int
	MaxNationalDigits int
}

type ServerConfig struct {
	Addr             string
	ScheduleInterval time.Duration
}

const (
	ArchiveBackendLocal = "local"
	ArchiveBackendS3    = "s3"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "kpiledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "sqlite")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "kpiledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "data/kpiledger.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBConnectTimeout:  getenvDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
		Paths: PathsConfig{
			IncomingDir: getenv("INCOMING_DIR", "data/incoming"),
			OutputDir:   getenv("OUTPUT_DIR", "data/outputs"),
			ConfigDir:   getenv("CONFIG_DIR", "config"),
		},
		Archive: ArchiveConfig{
			Backend:   strings.ToLower(getenv("ARCHIVE_BACKEND", ArchiveBackendLocal)),
			LocalDir:  getenv("ARCHIVE_DIR", "data/warehouse"),
			Endpoint:  strings.TrimSpace(getenv("ARCHIVE_S3_ENDPOINT", "")),
			Bucket:    strings.TrimSpace(getenv("ARCHIVE_S3_BUCKET", "")),
			Prefix:    strings.Trim(getenv("ARCHIVE_S3_PREFIX", "warehouse"), "/"),
			AccessKey: strings.TrimSpace(getenv("ARCHIVE_S3_ACCESS_KEY", "")),
			SecretKey: strings.TrimSpace(getenv("ARCHIVE_S3_SECRET_KEY", "")),
			Region:    getenv("ARCHIVE_S3_REGION", "us-east-1"),
			UseSSL:    getenvBool("ARCHIVE_S3_USE_SSL", true),
		},
		Redis: RedisConfig{
			Addr:      strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "kpiledger"),
			Channel:   getenv("REDIS_CHANNEL", "kpiledger.kpi.published"),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: strings.TrimSpace(getenv("PUSHGATEWAY_URL", "")),
			JobName:        getenv("PUSHGATEWAY_JOB", "kpiledger"),
		},
		Pipeline: PipelineConfig{
			CommitTimeout:         getenvDuration("COMMIT_TIMEOUT", 2*time.Minute),
			HaltOnValidationError: getenvBool("HALT_ON_VALIDATION_ERROR", false),
			SourceTimezone:        getenv("SOURCE_TIMEZONE", "UTC"),
			ReconcileEpsilonCents: getenvInt64("RECONCILE_EPSILON_CENTS", 1),
			TopSpendersLimit:      getenvInt("TOP_SPENDERS_LIMIT", 10),
			TopSpendersWindowDays: getenvInt("TOP_SPENDERS_WINDOW_DAYS", 30),
		},
		Phone: PhoneConfig{
			DefaultRegion:     strings.ToUpper(getenv("PHONE_DEFAULT_REGION", "IN")),
			MinNationalDigits: getenvInt("PHONE_MIN_NATIONAL_DIGITS", 10),
			MaxNationalDigits: getenvInt("PHONE_MAX_NATIONAL_DIGITS", 10),
		},
		Server: ServerConfig{
			Addr:             getenv("SERVER_ADDR", ":8080"),
			ScheduleInterval: getenvDuration("SCHEDULE_INTERVAL", 24*time.Hour),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
