package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server     ServerConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Hashing    HashingConfig
	Bucketing  BucketingConfig
	OTP        OTPConfig
	Invite     InviteConfig
	Session    SessionConfig
	RateLimit  RateLimitConfig
	Delivery   DeliveryConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	EventTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type OTPConfig struct {
	TTL           time.Duration
	RequestLimit  int
	RequestWindow time.Duration
	VerifyLimit   int
	VerifyWindow  time.Duration
}

type InviteConfig struct {
	CodeLength  int
	ClaimLimit  int
	ClaimWindow time.Duration
}

type SessionConfig struct {
	CookieName string
	TTL        time.Duration
}

// RateLimitConfig controls the behavior of the rate limiter when its backing
// store is unreachable. Fail-closed is the default: OTP and invitation claim
// scopes refuse traffic rather than letting a degraded Redis disable abuse
// control.
type RateLimitConfig struct {
	FailClosed bool
}

type DeliveryConfig struct {
	SMTPHost        string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	EmailFrom       string
	SMSGatewayURL   string
	SMSSenderID     string
	SMSAPIKey       string
	DispatchTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads .env (if present) and builds the configuration. Safe to
// call multiple times; only the first call loads.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTOCERT", false),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/classpage-auth/certs"),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "classpage_auth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
				EventTopic: getEnv("KAFKA_EVENT_TOPIC", "auth-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "classpage"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "eu-central-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
				Pepper:            getEnv("HASH_PEPPER", ""),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 64),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 16),
			},
			OTP: OTPConfig{
				TTL:           getEnvDuration("OTP_TTL", 10*time.Minute),
				RequestLimit:  getEnvInt("OTP_REQUEST_LIMIT", 5),
				RequestWindow: getEnvDuration("OTP_REQUEST_WINDOW", time.Hour),
				VerifyLimit:   getEnvInt("OTP_VERIFY_LIMIT", 5),
				VerifyWindow:  getEnvDuration("OTP_VERIFY_WINDOW", 10*time.Minute),
			},
			Invite: InviteConfig{
				CodeLength:  getEnvInt("INVITE_CODE_LENGTH", 8),
				ClaimLimit:  getEnvInt("INVITE_CLAIM_LIMIT", 10),
				ClaimWindow: getEnvDuration("INVITE_CLAIM_WINDOW", time.Hour),
			},
			Session: SessionConfig{
				CookieName: getEnv("SESSION_COOKIE_NAME", "cp_session"),
				TTL:        getEnvDuration("SESSION_TTL", 30*24*time.Hour),
			},
			RateLimit: RateLimitConfig{
				FailClosed: getEnvBool("RATE_LIMIT_FAIL_CLOSED", true),
			},
			Delivery: DeliveryConfig{
				SMTPHost:        getEnv("SMTP_HOST", "localhost"),
				SMTPPort:        getEnvInt("SMTP_PORT", 587),
				SMTPUser:        getEnv("SMTP_USER", ""),
				SMTPPassword:    getEnv("SMTP_PASS", ""),
				EmailFrom:       getEnv("EMAIL_FROM", "no-reply@classpage.example"),
				SMSGatewayURL:   getEnv("SMS_GATEWAY_URL", ""),
				SMSSenderID:     getEnv("SMS_SENDER_ID", "ClassPage"),
				SMSAPIKey:       getEnv("SMS_API_KEY", ""),
				DispatchTimeout: getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
