package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database    DatabaseConfig
	Server      ServerConfig
	Auth        AuthConfig
	Lockout     LockoutConfig
	RateLimit   RateLimitConfig
	MFA         MFAConfig
	DeviceTrust DeviceTrustConfig
	Session     SessionConfig
	Redis       RedisConfig
	SMS         SMSConfig
	Email       EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
	ApplicationName   string
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies string // comma separated CIDRs allowed to set X-Forwarded-For
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret              string
	AccessTokenExpiry      time.Duration
	CredentialCheckTimeout time.Duration
	TimingDelayBaseMs      int
	TimingDelayRandomMs    int
	CleanupInterval        time.Duration
	CookieSecure           bool
}

type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

type RateLimitConfig struct {
	Backend             string // postgres or redis
	SigninWindow        time.Duration
	SigninMaxRequests   int
	SMSWindow           time.Duration
	SMSMaxRequests      int
	IPRequestsPerMinute int
}

type MFAConfig struct {
	EncryptionKey     []byte // 32 bytes for AES-256-GCM
	Issuer            string
	ChallengeTTL      time.Duration
	ResendCooldown    time.Duration
	MaxVerifyAttempts int
}

type DeviceTrustConfig struct {
	TTL time.Duration
}

type SessionConfig struct {
	TTL                time.Duration
	RefreshTokenExpiry time.Duration
	MaxPerAccount      int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SMSConfig struct {
	Provider    string // sns or log
	AWSRegion   string
	SenderID    string
	SendTimeout time.Duration
}

type EmailConfig struct {
	AWSRegion     string
	FromAddress   string
	NotifyTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: loadDatabaseConfig(),
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnv("TRUSTED_PROXIES", ""),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:              jwtSecret,
			AccessTokenExpiry:      getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			CredentialCheckTimeout: getEnvAsDuration("CREDENTIAL_CHECK_TIMEOUT", 2*time.Second),
			TimingDelayBaseMs:      getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:    getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			CleanupInterval:        getEnvAsDuration("CLEANUP_INTERVAL", 5*time.Minute),
			CookieSecure:           env == "production",
		},
		Lockout: LockoutConfig{
			Threshold: getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Duration:  getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Backend:             strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "postgres")),
			SigninWindow:        getEnvAsDuration("SIGNIN_RATE_LIMIT_WINDOW", 15*time.Minute),
			SigninMaxRequests:   getEnvAsInt("SIGNIN_RATE_LIMIT_MAX", 10),
			SMSWindow:           getEnvAsDuration("SMS_RATE_LIMIT_WINDOW", 1*time.Hour),
			SMSMaxRequests:      getEnvAsInt("SMS_RATE_LIMIT_MAX", 3),
			IPRequestsPerMinute: getEnvAsInt("IP_RATE_LIMIT_PER_MINUTE", 60),
		},
		MFA: MFAConfig{
			Issuer:            getEnv("MFA_ISSUER", "Gatekeeper"),
			ChallengeTTL:      getEnvAsDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
			ResendCooldown:    getEnvAsDuration("MFA_RESEND_COOLDOWN", 60*time.Second),
			MaxVerifyAttempts: getEnvAsInt("MFA_MAX_VERIFY_ATTEMPTS", 5),
		},
		DeviceTrust: DeviceTrustConfig{
			TTL: getEnvAsDuration("DEVICE_TRUST_TTL", 30*24*time.Hour),
		},
		Session: SessionConfig{
			TTL:                getEnvAsDuration("SESSION_TTL", 30*24*time.Hour),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			MaxPerAccount:      getEnvAsInt("MAX_SESSIONS_PER_ACCOUNT", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMS: SMSConfig{
			Provider:    strings.ToLower(getEnv("SMS_PROVIDER", "log")),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			SenderID:    getEnv("SMS_SENDER_ID", ""),
			SendTimeout: getEnvAsDuration("SMS_SEND_TIMEOUT", 5*time.Second),
		},
		Email: EmailConfig{
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			FromAddress:   getEnv("SES_FROM_ADDRESS", ""),
			NotifyTimeout: getEnvAsDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	key, err := parseEncryptionKey(getEnv("MFA_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}
	cfg.MFA.EncryptionKey = key

	if cfg.RateLimit.Backend != "postgres" && cfg.RateLimit.Backend != "redis" {
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be postgres or redis (got %q)", cfg.RateLimit.Backend)
	}
	if cfg.SMS.Provider != "sns" && cfg.SMS.Provider != "log" {
		return nil, fmt.Errorf("SMS_PROVIDER must be sns or log (got %q)", cfg.SMS.Provider)
	}
	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings, for tools such as the migrator
func LoadDatabase() (*DatabaseConfig, error) {
	_ = godotenv.Load()

	cfg := loadDatabaseConfig()
	if cfg.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	return &cfg, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:              getEnv("DB_HOST", "localhost"),
		Port:              getEnvAsInt("DB_PORT", 5432),
		User:              getEnv("DB_USER", "postgres"),
		Password:          getEnv("DB_PASSWORD", ""),
		Name:              getEnv("DB_NAME", "gatekeeper"),
		SSLMode:           getEnv("DB_SSLMODE", "disable"),
		MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
		MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
		MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
		HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		StatementTimeout:  getEnvAsDuration("DB_STATEMENT_TIMEOUT", 5*time.Second),
		ApplicationName:   getEnv("DB_APPLICATION_NAME", "gatekeeper"),
	}
}

// IsTest reports whether test-only wiring may be mounted
func (c *Config) IsTest() bool {
	return c.Server.Env == "test"
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseEncryptionKey decodes the hex MFA_ENCRYPTION_KEY into 32 bytes
func parseEncryptionKey(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
