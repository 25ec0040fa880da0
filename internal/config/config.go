package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevClinic      string `mapstructure:"DEV_CLINIC"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`

	ArtifactBackend    string `mapstructure:"ARTIFACT_BACKEND"`
	ArtifactDir        string `mapstructure:"ARTIFACT_DIR"`
	ArtifactS3Bucket   string `mapstructure:"ARTIFACT_S3_BUCKET"`
	ArtifactS3Prefix   string `mapstructure:"ARTIFACT_S3_PREFIX"`
	ArtifactS3Endpoint string `mapstructure:"ARTIFACT_S3_ENDPOINT"`
	AWSRegion          string `mapstructure:"AWS_REGION"`

	BatchSize         int    `mapstructure:"BATCH_SIZE"`
	UploadDir         string `mapstructure:"UPLOAD_DIR"`
	VendorABaseURL    string `mapstructure:"VENDOR_A_BASE_URL"`
	VendorBBaseURL    string `mapstructure:"VENDOR_B_BASE_URL"`
	VendorAIDField    string `mapstructure:"VENDOR_A_ID_FIELD"`
	VendorBIDField    string `mapstructure:"VENDOR_B_ID_FIELD"`
	VendorHTTPRetries int    `mapstructure:"VENDOR_HTTP_RETRIES"`

	JobsDBPath  string `mapstructure:"JOBS_DB_PATH"`
	JobsWorkers int    `mapstructure:"JOBS_WORKERS"`
}

// Lock backends.
const (
	LockMemory   = "memory"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "CORS_ORIGINS", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_CLINIC",
	"LOCK_BACKEND", "LOCK_TTL",
	"ARTIFACT_BACKEND", "ARTIFACT_DIR", "ARTIFACT_S3_BUCKET", "ARTIFACT_S3_PREFIX", "ARTIFACT_S3_ENDPOINT", "AWS_REGION",
	"BATCH_SIZE", "UPLOAD_DIR", "VENDOR_A_BASE_URL", "VENDOR_B_BASE_URL",
	"VENDOR_A_ID_FIELD", "VENDOR_B_ID_FIELD", "VENDOR_HTTP_RETRIES",
	"JOBS_DB_PATH", "JOBS_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEV_CLINIC", "dev-clinic")
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("ARTIFACT_BACKEND", "local")
	v.SetDefault("ARTIFACT_DIR", "data/artifacts")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("BATCH_SIZE", 500)
	v.SetDefault("UPLOAD_DIR", "data/uploads")
	v.SetDefault("VENDOR_A_ID_FIELD", "id")
	v.SetDefault("VENDOR_B_ID_FIELD", "id")
	v.SetDefault("VENDOR_HTTP_RETRIES", 3)
	v.SetDefault("JOBS_DB_PATH", "data/migration-jobs.db")
	v.SetDefault("JOBS_WORKERS", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; every request acts as admin of DEV_CLINIC.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests act as admin)
//   - otherwise       → "external" (bearer tokens from AUTH_ISSUER)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// ResolvedLockBackend returns LOCK_BACKEND, or redis when REDIS_URL is set and
// postgres otherwise.
func (c *Config) ResolvedLockBackend() string {
	if c.LockBackend != "" {
		return c.LockBackend
	}
	if c.RedisURL != "" {
		return LockRedis
	}
	return LockPostgres
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is \"external\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.ResolvedLockBackend() {
	case LockMemory:
		if c.IsProduction() {
			return fmt.Errorf("LOCK_BACKEND=memory cannot guard runs across processes; not allowed in production")
		}
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is redis")
		}
		if c.LockTTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
		}
	case LockPostgres:
	default:
		return fmt.Errorf("LOCK_BACKEND must be memory, redis or postgres, got %q", c.LockBackend)
	}

	switch c.ArtifactBackend {
	case "", "local":
		if c.ArtifactDir == "" {
			return fmt.Errorf("ARTIFACT_DIR is required for the local artifact backend")
		}
	case "s3":
		if c.ArtifactS3Bucket == "" {
			return fmt.Errorf("ARTIFACT_S3_BUCKET is required for the s3 artifact backend")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("ARTIFACT_BACKEND=memory loses artifacts on restart; not allowed in production")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be local, s3 or memory, got %q", c.ArtifactBackend)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
