// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	ProjectURL     string `mapstructure:"FIREFRAME_PROJECT_URL"`
	AnonKey        string `mapstructure:"FIREFRAME_ANON_KEY"`
	ServiceRoleKey string `mapstructure:"FIREFRAME_SERVICE_ROLE_KEY"`
	UseEmulator    bool   `mapstructure:"FIREFRAME_USE_EMULATOR"`
	EmulatorDBPath string `mapstructure:"EMULATOR_DB_PATH"`

	JWTSecret             string `mapstructure:"JWT_SECRET"`
	SessionTTLHours       int    `mapstructure:"SESSION_TTL_HOURS"`
	SignInFailsafeSeconds int    `mapstructure:"SIGNIN_FAILSAFE_SECONDS"`

	Port       string `mapstructure:"PORT"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	// DBSchemaMode is one of hybrid, sql, auto.
	DBSchemaMode string `mapstructure:"DB_SCHEMA_MODE"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	StorageEndpoint  string `mapstructure:"STORAGE_ENDPOINT"`
	StorageAccessKey string `mapstructure:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `mapstructure:"STORAGE_SECRET_KEY"`
	StorageUseSSL    bool   `mapstructure:"STORAGE_USE_SSL"`
	StorageRegion    string `mapstructure:"STORAGE_REGION"`
	ImageMaxUploadMB int    `mapstructure:"IMAGE_MAX_UPLOAD_SIZE_MB"`

	OAuthGoogleClientID       string `mapstructure:"OAUTH_GOOGLE_CLIENT_ID"`
	OAuthGoogleClientSecret   string `mapstructure:"OAUTH_GOOGLE_CLIENT_SECRET"`
	OAuthGitHubClientID       string `mapstructure:"OAUTH_GITHUB_CLIENT_ID"`
	OAuthGitHubClientSecret   string `mapstructure:"OAUTH_GITHUB_CLIENT_SECRET"`
	OAuthAzureClientID        string `mapstructure:"OAUTH_AZURE_CLIENT_ID"`
	OAuthAzureClientSecret    string `mapstructure:"OAUTH_AZURE_CLIENT_SECRET"`
	OAuthAzureTenant          string `mapstructure:"OAUTH_AZURE_TENANT"`
	OAuthDiscordClientID      string `mapstructure:"OAUTH_DISCORD_CLIENT_ID"`
	OAuthDiscordClientSecret  string `mapstructure:"OAUTH_DISCORD_CLIENT_SECRET"`
	OAuthFacebookClientID     string `mapstructure:"OAUTH_FACEBOOK_CLIENT_ID"`
	OAuthFacebookClientSecret string `mapstructure:"OAUTH_FACEBOOK_CLIENT_SECRET"`

	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags   string `mapstructure:"FEATURE_FLAGS"`
	Env            string `mapstructure:"APP_ENV"`

	TracingEnabled  bool   `mapstructure:"TRACING_ENABLED"`
	TracingExporter string `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string `mapstructure:"OTLP_ENDPOINT"`

	LocalStorageDir string `mapstructure:"LOCAL_STORAGE_DIR"`
}

// LoadConfig loads application configuration from .env, file and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults(v)

	// AutomaticEnv only resolves keys viper already knows about, so every key
	// needs a default (or an explicit bind) before Unmarshal.
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.DBSSLMode = strings.ToLower(strings.TrimSpace(config.DBSSLMode))
	config.Env = strings.ToLower(strings.TrimSpace(config.Env))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("FIREFRAME_PROJECT_URL", "")
	v.SetDefault("FIREFRAME_ANON_KEY", "")
	v.SetDefault("FIREFRAME_SERVICE_ROLE_KEY", "")
	v.SetDefault("FIREFRAME_USE_EMULATOR", false)
	v.SetDefault("EMULATOR_DB_PATH", "fireframe-emulator.db")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("SESSION_TTL_HOURS", 24*7)
	v.SetDefault("SIGNIN_FAILSAFE_SECONDS", 10)
	v.SetDefault("PORT", "8375")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "fireframe")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_SCHEMA_MODE", "hybrid")
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("STORAGE_ENDPOINT", "localhost:9000")
	v.SetDefault("STORAGE_ACCESS_KEY", "minioadmin")
	v.SetDefault("STORAGE_SECRET_KEY", "minioadmin")
	v.SetDefault("STORAGE_USE_SSL", false)
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("IMAGE_MAX_UPLOAD_SIZE_MB", 10)
	for _, p := range []string{"GOOGLE", "GITHUB", "AZURE", "DISCORD", "FACEBOOK"} {
		v.SetDefault("OAUTH_"+p+"_CLIENT_ID", "")
		v.SetDefault("OAUTH_"+p+"_CLIENT_SECRET", "")
	}
	v.SetDefault("OAUTH_AZURE_TENANT", "common")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:9002,http://localhost:3000,http://127.0.0.1:9002")
	v.SetDefault("FEATURE_FLAGS", "oauth=on,ws_feed=on")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("LOCAL_STORAGE_DIR", defaultLocalStorageDir())
}

func defaultLocalStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fireframe"
	}
	return filepath.Join(home, ".fireframe")
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.ProjectURL == "" {
		return errors.New("FIREFRAME_PROJECT_URL is required")
	}
	u, err := url.Parse(c.ProjectURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FIREFRAME_PROJECT_URL must be an absolute http(s) URL, got %q", c.ProjectURL)
	}
	if c.AnonKey == "" {
		return errors.New("FIREFRAME_ANON_KEY is required")
	}
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.SessionTTLHours <= 0 {
		return errors.New("SESSION_TTL_HOURS must be positive")
	}

	if c.IsProduction() {
		if c.UseEmulator {
			return errors.New("FIREFRAME_USE_EMULATOR cannot be enabled in production")
		}
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if strings.Contains(c.AllowedOrigins, "*") {
			return errors.New("ALLOWED_ORIGINS cannot contain '*' in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
		if c.ServiceRoleKey == "" {
			log.Println("WARNING: FIREFRAME_SERVICE_ROLE_KEY is not set; admin operations will be unavailable.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// IsProduction reports whether the strict production profile is active.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// SessionTTL is the lifetime of issued access tokens.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// SignInFailsafe is how long a sign-in may stall before the loading flag is forced off.
func (c *Config) SignInFailsafe() time.Duration {
	if c.SignInFailsafeSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SignInFailsafeSeconds) * time.Second
}

// MaxUploadBytes bounds image uploads.
func (c *Config) MaxUploadBytes() int64 {
	if c.ImageMaxUploadMB <= 0 {
		return 10 << 20
	}
	return int64(c.ImageMaxUploadMB) << 20
}

// OAuthCredentials returns the client id and secret configured for provider.
func (c *Config) OAuthCredentials(provider string) (id, secret string) {
	switch strings.ToLower(provider) {
	case "google":
		return c.OAuthGoogleClientID, c.OAuthGoogleClientSecret
	case "github":
		return c.OAuthGitHubClientID, c.OAuthGitHubClientSecret
	case "azure":
		return c.OAuthAzureClientID, c.OAuthAzureClientSecret
	case "discord":
		return c.OAuthDiscordClientID, c.OAuthDiscordClientSecret
	case "facebook":
		return c.OAuthFacebookClientID, c.OAuthFacebookClientSecret
	}
	return "", ""
}

// PublicBaseURL is the project URL without a trailing slash.
func (c *Config) PublicBaseURL() string {
	return strings.TrimRight(c.ProjectURL, "/")
}
