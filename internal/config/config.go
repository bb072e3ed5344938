package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken               string
	APIBaseURL             string
	GoogleClientID         string
	GoogleRedirectURL      string
	RequestTimeout         time.Duration
	GalleryTTL             time.Duration
	GalleryLimit           int
	GalleryFetchTimeout    time.Duration
	PaymentPollInterval    time.Duration
	PaymentPollMaxDuration time.Duration
	PaymentPollMaxErrors   int
	MaxUploadBytes         int64
	TransformsPerMinute    int
	TransformBurst         int
	DefaultStyle           string
	CredentialsDir         string
	MySQLDSN               string
	StatusListenAddr       string
	StatusUsername         string
	StatusPassword         string
	S3Endpoint             string
	S3Region               string
	S3AccessKey            string
	S3SecretKey            string
	S3Bucket               string
	S3PublicBaseURL        string
	S3UsePathStyle         bool
	S3Prefix               string
	LogLevel               string
}

// ArchiveEnabled reports whether transformed results should be mirrored to S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultAPIBaseURL = "http://127.0.0.1:8000"

	cfg := Config{
		APIBaseURL:             normalizeBaseURL(getEnv("API_BASE_URL", defaultAPIBaseURL), defaultAPIBaseURL),
		GoogleClientID:         os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleRedirectURL:      os.Getenv("GOOGLE_REDIRECT_URL"),
		RequestTimeout:         time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		GalleryTTL:             getDuration("GALLERY_TTL", 6*time.Hour),
		GalleryLimit:           getInt("GALLERY_LIMIT", 12),
		GalleryFetchTimeout:    getDuration("GALLERY_FETCH_TIMEOUT", 15*time.Second),
		PaymentPollInterval:    getDuration("PAYMENT_POLL_INTERVAL", 5*time.Second),
		PaymentPollMaxDuration: getDuration("PAYMENT_POLL_MAX_DURATION", 10*time.Minute),
		PaymentPollMaxErrors:   getInt("PAYMENT_POLL_MAX_ERRORS", 3),
		MaxUploadBytes:         getInt64("MAX_UPLOAD_BYTES", 10<<20),
		TransformsPerMinute:    getInt("TRANSFORMS_PER_MINUTE", 6),
		TransformBurst:         getInt("TRANSFORM_BURST", 2),
		DefaultStyle:           strings.ToLower(getEnv("DEFAULT_STYLE", "ghibli")),
		CredentialsDir:         getEnv("CREDENTIALS_DIR", defaultCredentialsDir()),
		MySQLDSN:               os.Getenv("MYSQL_DSN"),
		StatusListenAddr:       getEnv("STATUS_LISTEN_ADDR", ":8080"),
		StatusUsername:         getEnv("STATUS_USERNAME", "admin"),
		StatusPassword:         getEnv("STATUS_PASSWORD", "change-me"),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3Region:               os.Getenv("S3_REGION"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:        os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:         getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:               getEnv("S3_PREFIX", "results"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.ArchiveEnabled() {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.GalleryLimit <= 0 {
		return Config{}, fmt.Errorf("GALLERY_LIMIT must be positive, got %d", cfg.GalleryLimit)
	}
	if cfg.PaymentPollInterval <= 0 {
		return Config{}, fmt.Errorf("PAYMENT_POLL_INTERVAL must be positive, got %s", cfg.PaymentPollInterval)
	}

	return cfg, nil
}

// normalizeBaseURL adds a scheme when missing and guarantees a trailing slash so that
// relative endpoint paths resolve under any path prefix of the backend.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(fallback)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	return parsed.String()
}

func defaultCredentialsDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ghiblit")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ghiblit")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile overlays the first env file found. Running without one is fine:
// the process environment alone may carry the configuration.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
