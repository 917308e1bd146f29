package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/fieldcrypt"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
	"github.com/Emcas152/CRMv2-sub000/internal/notify"
	"github.com/Emcas152/CRMv2-sub000/internal/ratelimit"
)

// Config holds the application configuration. Each component gets its own
// section at construction; nothing below reads the environment itself.
type Config struct {
	DatabaseURL string
	Port        string
	DevMode     bool

	// TrustedProxies may set X-Forwarded-For and X-Real-IP
	TrustedProxies middleware.TrustedProxies

	Token     auth.TokenConfig
	Lockout   auth.LockoutConfig
	TwoFactor auth.TwoFactorConfig
	RateLimit ratelimit.Config
	Fields    fieldcrypt.Config

	SMTP                notify.SMTPConfig
	NotifyRatePerSecond float64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                "8080", // default port
		Lockout:             auth.DefaultLockoutConfig(),
		TwoFactor:           auth.DefaultTwoFactorConfig(),
		RateLimit:           ratelimit.DefaultConfig(),
		NotifyRatePerSecond: 5,
	}

	// Load DATABASE_URL and log connection details (password masked)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL
	logDatabaseTarget(databaseURL)

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	var err error
	if cfg.TrustedProxies, err = middleware.ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES")); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	// Tokens
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	cfg.Token.Secret = jwtSecret

	if cfg.Token.TTL, err = envSeconds("TOKEN_TTL_SECONDS", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Token.ChallengeTTL, err = envSeconds("CHALLENGE_TTL_SECONDS", 5*time.Minute); err != nil {
		return nil, err
	}

	// Field encryption and code hashing share APP_SECRET
	appSecret := os.Getenv("APP_SECRET")
	if appSecret == "" {
		return nil, fmt.Errorf("APP_SECRET environment variable is required")
	}
	cfg.Fields.Secret = appSecret
	if cfg.Fields.Enabled, err = envBool("FIELD_ENCRYPTION_ENABLED", true); err != nil {
		return nil, err
	}
	cfg.TwoFactor.HashKey = appSecret

	// Lockout
	if cfg.Lockout.Threshold, err = envInt("LOCKOUT_THRESHOLD", cfg.Lockout.Threshold); err != nil {
		return nil, err
	}
	if cfg.Lockout.Window, err = envMinutes("LOCKOUT_WINDOW_MINUTES", cfg.Lockout.Window); err != nil {
		return nil, err
	}
	if cfg.Lockout.Duration, err = envMinutes("LOCKOUT_DURATION_MINUTES", cfg.Lockout.Duration); err != nil {
		return nil, err
	}
	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be >= 1")
	}

	// Two-factor
	if cfg.TwoFactor.CodeLength, err = envInt("TWO_FACTOR_CODE_LENGTH", cfg.TwoFactor.CodeLength); err != nil {
		return nil, err
	}
	if cfg.TwoFactor.CodeTTL, err = envSeconds("TWO_FACTOR_CODE_TTL_SECONDS", cfg.TwoFactor.CodeTTL); err != nil {
		return nil, err
	}
	if cfg.TwoFactor.BackupCodeCount, err = envInt("TWO_FACTOR_BACKUP_CODES", cfg.TwoFactor.BackupCodeCount); err != nil {
		return nil, err
	}
	if issuer := os.Getenv("TWO_FACTOR_ISSUER"); issuer != "" {
		cfg.TwoFactor.Issuer = issuer
	}

	// Rate limits
	if path := os.Getenv("RATE_LIMIT_CONFIG"); path != "" {
		if cfg.RateLimit, err = ratelimit.LoadFile(path, cfg.RateLimit); err != nil {
			return nil, err
		}
		log.Printf("Loaded rate limit table from %s", path)
	}

	// Notifications
	cfg.SMTP = notify.SMTPConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	}
	if cfg.SMTP.Port, err = envInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.From == "" {
		return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	if v := os.Getenv("NOTIFY_RATE_PER_SECOND"); v != "" {
		if cfg.NotifyRatePerSecond, err = strconv.ParseFloat(v, 64); err != nil || cfg.NotifyRatePerSecond <= 0 {
			return nil, fmt.Errorf("NOTIFY_RATE_PER_SECOND must be a positive number")
		}
	}

	return cfg, nil
}

func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		log.Printf("DB connect: %s", strings.SplitN(databaseURL, "?", 2)[0])
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, strings.TrimPrefix(u.Path, "/"), user)
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false: %w", name, err)
	}
	return b, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	return envDuration(name, def, time.Second)
}

func envMinutes(name string, def time.Duration) (time.Duration, error) {
	return envDuration(name, def, time.Minute)
}

func envDuration(name string, def, unit time.Duration) (time.Duration, error) {
	n, err := envInt(name, -1)
	if err != nil {
		return 0, err
	}
	if n == -1 {
		return def, nil
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return time.Duration(n) * unit, nil
}
