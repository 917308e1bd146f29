// Package app assembles the security components from configuration.
package app

import (
	"fmt"
	"log"

	"github.com/Emcas152/CRMv2-sub000/internal/audit"
	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	"github.com/Emcas152/CRMv2-sub000/internal/config"
	"github.com/Emcas152/CRMv2-sub000/internal/db"
	"github.com/Emcas152/CRMv2-sub000/internal/fieldcrypt"
	"github.com/Emcas152/CRMv2-sub000/internal/notify"
	"github.com/Emcas152/CRMv2-sub000/internal/ratelimit"
	"github.com/Emcas152/CRMv2-sub000/internal/repo"
)

// App holds the wired components
type App struct {
	Auth    *auth.Service
	Limiter *ratelimit.Limiter
	Cipher  *fieldcrypt.Cipher
}

// Options overrides collaborators. Zero values fall back to the defaults
// derived from config.
type Options struct {
	Notifier notify.Notifier
	Audit    audit.Sink
	Clock    clock.Clock
}

// New wires repositories, the token authority, the login guard, the
// two-factor verifier, the rate limiter and the field cipher.
func New(cfg *config.Config, database *db.DB, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogSink(nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier(cfg)
	}

	cipher, err := fieldcrypt.New(cfg.Fields)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}
	if !cipher.Enabled() {
		log.Printf("WARNING: field encryption is disabled; new values are stored in plaintext")
	}

	tokens, err := auth.NewTokenAuthority(cfg.Token, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("token authority: %w", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	attemptRepo := repo.NewLoginAttemptRepo(database)
	lockRepo := repo.NewAccountLockRepo(database)
	twoFactorRepo := repo.NewTwoFactorRepo(database)
	rateRepo := repo.NewRateWindowRepo(database)

	guard := auth.NewLoginGuard(cfg.Lockout, attemptRepo, lockRepo, opts.Audit, opts.Clock)
	verifier, err := auth.NewTwoFactorVerifier(cfg.TwoFactor, twoFactorRepo, opts.Notifier, cipher, opts.Audit, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("two-factor verifier: %w", err)
	}

	svc, err := auth.NewService(userRepo, tokens, guard, verifier, cipher, opts.Audit, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit, rateRepo, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return &App{Auth: svc, Limiter: limiter, Cipher: cipher}, nil
}

// NewNotifier returns an SMTP notifier when SMTP_HOST is configured and a
// log notifier otherwise, throttled to cfg.NotifyRatePerSecond.
func NewNotifier(cfg *config.Config) notify.Notifier {
	var n notify.Notifier
	if cfg.SMTP.Host != "" {
		log.Printf("Notifications via SMTP %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
		n = notify.NewSMTPNotifier(cfg.SMTP)
	} else {
		log.Printf("SMTP_HOST not set; notifications are logged only")
		n = notify.NewLogNotifier(cfg.DevMode)
	}
	return notify.NewThrottled(n, cfg.NotifyRatePerSecond, int(cfg.NotifyRatePerSecond)+1)
}
