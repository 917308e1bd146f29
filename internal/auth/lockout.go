package auth

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Emcas152/CRMv2-sub000/internal/audit"
	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	"github.com/Emcas152/CRMv2-sub000/internal/mask"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
	"github.com/Emcas152/CRMv2-sub000/internal/repo"
)

// Failure reasons recorded on login attempts.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonAccountLocked      = "account_locked"
	ReasonTooManyAttempts    = "too_many_failed_attempts"
)

// LockoutConfig configures the LoginGuard
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
	// WriteRetries is how many times a failed lock write is retried before it
	// is surfaced to the caller.
	WriteRetries uint64
	RetryDelay   time.Duration
}

// DefaultLockoutConfig returns 5 failures in 15 minutes -> 15 minute lock.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		Threshold:    5,
		Window:       15 * time.Minute,
		Duration:     15 * time.Minute,
		WriteRetries: 3,
		RetryDelay:   50 * time.Millisecond,
	}
}

// Attempt is one login call as seen by the guard
type Attempt struct {
	Email     string
	IP        string
	UserAgent string
	Success   bool
	Reason    string
}

// LockStatus is the result of a lock check
type LockStatus struct {
	Locked      bool
	LockedUntil time.Time
	Remaining   time.Duration
	// Failures counted toward the next lock.
	Failures int
}

// LoginGuard records attempts and locks accounts after repeated failures.
// Status reads fail open; lock writes are retried and then surfaced.
type LoginGuard struct {
	cfg      LockoutConfig
	attempts repo.LoginAttemptRepo
	locks    repo.AccountLockRepo
	audit    audit.Sink
	clock    clock.Clock
}

// NewLoginGuard creates a LoginGuard. A nil sink records nothing.
func NewLoginGuard(cfg LockoutConfig, attempts repo.LoginAttemptRepo, locks repo.AccountLockRepo, sink audit.Sink, clk clock.Clock) *LoginGuard {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &LoginGuard{cfg: cfg, attempts: attempts, locks: locks, audit: sink, clock: clk}
}

// RecordAttempt stores the attempt and, on failure, locks the account once the
// failure count in the window reaches the threshold.
func (g *LoginGuard) RecordAttempt(ctx context.Context, a Attempt) error {
	now := g.clock.Now()
	err := g.attempts.Insert(ctx, model.LoginAttempt{
		Email:         a.Email,
		IP:            a.IP,
		UserAgent:     a.UserAgent,
		Success:       a.Success,
		FailureReason: a.Reason,
		CreatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	if a.Success {
		audit.Record(ctx, g.audit, audit.Event{Action: audit.ActionLoginSuccess, Subject: mask.Email(a.Email), IP: a.IP, At: now})
		return nil
	}
	audit.Record(ctx, g.audit, audit.Event{
		Action:  audit.ActionLoginFailed,
		Subject: mask.Email(a.Email),
		IP:      a.IP,
		Details: map[string]string{"reason": a.Reason},
		At:      now,
	})

	failures, err := g.RecentFailures(ctx, a.Email, g.cfg.Window)
	if err != nil {
		return err
	}
	if failures >= g.cfg.Threshold {
		return g.Lock(ctx, a.Email, failures, ReasonTooManyAttempts)
	}
	return nil
}

// IsLocked reports whether logins for email are currently refused.
func (g *LoginGuard) IsLocked(ctx context.Context, email string) bool {
	return g.Status(ctx, email).Locked
}

// Status checks for an active lock row, then falls back to recounting recent
// failures in case the lock write was lost. Read errors report unlocked.
func (g *LoginGuard) Status(ctx context.Context, email string) LockStatus {
	now := g.clock.Now()

	lock, err := g.locks.GetActive(ctx, email, now)
	if err != nil {
		log.Printf("lockout: status read for %s failed, allowing login: %v", mask.Email(email), err)
		return LockStatus{}
	}
	if lock != nil {
		return LockStatus{
			Locked:      true,
			LockedUntil: lock.LockedUntil,
			Remaining:   lock.LockedUntil.Sub(now),
			Failures:    lock.AttemptsCount,
		}
	}

	failures, latest, err := g.failuresSinceLastLock(ctx, email, g.cfg.Window, now)
	if err != nil {
		log.Printf("lockout: failure count for %s failed, allowing login: %v", mask.Email(email), err)
		return LockStatus{}
	}
	if failures >= g.cfg.Threshold {
		until := latest.Add(g.cfg.Duration)
		if until.After(now) {
			return LockStatus{Locked: true, LockedUntil: until, Remaining: until.Sub(now), Failures: failures}
		}
	}
	return LockStatus{Failures: failures}
}

// Lock opens a lock for email unless one is already active. Write failures
// are retried and then returned.
func (g *LoginGuard) Lock(ctx context.Context, email string, attempts int, reason string) error {
	now := g.clock.Now()
	lock := model.AccountLock{
		Email:         email,
		LockedAt:      now,
		LockedUntil:   now.Add(g.cfg.Duration),
		AttemptsCount: attempts,
		Reason:        reason,
	}

	var created bool
	backoff := retry.WithMaxRetries(g.cfg.WriteRetries, retry.NewConstant(g.retryDelay()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		created, err = g.locks.Create(ctx, lock, now)
		if err != nil {
			log.Printf("lockout: lock write for %s failed, retrying: %v", mask.Email(email), err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	if created {
		log.Printf("lockout: %s locked until %s after %d failures", mask.Email(email), lock.LockedUntil.Format(time.RFC3339), attempts)
		audit.Record(ctx, g.audit, audit.Event{
			Action:  audit.ActionAccountLocked,
			Subject: mask.Email(email),
			Details: map[string]string{"attempts": strconv.Itoa(attempts), "reason": reason},
			At:      now,
		})
	}
	return nil
}

// Unlock closes the active lock. It reports false when there was none.
func (g *LoginGuard) Unlock(ctx context.Context, email, by string) (bool, error) {
	now := g.clock.Now()
	ok, err := g.locks.Unlock(ctx, email, by, now)
	if err != nil {
		return false, fmt.Errorf("unlock account: %w", err)
	}
	if ok {
		audit.Record(ctx, g.audit, audit.Event{
			Action:  audit.ActionAccountUnlocked,
			Subject: mask.Email(email),
			Details: map[string]string{"by": by},
			At:      now,
		})
	}
	return ok, nil
}

// RecentFailures counts failures inside the trailing window. Failures from
// before the most recent lock ended do not count again.
func (g *LoginGuard) RecentFailures(ctx context.Context, email string, window time.Duration) (int, error) {
	n, _, err := g.failuresSinceLastLock(ctx, email, window, g.clock.Now())
	return n, err
}

// History returns the newest attempts for email.
func (g *LoginGuard) History(ctx context.Context, email string, limit int) ([]model.LoginAttempt, error) {
	return g.attempts.ListRecent(ctx, email, limit)
}

func (g *LoginGuard) failuresSinceLastLock(ctx context.Context, email string, window time.Duration, now time.Time) (int, time.Time, error) {
	since := now.Add(-window)
	end, ok, err := g.locks.LastLockEnd(ctx, email)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("last lock: %w", err)
	}
	if ok && end.After(since) {
		since = end
	}
	n, latest, err := g.attempts.CountFailuresSince(ctx, email, since)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count failures: %w", err)
	}
	return n, latest, nil
}

func (g *LoginGuard) retryDelay() time.Duration {
	if g.cfg.RetryDelay <= 0 {
		return 10 * time.Millisecond
	}
	return g.cfg.RetryDelay
}
