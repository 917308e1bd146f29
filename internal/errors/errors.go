package errors

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidToken         = errors.New("invalid token")
	// ErrExpiredToken still matches ErrInvalidToken so callers see a single outcome.
	ErrExpiredToken         = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrAccountLocked        = errors.New("account locked")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidTwoFactorCode = errors.New("invalid or expired two-factor code")
	ErrBackupCodeExhausted  = errors.New("no backup codes remaining")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrEncryptionFailure    = errors.New("encryption failed")
	ErrDecryptionFailure    = errors.New("decryption failed")
	ErrFieldValidation      = errors.New("field validation failed")
	ErrChannelUnavailable   = errors.New("delivery channel unavailable")
	ErrTwoFactorNotEnabled  = errors.New("two-factor authentication not enabled")
	ErrUnsupportedMethod    = errors.New("unsupported two-factor method")
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailAlreadyInUse    = errors.New("email already in use")
	ErrInsufficientRole     = errors.New("insufficient role")
)

// AccountLockedError is returned when a login is refused because of an active lock.
type AccountLockedError struct {
	LockedUntil time.Time
	Remaining   time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked for %d more minute(s)", e.MinutesRemaining())
}

// Is lets errors.Is(err, ErrAccountLocked) match.
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// MinutesRemaining rounds the remaining lock time up to whole minutes.
func (e *AccountLockedError) MinutesRemaining() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Minutes()))
}
