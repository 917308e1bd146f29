package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a staff account. Email and phone are stored encrypted with
// a deterministic hash alongside for lookups.
type User struct {
	ID           uuid.UUID
	EmailEnc     []byte
	EmailHash    string
	PhoneEnc     []byte
	PhoneHash    string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// LoginAttempt is an append-only record of one login call
type LoginAttempt struct {
	ID            uuid.UUID
	Email         string
	IP            string
	UserAgent     string
	Success       bool
	FailureReason string
	CreatedAt     time.Time
}

// AccountLock represents a lockout window for an email
type AccountLock struct {
	ID            uuid.UUID
	Email         string
	LockedAt      time.Time
	LockedUntil   time.Time
	AttemptsCount int
	Reason        string
	UnlockedAt    *time.Time
	UnlockedBy    *string
}

// ActiveAt reports whether the lock still applies at t.
func (l AccountLock) ActiveAt(t time.Time) bool {
	return l.UnlockedAt == nil && t.Before(l.LockedUntil)
}

// TwoFactorSettings holds a user's 2FA enrolment
type TwoFactorSettings struct {
	UserID     uuid.UUID
	Enabled    bool
	Method     string
	TOTPSecret []byte
	UpdatedAt  time.Time
}

// TwoFactorCode is a short-lived verification code; only its hash is stored
type TwoFactorCode struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	CodeHash   string
	Method     string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Verified   bool
	VerifiedAt *time.Time
}

// BackupCode is a single-use recovery code; only its hash is stored
type BackupCode struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RateWindow is the fixed-window counter for one (identifier, type, endpoint)
type RateWindow struct {
	Identifier     string
	IdentifierType string
	Endpoint       string
	WindowStart    time.Time
	WindowEnd      time.Time
	RequestCount   int
}
