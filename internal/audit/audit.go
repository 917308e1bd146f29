// Package audit records security-relevant actions. Recording is best-effort:
// a failing sink is logged and never changes the outcome of the caller.
package audit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

const (
	ActionLoginSuccess       = "login_success"
	ActionLoginFailed        = "login_failed"
	ActionAccountLocked      = "account_locked"
	ActionAccountUnlocked    = "account_unlocked"
	ActionTwoFactorEnabled   = "2fa_enabled"
	ActionTwoFactorDisabled  = "2fa_disabled"
	ActionTwoFactorCodeSent  = "2fa_code_sent"
	ActionTwoFactorVerified  = "2fa_verified"
	ActionTwoFactorFailed    = "2fa_failed"
	ActionBackupCodeUsed     = "backup_code_used"
	ActionBackupCodesRenewed = "backup_codes_regenerated"
	ActionRegistered         = "user_registered"
)

// Event is one audit entry. Details must already be masked.
type Event struct {
	Action  string
	UserID  string
	Subject string
	IP      string
	Details map[string]string
	At      time.Time
}

// Sink is the append-only audit log.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// LogSink writes events as single key=value lines.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink writing to logger, or the standard logger if nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, ev Event) error {
	s.logger.Print(Format(ev))
	return nil
}

// Format renders ev deterministically (details sorted by key).
func Format(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "audit: action=%s", ev.Action)
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, " at=%s", ev.At.UTC().Format(time.RFC3339))
	}
	if ev.UserID != "" {
		fmt.Fprintf(&b, " user=%s", ev.UserID)
	}
	if ev.Subject != "" {
		fmt.Fprintf(&b, " subject=%s", ev.Subject)
	}
	if ev.IP != "" {
		fmt.Fprintf(&b, " ip=%s", ev.IP)
	}

	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, ev.Details[k])
	}
	return b.String()
}

// Record sends ev to sink and only logs a failure.
func Record(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, ev); err != nil {
		log.Printf("audit: failed to record %s: %v", ev.Action, err)
	}
}
