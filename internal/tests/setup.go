package tests

import (
	"context"
	"fmt"
	"sync"

	"github.com/Emcas152/CRMv2-sub000/internal/db"
	"github.com/Emcas152/CRMv2-sub000/internal/notify"
)

// securityTables lists every table the migrations create, children first.
var securityTables = []string{
	"rate_windows",
	"backup_codes",
	"two_factor_codes",
	"two_factor_settings",
	"account_locks",
	"login_attempts",
	"users",
}

// TruncateSecurityTables empties all tables for a clean test state. Needed
// only for a shared Postgres database; SQLite tests get a fresh file.
func TruncateSecurityTables(ctx context.Context, database *db.DB) error {
	if database.Dialect() == db.Postgres {
		_, err := database.ExecContext(ctx, "TRUNCATE TABLE rate_windows, backup_codes, two_factor_codes, two_factor_settings, account_locks, login_attempts, users")
		if err != nil {
			return fmt.Errorf("truncate security tables: %w", err)
		}
		return nil
	}
	for _, table := range securityTables {
		if _, err := database.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// Mailbox records every message that passes the channel rules of the log
// notifier, so tests can read the codes that would have been sent.
type Mailbox struct {
	mu   sync.Mutex
	next notify.Notifier
	sent []notify.Message
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{next: notify.NewLogNotifier(false)}
}

func (m *Mailbox) Send(ctx context.Context, msg notify.Message) error {
	if err := m.next.Send(ctx, msg); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Last returns the most recent message and whether there was one.
func (m *Mailbox) Last() (notify.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return notify.Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Count returns how many messages were delivered.
func (m *Mailbox) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
