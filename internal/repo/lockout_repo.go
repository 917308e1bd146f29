package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Emcas152/CRMv2-sub000/internal/db"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
)

// LoginAttemptRepo stores the append-only login attempt log
type LoginAttemptRepo interface {
	Insert(ctx context.Context, a model.LoginAttempt) error
	// CountFailuresSince counts failed attempts strictly after since and
	// returns the time of the newest one (zero when count is 0).
	CountFailuresSince(ctx context.Context, email string, since time.Time) (int, time.Time, error)
	ListRecent(ctx context.Context, email string, limit int) ([]model.LoginAttempt, error)
}

type loginAttemptRepo struct {
	db db.Queryer
}

// NewLoginAttemptRepo creates a new LoginAttemptRepo instance
func NewLoginAttemptRepo(q db.Queryer) LoginAttemptRepo {
	return &loginAttemptRepo{db: q}
}

func (r *loginAttemptRepo) Insert(ctx context.Context, a model.LoginAttempt) error {
	a.ID = newID(a.ID)
	query := `
		INSERT INTO login_attempts (id, email, ip, user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID.String(), a.Email, a.IP, a.UserAgent, a.Success, a.FailureReason, ms(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert login attempt: %w", err)
	}
	return nil
}

func (r *loginAttemptRepo) CountFailuresSince(ctx context.Context, email string, since time.Time) (int, time.Time, error) {
	query := `
		SELECT COUNT(*), MAX(created_at)
		FROM login_attempts
		WHERE email = $1 AND success = FALSE AND created_at > $2
	`
	var (
		count  int
		latest sql.NullInt64
	)
	if err := r.db.QueryRowContext(ctx, query, email, ms(since)).Scan(&count, &latest); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	if !latest.Valid {
		return count, time.Time{}, nil
	}
	return count, fromMS(latest.Int64), nil
}

func (r *loginAttemptRepo) ListRecent(ctx context.Context, email string, limit int) ([]model.LoginAttempt, error) {
	query := `
		SELECT id, email, ip, user_agent, success, failure_reason, created_at
		FROM login_attempts
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}
	defer rows.Close()

	var out []model.LoginAttempt
	for rows.Next() {
		var (
			a         model.LoginAttempt
			idStr     string
			createdAt int64
		)
		if err := rows.Scan(&idStr, &a.Email, &a.IP, &a.UserAgent, &a.Success, &a.FailureReason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		if a.ID, err = parseID(idStr); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMS(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountLockRepo stores lock windows. At most one open lock exists per email.
type AccountLockRepo interface {
	// Create closes expired open locks for the email and inserts l unless an
	// open lock remains. It reports whether l was inserted.
	Create(ctx context.Context, l model.AccountLock, now time.Time) (bool, error)
	GetActive(ctx context.Context, email string, now time.Time) (*model.AccountLock, error)
	// LastLockEnd returns when the most recent lock stopped applying.
	LastLockEnd(ctx context.Context, email string) (time.Time, bool, error)
	Unlock(ctx context.Context, email, by string, now time.Time) (bool, error)
}

type accountLockRepo struct {
	db *db.DB
}

// NewAccountLockRepo creates a new AccountLockRepo instance. It needs *db.DB
// because Create runs in a transaction.
func NewAccountLockRepo(d *db.DB) AccountLockRepo {
	return &accountLockRepo{db: d}
}

func (r *accountLockRepo) Create(ctx context.Context, l model.AccountLock, now time.Time) (bool, error) {
	l.ID = newID(l.ID)
	var inserted bool

	err := r.db.WithTx(ctx, func(q db.Queryer) error {
		closeExpired := `
			UPDATE account_locks
			SET unlocked_at = locked_until, unlocked_by = 'expired'
			WHERE email = $1 AND unlocked_at IS NULL AND locked_until <= $2
		`
		if _, err := q.ExecContext(ctx, closeExpired, l.Email, ms(now)); err != nil {
			return fmt.Errorf("failed to close expired locks: %w", err)
		}

		insert := `
			INSERT INTO account_locks (id, email, locked_at, locked_until, attempts_count, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (email) WHERE unlocked_at IS NULL DO NOTHING
		`
		res, err := q.ExecContext(ctx, insert,
			l.ID.String(), l.Email, ms(l.LockedAt), ms(l.LockedUntil), l.AttemptsCount, l.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert lock: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (r *accountLockRepo) GetActive(ctx context.Context, email string, now time.Time) (*model.AccountLock, error) {
	query := `
		SELECT id, email, locked_at, locked_until, attempts_count, reason
		FROM account_locks
		WHERE email = $1 AND unlocked_at IS NULL AND locked_until > $2
		ORDER BY locked_at DESC
		LIMIT 1
	`
	var (
		l                     model.AccountLock
		idStr                 string
		lockedAt, lockedUntil int64
	)
	err := r.db.QueryRowContext(ctx, query, email, ms(now)).Scan(
		&idStr, &l.Email, &lockedAt, &lockedUntil, &l.AttemptsCount, &l.Reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active lock: %w", err)
	}
	if l.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	l.LockedAt = fromMS(lockedAt)
	l.LockedUntil = fromMS(lockedUntil)
	return &l, nil
}

func (r *accountLockRepo) LastLockEnd(ctx context.Context, email string) (time.Time, bool, error) {
	query := `
		SELECT MAX(CASE
			WHEN unlocked_at IS NOT NULL AND unlocked_at < locked_until THEN unlocked_at
			ELSE locked_until
		END)
		FROM account_locks
		WHERE email = $1
	`
	var end sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&end); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last lock: %w", err)
	}
	if !end.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(end.Int64), true, nil
}

func (r *accountLockRepo) Unlock(ctx context.Context, email, by string, now time.Time) (bool, error) {
	query := `
		UPDATE account_locks
		SET unlocked_at = $3, unlocked_by = $2
		WHERE email = $1 AND unlocked_at IS NULL AND locked_until > $3
	`
	res, err := r.db.ExecContext(ctx, query, email, by, ms(now))
	if err != nil {
		return false, fmt.Errorf("failed to unlock account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to unlock account: %w", err)
	}
	return n > 0, nil
}
