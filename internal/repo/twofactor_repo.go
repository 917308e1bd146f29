package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Emcas152/CRMv2-sub000/internal/db"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
)

// TwoFactorRepo stores 2FA settings, verification codes and backup codes.
// Codes are stored as hashes only.
type TwoFactorRepo interface {
	GetSettings(ctx context.Context, userID uuid.UUID) (model.TwoFactorSettings, bool, error)
	UpsertSettings(ctx context.Context, s model.TwoFactorSettings) error

	// ReplaceCode expires every live unverified code of the user, then inserts c.
	ReplaceCode(ctx context.Context, c model.TwoFactorCode, now time.Time) error
	// ConsumeCode marks the newest live code matching codeHash verified.
	ConsumeCode(ctx context.Context, userID uuid.UUID, codeHash string, now time.Time) (bool, error)
	ExpireCode(ctx context.Context, id uuid.UUID, now time.Time) error
	ExpirePendingCodes(ctx context.Context, userID uuid.UUID, now time.Time) error

	// ReplaceBackupCodes deletes the user's backup codes and inserts hashes.
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string, now time.Time) error
	// ConsumeBackupCode marks one unused matching code used in a single statement.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string, now time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error)
	DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error
}

type twoFactorRepo struct {
	db *db.DB
}

// NewTwoFactorRepo creates a new TwoFactorRepo instance
func NewTwoFactorRepo(d *db.DB) TwoFactorRepo {
	return &twoFactorRepo{db: d}
}

func (r *twoFactorRepo) GetSettings(ctx context.Context, userID uuid.UUID) (model.TwoFactorSettings, bool, error) {
	query := `
		SELECT enabled, method, totp_secret, updated_at
		FROM two_factor_settings
		WHERE user_id = $1
	`
	s := model.TwoFactorSettings{UserID: userID}
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, query, userID.String()).Scan(&s.Enabled, &s.Method, &s.TOTPSecret, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TwoFactorSettings{UserID: userID}, false, nil
		}
		return model.TwoFactorSettings{}, false, fmt.Errorf("failed to query 2fa settings: %w", err)
	}
	s.UpdatedAt = fromMS(updatedAt)
	return s, true, nil
}

func (r *twoFactorRepo) UpsertSettings(ctx context.Context, s model.TwoFactorSettings) error {
	query := `
		INSERT INTO two_factor_settings (user_id, enabled, method, totp_secret, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = excluded.enabled,
			method = excluded.method,
			totp_secret = excluded.totp_secret,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, s.UserID.String(), s.Enabled, s.Method, s.TOTPSecret, ms(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert 2fa settings: %w", err)
	}
	return nil
}

func (r *twoFactorRepo) ReplaceCode(ctx context.Context, c model.TwoFactorCode, now time.Time) error {
	c.ID = newID(c.ID)
	return r.db.WithTx(ctx, func(q db.Queryer) error {
		expire := `
			UPDATE two_factor_codes
			SET expires_at = $2
			WHERE user_id = $1 AND verified = FALSE AND expires_at > $2
		`
		if _, err := q.ExecContext(ctx, expire, c.UserID.String(), ms(now)); err != nil {
			return fmt.Errorf("failed to expire previous codes: %w", err)
		}

		insert := `
			INSERT INTO two_factor_codes (id, user_id, code_hash, method, ip, user_agent, created_at, expires_at, verified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		`
		_, err := q.ExecContext(ctx, insert,
			c.ID.String(), c.UserID.String(), c.CodeHash, c.Method, c.IP, c.UserAgent, ms(c.CreatedAt), ms(c.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert code: %w", err)
		}
		return nil
	})
}

func (r *twoFactorRepo) ConsumeCode(ctx context.Context, userID uuid.UUID, codeHash string, now time.Time) (bool, error) {
	query := `
		UPDATE two_factor_codes
		SET verified = TRUE, verified_at = $3
		WHERE id = (
			SELECT id FROM two_factor_codes
			WHERE user_id = $1 AND code_hash = $2 AND verified = FALSE AND expires_at > $3
			ORDER BY created_at DESC
			LIMIT 1
		) AND verified = FALSE
	`
	return affectedOne(r.db.ExecContext(ctx, query, userID.String(), codeHash, ms(now)))
}

func (r *twoFactorRepo) ExpireCode(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `UPDATE two_factor_codes SET expires_at = $2 WHERE id = $1 AND expires_at > $2`
	if _, err := r.db.ExecContext(ctx, query, id.String(), ms(now)); err != nil {
		return fmt.Errorf("failed to expire code: %w", err)
	}
	return nil
}

func (r *twoFactorRepo) ExpirePendingCodes(ctx context.Context, userID uuid.UUID, now time.Time) error {
	query := `
		UPDATE two_factor_codes
		SET expires_at = $2
		WHERE user_id = $1 AND verified = FALSE AND expires_at > $2
	`
	if _, err := r.db.ExecContext(ctx, query, userID.String(), ms(now)); err != nil {
		return fmt.Errorf("failed to expire pending codes: %w", err)
	}
	return nil
}

func (r *twoFactorRepo) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string, now time.Time) error {
	return r.db.WithTx(ctx, func(q db.Queryer) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID.String()); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		insert := `
			INSERT INTO backup_codes (id, user_id, code_hash, used, created_at)
			VALUES ($1, $2, $3, FALSE, $4)
		`
		for _, h := range hashes {
			if _, err := q.ExecContext(ctx, insert, uuid.NewString(), userID.String(), h, ms(now)); err != nil {
				return fmt.Errorf("failed to insert backup code: %w", err)
			}
		}
		return nil
	})
}

func (r *twoFactorRepo) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string, now time.Time) (bool, error) {
	query := `
		UPDATE backup_codes
		SET used = TRUE, used_at = $3
		WHERE id = (
			SELECT id FROM backup_codes
			WHERE user_id = $1 AND code_hash = $2 AND used = FALSE
			LIMIT 1
		) AND used = FALSE
	`
	return affectedOne(r.db.ExecContext(ctx, query, userID.String(), codeHash, ms(now)))
}

func (r *twoFactorRepo) CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE user_id = $1 AND used = FALSE`, userID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return n, nil
}

func (r *twoFactorRepo) DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID.String()); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	return nil
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
