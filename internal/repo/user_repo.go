package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Emcas152/CRMv2-sub000/internal/db"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, u model.User) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmailHash(ctx context.Context, emailHash string) (model.User, error)
}

type userRepo struct {
	db db.Queryer
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(q db.Queryer) UserRepo {
	return &userRepo{db: q}
}

const userColumns = `id, email_enc, email_hash, phone_enc, phone_hash, password_hash, role, created_at`

// Create inserts u. A taken email hash returns ErrEmailAlreadyInUse.
func (r *userRepo) Create(ctx context.Context, u model.User) (model.User, error) {
	u.ID = newID(u.ID)
	if u.Role == "" {
		u.Role = "staff"
	}

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email_hash) DO NOTHING
	`
	var phoneHash sql.NullString
	if u.PhoneHash != "" {
		phoneHash = sql.NullString{String: u.PhoneHash, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, query,
		u.ID.String(), u.EmailEnc, u.EmailHash, u.PhoneEnc, phoneHash, u.PasswordHash, u.Role, ms(u.CreatedAt),
	)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	if n == 0 {
		return model.User{}, autherror.ErrEmailAlreadyInUse
	}
	return u, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id.String()))
}

// GetByEmailHash retrieves a user by the search hash of the lowercased email
func (r *userRepo) GetByEmailHash(ctx context.Context, emailHash string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email_hash = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, emailHash))
}

func scanUser(row *sql.Row) (model.User, error) {
	var (
		user      model.User
		idStr     string
		phoneHash sql.NullString
		createdAt int64
	)
	err := row.Scan(
		&idStr,
		&user.EmailEnc,
		&user.EmailHash,
		&user.PhoneEnc,
		&phoneHash,
		&user.PasswordHash,
		&user.Role,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, autherror.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	user.ID, err = parseID(idStr)
	if err != nil {
		return model.User{}, err
	}
	user.PhoneHash = phoneHash.String
	user.CreatedAt = fromMS(createdAt)
	return user, nil
}
