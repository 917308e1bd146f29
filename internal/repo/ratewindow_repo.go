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

// maxConsumeRounds bounds the optimistic loop in Consume. Each round either
// decides or observes a row another request changed in between.
const maxConsumeRounds = 5

// RateWindowKey identifies one fixed-window counter.
type RateWindowKey struct {
	Identifier     string
	IdentifierType string
	Endpoint       string
}

// RateWindowRepo stores fixed-window counters
type RateWindowRepo interface {
	// Consume atomically takes one request from the key's current window,
	// starting a new window when none is active. allowed is false when the
	// window is full; the window is returned either way.
	Consume(ctx context.Context, key RateWindowKey, limit int, window time.Duration, now time.Time) (model.RateWindow, bool, error)
	Get(ctx context.Context, key RateWindowKey) (model.RateWindow, bool, error)
}

type rateWindowRepo struct {
	db db.Queryer
}

// NewRateWindowRepo creates a new RateWindowRepo instance
func NewRateWindowRepo(q db.Queryer) RateWindowRepo {
	return &rateWindowRepo{db: q}
}

func (r *rateWindowRepo) Consume(ctx context.Context, key RateWindowKey, limit int, window time.Duration, now time.Time) (model.RateWindow, bool, error) {
	w := model.RateWindow{
		Identifier:     key.Identifier,
		IdentifierType: key.IdentifierType,
		Endpoint:       key.Endpoint,
	}
	nowMS := ms(now)
	endMS := ms(now.Add(window))

	for round := 0; round < maxConsumeRounds; round++ {
		// 1. active window with room: increment in place
		increment := `
			UPDATE rate_windows
			SET request_count = request_count + 1
			WHERE identifier = $1 AND identifier_type = $2 AND endpoint = $3
				AND window_end > $4 AND request_count < $5
			RETURNING window_start, window_end, request_count
		`
		ok, err := r.scanWindow(ctx, &w, increment, key.Identifier, key.IdentifierType, key.Endpoint, nowMS, limit)
		if err != nil || ok {
			return w, ok, err
		}

		// 2. expired window: start a new one
		reset := `
			UPDATE rate_windows
			SET window_start = $4, window_end = $5, request_count = 1
			WHERE identifier = $1 AND identifier_type = $2 AND endpoint = $3
				AND window_end <= $4
			RETURNING window_start, window_end, request_count
		`
		ok, err = r.scanWindow(ctx, &w, reset, key.Identifier, key.IdentifierType, key.Endpoint, nowMS, endMS)
		if err != nil || ok {
			return w, ok, err
		}

		// 3. no row yet
		insert := `
			INSERT INTO rate_windows (identifier, identifier_type, endpoint, window_start, window_end, request_count)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (identifier, identifier_type, endpoint) DO NOTHING
			RETURNING window_start, window_end, request_count
		`
		ok, err = r.scanWindow(ctx, &w, insert, key.Identifier, key.IdentifierType, key.Endpoint, nowMS, endMS)
		if err != nil || ok {
			return w, ok, err
		}

		// 4. row exists: full and active means denied, otherwise it moved under us
		current, found, err := r.Get(ctx, key)
		if err != nil {
			return w, false, err
		}
		if found && current.WindowEnd.After(now) && current.RequestCount >= limit {
			return current, false, nil
		}
	}
	return w, false, fmt.Errorf("rate window %s/%s/%s: contention after %d rounds",
		key.IdentifierType, key.Identifier, key.Endpoint, maxConsumeRounds)
}

func (r *rateWindowRepo) Get(ctx context.Context, key RateWindowKey) (model.RateWindow, bool, error) {
	query := `
		SELECT window_start, window_end, request_count
		FROM rate_windows
		WHERE identifier = $1 AND identifier_type = $2 AND endpoint = $3
	`
	w := model.RateWindow{
		Identifier:     key.Identifier,
		IdentifierType: key.IdentifierType,
		Endpoint:       key.Endpoint,
	}
	ok, err := r.scanWindow(ctx, &w, query, key.Identifier, key.IdentifierType, key.Endpoint)
	return w, ok, err
}

// scanWindow runs a single-row query returning window_start, window_end and
// request_count. It reports false with no error when no row came back.
func (r *rateWindowRepo) scanWindow(ctx context.Context, w *model.RateWindow, query string, args ...any) (bool, error) {
	var start, end int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&start, &end, &w.RequestCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to update rate window: %w", err)
	}
	w.WindowStart = fromMS(start)
	w.WindowEnd = fromMS(end)
	return true, nil
}
