// Package repo holds the SQL repositories. Queries use $N placeholders and
// run unchanged on Postgres and SQLite through db.Queryer.
package repo

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ms converts t to the Unix-millisecond form stored in BIGINT columns.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse ID %q: %w", s, err)
	}
	return id, nil
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
