// Package audit persists federation lifecycle actions so that enrollment and
// activation histories can be reconstructed after the fact. Entries age out
// after a retention window via the background sweep.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultRetention is how long audit entries are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Entry is one recorded action.
type Entry struct {
	ID           string
	Action       string
	EnrollmentID string
	Actor        string
	Detail       string
	CreatedAt    time.Time
}

// Trail is the Postgres-backed audit store. Record never fails the caller:
// an audit write error is logged and swallowed, because losing one audit row
// must not abort an enrollment operation.
type Trail struct {
	pool      *pgxpool.Pool
	retention time.Duration
	logger    *zap.Logger
}

// NewTrail creates a Trail with the default 90-day retention.
func NewTrail(pool *pgxpool.Pool, logger *zap.Logger) *Trail {
	return &Trail{pool: pool, retention: DefaultRetention, logger: logger}
}

// Record appends an audit row.
func (t *Trail) Record(ctx context.Context, action, enrollmentID, actor, detail string) {
	const q = `
		INSERT INTO audit_entries (id, action, enrollment_id, actor, detail, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	expiresAt := time.Now().UTC().Add(t.retention)
	if _, err := t.pool.Exec(ctx, q, uuid.New().String(), action, enrollmentID, actor, detail, expiresAt); err != nil {
		t.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("enrollment_id", enrollmentID),
			zap.Error(err),
		)
	}
}

// List returns the most recent entries for an enrollment, newest first.
func (t *Trail) List(ctx context.Context, enrollmentID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, action, enrollment_id, actor, detail, created_at
		FROM audit_entries
		WHERE enrollment_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := t.pool.Query(ctx, q, enrollmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Action, &e.EnrollmentID, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpired removes entries past retention. Safe for background sweeps.
func (t *Trail) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := t.pool.Exec(ctx, `DELETE FROM audit_entries WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
