package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"learnova.app/backend/internal/quota"
)

// AnonymousStore keeps the per-visitor counter for signed-out use. A visitor
// with no stored value has the full anonymous allowance.
type AnonymousStore interface {
	Remaining(ctx context.Context, visitorID string) (int, error)
	// Reserve authorizes and spends one use atomically. It returns
	// quota.ErrSignUpRequired when the visitor has nothing left.
	Reserve(ctx context.Context, visitorID string) (int, error)
	Release(ctx context.Context, visitorID string) (int, error)
	// Clear discards the counter; the next read yields the default allowance.
	Clear(ctx context.Context, visitorID string) error
}

// SQLiteAnonymousStore keeps visitor counters in the main database.
type SQLiteAnonymousStore struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

func (s *SQLiteStore) Anonymous() *SQLiteAnonymousStore {
	return &SQLiteAnonymousStore{db: s.db, limit: s.limits.AnonymousUses, now: s.now}
}

func (a *SQLiteAnonymousStore) Remaining(ctx context.Context, visitorID string) (int, error) {
	var remaining int
	err := a.db.QueryRowContext(ctx, "SELECT remaining FROM anonymous_quotas WHERE visitor_id = ?", visitorID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a.limit, nil
		}
		return 0, persistenceErr("query anonymous quota", err)
	}
	return min(max(remaining, 0), a.limit), nil
}

func (a *SQLiteAnonymousStore) Reserve(ctx context.Context, visitorID string) (int, error) {
	now := a.now().UTC()
	if _, err := a.db.ExecContext(ctx, `
        INSERT INTO anonymous_quotas (visitor_id, remaining, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (visitor_id) DO NOTHING`, visitorID, a.limit, now); err != nil {
		return 0, persistenceErr("insert anonymous quota", err)
	}

	res, err := a.db.ExecContext(ctx, `
        UPDATE anonymous_quotas SET remaining = remaining - 1, updated_at = ?
        WHERE visitor_id = ? AND remaining > 0`, now, visitorID)
	if err != nil {
		return 0, persistenceErr("reserve anonymous quota", err)
	}
	remaining, err := a.Remaining(ctx, visitorID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return remaining, quota.ErrSignUpRequired
	}
	return remaining, nil
}

func (a *SQLiteAnonymousStore) Release(ctx context.Context, visitorID string) (int, error) {
	_, err := a.db.ExecContext(ctx, `
        UPDATE anonymous_quotas SET remaining = MIN(remaining + 1, ?), updated_at = ?
        WHERE visitor_id = ?`, a.limit, a.now().UTC(), visitorID)
	if err != nil {
		return 0, persistenceErr("release anonymous quota", err)
	}
	return a.Remaining(ctx, visitorID)
}

func (a *SQLiteAnonymousStore) Clear(ctx context.Context, visitorID string) error {
	if _, err := a.db.ExecContext(ctx, "DELETE FROM anonymous_quotas WHERE visitor_id = ?", visitorID); err != nil {
		return persistenceErr("clear anonymous quota", err)
	}
	return nil
}

var _ AnonymousStore = (*SQLiteAnonymousStore)(nil)
