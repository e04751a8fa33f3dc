package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"learnova.app/backend/internal/quota"
)

// maxCASAttempts bounds the compare-and-swap retry loop in UpdateEntitlement.
const maxCASAttempts = 32

// GetEntitlement returns the persisted state as stored, without rollover.
func (s *SQLiteStore) GetEntitlement(ctx context.Context, userID int64) (quota.State, error) {
	var st quota.State
	err := s.db.QueryRowContext(ctx, `
        SELECT is_premium_user, free_uses_remaining, last_used_date, pdf_exports_today, last_export_date, version
        FROM user_settings WHERE user_id = ?`, userID).
		Scan(&st.IsPremiumUser, &st.FreeUsesRemaining, &st.LastUsedDate, &st.PDFExportsToday, &st.LastExportDate, &st.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.State{}, quota.ErrNotFound
		}
		return quota.State{}, persistenceErr("query settings", err)
	}
	return st, nil
}

// ensureEntitlement creates the settings row for a first-time user.
func (s *SQLiteStore) ensureEntitlement(ctx context.Context, userID int64, today string) error {
	fresh := quota.NewState(today, s.limits)
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO user_settings (user_id, is_premium_user, free_uses_remaining, last_used_date, pdf_exports_today, last_export_date, version, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, 1, ?)
        ON CONFLICT (user_id) DO NOTHING`,
		userID, fresh.IsPremiumUser, fresh.FreeUsesRemaining, fresh.LastUsedDate, fresh.PDFExportsToday, fresh.LastExportDate, s.now().UTC())
	if err != nil {
		return persistenceErr("insert settings", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Int64("user_id", userID).Msg("store: initialized entitlement")
		s.hub.publish(userID, topicEntitlement)
	}
	return nil
}

// UpdateEntitlement applies fn to the current state and persists the result
// only if the row still carries the version that was read. Conflicting writers
// retry against the fresh row. When fn returns an error nothing is written and
// the current state is returned alongside it. An unchanged state is not written.
func (s *SQLiteStore) UpdateEntitlement(ctx context.Context, userID int64, fn func(quota.State) (quota.State, error)) (quota.State, error) {
	if err := s.ensureEntitlement(ctx, userID, s.Today()); err != nil {
		return quota.State{}, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetEntitlement(ctx, userID)
		if err != nil {
			return quota.State{}, err
		}

		next, err := fn(current)
		if err != nil {
			return current, err
		}
		next.Version = current.Version
		if next == current {
			return current, nil
		}

		res, err := s.db.ExecContext(ctx, `
            UPDATE user_settings
            SET is_premium_user = ?, free_uses_remaining = ?, last_used_date = ?,
                pdf_exports_today = ?, last_export_date = ?, version = version + 1, updated_at = ?
            WHERE user_id = ? AND version = ?`,
			next.IsPremiumUser, next.FreeUsesRemaining, next.LastUsedDate,
			next.PDFExportsToday, next.LastExportDate, s.now().UTC(),
			userID, current.Version)
		if err != nil {
			return current, persistenceErr("update settings", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			next.Version = current.Version + 1
			s.hub.publish(userID, topicEntitlement)
			return next, nil
		}
		s.log.Debug().Int64("user_id", userID).Int("attempt", attempt+1).Msg("store: settings version conflict, retrying")
	}
	return quota.State{}, fmt.Errorf("%w: settings update for user %d kept conflicting", quota.ErrPersistence, userID)
}

// LoadOrInitialize creates the state for a new user or rolls over the daily
// counters of an existing one. A second call on the same day writes nothing.
func (s *SQLiteStore) LoadOrInitialize(ctx context.Context, userID int64) (quota.State, error) {
	today := s.Today()
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		st, _ = quota.Rollover(st, today, s.limits)
		return quota.Clamp(st, s.limits), nil
	})
}

// ReserveQuery authorizes a question and spends one free use in the same
// conditional write. Denials return a *quota.DenyError.
func (s *SQLiteStore) ReserveQuery(ctx context.Context, userID int64) (quota.State, error) {
	today := s.Today()
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		st, _ = quota.Rollover(st, today, s.limits)
		st = quota.Clamp(st, s.limits)
		if d := quota.AuthorizeQuery(st); !d.Allowed {
			return st, d.Reason
		}
		return quota.ConsumeQuery(st, today), nil
	})
}

// ReleaseQuery returns a use reserved by ReserveQuery whose answer never arrived.
func (s *SQLiteStore) ReleaseQuery(ctx context.Context, userID int64) (quota.State, error) {
	today := s.Today()
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		return quota.RefundQuery(st, today, s.limits), nil
	})
}

func (s *SQLiteStore) ReserveExport(ctx context.Context, userID int64) (quota.State, error) {
	today := s.Today()
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		st, _ = quota.Rollover(st, today, s.limits)
		st = quota.Clamp(st, s.limits)
		if d := quota.AuthorizeExport(st, s.limits); !d.Allowed {
			return st, d.Reason
		}
		return quota.ConsumeExport(st, today), nil
	})
}

func (s *SQLiteStore) ReleaseExport(ctx context.Context, userID int64) (quota.State, error) {
	today := s.Today()
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		return quota.RefundExport(st, today), nil
	})
}

// GrantPremium sets the premium flag. Callers must have verified payment.
func (s *SQLiteStore) GrantPremium(ctx context.Context, userID int64) (quota.State, error) {
	return s.UpdateEntitlement(ctx, userID, func(st quota.State) (quota.State, error) {
		return quota.GrantPremium(st), nil
	})
}
