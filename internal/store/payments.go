package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"learnova.app/backend/internal/quota"
)

var ErrPaymentMismatch = errors.New("order already paid with a different payment")

func (s *SQLiteStore) CreatePaymentOrder(ctx context.Context, o *PaymentOrder) error {
	o.Status = PaymentCreated
	o.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payment_orders (id, user_id, amount, currency, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Amount, o.Currency, o.Status, o.CreatedAt)
	if err != nil {
		return persistenceErr("insert payment order", err)
	}
	return nil
}

func (s *SQLiteStore) GetPaymentOrder(ctx context.Context, id string) (*PaymentOrder, error) {
	var o PaymentOrder
	var paymentID sql.NullString
	var paidAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, amount, currency, status, payment_id, created_at, paid_at
        FROM payment_orders WHERE id = ?`, id).
		Scan(&o.ID, &o.UserID, &o.Amount, &o.Currency, &o.Status, &paymentID, &o.CreatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quota.ErrNotFound
		}
		return nil, persistenceErr("get payment order", err)
	}
	if paymentID.Valid {
		o.PaymentID = &paymentID.String
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return &o, nil
}

// MarkPaymentOrderPaid records the gateway payment id. Replaying the same
// payment is a no-op; a different payment for a paid order is rejected.
func (s *SQLiteStore) MarkPaymentOrderPaid(ctx context.Context, orderID, paymentID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE payment_orders SET status = ?, payment_id = ?, paid_at = ?
        WHERE id = ? AND status = ?`,
		PaymentPaid, paymentID, s.now().UTC(), orderID, PaymentCreated)
	if err != nil {
		return persistenceErr("mark payment order paid", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	o, err := s.GetPaymentOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentID != nil && *o.PaymentID == paymentID {
		return nil
	}
	return fmt.Errorf("order %s: %w", orderID, ErrPaymentMismatch)
}
