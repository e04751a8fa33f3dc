package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Session struct {
	ID        string     `json:"id"` // UUID, carried in the token's sid claim
	UserID    int64      `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Conversation is one answered question. Rows are append-only.
type Conversation struct {
	ID               string    `json:"id"` // UUID
	UserID           int64     `json:"-"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	Subject          string    `json:"subject,omitempty"`
	ExplanationLevel string    `json:"explanation_level,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "created"
	PaymentPaid    PaymentStatus = "paid"
)

// PaymentOrder mirrors an order created with the payment gateway.
type PaymentOrder struct {
	ID        string        `json:"id"` // gateway order id
	UserID    int64         `json:"user_id"`
	Amount    int64         `json:"amount"` // smallest currency unit
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	PaymentID *string       `json:"payment_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
}
