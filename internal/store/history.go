package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"learnova.app/backend/internal/quota"
)

const defaultHistoryLimit = 50

// AppendConversation inserts a new history entry. Entries are never updated.
func (s *SQLiteStore) AppendConversation(ctx context.Context, c *Conversation) error {
	c.ID = uuid.NewString()
	c.Timestamp = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO history (id, user_id, question, answer, subject, explanation_level, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Question, c.Answer, c.Subject, c.ExplanationLevel, c.Timestamp)
	if err != nil {
		return persistenceErr("insert conversation", err)
	}
	s.hub.publish(c.UserID, topicHistory)
	return nil
}

// ListConversations returns the newest conversations first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, question, answer, subject, explanation_level, created_at
        FROM history
        WHERE user_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?`, userID, limit)
	if err != nil {
		return nil, persistenceErr("query history", err)
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Question, &c.Answer, &c.Subject, &c.ExplanationLevel, &c.Timestamp); err != nil {
			return nil, persistenceErr("scan history row", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate history", err)
	}
	return conversations, nil
}

// GetConversation returns a conversation owned by userID.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID int64, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, question, answer, subject, explanation_level, created_at
        FROM history WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&c.ID, &c.UserID, &c.Question, &c.Answer, &c.Subject, &c.ExplanationLevel, &c.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quota.ErrNotFound
		}
		return nil, persistenceErr("get conversation", err)
	}
	return &c, nil
}
