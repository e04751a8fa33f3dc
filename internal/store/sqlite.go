package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"learnova.app/backend/internal/quota"
)

var ErrDuplicateUser = errors.New("user already exists")

type SQLiteStore struct {
	db     *sql.DB
	limits quota.Limits
	now    func() time.Time
	log    zerolog.Logger
	hub    *hub
}

type Option func(*SQLiteStore)

func WithLimits(l quota.Limits) Option {
	return func(s *SQLiteStore) { s.limits = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

func NewSQLiteStore(dataSourceName string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection serializes access and keeps
	// conditional updates free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		limits: quota.DefaultLimits(),
		now:    time.Now,
		log:    zerolog.Nop(),
		hub:    newHub(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// Limits returns the allowances the store initializes and rolls counters to.
func (s *SQLiteStore) Limits() quota.Limits {
	return s.limits
}

// Today is the rollover anchor for the store's clock.
func (s *SQLiteStore) Today() string {
	return quota.Today(s.now())
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        created_at DATETIME NOT NULL,
        revoked_at DATETIME,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS user_settings (
        user_id INTEGER PRIMARY KEY,
        is_premium_user BOOLEAN NOT NULL DEFAULT FALSE,
        free_uses_remaining INTEGER NOT NULL CHECK (free_uses_remaining >= 0),
        last_used_date TEXT NOT NULL,
        pdf_exports_today INTEGER NOT NULL CHECK (pdf_exports_today >= 0),
        last_export_date TEXT NOT NULL,
        version INTEGER NOT NULL DEFAULT 1,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS history (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        subject TEXT NOT NULL DEFAULT '',
        explanation_level TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_history_user_created ON history (user_id, created_at DESC);

    CREATE TABLE IF NOT EXISTS anonymous_quotas (
        visitor_id TEXT PRIMARY KEY,
        remaining INTEGER NOT NULL CHECK (remaining >= 0),
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS payment_orders (
        id TEXT PRIMARY KEY,
        user_id INTEGER NOT NULL,
        amount INTEGER NOT NULL,
        currency TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('created', 'paid')),
        payment_id TEXT,
        created_at DATETIME NOT NULL,
        paid_at DATETIME,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", quota.ErrPersistence, op, err)
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, persistenceErr("query user", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, password_hash, created_at) VALUES (?, ?, ?)", externalUserID, passwordHash, s.now().UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrDuplicateUser
		}
		return nil, persistenceErr("insert user", err)
	}
	id, _ := res.LastInsertId()
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quota.ErrNotFound
		}
		return nil, persistenceErr("get user by id", err)
	}
	return &user, nil
}

// Session methods
func (s *SQLiteStore) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	session := &Session{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx, "INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)", session.ID, session.UserID, session.CreatedAt)
	if err != nil {
		return nil, persistenceErr("insert session", err)
	}
	return session, nil
}

// SessionActive reports whether sessionID exists, belongs to userID and has not been revoked.
func (s *SQLiteStore) SessionActive(ctx context.Context, sessionID string, userID int64) (bool, error) {
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT revoked_at FROM sessions WHERE id = ? AND user_id = ?", sessionID, userID).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, persistenceErr("query session", err)
	}
	return !revoked.Valid, nil
}

func (s *SQLiteStore) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL", s.now().UTC(), sessionID)
	if err != nil {
		return persistenceErr("revoke session", err)
	}
	return nil
}
