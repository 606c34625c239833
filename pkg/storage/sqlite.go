// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStorage implements the Store interface with a SQLite database.
// It is the default persistent backend for single-node deployments.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Store = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) a SQLite database at the given path
// and applies pending migrations. Use ":memory:" for an ephemeral database
// in tests.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Health checks that the database is reachable.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateState stores a new state record.
func (s *SQLiteStorage) CreateState(ctx context.Context, rec *StateRecord) error {
	if rec == nil || rec.State == "" {
		return fmt.Errorf("state cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, provider, action, code_verifier, redirect_url, client_ip, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.State, rec.Provider, rec.Action, rec.CodeVerifier, rec.RedirectURL, rec.ClientIP,
		rec.CreatedAt.Unix(), rec.ExpiresAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: state already exists", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store state: %w", err)
	}

	return nil
}

// ConsumeState atomically removes and returns a state record. The single
// DELETE ... RETURNING statement makes the lookup and the removal one
// operation, so concurrent callbacks cannot both redeem the same state.
func (s *SQLiteStorage) ConsumeState(ctx context.Context, state string) (*StateRecord, error) {
	var (
		rec       StateRecord
		createdAt int64
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE state = ?
		RETURNING state, provider, action, code_verifier, redirect_url, client_ip, created_at, expires_at`,
		state,
	).Scan(&rec.State, &rec.Provider, &rec.Action, &rec.CodeVerifier, &rec.RedirectURL, &rec.ClientIP, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: state not found", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.ExpiresAt = time.Unix(expiresAt, 0)

	if rec.IsExpired() {
		return nil, fmt.Errorf("%w: state expired", ErrExpired)
	}

	return &rec, nil
}

// DeleteExpiredStates removes expired state records.
func (s *SQLiteStorage) DeleteExpiredStates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired states: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted states: %w", err)
	}
	return deleted, nil
}

// CreateUser creates a new user account.
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if user.Email == "" || user.Username == "" {
		return fmt.Errorf("user email and username are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, email_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Username, boolToInt(user.EmailVerified),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user already exists", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// userColumns is the SELECT column list shared by all user queries.
const userColumns = `u.id, u.email, u.username, u.email_verified, u.created_at, u.updated_at`

// scanUser scans one user row.
func scanUser(row *sql.Row) (*User, error) {
	var (
		user          User
		emailVerified int
		createdAt     int64
		updatedAt     int64
	)

	err := row.Scan(&user.ID, &user.Email, &user.Username, &emailVerified, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	user.EmailVerified = emailVerified != 0
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetUser retrieves a user by their internal ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email address.
func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.email = ?`, email)
	return scanUser(row)
}

// GetUserByProviderIdentity retrieves the user linked to a provider identity.
func (s *SQLiteStorage) GetUserByProviderIdentity(ctx context.Context, provider, subject string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		JOIN provider_identities pi ON pi.user_id = u.id
		WHERE pi.provider = ? AND pi.subject = ?`,
		provider, subject)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: provider identity not found", ErrNotFound)
		}
		return nil, err
	}
	return user, nil
}

// LinkProviderIdentity links a provider identity to an existing user.
func (s *SQLiteStorage) LinkProviderIdentity(ctx context.Context, identity *ProviderIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity cannot be nil")
	}
	if identity.UserID == "" || identity.Provider == "" || identity.Subject == "" {
		return fmt.Errorf("identity user ID, provider, and subject are required")
	}

	// Verify user exists so a foreign key failure does not mask the real
	// cause.
	if _, err := s.GetUser(ctx, identity.UserID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_identities (provider, subject, user_id, email, linked_at)
		VALUES (?, ?, ?, ?, ?)`,
		identity.Provider, identity.Subject, identity.UserID, identity.Email,
		identity.LinkedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provider identity already linked", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to link provider identity: %w", err)
	}

	return nil
}

// UsernameExists reports whether a username is already taken.
func (s *SQLiteStorage) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return count > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
