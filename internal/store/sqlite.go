// Package store provides storage backends for the loyalty bot.
//
// This file implements an SQLite-backed store for user records and sessions.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/guestloop/loyaltybot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists; the DSN may carry a file: scheme and
	// query parameters that are not part of the path.
	dir := filepath.Dir(SQLitePath(dsn))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetUser retrieves a user record by conversation id, or nil when absent.
func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userSelectColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetUser not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	slog.Debug("SQLiteStore GetUser succeeded", "id", id)
	return u, nil
}

// CreateUserIfAbsent inserts a user with seed fields when no record exists.
func (s *SQLiteStore) CreateUserIfAbsent(id string, seed models.Patch) (*models.User, error) {
	if id == "" {
		return nil, models.ErrEmptyConversation
	}
	existing, err := s.GetUser(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	u := &models.User{ID: id, CreatedAt: now, UpdatedAt: now}
	for field, value := range seed {
		if !applyFieldToUser(u, field, value) {
			slog.Warn("SQLiteStore CreateUserIfAbsent ignoring unknown seed field", "id", id, "field", field)
		}
	}

	query := `INSERT INTO users (` + userSelectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.Exec(query,
		u.ID, u.Username, u.FirstName, u.LastName, u.PreferredName, string(u.Gender),
		u.BirthDate, u.Email, u.PhoneNumber,
		u.RulesAccepted, u.RulesAcceptedAt,
		u.NotificationsAllowed, u.NotificationsAllowedAt,
		u.IsRegistered, u.IsLegacy, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateUserIfAbsent failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to create user %s: %w", id, err)
	}
	slog.Debug("SQLiteStore CreateUserIfAbsent succeeded", "id", id)
	// Re-read so a concurrent insert wins consistently.
	return s.GetUser(id)
}

// ApplyPatch applies the known keys of patch to the user row and returns the
// applied fields. Unknown keys are logged and skipped.
func (s *SQLiteStore) ApplyPatch(id string, patch models.Patch) ([]models.Field, error) {
	var (
		sets    []string
		args    []any
		applied []models.Field
	)
	for field, value := range patch {
		column, arg, ok := columnValue(field, value)
		if !ok {
			slog.Warn("SQLiteStore ApplyPatch ignoring unknown field", "id", id, "field", field)
			continue
		}
		sets = append(sets, column+" = ?")
		args = append(args, arg)
		applied = append(applied, field)
	}
	if len(sets) == 0 {
		slog.Debug("SQLiteStore ApplyPatch nothing to apply", "id", id)
		return nil, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now())
	args = append(args, id)

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ApplyPatch failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to patch user %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		slog.Error("SQLiteStore ApplyPatch rows affected failed", "error", err, "id", id)
		return nil, err
	}
	if affected == 0 {
		slog.Warn("SQLiteStore ApplyPatch user not found", "id", id)
		return nil, models.ErrUserNotFound
	}
	slog.Debug("SQLiteStore ApplyPatch succeeded", "id", id, "applied", len(applied))
	return applied, nil
}

// GetSession retrieves the onboarding session for a user, or nil when absent.
func (s *SQLiteStore) GetSession(userID string) (*models.Session, error) {
	query := `SELECT user_id, variant, current_state, pending, edit_target, cache, created_at, updated_at
		FROM sessions WHERE user_id = ?`

	var sess models.Session
	var variant, pendingJSON, editTarget, cacheJSON string
	err := s.db.QueryRow(query, userID).Scan(
		&sess.UserID, &variant, &sess.CurrentState,
		&pendingJSON, &editTarget, &cacheJSON,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	sess.Variant = models.FlowVariantName(variant)
	sess.EditTarget = models.Field(editTarget)
	if pendingJSON != "" {
		if err := json.Unmarshal([]byte(pendingJSON), &sess.Pending); err != nil {
			slog.Error("SQLiteStore GetSession pending unmarshal failed", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to decode pending queue for %s: %w", userID, err)
		}
	}
	if cacheJSON != "" {
		sess.Cache = make(map[string]string)
		if err := json.Unmarshal([]byte(cacheJSON), &sess.Cache); err != nil {
			slog.Error("SQLiteStore GetSession cache unmarshal failed", "error", err, "userID", userID)
			// Continue with empty map rather than failing
			sess.Cache = make(map[string]string)
		}
	}
	slog.Debug("SQLiteStore GetSession found", "userID", userID, "state", sess.CurrentState)
	return &sess, nil
}

// SaveSession stores or replaces the session for its user.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	if session.UserID == "" {
		return models.ErrEmptyConversation
	}
	pendingJSON, cacheJSON, err := encodeSessionBlobs(&session)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "userID", session.UserID)
		return err
	}

	query := `INSERT OR REPLACE INTO sessions (user_id, variant, current_state, pending, edit_target, cache, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query,
		session.UserID, string(session.Variant), session.CurrentState,
		pendingJSON, string(session.EditTarget), cacheJSON,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "userID", session.UserID)
		return fmt.Errorf("failed to save session for %s: %w", session.UserID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "userID", session.UserID, "state", session.CurrentState)
	return nil
}

// DeleteSession removes the session for a user.
func (s *SQLiteStore) DeleteSession(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "userID", userID)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func encodeSessionBlobs(session *models.Session) (pendingJSON, cacheJSON string, err error) {
	if len(session.Pending) > 0 {
		b, err := json.Marshal(session.Pending)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode pending queue: %w", err)
		}
		pendingJSON = string(b)
	}
	if len(session.Cache) > 0 {
		b, err := json.Marshal(session.Cache)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode session cache: %w", err)
		}
		cacheJSON = string(b)
	}
	return pendingJSON, cacheJSON, nil
}
