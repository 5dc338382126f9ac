// Package store provides storage backends for the loyalty bot.
//
// This file implements a PostgreSQL-backed store for user records and sessions.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/guestloop/loyaltybot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetUser retrieves a user record by conversation id, or nil when absent.
func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userSelectColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetUser not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	slog.Debug("PostgresStore GetUser succeeded", "id", id)
	return u, nil
}

// CreateUserIfAbsent inserts a user with seed fields when no record exists.
func (s *PostgresStore) CreateUserIfAbsent(id string, seed models.Patch) (*models.User, error) {
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
			slog.Warn("PostgresStore CreateUserIfAbsent ignoring unknown seed field", "id", id, "field", field)
		}
	}

	query := `INSERT INTO users (` + userSelectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.db.Exec(query,
		u.ID, u.Username, u.FirstName, u.LastName, u.PreferredName, string(u.Gender),
		u.BirthDate, u.Email, u.PhoneNumber,
		u.RulesAccepted, u.RulesAcceptedAt,
		u.NotificationsAllowed, u.NotificationsAllowedAt,
		u.IsRegistered, u.IsLegacy, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateUserIfAbsent failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to create user %s: %w", id, err)
	}
	slog.Debug("PostgresStore CreateUserIfAbsent succeeded", "id", id)
	// Re-read so a concurrent insert wins consistently.
	return s.GetUser(id)
}

// ApplyPatch applies the known keys of patch to the user row and returns the
// applied fields. Unknown keys are logged and skipped.
func (s *PostgresStore) ApplyPatch(id string, patch models.Patch) ([]models.Field, error) {
	var (
		sets    []string
		args    []any
		applied []models.Field
	)
	for field, value := range patch {
		column, arg, ok := columnValue(field, value)
		if !ok {
			slog.Warn("PostgresStore ApplyPatch ignoring unknown field", "id", id, "field", field)
			continue
		}
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
		applied = append(applied, field)
	}
	if len(sets) == 0 {
		slog.Debug("PostgresStore ApplyPatch nothing to apply", "id", id)
		return nil, nil
	}
	args = append(args, time.Now())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore ApplyPatch failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to patch user %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		slog.Error("PostgresStore ApplyPatch rows affected failed", "error", err, "id", id)
		return nil, err
	}
	if affected == 0 {
		slog.Warn("PostgresStore ApplyPatch user not found", "id", id)
		return nil, models.ErrUserNotFound
	}
	slog.Debug("PostgresStore ApplyPatch succeeded", "id", id, "applied", len(applied))
	return applied, nil
}

// GetSession retrieves the onboarding session for a user, or nil when absent.
func (s *PostgresStore) GetSession(userID string) (*models.Session, error) {
	query := `SELECT user_id, variant, current_state, pending, edit_target, cache, created_at, updated_at
		FROM sessions WHERE user_id = $1`

	var sess models.Session
	var variant, pendingJSON, editTarget, cacheJSON string
	err := s.db.QueryRow(query, userID).Scan(
		&sess.UserID, &variant, &sess.CurrentState,
		&pendingJSON, &editTarget, &cacheJSON,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	sess.Variant = models.FlowVariantName(variant)
	sess.EditTarget = models.Field(editTarget)
	if pendingJSON != "" {
		if err := json.Unmarshal([]byte(pendingJSON), &sess.Pending); err != nil {
			slog.Error("PostgresStore GetSession pending unmarshal failed", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to decode pending queue for %s: %w", userID, err)
		}
	}
	if cacheJSON != "" {
		sess.Cache = make(map[string]string)
		if err := json.Unmarshal([]byte(cacheJSON), &sess.Cache); err != nil {
			slog.Error("PostgresStore GetSession cache unmarshal failed", "error", err, "userID", userID)
			// Continue with empty map rather than failing
			sess.Cache = make(map[string]string)
		}
	}
	slog.Debug("PostgresStore GetSession found", "userID", userID, "state", sess.CurrentState)
	return &sess, nil
}

// SaveSession stores or replaces the session for its user.
func (s *PostgresStore) SaveSession(session models.Session) error {
	if session.UserID == "" {
		return models.ErrEmptyConversation
	}
	pendingJSON, cacheJSON, err := encodeSessionBlobs(&session)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "userID", session.UserID)
		return err
	}

	query := `INSERT INTO sessions (user_id, variant, current_state, pending, edit_target, cache, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			variant = EXCLUDED.variant,
			current_state = EXCLUDED.current_state,
			pending = EXCLUDED.pending,
			edit_target = EXCLUDED.edit_target,
			cache = EXCLUDED.cache,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.Exec(query,
		session.UserID, string(session.Variant), session.CurrentState,
		pendingJSON, string(session.EditTarget), cacheJSON,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "userID", session.UserID)
		return fmt.Errorf("failed to save session for %s: %w", session.UserID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "userID", session.UserID, "state", session.CurrentState)
	return nil
}

// DeleteSession removes the session for a user.
func (s *PostgresStore) DeleteSession(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "userID", userID)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
