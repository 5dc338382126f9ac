// Package store provides storage backends for the loyalty bot.
//
// It persists user records and onboarding sessions, with an in-memory store
// for tests, plus SQLite and PostgreSQL backends for production.
package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
)

// Store is the persistence contract shared by all backends.
//
// ApplyPatch is a deliberate partial-patch API: unknown or invalid keys are
// logged and skipped, and the returned slice names the fields that were
// actually written. Writes are single-record, last-write-wins.
type Store interface {
	// GetUser returns the user record, or nil when absent.
	GetUser(id string) (*models.User, error)

	// CreateUserIfAbsent creates a user with the given seed fields when no
	// record exists yet, and returns the (existing or created) record.
	CreateUserIfAbsent(id string, seed models.Patch) (*models.User, error)

	// ApplyPatch applies the known keys of patch to the user record and
	// returns the list of applied fields.
	ApplyPatch(id string, patch models.Patch) ([]models.Field, error)

	// GetSession returns the active onboarding session, or nil when absent.
	GetSession(userID string) (*models.Session, error)

	// SaveSession stores or replaces the session for its user.
	SaveSession(session models.Session) error

	// DeleteSession removes the session for a user.
	DeleteSession(userID string) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-shaped DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// SQLitePath extracts the database file path from an SQLite DSN, stripping
// the optional "file:" scheme and query parameters (e.g.
// "file:/var/lib/bot/app.db?_foreign_keys=on" yields "/var/lib/bot/app.db").
func SQLitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// InMemoryStore is a map-backed Store used in tests and as a fallback when no
// DSN is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	sessions map[string]*models.Session
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.Session),
	}
}

// GetUser returns a copy of the stored user, or nil when absent.
func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// CreateUserIfAbsent creates the user with seed fields unless it exists.
func (s *InMemoryStore) CreateUserIfAbsent(id string, seed models.Patch) (*models.User, error) {
	if id == "" {
		return nil, models.ErrEmptyConversation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	now := time.Now()
	u := &models.User{ID: id, CreatedAt: now, UpdatedAt: now}
	for field, value := range seed {
		if !applyFieldToUser(u, field, value) {
			slog.Warn("InMemoryStore CreateUserIfAbsent ignoring unknown seed field", "id", id, "field", field)
		}
	}
	s.users[id] = u
	copied := *u
	slog.Debug("InMemoryStore user created", "id", id)
	return &copied, nil
}

// ApplyPatch applies known patch keys to the user record.
func (s *InMemoryStore) ApplyPatch(id string, patch models.Patch) ([]models.Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		slog.Warn("InMemoryStore ApplyPatch user not found", "id", id)
		return nil, models.ErrUserNotFound
	}
	var applied []models.Field
	for field, value := range patch {
		if applyFieldToUser(u, field, value) {
			applied = append(applied, field)
		} else {
			slog.Warn("InMemoryStore ApplyPatch ignoring unknown field", "id", id, "field", field)
		}
	}
	u.UpdatedAt = time.Now()
	slog.Debug("InMemoryStore ApplyPatch succeeded", "id", id, "applied", len(applied))
	return applied, nil
}

// GetSession returns a copy of the stored session, or nil when absent.
func (s *InMemoryStore) GetSession(userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	copied.Pending = append([]models.Field(nil), sess.Pending...)
	if sess.Cache != nil {
		copied.Cache = make(map[string]string, len(sess.Cache))
		for k, v := range sess.Cache {
			copied.Cache[k] = v
		}
	}
	return &copied, nil
}

// SaveSession stores or replaces the session.
func (s *InMemoryStore) SaveSession(session models.Session) error {
	if session.UserID == "" {
		return models.ErrEmptyConversation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := session
	copied.Pending = append([]models.Field(nil), session.Pending...)
	s.sessions[session.UserID] = &copied
	return nil
}

// DeleteSession removes the session for a user.
func (s *InMemoryStore) DeleteSession(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
