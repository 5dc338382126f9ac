package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
)

// SessionManager wraps the store's session operations with a per-user mutex
// so events from the same conversation are processed strictly one at a time.
// Events from different users never contend.
type SessionManager struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionManager creates a session manager backed by the given store.
func NewSessionManager(st store.Store) *SessionManager {
	return &SessionManager{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *SessionManager) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// WithLock runs fn while holding the user's conversation lock.
func (m *SessionManager) WithLock(userID string, fn func() error) error {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Get returns the user's active session, or nil when none exists.
func (m *SessionManager) Get(userID string) (*models.Session, error) {
	return m.store.GetSession(userID)
}

// Begin creates a fresh session in the initial state for the given variant.
func (m *SessionManager) Begin(userID string, variant Variant) (*models.Session, error) {
	now := time.Now()
	sess := models.Session{
		UserID:       userID,
		Variant:      variant.Name,
		CurrentState: StateAwaitingRulesConsent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveSession(sess); err != nil {
		slog.Error("SessionManager Begin failed", "error", err, "userID", userID, "variant", variant.Name)
		return nil, err
	}
	slog.Debug("SessionManager Begin succeeded", "userID", userID, "variant", variant.Name)
	return &sess, nil
}

// Save persists the session after a state transition.
func (m *SessionManager) Save(sess *models.Session) error {
	sess.UpdatedAt = time.Now()
	if err := m.store.SaveSession(*sess); err != nil {
		slog.Error("SessionManager Save failed", "error", err, "userID", sess.UserID, "state", sess.CurrentState)
		return err
	}
	return nil
}

// End removes the session when the flow reaches a terminal state.
func (m *SessionManager) End(userID string) error {
	if err := m.store.DeleteSession(userID); err != nil {
		slog.Error("SessionManager End failed", "error", err, "userID", userID)
		return err
	}
	slog.Debug("SessionManager End succeeded", "userID", userID)
	return nil
}
