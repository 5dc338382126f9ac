// Package models defines session state structures for onboarding flows.
package models

import "time"

// FlowVariantName identifies which onboarding variant a session runs.
type FlowVariantName string

const (
	// FlowRegistration is the fresh-registration flow for new users.
	FlowRegistration FlowVariantName = "registration"
	// FlowLegacyUpgrade is the data-backfill flow for users carried over
	// from the previous bot.
	FlowLegacyUpgrade FlowVariantName = "legacy_upgrade"
)

// Session is the per-user scratch state of one active onboarding
// conversation. It survives across dialogue steps and is cleared when the
// flow reaches a terminal state or is abandoned.
type Session struct {
	UserID       string            `json:"user_id"`
	Variant      FlowVariantName   `json:"variant"`
	CurrentState string            `json:"current_state"`
	Pending      []Field           `json:"pending,omitempty"`     // ordered queue of fields still to collect
	EditTarget   Field             `json:"edit_target,omitempty"` // set while a single-field edit round-trip runs
	Cache        map[string]string `json:"cache,omitempty"`       // transient values not yet persisted
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PendingHead returns the next field to collect, or "" when the queue is
// drained.
func (s *Session) PendingHead() Field {
	if len(s.Pending) == 0 {
		return ""
	}
	return s.Pending[0]
}

// PopPending removes the head of the pending queue.
func (s *Session) PopPending() {
	if len(s.Pending) > 0 {
		s.Pending = s.Pending[1:]
	}
}

// CacheValue reads a transient session value.
func (s *Session) CacheValue(key string) string {
	if s.Cache == nil {
		return ""
	}
	return s.Cache[key]
}

// SetCacheValue stores a transient session value.
func (s *Session) SetCacheValue(key, value string) {
	if s.Cache == nil {
		s.Cache = make(map[string]string)
	}
	s.Cache[key] = value
}
