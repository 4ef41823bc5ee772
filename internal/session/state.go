// Package session holds the process-wide authenticated session and the
// authenticator that owns it.
package session

import "sync/atomic"

// Snapshot is an immutable view of the session. Readers take one per use
// and never see a half-updated value.
type Snapshot struct {
	Token      string
	AgentID    string
	OrgID      string
	CategoryID string
	Generation uint64
	Valid      bool
}

// State is the single live session. The Authenticator is its only writer
// apart from SetCategory, which swaps in a copy with the new category.
type State struct {
	cur atomic.Pointer[Snapshot]
}

func NewState() *State {
	s := &State{}
	s.cur.Store(&Snapshot{})
	return s
}

func (s *State) Snapshot() Snapshot { return *s.cur.Load() }

// Replace installs a fresh valid session and returns its generation.
func (s *State) Replace(token, agentID, orgID, categoryID string) uint64 {
	for {
		old := s.cur.Load()
		next := &Snapshot{
			Token:      token,
			AgentID:    agentID,
			OrgID:      orgID,
			CategoryID: categoryID,
			Generation: old.Generation + 1,
			Valid:      true,
		}
		if s.cur.CompareAndSwap(old, next) {
			return next.Generation
		}
	}
}

// Invalidate marks the session invalid only if it is still valid and still
// carries token. It returns false for stale or repeated invalidations.
func (s *State) Invalidate(token string) bool {
	for {
		old := s.cur.Load()
		if !old.Valid || old.Token != token {
			return false
		}
		next := *old
		next.Valid = false
		next.Token = ""
		if s.cur.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// SetCategory records a new category and reports the previous one.
func (s *State) SetCategory(category string) (prev string, changed bool) {
	for {
		old := s.cur.Load()
		if old.CategoryID == category {
			return old.CategoryID, false
		}
		next := *old
		next.CategoryID = category
		if s.cur.CompareAndSwap(old, &next) {
			return old.CategoryID, true
		}
	}
}
