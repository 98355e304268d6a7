// Package store persists the client's session snapshot between runs.
package store

import (
	"errors"
	"sync"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

// Scope selects what Clear removes.
type Scope string

const (
	ScopeLobby      Scope = "lobby"
	ScopeTournament Scope = "tournament"
	ScopeAll        Scope = "all"
)

var ErrUnknownScope = errors.New("unknown clear scope")

// SessionStore is the durable key-value home of the session snapshot.
type SessionStore interface {
	Load() (types.SessionSnapshot, bool, error)
	Save(snapshot types.SessionSnapshot) error
	Clear(scope Scope) error
}

// clearScope applies a partial clear to a snapshot. The phase falls back to
// menu when the cleared sub-state was the one the phase depended on.
func clearScope(s types.SessionSnapshot, scope Scope) (types.SessionSnapshot, error) {
	switch scope {
	case ScopeLobby:
		s.LobbyState = nil
		s.GameSession.LobbyID = ""
		if s.GameSession.CurrentState == types.PhaseLobby {
			s.GameSession.CurrentState = types.PhaseMenu
		}
	case ScopeTournament:
		s.TournamentState = nil
		s.GameSession.TournamentID = ""
		s.GameSession.MatchID = ""
		s.GameSession.OpponentID = ""
		switch s.GameSession.CurrentState {
		case types.PhaseTournament, types.PhaseMatch, types.PhaseSpectator:
			s.GameSession.CurrentState = types.PhaseMenu
		}
	default:
		return s, ErrUnknownScope
	}
	return s, nil
}

// Memory is an in-process SessionStore.
type Memory struct {
	mu   sync.Mutex
	snap *types.SessionSnapshot
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load() (types.SessionSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return types.SessionSnapshot{}, false, nil
	}
	return m.snap.Clone(), true, nil
}

func (m *Memory) Save(snapshot types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := snapshot.Clone()
	m.snap = &c
	return nil
}

func (m *Memory) Clear(scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scope == ScopeAll {
		m.snap = nil
		return nil
	}
	if m.snap == nil {
		if scope != ScopeLobby && scope != ScopeTournament {
			return ErrUnknownScope
		}
		return nil
	}
	cleared, err := clearScope(*m.snap, scope)
	if err != nil {
		return err
	}
	m.snap = &cleared
	return nil
}
