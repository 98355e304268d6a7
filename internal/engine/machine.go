package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/notify"
	"github.com/DoyleJ11/tenebris-backend/internal/store"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrRecoveryInProgress = errors.New("session recovery in progress")
var ErrInvalidSnapshot = errors.New("invalid session snapshot")

// Change is published after every accepted command or replace.
type Change struct {
	Version  int
	From     types.Phase
	To       types.Phase
	Events   []Event
	Snapshot types.SessionSnapshot
}

// Machine owns the live session snapshot of one client. Commands go through
// Apply; recovery swaps the whole snapshot through Replace.
type Machine struct {
	mu         sync.Mutex
	state      types.SessionSnapshot
	version    int
	recovering bool
	store      store.SessionStore
	now        func() time.Time
	log        *zap.Logger
	changes    *notify.Fanout[Change]
}

// NewMachine starts from initial. st may be nil, in which case nothing is persisted.
func NewMachine(initial types.SessionSnapshot, st store.SessionStore, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if initial.GameSession.CurrentState == "" {
		initial.GameSession.CurrentState = types.PhaseMenu
	}
	return &Machine{
		state:   initial.Clone(),
		store:   st,
		now:     time.Now,
		log:     log,
		changes: notify.New[Change]("session", log),
	}
}

// Apply runs cmd through the reducer. A refused command leaves the state intact.
func (m *Machine) Apply(cmd Command) ([]Event, error) {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	from := m.state.GameSession.CurrentState
	events, next, err := Apply(m.state, cmd)
	if err != nil {
		m.mu.Unlock()
		m.log.Debug("command refused", zap.String("cmd", string(cmd.Type)), zap.String("phase", string(from)), zap.Error(err))
		return nil, err
	}
	next.Timestamp = m.now()
	m.state = next
	m.version++
	change := Change{Version: m.version, From: from, To: next.GameSession.CurrentState, Events: events, Snapshot: next.Clone()}
	m.mu.Unlock()

	m.persist(change.Snapshot)
	m.log.Debug("command applied", zap.String("cmd", string(cmd.Type)), zap.String("from", string(from)), zap.String("to", string(change.To)))
	m.changes.Publish(change)
	return events, nil
}

func (m *Machine) persist(snap types.SessionSnapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(snap); err != nil {
		m.log.Warn("session persist failed", zap.Error(err))
	}
}

// Replace validates snap and swaps it in as one unit. Unlike Apply it is
// allowed while recovery is in progress; recovery is its only caller.
func (m *Machine) Replace(snap types.SessionSnapshot) error {
	if res := types.Validate(&snap); !res.IsValid {
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(res.Errors, "; "))
	}
	m.mu.Lock()
	from := m.state.GameSession.CurrentState
	m.state = snap.Clone()
	m.version++
	change := Change{Version: m.version, From: from, To: snap.GameSession.CurrentState, Snapshot: snap.Clone()}
	m.mu.Unlock()

	m.log.Info("session replaced", zap.String("from", string(from)), zap.String("to", string(change.To)))
	m.changes.Publish(change)
	return nil
}

// ResetToMenu drops every session field but the user identity.
func (m *Machine) ResetToMenu() {
	m.mu.Lock()
	from := m.state.GameSession.CurrentState
	next := types.NewMenuSnapshot(m.state.User)
	next.Timestamp = m.now()
	m.state = next
	m.version++
	change := Change{Version: m.version, From: from, To: types.PhaseMenu, Events: []Event{{Type: EvtSessionCleared}}, Snapshot: next.Clone()}
	m.mu.Unlock()

	m.changes.Publish(change)
}

// BeginRecovery marks a recovery in progress. It returns false if one already is.
func (m *Machine) BeginRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovering {
		return false
	}
	m.recovering = true
	return true
}

func (m *Machine) EndRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

func (m *Machine) Recovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

// Snapshot returns a copy of the live snapshot.
func (m *Machine) Snapshot() types.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *Machine) Phase() types.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GameSession.CurrentState
}

func (m *Machine) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// OnChange subscribes to accepted transitions.
func (m *Machine) OnChange(fn func(Change)) func() {
	return m.changes.Subscribe(fn)
}

// BecomeSpectator moves the session to spectator.
func (m *Machine) BecomeSpectator() error {
	_, err := m.Apply(Command{Type: CmdSpectate})
	return err
}

// Logout returns the session to the menu and clears lobby/tournament fields.
func (m *Machine) Logout() error {
	_, err := m.Apply(Command{Type: CmdLogout})
	return err
}
