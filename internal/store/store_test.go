package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

func tournamentSnapshot() types.SessionSnapshot {
	return types.SessionSnapshot{
		User: types.User{ID: "u1", Name: "ana"},
		GameSession: types.GameSession{
			UserID:       "u1",
			CurrentState: types.PhaseTournament,
			LobbyID:      "L1",
			TournamentID: "T1",
		},
		LobbyState:      &types.LobbyState{ID: "L1", HostID: "u1", Members: []types.Player{{ID: "u1"}}},
		TournamentState: &types.TournamentState{ID: "T1", LobbyID: "L1", Round: 1},
		Timestamp:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func stores(t *testing.T) map[string]SessionStore {
	t.Helper()
	f, err := NewFile(t.TempDir(), "u1", nil)
	require.NoError(t, err)
	return map[string]SessionStore{"memory": NewMemory(), "file": f}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Load()
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_SaveLoadKeepsSnapshotValid(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			snap := tournamentSnapshot()
			require.True(t, types.Validate(&snap).IsValid)
			require.NoError(t, s.Save(snap))

			got, ok, err := s.Load()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, snap, got)
			require.True(t, types.Validate(&got).IsValid)
		})
	}
}

func TestStore_ClearTournamentFallsBackToMenu(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(tournamentSnapshot()))
			require.NoError(t, s.Clear(ScopeTournament))

			got, ok, err := s.Load()
			require.NoError(t, err)
			require.True(t, ok)
			require.Nil(t, got.TournamentState)
			require.Empty(t, got.GameSession.TournamentID)
			require.Equal(t, types.PhaseMenu, got.GameSession.CurrentState)
			require.NotNil(t, got.LobbyState)
		})
	}
}

func TestStore_ClearAll(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(tournamentSnapshot()))
			require.NoError(t, s.Clear(ScopeAll))
			require.NoError(t, s.Clear(ScopeAll))

			_, ok, err := s.Load()
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_ClearUnknownScope(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(tournamentSnapshot()))
			require.ErrorIs(t, s.Clear(Scope("bogus")), ErrUnknownScope)
		})
	}
}

func TestFile_LoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir, "u1", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1.json"), []byte("{not-json"), 0o600))

	_, _, err = f.Load()
	require.Error(t, err)
}

func TestFile_SanitizesProfile(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir, "../evil user", nil)
	require.NoError(t, err)
	require.NoError(t, f.Save(tournamentSnapshot()))

	_, err = os.Stat(filepath.Join(dir, ".._evil_user.json"))
	require.NoError(t, err)
}
