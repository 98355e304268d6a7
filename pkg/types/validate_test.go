package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		snap      *SessionSnapshot
		wantValid bool
		wantErrs  []string
	}{
		{
			name:     "nil snapshot",
			snap:     nil,
			wantErrs: []string{"snapshot is missing"},
		},
		{
			name:      "menu snapshot",
			snap:      &SessionSnapshot{User: User{ID: "u1"}, GameSession: GameSession{UserID: "u1", CurrentState: PhaseMenu}},
			wantValid: true,
		},
		{
			name:     "lobby without lobby state",
			snap:     &SessionSnapshot{User: User{ID: "u1"}, GameSession: GameSession{UserID: "u1", CurrentState: PhaseLobby}},
			wantErrs: []string{"lobby state is missing for lobby phase"},
		},
		{
			name: "tournament without id",
			snap: &SessionSnapshot{
				User:            User{ID: "u1"},
				GameSession:     GameSession{UserID: "u1", CurrentState: PhaseTournament},
				TournamentState: &TournamentState{},
			},
			wantErrs: []string{"tournament state is missing for tournament phase"},
		},
		{
			name:     "mismatched user",
			snap:     &SessionSnapshot{User: User{ID: "u1"}, GameSession: GameSession{UserID: "u2", CurrentState: PhaseMenu}},
			wantErrs: []string{"game session user id does not match user id"},
		},
		{
			name: "every rule fails",
			snap: &SessionSnapshot{GameSession: GameSession{CurrentState: PhaseLobby}},
			wantErrs: []string{
				"user id is missing",
				"game session user id is missing",
				"lobby state is missing for lobby phase",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Validate(tc.snap)
			assert.Equal(t, tc.wantValid, got.IsValid)
			assert.Equal(t, tc.wantErrs, got.Errors)
		})
	}
}

func TestCloneDoesNotShareMembers(t *testing.T) {
	snap := SessionSnapshot{
		User:        User{ID: "u1"},
		GameSession: GameSession{UserID: "u1", CurrentState: PhaseLobby, LobbyID: "L1"},
		LobbyState:  &LobbyState{ID: "L1", Members: []Player{{ID: "u1"}}},
	}
	clone := snap.Clone()
	clone.LobbyState.Members[0].ID = "mutated"
	clone.LobbyState.ID = "L2"

	require.Equal(t, "u1", snap.LobbyState.Members[0].ID)
	require.Equal(t, "L1", snap.LobbyState.ID)
}

func TestMatchOpponent(t *testing.T) {
	m := Match{ID: "m1", PlayerA: "a", PlayerB: "b"}
	opp, ok := m.Opponent("a")
	require.True(t, ok)
	require.Equal(t, "b", opp)

	bye := Match{ID: "m2", PlayerA: "a"}
	_, ok = bye.Opponent("a")
	require.False(t, ok)
}
