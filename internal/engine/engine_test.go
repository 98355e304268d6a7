package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tenebris-backend/internal/store"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ana = types.User{ID: "u1", Name: "ana"}

func lobbyState(id string) *types.LobbyState {
	return &types.LobbyState{ID: id, HostID: ana.ID, Members: []types.Player{{ID: ana.ID}}}
}

func inTournament() types.SessionSnapshot {
	return Reduce(ana, []Command{
		{Type: CmdJoinLobby, Lobby: lobbyState("L1")},
		{Type: CmdTournamentStarted, Tournament: &types.TournamentState{ID: "T1", LobbyID: "L1", Round: 1}},
	})
}

func TestApply_RejectsWithoutChangingState(t *testing.T) {
	cases := []struct {
		name    string
		setup   types.SessionSnapshot
		cmd     Command
		wantErr error
	}{
		{
			name:    "join lobby without id",
			setup:   types.NewMenuSnapshot(ana),
			cmd:     Command{Type: CmdJoinLobby, Lobby: &types.LobbyState{}},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "match from menu",
			setup:   types.NewMenuSnapshot(ana),
			cmd:     Command{Type: CmdMatchReady, MatchID: "m1", OpponentID: "u2"},
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "match without opponent",
			setup:   inTournament(),
			cmd:     Command{Type: CmdMatchReady, MatchID: "m1"},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "match for another tournament",
			setup:   inTournament(),
			cmd:     Command{Type: CmdMatchReady, MatchID: "m1", OpponentID: "u2", Tournament: &types.TournamentState{ID: "T9"}},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "lobby update for another lobby",
			setup:   Reduce(ana, []Command{{Type: CmdJoinLobby, Lobby: lobbyState("L1")}}),
			cmd:     Command{Type: CmdLobbyUpdated, Lobby: lobbyState("L2")},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "no user",
			setup:   types.SessionSnapshot{},
			cmd:     Command{Type: CmdJoinLobby, Lobby: lobbyState("L1")},
			wantErr: ErrNoUser,
		},
		{
			name:    "unknown command",
			setup:   types.NewMenuSnapshot(ana),
			cmd:     Command{Type: "Dance"},
			wantErr: ErrUnsupportedCommand,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.setup.Clone()
			events, got, err := Apply(tc.setup, tc.cmd)
			require.True(t, errors.Is(err, tc.wantErr), "want %v, got %v", tc.wantErr, err)
			require.Nil(t, events)
			require.Equal(t, before, got)
		})
	}
}

func TestApply_MatchNestsInTournament(t *testing.T) {
	s := inTournament()
	require.Equal(t, types.PhaseTournament, s.GameSession.CurrentState)

	events, s, err := Apply(s, Command{Type: CmdMatchReady, MatchID: "m1", OpponentID: "u2"})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtPhaseChanged))
	require.Equal(t, types.PhaseMatch, s.GameSession.CurrentState)
	require.Equal(t, "T1", s.GameSession.TournamentID)

	_, s, err = Apply(s, Command{Type: CmdForfeitConfirmed, MatchID: "m1"})
	require.NoError(t, err)
	require.Equal(t, types.PhaseTournament, s.GameSession.CurrentState)
	require.Equal(t, "T1", s.GameSession.TournamentID)
	require.Empty(t, s.GameSession.MatchID)
	require.Empty(t, s.GameSession.OpponentID)
}

func TestApply_TournamentCompletedReturnsToLobby(t *testing.T) {
	_, s, err := Apply(inTournament(), Command{Type: CmdTournamentCompleted})
	require.NoError(t, err)
	require.Equal(t, types.PhaseLobby, s.GameSession.CurrentState)
	require.Nil(t, s.TournamentState)
	require.True(t, types.Validate(&s).IsValid)
}

func TestApply_LogoutFromAnyPhase(t *testing.T) {
	for _, phase := range Transitions[CmdLogout] {
		t.Run(string(phase), func(t *testing.T) {
			s := inTournament()
			s.GameSession.CurrentState = phase
			events, got, err := Apply(s, Command{Type: CmdLogout})
			require.NoError(t, err)
			require.True(t, ContainsEvent(events, EvtSessionCleared))
			require.Equal(t, types.PhaseMenu, got.GameSession.CurrentState)
			require.Nil(t, got.LobbyState)
			require.Nil(t, got.TournamentState)
			require.Equal(t, ana, got.User)
		})
	}
}

func TestApply_DoesNotAliasInput(t *testing.T) {
	s := Reduce(ana, []Command{{Type: CmdJoinLobby, Lobby: lobbyState("L1")}})
	update := lobbyState("L1")
	update.Members = append(update.Members, types.Player{ID: "u2"})

	_, next, err := Apply(s, Command{Type: CmdLobbyUpdated, Lobby: update})
	require.NoError(t, err)
	update.Members[0].ID = "mutated"

	require.Len(t, s.LobbyState.Members, 1)
	require.Equal(t, "u1", next.LobbyState.Members[0].ID)
}

func TestCommandsForServerEvent(t *testing.T) {
	server := inTournament()
	server.GameSession.CurrentState = types.PhaseSpectator

	inMatch := inTournament()
	inMatch.GameSession.CurrentState = types.PhaseMatch
	inMatch.GameSession.MatchID = "m1"
	inMatch.GameSession.OpponentID = "u2"

	cmds := CommandsForServerEvent(inMatch, types.MsgForfeitConfirmed, server)
	require.Len(t, cmds, 2)
	require.Equal(t, CmdForfeitConfirmed, cmds[0].Type)
	require.Equal(t, "m1", cmds[0].MatchID)
	require.Equal(t, CmdSpectate, cmds[1].Type)

	s := inMatch
	for _, c := range cmds {
		var err error
		_, s, err = Apply(s, c)
		require.NoError(t, err)
	}
	require.Equal(t, types.PhaseSpectator, s.GameSession.CurrentState)
	require.Equal(t, "T1", s.GameSession.TournamentID)

	joined := Reduce(ana, []Command{{Type: CmdJoinLobby, Lobby: lobbyState("L1")}})
	cmds = CommandsForServerEvent(types.NewMenuSnapshot(ana), types.MsgLobbyUpdated, joined)
	require.Equal(t, []Command{{Type: CmdJoinLobby, Lobby: joined.LobbyState}}, cmds)

	require.Nil(t, CommandsForServerEvent(joined, "chat", joined))
}

func TestMachine_PersistsAndPublishes(t *testing.T) {
	st := store.NewMemory()
	m := NewMachine(types.NewMenuSnapshot(ana), st, nil)
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })

	_, err := m.Apply(Command{Type: CmdCreateLobby, Lobby: lobbyState("L1")})
	require.NoError(t, err)

	saved, ok, err := st.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.PhaseLobby, saved.GameSession.CurrentState)
	require.True(t, types.Validate(&saved).IsValid)

	require.Len(t, changes, 1)
	require.Equal(t, types.PhaseMenu, changes[0].From)
	require.Equal(t, types.PhaseLobby, changes[0].To)
	require.Equal(t, 1, m.Version())
}

func TestMachine_RefusesCommandsDuringRecovery(t *testing.T) {
	m := NewMachine(types.NewMenuSnapshot(ana), nil, nil)
	require.True(t, m.BeginRecovery())
	require.False(t, m.BeginRecovery())

	_, err := m.Apply(Command{Type: CmdJoinLobby, Lobby: lobbyState("L1")})
	require.ErrorIs(t, err, ErrRecoveryInProgress)

	snap := Reduce(ana, []Command{{Type: CmdJoinLobby, Lobby: lobbyState("L9")}})
	require.NoError(t, m.Replace(snap))
	m.EndRecovery()

	require.Equal(t, types.PhaseLobby, m.Phase())
	require.Equal(t, "L9", m.Snapshot().GameSession.LobbyID)
}

func TestMachine_ReplaceRejectsInvalidSnapshot(t *testing.T) {
	m := NewMachine(types.NewMenuSnapshot(ana), nil, nil)
	bad := types.NewMenuSnapshot(ana)
	bad.GameSession.CurrentState = types.PhaseLobby

	err := m.Replace(bad)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	require.Equal(t, types.PhaseMenu, m.Phase())
	require.Equal(t, 0, m.Version())
}

func TestMachine_SpectatorAndLogout(t *testing.T) {
	m := NewMachine(inTournament(), nil, nil)
	require.NoError(t, m.BecomeSpectator())
	require.Equal(t, types.PhaseSpectator, m.Phase())
	require.NoError(t, m.Logout())
	require.Equal(t, types.PhaseMenu, m.Phase())

	m.ResetToMenu()
	require.Equal(t, ana, m.Snapshot().User)
}
