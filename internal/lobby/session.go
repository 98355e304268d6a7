package lobby

import (
	"slices"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

func (l *Lobby) lobbyState() *types.LobbyState {
	return &types.LobbyState{
		ID:         l.code,
		HostID:     l.hostID,
		Members:    slices.Clone(l.members),
		MaxPlayers: l.maxPlayers,
	}
}

// sessionFor builds userID's authoritative snapshot. Members who are out of
// the tournament spectate it; members with an open match are in that match.
// ok is false for users who are not members.
func (l *Lobby) sessionFor(userID string) (types.SessionSnapshot, bool) {
	i := slices.IndexFunc(l.members, func(p types.Player) bool { return p.ID == userID })
	if i < 0 {
		return types.SessionSnapshot{}, false
	}
	p := l.members[i]
	snap := types.SessionSnapshot{
		User: types.User{ID: p.ID, Name: p.Name},
		GameSession: types.GameSession{
			UserID:       p.ID,
			CurrentState: types.PhaseLobby,
			LobbyID:      l.code,
		},
		LobbyState: l.lobbyState(),
		Timestamp:  l.clock.Now(),
	}
	if l.tournament == nil {
		return snap, true
	}

	t := cloneTournament(l.tournament)
	snap.TournamentState = t
	snap.GameSession.TournamentID = t.ID
	switch m, open := pendingMatch(t, userID); {
	case !isParticipant(t, userID) || isEliminated(t, userID):
		snap.GameSession.CurrentState = types.PhaseSpectator
	case open:
		opp, _ := m.Opponent(userID)
		snap.GameSession.CurrentState = types.PhaseMatch
		snap.GameSession.MatchID = m.ID
		snap.GameSession.OpponentID = opp
	default:
		snap.GameSession.CurrentState = types.PhaseTournament
	}
	return snap, true
}
