package lobby

import (
	"errors"
	"fmt"
	"slices"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrUnknownMatch = errors.New("unknown match")
var ErrMatchClosed = errors.New("match already decided")
var ErrNotInMatch = errors.New("player is not in this match")
var ErrBadWinner = errors.New("winner is not a player of this match")

/*
	Single elimination. Round 1 pairs players in join order; an odd player out
	gets a bye (a match with no PlayerB, already completed). A round closes when
	every match in it is decided, and its winners are paired the same way until
	one is left.
*/

func newTournament(id, lobbyID string, players []types.Player) types.TournamentState {
	t := types.TournamentState{
		ID:      id,
		LobbyID: lobbyID,
		Players: slices.Clone(players),
	}
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
	}
	pairRound(&t, ids)
	return t
}

func pairRound(t *types.TournamentState, ids []string) {
	t.Round++
	for i := 0; i < len(ids); i += 2 {
		m := types.Match{
			ID:      fmt.Sprintf("%s-r%d-m%d", t.ID, t.Round, i/2+1),
			Round:   t.Round,
			PlayerA: ids[i],
			Status:  types.MatchPending,
		}
		if i+1 < len(ids) {
			m.PlayerB = ids[i+1]
		} else {
			m.Status = types.MatchCompleted
			m.WinnerID = ids[i]
		}
		t.Matches = append(t.Matches, m)
	}
}

func matchIndex(t *types.TournamentState, matchID string) int {
	return slices.IndexFunc(t.Matches, func(m types.Match) bool { return m.ID == matchID })
}

func eliminate(t *types.TournamentState, userID string) {
	if userID != "" && !slices.Contains(t.Eliminated, userID) {
		t.Eliminated = append(t.Eliminated, userID)
	}
}

func isEliminated(t *types.TournamentState, userID string) bool {
	return slices.Contains(t.Eliminated, userID)
}

func isParticipant(t *types.TournamentState, userID string) bool {
	return slices.ContainsFunc(t.Players, func(p types.Player) bool { return p.ID == userID })
}

// openMatch looks up a pending match that reporter plays in.
func openMatch(t *types.TournamentState, matchID, reporter string) (*types.Match, error) {
	i := matchIndex(t, matchID)
	if i < 0 {
		return nil, ErrUnknownMatch
	}
	m := &t.Matches[i]
	if m.Status != types.MatchPending {
		return nil, ErrMatchClosed
	}
	if reporter != m.PlayerA && reporter != m.PlayerB {
		return nil, ErrNotInMatch
	}
	return m, nil
}

func reportResult(t *types.TournamentState, matchID, reporter, winnerID string) error {
	m, err := openMatch(t, matchID, reporter)
	if err != nil {
		return err
	}
	loser, ok := m.Opponent(winnerID)
	if !ok {
		return ErrBadWinner
	}
	m.Status = types.MatchCompleted
	m.WinnerID = winnerID
	eliminate(t, loser)
	return nil
}

func forfeitMatch(t *types.TournamentState, matchID, userID string) error {
	m, err := openMatch(t, matchID, userID)
	if err != nil {
		return err
	}
	winner, _ := m.Opponent(userID)
	m.Status = types.MatchForfeited
	m.ForfeitedBy = userID
	m.WinnerID = winner
	eliminate(t, userID)
	return nil
}

// pendingMatch returns userID's undecided match in the current round.
func pendingMatch(t *types.TournamentState, userID string) (types.Match, bool) {
	for _, m := range t.Matches {
		if m.Round == t.Round && m.Status == types.MatchPending && (m.PlayerA == userID || m.PlayerB == userID) {
			return m, true
		}
	}
	return types.Match{}, false
}

// withdraw removes userID from play: an open match is forfeited, otherwise the
// player is just marked eliminated.
func withdraw(t *types.TournamentState, userID string) {
	if m, ok := pendingMatch(t, userID); ok {
		_ = forfeitMatch(t, m.ID, userID)
		return
	}
	eliminate(t, userID)
}

// advance closes the current round once every match in it is decided. It
// reports whether a new round was paired; when at most one player is left the
// tournament is finished and ChampionID holds the winner, if any.
func advance(t *types.TournamentState) (paired, finished bool) {
	var winners []string
	for _, m := range t.Matches {
		if m.Round != t.Round {
			continue
		}
		if m.Status == types.MatchPending {
			return false, false
		}
		if m.WinnerID != "" && !isEliminated(t, m.WinnerID) {
			winners = append(winners, m.WinnerID)
		}
	}
	if len(winners) <= 1 {
		if len(winners) == 1 {
			t.ChampionID = winners[0]
		}
		return false, true
	}
	pairRound(t, winners)
	return true, false
}

func cloneTournament(t *types.TournamentState) *types.TournamentState {
	if t == nil {
		return nil
	}
	out := *t
	out.Players = slices.Clone(t.Players)
	out.Matches = slices.Clone(t.Matches)
	out.Eliminated = slices.Clone(t.Eliminated)
	return &out
}
