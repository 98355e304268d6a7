package types

import "time"

// Phase is the coarse session phase a client is in.
type Phase string

const (
	PhaseMenu       Phase = "menu"
	PhaseLobby      Phase = "lobby"
	PhaseTournament Phase = "tournament"
	PhaseMatch      Phase = "match"
	PhaseSpectator  Phase = "spectator"
)

// Idle reports whether the phase is the menu (or unset).
func (p Phase) Idle() bool {
	return p == "" || p == PhaseMenu
}

// Active reports whether a tab in this phase is driving a game session.
// Spectators watch but never drive.
func (p Phase) Active() bool {
	switch p {
	case PhaseLobby, PhaseTournament, PhaseMatch:
		return true
	default:
		return false
	}
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// GameSession points at the phase and the ids that phase correlates with.
type GameSession struct {
	UserID       string `json:"user_id"`
	CurrentState Phase  `json:"current_state"`
	LobbyID      string `json:"lobby_id,omitempty"`
	TournamentID string `json:"tournament_id,omitempty"`
	MatchID      string `json:"match_id,omitempty"`
	OpponentID   string `json:"opponent_id,omitempty"`
}

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type LobbyState struct {
	ID         string   `json:"id"`
	HostID     string   `json:"host_id,omitempty"`
	Members    []Player `json:"members,omitempty"`
	MaxPlayers int      `json:"max_players,omitempty"`
}

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchCompleted MatchStatus = "completed"
	MatchForfeited MatchStatus = "forfeited"
)

type Match struct {
	ID          string      `json:"id"`
	Round       int         `json:"round"`
	PlayerA     string      `json:"player_a"`
	PlayerB     string      `json:"player_b,omitempty"` // empty on a bye
	Status      MatchStatus `json:"status"`
	WinnerID    string      `json:"winner_id,omitempty"`
	ForfeitedBy string      `json:"forfeited_by,omitempty"`
}

// Opponent returns the other player of the match for userID.
func (m Match) Opponent(userID string) (string, bool) {
	switch userID {
	case m.PlayerA:
		return m.PlayerB, m.PlayerB != ""
	case m.PlayerB:
		return m.PlayerA, m.PlayerA != ""
	default:
		return "", false
	}
}

type TournamentState struct {
	ID         string   `json:"id"`
	LobbyID    string   `json:"lobby_id,omitempty"`
	Round      int      `json:"round"`
	Players    []Player `json:"players,omitempty"`
	Matches    []Match  `json:"matches,omitempty"`
	Eliminated []string `json:"eliminated,omitempty"`
	ChampionID string   `json:"champion_id,omitempty"`
}

// SessionSnapshot is a point-in-time capture of identity, phase and the
// phase-specific sub-state. It is what gets persisted and what recovery applies.
type SessionSnapshot struct {
	User            User             `json:"user"`
	GameSession     GameSession      `json:"game_session"`
	LobbyState      *LobbyState      `json:"lobby_state,omitempty"`
	TournamentState *TournamentState `json:"tournament_state,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// NewMenuSnapshot returns the idle snapshot for a user.
func NewMenuSnapshot(user User) SessionSnapshot {
	return SessionSnapshot{
		User:        user,
		GameSession: GameSession{UserID: user.ID, CurrentState: PhaseMenu},
	}
}

// Clone returns a deep copy so callers never share slices or pointers with the owner.
func (s SessionSnapshot) Clone() SessionSnapshot {
	out := s
	if s.LobbyState != nil {
		lobby := *s.LobbyState
		lobby.Members = append([]Player(nil), s.LobbyState.Members...)
		out.LobbyState = &lobby
	}
	if s.TournamentState != nil {
		t := *s.TournamentState
		t.Players = append([]Player(nil), s.TournamentState.Players...)
		t.Matches = append([]Match(nil), s.TournamentState.Matches...)
		t.Eliminated = append([]string(nil), s.TournamentState.Eliminated...)
		out.TournamentState = &t
	}
	return out
}

// FindMatch looks up a match by id in the tournament sub-state.
func (s SessionSnapshot) FindMatch(matchID string) (Match, bool) {
	if s.TournamentState == nil {
		return Match{}, false
	}
	for _, m := range s.TournamentState.Matches {
		if m.ID == matchID {
			return m, true
		}
	}
	return Match{}, false
}
