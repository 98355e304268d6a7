package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrInvalidTransition = errors.New("invalid transition")
var ErrInvalidPayload = errors.New("invalid payload")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrNoUser = errors.New("no user identity")

type CommandType string

const (
	CmdCreateLobby         CommandType = "CreateLobby"
	CmdJoinLobby           CommandType = "JoinLobby"
	CmdLobbyUpdated        CommandType = "LobbyUpdated"
	CmdLeaveLobby          CommandType = "LeaveLobby"
	CmdTournamentStarted   CommandType = "TournamentStarted"
	CmdMatchReady          CommandType = "MatchReady"
	CmdMatchCompleted      CommandType = "MatchCompleted"
	CmdForfeitConfirmed    CommandType = "ForfeitConfirmed"
	CmdTournamentCompleted CommandType = "TournamentCompleted"
	CmdSpectate            CommandType = "Spectate"
	CmdLogout              CommandType = "Logout"
)

/*
	CmdCreateLobby / CmdJoinLobby -> EvtPhaseChanged(menu->lobby) -> EvtLobbyUpdated
	CmdLobbyUpdated               -> EvtLobbyUpdated
	CmdTournamentStarted          -> EvtPhaseChanged(lobby->tournament) -> EvtTournamentUpdated
	CmdMatchReady                 -> EvtPhaseChanged(tournament->match)
	CmdMatchCompleted / Forfeit   -> EvtPhaseChanged(match->tournament) -> EvtTournamentUpdated
	CmdTournamentCompleted        -> EvtPhaseChanged(->lobby or ->menu)
	CmdSpectate                   -> EvtPhaseChanged(->spectator)
	CmdLeaveLobby / CmdLogout     -> EvtPhaseChanged(->menu) -> EvtSessionCleared
*/

// Command is a local user action or a server event, already decoded.
// Only the fields relevant to Type are read.
type Command struct {
	Type       CommandType
	Lobby      *types.LobbyState
	Tournament *types.TournamentState
	MatchID    string
	OpponentID string
}

type EventType string

const (
	EvtPhaseChanged      EventType = "PhaseChanged"
	EvtLobbyUpdated      EventType = "LobbyUpdated"
	EvtTournamentUpdated EventType = "TournamentUpdated"
	EvtSessionCleared    EventType = "SessionCleared"
)

type Event struct {
	Type EventType
	From types.Phase
	To   types.Phase
}

// Apply validates cmd against s and returns the resulting snapshot. On any
// error the input snapshot is returned untouched.
func Apply(s types.SessionSnapshot, cmd Command) ([]Event, types.SessionSnapshot, error) {
	from := s.GameSession.CurrentState
	if from == "" {
		from = types.PhaseMenu
	}
	allowed, ok := Transitions[cmd.Type]
	if !ok {
		return nil, s, ErrUnsupportedCommand
	}
	if !slices.Contains(allowed, from) {
		return nil, s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cmd.Type, from)
	}
	if s.User.ID == "" {
		return nil, s, ErrNoUser
	}

	next := s.Clone()
	next.GameSession.UserID = s.User.ID

	switch cmd.Type {
	case CmdCreateLobby, CmdJoinLobby:
		if cmd.Lobby == nil || cmd.Lobby.ID == "" {
			return nil, s, fmt.Errorf("%w: lobby id required", ErrInvalidPayload)
		}
		setLobby(&next, cmd.Lobby)
		next.GameSession.CurrentState = types.PhaseLobby
		return []Event{changed(from, types.PhaseLobby), {Type: EvtLobbyUpdated}}, next, nil

	case CmdLobbyUpdated:
		if cmd.Lobby == nil || cmd.Lobby.ID != s.GameSession.LobbyID {
			return nil, s, fmt.Errorf("%w: lobby update for another lobby", ErrInvalidPayload)
		}
		setLobby(&next, cmd.Lobby)
		return []Event{{Type: EvtLobbyUpdated}}, next, nil

	case CmdLeaveLobby, CmdLogout:
		cleared := types.NewMenuSnapshot(s.User)
		cleared.Timestamp = s.Timestamp
		events := []Event{{Type: EvtSessionCleared}}
		if from != types.PhaseMenu {
			events = append([]Event{changed(from, types.PhaseMenu)}, events...)
		}
		return events, cleared, nil

	case CmdTournamentStarted:
		if cmd.Tournament == nil || cmd.Tournament.ID == "" {
			return nil, s, fmt.Errorf("%w: tournament id required", ErrInvalidPayload)
		}
		setTournament(&next, cmd.Tournament)
		next.GameSession.CurrentState = types.PhaseTournament
		return []Event{changed(from, types.PhaseTournament), {Type: EvtTournamentUpdated}}, next, nil

	case CmdMatchReady:
		if cmd.MatchID == "" || cmd.OpponentID == "" {
			return nil, s, fmt.Errorf("%w: match needs an id and a resolved opponent", ErrInvalidPayload)
		}
		if s.GameSession.TournamentID == "" {
			return nil, s, fmt.Errorf("%w: match outside a known tournament", ErrInvalidPayload)
		}
		if cmd.Tournament != nil {
			if cmd.Tournament.ID != s.GameSession.TournamentID {
				return nil, s, fmt.Errorf("%w: match for another tournament", ErrInvalidPayload)
			}
			setTournament(&next, cmd.Tournament)
		}
		next.GameSession.MatchID = cmd.MatchID
		next.GameSession.OpponentID = cmd.OpponentID
		next.GameSession.CurrentState = types.PhaseMatch
		return []Event{changed(from, types.PhaseMatch)}, next, nil

	case CmdMatchCompleted, CmdForfeitConfirmed:
		if cmd.MatchID == "" || cmd.MatchID != s.GameSession.MatchID {
			return nil, s, fmt.Errorf("%w: result for another match", ErrInvalidPayload)
		}
		if cmd.Tournament != nil {
			if cmd.Tournament.ID != s.GameSession.TournamentID {
				return nil, s, fmt.Errorf("%w: result for another tournament", ErrInvalidPayload)
			}
			setTournament(&next, cmd.Tournament)
		}
		next.GameSession.MatchID = ""
		next.GameSession.OpponentID = ""
		next.GameSession.CurrentState = types.PhaseTournament
		return []Event{changed(from, types.PhaseTournament), {Type: EvtTournamentUpdated}}, next, nil

	case CmdTournamentCompleted:
		if cmd.Tournament != nil && cmd.Tournament.ID != s.GameSession.TournamentID {
			return nil, s, fmt.Errorf("%w: completion for another tournament", ErrInvalidPayload)
		}
		next.TournamentState = nil
		next.GameSession.TournamentID = ""
		next.GameSession.MatchID = ""
		next.GameSession.OpponentID = ""
		if cmd.Lobby != nil && cmd.Lobby.ID != "" {
			setLobby(&next, cmd.Lobby)
		}
		to := types.PhaseMenu
		if next.LobbyState != nil && next.LobbyState.ID != "" {
			to = types.PhaseLobby
		}
		next.GameSession.CurrentState = to
		return []Event{changed(from, to)}, next, nil

	case CmdSpectate:
		if cmd.Tournament != nil && cmd.Tournament.ID != "" {
			setTournament(&next, cmd.Tournament)
		}
		next.GameSession.MatchID = ""
		next.GameSession.OpponentID = ""
		next.GameSession.CurrentState = types.PhaseSpectator
		return []Event{changed(from, types.PhaseSpectator)}, next, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Reduce replays commands from the menu snapshot of user, skipping any
// the machine would refuse.
func Reduce(user types.User, cmds []Command) types.SessionSnapshot {
	s := types.NewMenuSnapshot(user)
	for _, cmd := range cmds {
		if _, next, err := Apply(s, cmd); err == nil {
			s = next
		}
	}
	return s
}

func changed(from, to types.Phase) Event {
	return Event{Type: EvtPhaseChanged, From: from, To: to}
}

func setLobby(s *types.SessionSnapshot, lobby *types.LobbyState) {
	l := *lobby
	l.Members = append([]types.Player(nil), lobby.Members...)
	s.LobbyState = &l
	s.GameSession.LobbyID = l.ID
}

func setTournament(s *types.SessionSnapshot, t *types.TournamentState) {
	c := types.SessionSnapshot{TournamentState: t}.Clone()
	s.TournamentState = c.TournamentState
	s.GameSession.TournamentID = t.ID
}
