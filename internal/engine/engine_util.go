package engine

import "github.com/DoyleJ11/tenebris-backend/pkg/types"

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// CommandsForServerEvent turns a server-originated message, carrying the
// server's view of the session, into the commands the local machine should
// apply given its current snapshot. Unknown or irrelevant messages yield nil.
func CommandsForServerEvent(cur types.SessionSnapshot, msgType string, server types.SessionSnapshot) []Command {
	curPhase := cur.GameSession.CurrentState
	switch msgType {
	case types.MsgLobbyUpdated:
		if server.GameSession.CurrentState.Idle() {
			if curPhase == types.PhaseLobby {
				return []Command{{Type: CmdLeaveLobby}}
			}
			return nil
		}
		if server.LobbyState == nil {
			return nil
		}
		if curPhase.Idle() {
			return []Command{{Type: CmdJoinLobby, Lobby: server.LobbyState}}
		}
		return []Command{{Type: CmdLobbyUpdated, Lobby: server.LobbyState}}

	case types.MsgTournamentStarted:
		cmds := []Command{{Type: CmdTournamentStarted, Tournament: server.TournamentState}}
		if server.GameSession.CurrentState == types.PhaseSpectator {
			cmds = append(cmds, Command{Type: CmdSpectate})
		}
		return cmds

	case types.MsgMatchReady:
		return []Command{{
			Type:       CmdMatchReady,
			MatchID:    server.GameSession.MatchID,
			OpponentID: server.GameSession.OpponentID,
			Tournament: server.TournamentState,
		}}

	case types.MsgMatchCompleted, types.MsgForfeitConfirmed:
		if curPhase != types.PhaseMatch {
			return nil
		}
		kind := CmdMatchCompleted
		if msgType == types.MsgForfeitConfirmed {
			kind = CmdForfeitConfirmed
		}
		cmds := []Command{{Type: kind, MatchID: cur.GameSession.MatchID, Tournament: server.TournamentState}}
		if server.GameSession.CurrentState == types.PhaseSpectator {
			cmds = append(cmds, Command{Type: CmdSpectate})
		}
		return cmds

	case types.MsgTournamentCompleted:
		return []Command{{Type: CmdTournamentCompleted, Lobby: server.LobbyState}}

	default:
		return nil
	}
}
