package engine

import "github.com/DoyleJ11/tenebris-backend/pkg/types"

// Transitions lists, per command, the phases the command may be applied from.
// menu is reachable from every phase through CmdLogout.
var Transitions = map[CommandType][]types.Phase{
	CmdCreateLobby:         {types.PhaseMenu},
	CmdJoinLobby:           {types.PhaseMenu},
	CmdLobbyUpdated:        {types.PhaseLobby},
	CmdLeaveLobby:          {types.PhaseLobby},
	CmdTournamentStarted:   {types.PhaseLobby},
	CmdMatchReady:          {types.PhaseTournament},
	CmdMatchCompleted:      {types.PhaseMatch},
	CmdForfeitConfirmed:    {types.PhaseMatch},
	CmdTournamentCompleted: {types.PhaseTournament, types.PhaseMatch, types.PhaseSpectator},
	CmdSpectate:            {types.PhaseLobby, types.PhaseTournament, types.PhaseMatch},
	CmdLogout: {
		types.PhaseMenu,
		types.PhaseLobby,
		types.PhaseTournament,
		types.PhaseMatch,
		types.PhaseSpectator,
	},
}
