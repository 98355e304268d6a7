package types

// Client -> Server
// join_lobby:
//   code: string
//   name: string
//
// leave_lobby: {}
//
// start_tournament: {}   (host only)
//
// report_result:
//   match_id: string
//   winner_id: string
//
// forfeit:
//   match_id: string
//
// request_state: {}   (request_id required, answered by session_state)

// Server -> Client
// session_state:
//   request_id: string   (echoes the request)
//   payload: SessionSnapshot
//
// lobby_updated / tournament_started / match_ready / match_completed /
// forfeit_confirmed / tournament_completed:
//   payload: SessionSnapshot for the receiving user
//
// error:
//   request_id: string (optional)
//   error: string

const (
	MsgJoinLobby       = "join_lobby"
	MsgLeaveLobby      = "leave_lobby"
	MsgStartTournament = "start_tournament"
	MsgReportResult    = "report_result"
	MsgForfeit         = "forfeit"
	MsgRequestState    = "request_state"

	MsgSessionState        = "session_state"
	MsgLobbyUpdated        = "lobby_updated"
	MsgTournamentStarted   = "tournament_started"
	MsgMatchReady          = "match_ready"
	MsgMatchCompleted      = "match_completed"
	MsgForfeitConfirmed    = "forfeit_confirmed"
	MsgTournamentCompleted = "tournament_completed"
	MsgError               = "error"
)
