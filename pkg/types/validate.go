package types

// ValidationResult lists every rule a snapshot broke.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// Validate checks the snapshot invariants. Every rule is evaluated so callers
// get the full error set for diagnostics; nothing is repaired.
func Validate(s *SessionSnapshot) ValidationResult {
	if s == nil {
		return ValidationResult{Errors: []string{"snapshot is missing"}}
	}

	var errs []string
	if s.User.ID == "" {
		errs = append(errs, "user id is missing")
	}
	switch {
	case s.GameSession.UserID == "":
		errs = append(errs, "game session user id is missing")
	case s.GameSession.UserID != s.User.ID:
		errs = append(errs, "game session user id does not match user id")
	}
	if s.GameSession.CurrentState == PhaseLobby && (s.LobbyState == nil || s.LobbyState.ID == "") {
		errs = append(errs, "lobby state is missing for lobby phase")
	}
	if s.GameSession.CurrentState == PhaseTournament && (s.TournamentState == nil || s.TournamentState.ID == "") {
		errs = append(errs, "tournament state is missing for tournament phase")
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}
