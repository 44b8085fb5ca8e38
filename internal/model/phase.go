package model

// Phase is the coarse-grained security/lifecycle state of a session.
type Phase string

const (
	PhasePreLogin       Phase = "pre_login"
	PhaseLoginSuggested Phase = "login_suggested"
	PhaseSecured        Phase = "secured"
	PhaseCompleted      Phase = "completed"
	PhaseTerminated     Phase = "terminated"
)

// Terminal reports whether the phase admits no further state mutation
// (soft-delete excepted).
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseTerminated
}

// Valid reports whether p is a known phase value.
func (p Phase) Valid() bool {
	switch p {
	case PhasePreLogin, PhaseLoginSuggested, PhaseSecured, PhaseCompleted, PhaseTerminated:
		return true
	}
	return false
}

// CanTransition is the single authority for phase moves. All command handlers
// route through it so the irreversibility rules live in one place:
//
//	pre_login       → login_suggested
//	login_suggested → pre_login        (demotion, only while unsecured)
//	login_suggested → secured
//	secured         → completed
//	any non-terminal → terminated
func CanTransition(from, to Phase, secured bool) bool {
	if from == to {
		return false
	}
	switch {
	case from == PhasePreLogin && to == PhaseLoginSuggested:
		return true
	case from == PhaseLoginSuggested && to == PhasePreLogin:
		return !secured
	case from == PhaseLoginSuggested && to == PhaseSecured:
		return true
	case from == PhaseSecured && to == PhaseCompleted:
		return true
	case to == PhaseTerminated:
		return !from.Terminal()
	}
	return false
}

// ConflictStatus is the permanent conflict-of-interest verdict for a session
// or consolidated user identity.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictClear    ConflictStatus = "clear"
	ConflictDetected ConflictStatus = "conflict_detected"
)

// Settled reports whether the verdict is permanent. A settled status is never
// recomputed; only a tenant conflict-corpus removal resets it.
func (s ConflictStatus) Settled() bool {
	return s == ConflictClear || s == ConflictDetected
}
