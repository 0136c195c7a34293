package login

// State is the login state machine's position. The machine is the only
// mutator; everything else reads it.
type State int

const (
	AwaitingCredentials State = iota
	CredentialsSubmitted
	VerificationRequired
	Authenticated
	Rejected
	Indeterminate
)

func (s State) String() string {
	switch s {
	case AwaitingCredentials:
		return "awaiting-credentials"
	case CredentialsSubmitted:
		return "credentials-submitted"
	case VerificationRequired:
		return "verification-required"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a login attempt.
func (s State) Terminal() bool {
	return s == Authenticated || s == Rejected || s == Indeterminate
}

// Outcome is the tri-state result of a run plus a human-readable reason.
// Indeterminate is reported distinctly: neither confirmed success nor
// confirmed failure.
type Outcome struct {
	State  State
	Reason string
}
