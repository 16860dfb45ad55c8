package roles

// Flag is the state of one privilege lookup.
type Flag int

const (
	FlagPending Flag = iota
	FlagFalse
	FlagTrue
)

// FlagOf converts a settled lookup result into a Flag.
func FlagOf(v bool) Flag {
	if v {
		return FlagTrue
	}
	return FlagFalse
}

func (f Flag) Settled() bool { return f != FlagPending }

// True reports a settled, positive lookup. Pending is never true.
func (f Flag) True() bool { return f == FlagTrue }

func (f Flag) String() string {
	switch f {
	case FlagTrue:
		return "true"
	case FlagFalse:
		return "false"
	}
	return "pending"
}

// RoleFlags are the two privilege indicators the backend reports for an email.
type RoleFlags struct {
	IsAdmin  bool `json:"is_admin"`
	IsMember bool `json:"is_member"`
}

// Conflicting reports the combination the backend is not supposed to produce.
// ResolveRole still applies admin precedence.
func (f RoleFlags) Conflicting() bool { return f.IsAdmin && f.IsMember }

// FlagState tracks both lookups for the current session, pending included.
type FlagState struct {
	Admin  Flag `json:"admin"`
	Member Flag `json:"member"`
}

// Settled reports whether both lookups have completed (success or fail closed).
func (s FlagState) Settled() bool { return s.Admin.Settled() && s.Member.Settled() }

// Flags collapses the state to booleans; pending counts as false.
func (s FlagState) Flags() RoleFlags {
	return RoleFlags{IsAdmin: s.Admin.True(), IsMember: s.Member.True()}
}

// Settle builds a fully settled state from booleans.
func Settle(f RoleFlags) FlagState {
	return FlagState{Admin: FlagOf(f.IsAdmin), Member: FlagOf(f.IsMember)}
}

// ResolveRole derives the caller's role. It performs no I/O: the caller
// supplies whether a session exists and the lookup state for that session.
func ResolveRole(signedIn bool, state FlagState) Role {
	if !signedIn {
		return Guest
	}
	if !state.Settled() {
		return Loading
	}
	switch {
	case state.Admin.True():
		return Admin
	case state.Member.True():
		return Member
	default:
		return Resident
	}
}
