package roles

const (
	HomePath  = "/"
	LoginPath = "/login"
)

// GuardResult is the outcome of a route check. An empty RedirectTo means the
// caller must not navigate (either allowed, or still loading).
type GuardResult struct {
	Allowed    bool   `json:"allowed"`
	RedirectTo string `json:"redirect_to,omitempty"`
	// Replace asks the caller to replace the current history entry instead of pushing.
	Replace bool `json:"replace,omitempty"`
}

// Authorize decides whether role may open a view that requires required.
// It never navigates; see guard.PerformRedirect for the effectful half.
// Public views should not be routed through Authorize at all: while the role
// is Loading every requirement, Guest included, answers "not yet".
func Authorize(role, required Role) GuardResult {
	if role == Loading {
		return GuardResult{}
	}
	if required == Guest {
		return GuardResult{Allowed: true}
	}
	if HasPermission(role, required) {
		return GuardResult{Allowed: true}
	}
	if role == Guest {
		return GuardResult{RedirectTo: LoginPath, Replace: true}
	}
	return GuardResult{RedirectTo: HomePath, Replace: true}
}
