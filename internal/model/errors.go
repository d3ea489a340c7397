package model

import "errors"

// Sentinel errors for the taxonomy of failures that can stop the supervisor
// or require a caller to branch on errors.Is rather than string matching.
// Policy skips (risk denials) are deliberately not part of this set — those
// are represented by Decision, never an error. The pipeline reports an
// unresolved token as an unresolved_token skip, not as ErrUnresolvedToken.
var (
	ErrConfigInvalid      = errors.New("configuration invalid")
	ErrMissingCredentials = errors.New("missing live trading credentials")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnresolvedToken    = errors.New("token could not be resolved")
	ErrFatalStateStore    = errors.New("state store unusable")
)

// Decision is the result of a policy check: either allowed, or skipped with a
// short reason suitable for logging and for the trade-skipped event.
type Decision struct {
	Allow  bool
	Reason string
}

// Allowed is the zero-friction Decision constructor for the success path.
func Allowed() Decision { return Decision{Allow: true} }

// Skip builds a Decision that rejects the trade for the given reason.
func Skip(reason string) Decision { return Decision{Allow: false, Reason: reason} }
