// Package policy implements Warden's security policy engine: named,
// prioritized predicates evaluated over values and operations before any
// tool runs, any value is read, or any value is created. Evaluation is
// fail-closed; a policy that panics denies.
package policy

import (
	"path"
	"strings"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/pkg/types"
)

// Scope selects which evaluation path a policy participates in.
type Scope string

const (
	ScopeExecution Scope = "execution" // Tool execution pre-flight
	ScopeAccess    Scope = "access"    // Data read access
	ScopeCreation  Scope = "creation"  // Value creation
)

// EvalContext carries everything a policy predicate may inspect. Predicates
// must be pure: same context, same decision.
type EvalContext struct {
	// Tool is the tool name for execution-scope evaluations.
	Tool string

	// Args maps argument names to the values being passed.
	Args map[string]*capability.Value

	// Value is the subject for access- and creation-scope evaluations.
	Value *capability.Value

	// Operation names the operation being attempted.
	Operation string

	// RequesterID is the reader for access-scope evaluations.
	RequesterID string

	// User is the caller's context.
	User *types.UserContext

	// Arena resolves dependency ids when predicates need transitive
	// provenance.
	Arena *capability.Arena
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Policy names the deciding policy, empty for structural decisions
	// (public fast-path, allow-list misses).
	Policy string `json:"policy,omitempty"`

	// Reason explains a denial.
	Reason string `json:"reason,omitempty"`

	// Modifications optionally suggests argument changes that would make
	// the operation admissible.
	Modifications map[string]any `json:"modifications,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Policy is a named, prioritized security predicate. Higher priority
// evaluates first; the first deny short-circuits.
type Policy struct {
	Name        string
	Description string
	Priority    int

	// Pattern selects applicable tools: an exact name, "*" for all, or a
	// glob (path.Match syntax).
	Pattern string

	// Scope selects the evaluation path. Defaults to ScopeExecution.
	Scope Scope

	// Evaluate is the pure predicate.
	Evaluate func(*EvalContext) Decision
}

// Matches reports whether the policy applies to the given tool name.
func (p *Policy) Matches(tool string) bool {
	switch {
	case p.Pattern == "" || p.Pattern == "*":
		return true
	case p.Pattern == tool:
		return true
	case strings.ContainsAny(p.Pattern, "*?["):
		ok, err := path.Match(p.Pattern, tool)
		return err == nil && ok
	default:
		return false
	}
}
