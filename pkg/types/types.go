// Package types defines shared types used across all Warden modules.
package types

import "strings"

// ═══════════════════════════════════════════════════════════════════════════════
// TRUST
// ═══════════════════════════════════════════════════════════════════════════════

// TrustLevel is the coarse per-user tier gating access to sensitive data
// and high-privilege tools.
type TrustLevel int

const (
	TrustLow    TrustLevel = iota // Untrusted or anonymous callers
	TrustMedium                   // Authenticated users
	TrustHigh                     // Administrators / fully trusted contexts
)

// String returns the human-readable trust level.
func (t TrustLevel) String() string {
	switch t {
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseTrustLevel parses a string into a TrustLevel, defaulting to low.
func ParseTrustLevel(s string) TrustLevel {
	switch strings.ToLower(s) {
	case "medium":
		return TrustMedium
	case "high":
		return TrustHigh
	default:
		return TrustLow
	}
}

// AtLeast reports whether t meets or exceeds the given tier.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t >= min
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK
// ═══════════════════════════════════════════════════════════════════════════════

// RiskLevel indicates how dangerous a plan or tool invocation is.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Safe operations (read, local transforms)
	RiskMedium                    // Network calls, external data ingestion
	RiskHigh                      // System modification, outbound communication
	RiskCritical                  // Destructive or irreversible operations
)

// String returns a human-readable risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel parses a string into a RiskLevel, defaulting to critical so
// that an unrecognized assessment is never treated as safe.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// MaxTrustedRisk returns the highest risk level a user at the given trust
// tier is permitted to run.
func MaxTrustedRisk(t TrustLevel) RiskLevel {
	switch t {
	case TrustHigh:
		return RiskHigh
	case TrustMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// USER CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

// UserContext carries the identity and privileges of the caller on whose
// behalf a request executes. It is constructed once per request and passed
// down explicitly; nothing reads it from ambient state.
type UserContext struct {
	UserID      string     `json:"user_id"`
	SessionID   string     `json:"session_id,omitempty"`
	TrustLevel  TrustLevel `json:"trust_level"`
	Permissions []string   `json:"permissions,omitempty"`
	Admin       bool       `json:"admin,omitempty"`
}

// HasPermission reports whether the context grants the named capability.
// An admin context grants everything.
func (u *UserContext) HasPermission(name string) bool {
	if u == nil {
		return false
	}
	if u.Admin {
		return true
	}
	for _, p := range u.Permissions {
		if p == name {
			return true
		}
	}
	return false
}
