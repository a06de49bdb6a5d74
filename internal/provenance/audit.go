package provenance

import (
	"fmt"
	"strings"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/pkg/types"
)

// Built-in audit check names.
const (
	CheckUnauthorizedUserData = "unauthorized-user-data-access"
	CheckExternalContamination = "external-data-contamination"
)

// Violation is one audit finding.
type Violation struct {
	Check          string `json:"check" yaml:"check"`
	ValueID        string `json:"value_id" yaml:"value_id"`
	RecordID       string `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Description    string `json:"description" yaml:"description"`
	Severity       int    `json:"severity" yaml:"severity"` // contribution to the risk score
	Recommendation string `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
}

// AuditReport aggregates the findings over a set of values.
type AuditReport struct {
	Violations      []Violation `json:"violations" yaml:"violations"`
	RiskScore       int         `json:"risk_score" yaml:"risk_score"` // capped at 100
	Recommendations []string    `json:"recommendations" yaml:"recommendations"`
}

// Compliant reports whether the audit found nothing.
func (r *AuditReport) Compliant() bool {
	return len(r.Violations) == 0
}

// AuditCheck is a pluggable predicate run against each value's full
// provenance chain.
type AuditCheck struct {
	Name  string
	Check func(v *capability.Value, chain []*Record, user *types.UserContext) []Violation
}

// RegisterAuditCheck adds a check to the compliance audit.
func (t *Tracker) RegisterAuditCheck(c AuditCheck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks = append(t.checks, c)
}

// AuditCompliance runs every registered check against each value's chain,
// aggregating violations into a risk score capped at 100 with deduplicated
// recommendations.
func (t *Tracker) AuditCompliance(values []*capability.Value, user *types.UserContext) *AuditReport {
	t.mu.Lock()
	checks := append([]AuditCheck(nil), t.checks...)
	chains := make(map[string][]*Record, len(values))
	for _, v := range values {
		if v != nil {
			chains[v.ID] = t.chainLocked(v.ID)
		}
	}
	t.mu.Unlock()

	report := &AuditReport{}
	seenRec := make(map[string]struct{})
	for _, v := range values {
		if v == nil {
			continue
		}
		for _, check := range checks {
			for _, viol := range check.Check(v, chains[v.ID], user) {
				report.Violations = append(report.Violations, viol)
				report.RiskScore += viol.Severity
				if viol.Recommendation != "" {
					if _, dup := seenRec[viol.Recommendation]; !dup {
						seenRec[viol.Recommendation] = struct{}{}
						report.Recommendations = append(report.Recommendations, viol.Recommendation)
					}
				}
			}
		}
	}
	if report.RiskScore > 100 {
		report.RiskScore = 100
	}
	return report
}

// egressOperations classify "send/execute/publish"-style operations for
// the contamination check.
var egressOperations = []string{"send", "execute", "exec", "publish", "post", "upload", "run", "shell"}

func isEgressOperation(op string) bool {
	lower := strings.ToLower(op)
	for _, word := range egressOperations {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func defaultAuditChecks() []AuditCheck {
	return []AuditCheck{
		{
			Name: CheckUnauthorizedUserData,
			Check: func(v *capability.Value, chain []*Record, user *types.UserContext) []Violation {
				var out []Violation
				for _, rec := range chain {
					for _, src := range rec.Sources {
						if src.Kind != capability.SourceUser || src.UserID == "" {
							continue
						}
						if rec.Actor == src.UserID {
							continue
						}
						if user != nil && user.Admin && rec.Actor == user.UserID {
							continue
						}
						out = append(out, Violation{
							Check:          CheckUnauthorizedUserData,
							ValueID:        v.ID,
							RecordID:       rec.ID,
							Description:    fmt.Sprintf("actor %q operated on data owned by user %q", rec.Actor, src.UserID),
							Severity:       30,
							Recommendation: "restrict operations on user-sourced data to the owning user or an admin",
						})
					}
				}
				return out
			},
		},
		{
			Name: CheckExternalContamination,
			Check: func(v *capability.Value, chain []*Record, user *types.UserContext) []Violation {
				hasExternal := false
				var egressRec *Record
				for _, rec := range chain {
					for _, src := range rec.Sources {
						if src.HasKindDeep(capability.SourceExternal) {
							hasExternal = true
						}
					}
					if egressRec == nil && isEgressOperation(rec.Operation) {
						egressRec = rec
					}
				}
				if !hasExternal || egressRec == nil {
					return nil
				}
				return []Violation{{
					Check:          CheckExternalContamination,
					ValueID:        v.ID,
					RecordID:       egressRec.ID,
					Description:    fmt.Sprintf("chain mixes external-sourced data with egress operation %q", egressRec.Operation),
					Severity:       40,
					Recommendation: "quarantine external data before any send, execute, or publish operation",
				}}
			},
		},
	}
}
