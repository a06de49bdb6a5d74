// Package capability implements the immutable value and capability algebra
// at the heart of Warden. Every piece of data moving through a request is
// wrapped in a Value carrying its provenance sources, reader set,
// sensitivity, and transformation history; combining values can only ever
// narrow who may read the result.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SOURCES
// ═══════════════════════════════════════════════════════════════════════════════

// SourceKind discriminates the provenance source variants.
type SourceKind string

const (
	SourceUser      SourceKind = "user"      // Data typed or supplied by a user
	SourceAgent     SourceKind = "agent"     // Data synthesized by an internal operation
	SourceTool      SourceKind = "tool"      // Data returned from a tool invocation
	SourceAssistant SourceKind = "assistant" // Data produced by a model
	SourceExternal  SourceKind = "external"  // Data fetched from outside the system
)

// Source is a closed tagged variant recording who or what produced a Value.
// Exactly the fields for its Kind are meaningful; construct through the
// helper functions rather than struct literals.
type Source struct {
	Kind SourceKind `json:"kind" yaml:"kind"`

	// UserID identifies the user for SourceUser (may be empty).
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	// Operation names the producing operation for SourceAgent.
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	// ToolName and Inner describe a SourceTool: the tool that ran and the
	// sources of the data it consumed.
	ToolName string   `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Inner    []Source `json:"inner,omitempty" yaml:"inner,omitempty"`

	// ModelID identifies the model for SourceAssistant.
	ModelID string `json:"model_id,omitempty" yaml:"model_id,omitempty"`

	// Origin and Untrusted describe a SourceExternal.
	Origin    string `json:"origin,omitempty" yaml:"origin,omitempty"`
	Untrusted bool   `json:"untrusted,omitempty" yaml:"untrusted,omitempty"`
}

// UserSource returns a user provenance tag. userID may be empty for
// anonymous input.
func UserSource(userID string) Source {
	return Source{Kind: SourceUser, UserID: userID}
}

// AgentSource returns an agent provenance tag for the named operation.
func AgentSource(operation string) Source {
	return Source{Kind: SourceAgent, Operation: operation}
}

// ToolSource returns a tool provenance tag wrapping the sources of the
// tool's inputs.
func ToolSource(toolName string, inner ...Source) Source {
	return Source{Kind: SourceTool, ToolName: toolName, Inner: inner}
}

// AssistantSource returns an assistant provenance tag for the given model.
func AssistantSource(modelID string) Source {
	return Source{Kind: SourceAssistant, ModelID: modelID}
}

// ExternalSource returns an external provenance tag. untrusted marks
// origins that must never reach execution-class tools unquarantined.
func ExternalSource(origin string, untrusted bool) Source {
	return Source{Kind: SourceExternal, Origin: origin, Untrusted: untrusted}
}

// key returns a stable identity for set-union deduplication.
func (s Source) key() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	b.WriteByte(':')
	switch s.Kind {
	case SourceUser:
		b.WriteString(s.UserID)
	case SourceAgent:
		b.WriteString(s.Operation)
	case SourceTool:
		b.WriteString(s.ToolName)
		for _, in := range s.Inner {
			b.WriteByte('|')
			b.WriteString(in.key())
		}
	case SourceAssistant:
		b.WriteString(s.ModelID)
	case SourceExternal:
		b.WriteString(s.Origin)
		if s.Untrusted {
			b.WriteString("!untrusted")
		}
	}
	return b.String()
}

// String renders the source for reports and logs.
func (s Source) String() string {
	switch s.Kind {
	case SourceUser:
		if s.UserID == "" {
			return "user"
		}
		return fmt.Sprintf("user(%s)", s.UserID)
	case SourceAgent:
		return fmt.Sprintf("agent(%s)", s.Operation)
	case SourceTool:
		return fmt.Sprintf("tool(%s)", s.ToolName)
	case SourceAssistant:
		return fmt.Sprintf("assistant(%s)", s.ModelID)
	case SourceExternal:
		if s.Untrusted {
			return fmt.Sprintf("external(%s, untrusted)", s.Origin)
		}
		return fmt.Sprintf("external(%s)", s.Origin)
	default:
		return string(s.Kind)
	}
}

// IsUntrustedExternal reports whether this source, or any source nested
// inside a tool tag, is an explicitly untrusted external origin.
func (s Source) IsUntrustedExternal() bool {
	if s.Kind == SourceExternal && s.Untrusted {
		return true
	}
	for _, in := range s.Inner {
		if in.IsUntrustedExternal() {
			return true
		}
	}
	return false
}

// HasKindDeep reports whether this source or any nested tool source has
// the given kind.
func (s Source) HasKindDeep(kind SourceKind) bool {
	if s.Kind == kind {
		return true
	}
	for _, in := range s.Inner {
		if in.HasKindDeep(kind) {
			return true
		}
	}
	return false
}

// unionSources merges source sets preserving first-seen order.
func unionSources(sets ...[]Source) []Source {
	seen := make(map[string]struct{})
	var out []Source
	for _, set := range sets {
		for _, s := range set {
			k := s.key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// READERS
// ═══════════════════════════════════════════════════════════════════════════════

// Readers is the set of actors permitted to read a Value: either public
// or an explicit allow-list. The zero value is public.
type Readers struct {
	restricted bool
	allow      map[string]struct{}
}

// PublicReaders returns the unrestricted reader set.
func PublicReaders() Readers {
	return Readers{}
}

// RestrictedReaders returns a reader set limited to the given ids.
func RestrictedReaders(ids ...string) Readers {
	allow := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allow[id] = struct{}{}
	}
	return Readers{restricted: true, allow: allow}
}

// IsPublic reports whether any actor may read.
func (r Readers) IsPublic() bool {
	return !r.restricted
}

// CanRead reports whether the given reader id is permitted.
func (r Readers) CanRead(id string) bool {
	if !r.restricted {
		return true
	}
	_, ok := r.allow[id]
	return ok
}

// Allowed returns the sorted allow-list, or nil when public.
func (r Readers) Allowed() []string {
	if !r.restricted {
		return nil
	}
	out := make([]string, 0, len(r.allow))
	for id := range r.allow {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Intersect combines two reader sets without ever widening readership:
// public∩public=public, public∩restricted(S)=restricted(S), and
// restricted(S1)∩restricted(S2)=restricted(S1∩S2).
func (r Readers) Intersect(other Readers) Readers {
	if !r.restricted {
		return other.clone()
	}
	if !other.restricted {
		return r.clone()
	}
	allow := make(map[string]struct{})
	for id := range r.allow {
		if _, ok := other.allow[id]; ok {
			allow[id] = struct{}{}
		}
	}
	return Readers{restricted: true, allow: allow}
}

func (r Readers) clone() Readers {
	if !r.restricted {
		return Readers{}
	}
	allow := make(map[string]struct{}, len(r.allow))
	for id := range r.allow {
		allow[id] = struct{}{}
	}
	return Readers{restricted: true, allow: allow}
}

// String renders the reader set for reports.
func (r Readers) String() string {
	if !r.restricted {
		return "public"
	}
	return fmt.Sprintf("restricted(%s)", strings.Join(r.Allowed(), ","))
}
