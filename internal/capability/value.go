package capability

import (
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CAPABILITIES
// ═══════════════════════════════════════════════════════════════════════════════

// Capabilities is the bundle attached to every Value governing how it may
// be used: where it came from, who may read it, whether it is sensitive,
// and which operations have touched it.
type Capabilities struct {
	// Sources is the set of provenance tags (union of all contributing
	// inputs, first-seen order preserved).
	Sources []Source

	// Readers is the set of actors permitted to read the value.
	Readers Readers

	// Sensitive marks data requiring elevated trust to access. OR'd
	// across inputs when combining.
	Sensitive bool

	// Transformations is the ordered set of operation names applied so
	// far, oldest first.
	Transformations []string

	// Metadata is a free-form key/value map. Never consulted by the
	// algebra itself.
	Metadata map[string]any
}

// HasSource reports whether any source tag has the given kind.
func (c Capabilities) HasSource(kind SourceKind) bool {
	for _, s := range c.Sources {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// HasUntrustedExternal reports whether any source, including sources
// nested inside tool tags, is an explicitly untrusted external origin.
func (c Capabilities) HasUntrustedExternal() bool {
	for _, s := range c.Sources {
		if s.IsUntrustedExternal() {
			return true
		}
	}
	return false
}

// HasSourceDeep reports whether any source, including sources nested
// inside tool tags, has the given kind.
func (c Capabilities) HasSourceDeep(kind SourceKind) bool {
	for _, s := range c.Sources {
		if s.HasKindDeep(kind) {
			return true
		}
	}
	return false
}

// clone deep-copies the capabilities so stored values stay immutable.
func (c Capabilities) clone() Capabilities {
	out := Capabilities{
		Sources:   append([]Source(nil), c.Sources...),
		Readers:   c.Readers.clone(),
		Sensitive: c.Sensitive,
	}
	out.Transformations = append([]string(nil), c.Transformations...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// appendTransformation returns the transformation set extended with op,
// skipping the append only if op is already the most recent entry.
func appendTransformation(existing []string, op string) []string {
	if n := len(existing); n > 0 && existing[n-1] == op {
		return append([]string(nil), existing...)
	}
	out := make([]string, 0, len(existing)+1)
	out = append(out, existing...)
	return append(out, op)
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALUE
// ═══════════════════════════════════════════════════════════════════════════════

// Value is the immutable unit of data moving through Warden. Values are
// never mutated after creation; transformations always produce new Values.
// Dependencies hold the ids of other Values in the owning Arena, never
// nested copies, which keeps the dependency structure acyclic by
// construction: a Value can only depend on Values that already exist.
type Value struct {
	// ID is globally unique, assigned at creation.
	ID string

	// Payload is the wrapped data.
	Payload any

	// Capabilities governs how the value may be used.
	Capabilities Capabilities

	// Dependencies is the ordered list of ids of the Values this one was
	// derived from.
	Dependencies []string

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time

	// Type is a free-form tag describing the payload ("user_input",
	// "tool_result", "error", ...).
	Type string
}

// Common value type tags.
const (
	TypeUserInput        = "user_input"
	TypeToolResult       = "tool_result"
	TypeTransform        = "transform"
	TypeQuarantineOutput = "quarantine_output"
	TypeExternal         = "external"
	TypeError            = "error"
	TypeSecurityCheck    = "security_check"
)

// IsPublic reports whether the value may be read by anyone.
func (v *Value) IsPublic() bool {
	return v.Capabilities.Readers.IsPublic()
}

// IsError reports whether this value wraps a captured step failure.
func (v *Value) IsError() bool {
	return v.Type == TypeError
}
