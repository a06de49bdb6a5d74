package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/warden/internal/logging"
)

// Arena owns every Value by id. Dependency lists store ids into the arena
// rather than nested copies, so ownership is never duplicated and the
// dependency structure stays acyclic by construction.
type Arena struct {
	mu     sync.RWMutex
	values map[string]*Value
	log    *logging.Logger
}

// NewArena creates an empty value arena.
func NewArena(log *logging.Logger) *Arena {
	if log == nil {
		log = logging.Global()
	}
	return &Arena{
		values: make(map[string]*Value),
		log:    log.WithComponent("capability"),
	}
}

// Option customizes value creation.
type Option func(*Value)

// WithSensitive marks the created value as sensitive.
func WithSensitive() Option {
	return func(v *Value) { v.Capabilities.Sensitive = true }
}

// WithType sets the value's type tag.
func WithType(t string) Option {
	return func(v *Value) { v.Type = t }
}

// WithMetadata attaches a metadata entry.
func WithMetadata(key string, value any) Option {
	return func(v *Value) {
		if v.Capabilities.Metadata == nil {
			v.Capabilities.Metadata = make(map[string]any)
		}
		v.Capabilities.Metadata[key] = value
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// FACTORIES
// ═══════════════════════════════════════════════════════════════════════════════

// CreateValue is the generic factory: it mints a new id, attaches the given
// sources and readers, registers the value in the arena, and returns it.
// All other factories funnel through here.
func (a *Arena) CreateValue(payload any, sources []Source, readers Readers, opts ...Option) *Value {
	v := &Value{
		ID:      uuid.NewString(),
		Payload: payload,
		Capabilities: Capabilities{
			Sources: unionSources(sources),
			Readers: readers.clone(),
		},
		CreatedAt: time.Now(),
		Type:      TypeTransform,
	}
	for _, opt := range opts {
		opt(v)
	}
	a.register(v)
	return v
}

// CreateUserInput wraps raw user input as a user-sourced value restricted
// to its owner.
func (a *Arena) CreateUserInput(payload any, userID string, opts ...Option) *Value {
	readers := PublicReaders()
	if userID != "" {
		readers = RestrictedReaders(userID)
	}
	opts = append([]Option{WithType(TypeUserInput)}, opts...)
	return a.CreateValue(payload, []Source{UserSource(userID)}, readers, opts...)
}

// CreateToolResult wraps a tool's output, nesting the sources of the
// inputs the tool consumed and combining their capabilities.
func (a *Arena) CreateToolResult(payload any, toolName string, inputs []*Value, opts ...Option) *Value {
	var inner []Source
	for _, in := range inputs {
		inner = append(inner, in.Capabilities.Sources...)
	}
	combined := a.Combine(inputs, "tool:"+toolName)
	combined.Sources = unionSources([]Source{ToolSource(toolName, unionSources(inner)...)})

	v := &Value{
		ID:           uuid.NewString(),
		Payload:      payload,
		Capabilities: combined,
		Dependencies: valueIDs(inputs),
		CreatedAt:    time.Now(),
		Type:         TypeToolResult,
	}
	for _, opt := range opts {
		opt(v)
	}
	a.register(v)
	return v
}

// CreateQuarantineOutput wraps schema-validated output of the quarantined
// model. The result stays tied to its untrusted inputs through the
// dependency list while its source records the producing model.
func (a *Arena) CreateQuarantineOutput(payload any, modelID string, inputs []*Value, opts ...Option) *Value {
	combined := a.Combine(inputs, "quarantine_llm")
	combined.Sources = unionSources(append(combined.Sources, AssistantSource(modelID)))

	v := &Value{
		ID:           uuid.NewString(),
		Payload:      payload,
		Capabilities: combined,
		Dependencies: valueIDs(inputs),
		CreatedAt:    time.Now(),
		Type:         TypeQuarantineOutput,
	}
	for _, opt := range opts {
		opt(v)
	}
	a.register(v)
	return v
}

// CreateExternal wraps data fetched from outside the system.
func (a *Arena) CreateExternal(payload any, origin string, untrusted bool, opts ...Option) *Value {
	opts = append([]Option{WithType(TypeExternal)}, opts...)
	return a.CreateValue(payload, []Source{ExternalSource(origin, untrusted)}, PublicReaders(), opts...)
}

// CreateError wraps a captured step failure as an error-tagged value so
// execution can continue without losing the failure's provenance.
func (a *Arena) CreateError(err error, operation string, inputs []*Value) *Value {
	combined := a.Combine(inputs, operation)
	v := &Value{
		ID:           uuid.NewString(),
		Payload:      err.Error(),
		Capabilities: combined,
		Dependencies: valueIDs(inputs),
		CreatedAt:    time.Now(),
		Type:         TypeError,
	}
	a.register(v)
	return v
}

func (a *Arena) register(v *Value) {
	a.mu.Lock()
	a.values[v.ID] = v
	a.mu.Unlock()
	a.log.Debug("value created id=%s type=%s deps=%d", v.ID, v.Type, len(v.Dependencies))
}

// Get returns the value with the given id, if present.
func (a *Arena) Get(id string) (*Value, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[id]
	return v, ok
}

// Len returns the number of values owned by the arena.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ALGEBRA
// ═══════════════════════════════════════════════════════════════════════════════

// Combine merges the capabilities of several values under the named
// operation. Readership monotonically narrows (intersection), sensitivity
// is OR'd, sources are unioned, and the operation is appended to the
// merged transformation history. Combining zero values yields a public,
// non-sensitive capability whose sole source is the operation itself.
func (a *Arena) Combine(values []*Value, operation string) Capabilities {
	if len(values) == 0 {
		return Capabilities{
			Sources:         []Source{AgentSource(operation)},
			Readers:         PublicReaders(),
			Transformations: []string{operation},
		}
	}

	out := Capabilities{Readers: PublicReaders()}
	sourceSets := make([][]Source, 0, len(values))
	var transforms []string
	for _, v := range values {
		sourceSets = append(sourceSets, v.Capabilities.Sources)
		out.Readers = out.Readers.Intersect(v.Capabilities.Readers)
		out.Sensitive = out.Sensitive || v.Capabilities.Sensitive
		transforms = unionStrings(transforms, v.Capabilities.Transformations)
	}
	out.Sources = unionSources(sourceSets...)
	out.Transformations = appendTransformation(transforms, operation)
	return out
}

// Transform applies fn to a value's payload and wraps the result in a new
// value whose capabilities are the combination of the input and any extra
// dependencies under the named operation. The input value is untouched.
func (a *Arena) Transform(v *Value, fn func(any) (any, error), operation string, extraDeps ...*Value) (*Value, error) {
	payload, err := fn(v.Payload)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", operation, err)
	}

	all := append([]*Value{v}, extraDeps...)
	out := &Value{
		ID:           uuid.NewString(),
		Payload:      payload,
		Capabilities: a.Combine(all, operation),
		Dependencies: valueIDs(all),
		CreatedAt:    time.Now(),
		Type:         TypeTransform,
	}
	a.register(out)
	return out, nil
}

// CreateCombined merges several values into one whose payload is the
// ordered list of input payloads and whose capabilities are their
// combination under the named operation.
func (a *Arena) CreateCombined(values []*Value, operation string, opts ...Option) *Value {
	payloads := make([]any, len(values))
	for i, v := range values {
		payloads[i] = v.Payload
	}
	out := &Value{
		ID:           uuid.NewString(),
		Payload:      payloads,
		Capabilities: a.Combine(values, operation),
		Dependencies: valueIDs(values),
		CreatedAt:    time.Now(),
		Type:         TypeTransform,
	}
	for _, opt := range opts {
		opt(out)
	}
	a.register(out)
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// GetDependencies returns the depth-first transitive closure of a value's
// dependencies. The visited set guards against rigged cycles even though
// factory-produced graphs cannot contain them.
func (a *Arena) GetDependencies(v *Value) []*Value {
	a.mu.RLock()
	defer a.mu.RUnlock()

	visited := map[string]struct{}{v.ID: {}}
	var out []*Value
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			dep, ok := a.values[id]
			if !ok {
				continue
			}
			out = append(out, dep)
			walk(dep.Dependencies)
		}
	}
	walk(v.Dependencies)
	return out
}

// IsTrusted reports whether every source of the value, recursively through
// tool tags, is acceptable for the given user: no untrusted external
// origins, and any user-tagged source belongs to userID.
func (a *Arena) IsTrusted(v *Value, userID string) bool {
	var check func(sources []Source) bool
	check = func(sources []Source) bool {
		for _, s := range sources {
			switch s.Kind {
			case SourceExternal:
				if s.Untrusted {
					return false
				}
			case SourceUser:
				if s.UserID != "" && s.UserID != userID {
					return false
				}
			case SourceTool:
				if !check(s.Inner) {
					return false
				}
			}
		}
		return true
	}
	return check(v.Capabilities.Sources)
}

// CanRead reports whether all of the given reader ids may read the value.
func (a *Arena) CanRead(readerIDs []string, v *Value) bool {
	for _, id := range readerIDs {
		if !v.Capabilities.Readers.CanRead(id) {
			return false
		}
	}
	return true
}

// HasSourceType reports whether the value carries a source of the given kind.
func (a *Arena) HasSourceType(v *Value, kind SourceKind) bool {
	return v.Capabilities.HasSource(kind)
}

// ValidateIntegrity recursively checks a value and every dependency for
// structural violations: missing ids, dangling dependencies, or a rigged
// dependency cycle. It returns false rather than panicking on any
// violation.
func (a *Arena) ValidateIntegrity(v *Value) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	visited := make(map[string]struct{})
	onStack := make(map[string]struct{})

	var check func(val *Value) bool
	check = func(val *Value) bool {
		if val == nil || val.ID == "" {
			return false
		}
		if _, cycling := onStack[val.ID]; cycling {
			return false
		}
		if _, done := visited[val.ID]; done {
			return true
		}
		onStack[val.ID] = struct{}{}
		defer delete(onStack, val.ID)

		for _, depID := range val.Dependencies {
			if depID == val.ID {
				return false
			}
			dep, ok := a.values[depID]
			if !ok {
				return false
			}
			if !check(dep) {
				return false
			}
		}
		visited[val.ID] = struct{}{}
		return true
	}
	return check(v)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func valueIDs(values []*Value) []string {
	if len(values) == 0 {
		return nil
	}
	ids := make([]string, len(values))
	for i, v := range values {
		ids[i] = v.ID
	}
	return ids
}

func unionStrings(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, s := range set {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
