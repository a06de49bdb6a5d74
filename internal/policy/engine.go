package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/logging"
	"github.com/normanking/warden/pkg/types"
)

// DefaultCacheSize bounds the evaluation result cache.
const DefaultCacheSize = 1024

// Engine evaluates security policies in priority order with a bounded,
// insertion-ordered (FIFO) result cache.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy

	cache      map[string]Decision
	cacheOrder []string // insertion order for FIFO eviction
	cacheSize  int
	hits       uint64
	misses     uint64

	log *logging.Logger
}

// Config configures the policy engine.
type Config struct {
	// CacheSize bounds the result cache; 0 uses DefaultCacheSize.
	CacheSize int

	// DisableBuiltins skips registration of the built-in policy set.
	// Used in tests that need a bare engine.
	DisableBuiltins bool

	Logger *logging.Logger
}

// NewEngine creates a policy engine with the built-in policy set
// registered unless disabled.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}

	e := &Engine{
		policies:  make(map[string]*Policy),
		cache:     make(map[string]Decision),
		cacheSize: size,
		log:       log.WithComponent("policy"),
	}
	if !cfg.DisableBuiltins {
		for _, p := range builtinPolicies() {
			e.policies[p.Name] = p
		}
	}
	return e
}

// AddPolicy registers a policy. The entire result cache is invalidated
// because any cached decision may now be stale.
func (e *Engine) AddPolicy(p *Policy) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("policy must have a name")
	}
	if p.Evaluate == nil {
		return fmt.Errorf("policy %q has no predicate", p.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = p
	e.invalidateLocked()
	e.log.Debug("policy added name=%s priority=%d pattern=%q", p.Name, p.Priority, p.Pattern)
	return nil
}

// RemovePolicy unregisters a policy by name and invalidates the cache.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[name]; !ok {
		return false
	}
	delete(e.policies, name)
	e.invalidateLocked()
	return true
}

// Policies returns the registered policies sorted by descending priority.
func (e *Engine) Policies() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked("")
}

func (e *Engine) invalidateLocked() {
	e.cache = make(map[string]Decision)
	e.cacheOrder = e.cacheOrder[:0]
}

// sortedLocked returns policies matching tool (all when tool is empty),
// highest priority first with name as tiebreaker for determinism.
func (e *Engine) sortedLocked(tool string) []*Policy {
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if tool == "" || p.Matches(tool) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVALUATION PATHS
// ═══════════════════════════════════════════════════════════════════════════════

// EvaluateToolExecution runs every execution-scope policy matching the tool
// in priority order, short-circuiting on the first deny. Per-policy results
// are cached under (policy, tool, user, sorted arg ids, sorted dep ids).
func (e *Engine) EvaluateToolExecution(tool string, args map[string]*capability.Value, user *types.UserContext, arena *capability.Arena) Decision {
	ectx := &EvalContext{
		Tool:      tool,
		Args:      args,
		Operation: "tool:" + tool,
		User:      user,
		Arena:     arena,
	}
	keySuffix := argCacheSuffix(tool, user, args, arena)

	e.mu.Lock()
	candidates := e.sortedLocked(tool)
	e.mu.Unlock()

	for _, p := range candidates {
		if p.Scope != "" && p.Scope != ScopeExecution {
			continue
		}
		key := p.Name + "|" + keySuffix

		if d, ok := e.cachedDecision(key); ok {
			if !d.Allowed {
				return d
			}
			continue
		}

		d := e.safeEvaluate(p, ectx)
		e.storeDecision(key, d)
		if !d.Allowed {
			e.log.Warn("tool execution denied tool=%s policy=%s reason=%s", tool, p.Name, d.Reason)
			return d
		}
	}
	return Allow()
}

// EvaluateDataAccess decides whether requesterID may read the value under
// the named operation. Public values short-circuit allow; restricted
// values require membership in the allow-list; sensitive values further
// require the requester's trust level to be above the lowest tier; then
// access-scoped policies apply in priority order.
func (e *Engine) EvaluateDataAccess(v *capability.Value, requesterID, operation string, user *types.UserContext) Decision {
	if v.IsPublic() {
		return Allow()
	}
	if !v.Capabilities.Readers.CanRead(requesterID) {
		return Deny(fmt.Sprintf("requester %q is not in the value's reader set", requesterID))
	}
	if v.Capabilities.Sensitive {
		if user == nil || !user.TrustLevel.AtLeast(types.TrustMedium) {
			return Deny("sensitive data requires a trust level above the lowest tier")
		}
	}

	ectx := &EvalContext{
		Value:       v,
		Operation:   operation,
		RequesterID: requesterID,
		User:        user,
	}

	e.mu.Lock()
	candidates := e.sortedLocked("")
	e.mu.Unlock()

	for _, p := range candidates {
		if p.Scope != ScopeAccess {
			continue
		}
		if d := e.safeEvaluate(p, ectx); !d.Allowed {
			return d
		}
	}
	return Allow()
}

// EvaluateValueCreation gates value creation: sensitive values derived
// from explicitly untrusted external sources need the highest trust tier,
// and string payloads are scanned for injection signatures.
func (e *Engine) EvaluateValueCreation(v *capability.Value, operation string, user *types.UserContext) Decision {
	if v.Capabilities.Sensitive && v.Capabilities.HasUntrustedExternal() {
		if user == nil || !user.TrustLevel.AtLeast(types.TrustHigh) {
			return Deny("sensitive value derived from untrusted external data requires the highest trust tier")
		}
	}
	if s, ok := v.Payload.(string); ok {
		if sig := matchInjectionSignature(s); sig != "" {
			d := Deny(fmt.Sprintf("payload matches injection signature %q", sig))
			d.Policy = PolicyPromptInjection
			return d
		}
	}

	ectx := &EvalContext{Value: v, Operation: operation, User: user}

	e.mu.Lock()
	candidates := e.sortedLocked("")
	e.mu.Unlock()

	for _, p := range candidates {
		if p.Scope != ScopeCreation {
			continue
		}
		if d := e.safeEvaluate(p, ectx); !d.Allowed {
			return d
		}
	}
	return Allow()
}

// EvaluateNamedPolicies runs exactly the named policies against the given
// arguments, first deny wins. Unknown policy names deny, fail-closed.
func (e *Engine) EvaluateNamedPolicies(names []string, args map[string]*capability.Value, user *types.UserContext, arena *capability.Arena) Decision {
	ectx := &EvalContext{
		Args:      args,
		Operation: "security_check",
		User:      user,
		Arena:     arena,
	}

	for _, name := range names {
		e.mu.RLock()
		p, ok := e.policies[name]
		e.mu.RUnlock()
		if !ok {
			return Decision{Allowed: false, Policy: name, Reason: fmt.Sprintf("unknown policy %q", name)}
		}
		if d := e.safeEvaluate(p, ectx); !d.Allowed {
			return d
		}
	}
	return Allow()
}

// safeEvaluate runs a predicate fail-closed: a panic becomes a deny
// carrying the panic text.
func (e *Engine) safeEvaluate(p *Policy, ectx *EvalContext) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("policy %s panicked: %v", p.Name, r)
			d = Decision{Allowed: false, Policy: p.Name, Reason: fmt.Sprintf("policy evaluation failed: %v", r)}
		}
	}()
	d = p.Evaluate(ectx)
	d.Policy = p.Name
	return d
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESULT CACHE
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) cachedDecision(key string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.cache[key]
	if ok {
		e.hits++
	} else {
		e.misses++
	}
	return d, ok
}

// storeDecision inserts a result, evicting the oldest inserted entries
// (FIFO, not recency) once the bound is exceeded.
func (e *Engine) storeDecision(key string, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.cache[key]; !exists {
		e.cacheOrder = append(e.cacheOrder, key)
	}
	e.cache[key] = d
	for len(e.cache) > e.cacheSize && len(e.cacheOrder) > 0 {
		oldest := e.cacheOrder[0]
		e.cacheOrder = e.cacheOrder[1:]
		delete(e.cache, oldest)
	}
}

// CacheStats returns hit/miss counters and the current cache size.
func (e *Engine) CacheStats() (hits, misses uint64, size int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hits, e.misses, len(e.cache)
}

// argCacheSuffix derives the cache key suffix from the tool, user, sorted
// argument value ids, and sorted transitive dependency value ids.
func argCacheSuffix(tool string, user *types.UserContext, args map[string]*capability.Value, arena *capability.Arena) string {
	// The trust tier is part of the user identity here: the same user id
	// at a different tier must not reuse a trust-gated decision.
	userID := ""
	if user != nil {
		userID = user.UserID + "@" + user.TrustLevel.String()
	}

	argIDs := make([]string, 0, len(args))
	depSet := make(map[string]struct{})
	for _, v := range args {
		if v == nil {
			continue
		}
		argIDs = append(argIDs, v.ID)
		if arena != nil {
			for _, dep := range arena.GetDependencies(v) {
				depSet[dep.ID] = struct{}{}
			}
		}
	}
	sort.Strings(argIDs)
	depIDs := make([]string, 0, len(depSet))
	for id := range depSet {
		depIDs = append(depIDs, id)
	}
	sort.Strings(depIDs)

	return tool + "|" + userID + "|" + strings.Join(argIDs, ",") + "|" + strings.Join(depIDs, ",")
}
