// Package orchestrator routes a natural-language intent through an
// externally supplied plan while enforcing the capability and policy
// rules on every step. It owns the shared services (arena, policy
// engine, graph, tracker, store) and passes them down explicitly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/warden/internal/bus"
	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/dataflow"
	"github.com/normanking/warden/internal/logging"
	"github.com/normanking/warden/internal/memstore"
	"github.com/normanking/warden/internal/policy"
	"github.com/normanking/warden/internal/provenance"
	"github.com/normanking/warden/pkg/types"
)

// State is the lifecycle position of a routed request.
type State string

const (
	StateReceived  State = "RECEIVED"
	StatePlanned   State = "PLANNED"
	StateValidated State = "VALIDATED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateBlocked   State = "BLOCKED"
	StateFailed    State = "FAILED"
)

// Defaults for external-call handling.
const (
	DefaultStepTimeout       = 30 * time.Second
	DefaultQuarantineRetries = 2
	DefaultRetryBackoff      = 500 * time.Millisecond
)

// Config wires the orchestrator's services and collaborators. Arena,
// Policies and Planner are required; nil Graph, Tracker, Store and Bus
// are constructed with defaults.
type Config struct {
	Arena    *capability.Arena
	Policies *policy.Engine
	Graph    *dataflow.Graph
	Tracker  *provenance.Tracker
	Store    *memstore.Manager
	Bus      *bus.Bus

	Planner    PlanSupplier
	Quarantine QuarantinedLLM

	// StepTimeout bounds each external call (tool, planner, quarantine).
	StepTimeout time.Duration
	// QuarantineRetries is the number of retries after a failed
	// quarantined-LLM query; backoff grows linearly per attempt.
	QuarantineRetries int
	RetryBackoff      time.Duration

	Logger *logging.Logger
}

// Result is the terminal outcome of one Route call.
type Result struct {
	RequestID string
	State     State
	// StepIndex is the last step that started executing, -1 if none did.
	StepIndex int

	Intent *capability.Value
	Plan   *Plan
	// Values holds every value produced by executed steps, in order.
	// Error-tagged values appear where their step failed.
	Values []*capability.Value
	// Output is the last produced value, nil when blocked before
	// execution or when the plan had no steps and no usable output.
	Output *capability.Value

	BlockReason string
	Err         error
}

// Orchestrator coordinates planning, validation, and step execution for
// intents. Safe for concurrent Route calls; the shared stores serialize
// their own mutation.
type Orchestrator struct {
	arena      *capability.Arena
	policies   *policy.Engine
	graph      *dataflow.Graph
	tracker    *provenance.Tracker
	store      *memstore.Manager
	bus        *bus.Bus
	planner    PlanSupplier
	quarantine QuarantinedLLM

	toolsMu sync.RWMutex
	tools   map[string]Tool

	stepTimeout time.Duration
	retries     int
	backoff     time.Duration

	log *logging.Logger
}

// New creates an orchestrator from the given configuration.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: nil config")
	}
	if cfg.Arena == nil {
		return nil, fmt.Errorf("orchestrator: arena is required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("orchestrator: policy engine is required")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("orchestrator: plan supplier is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	o := &Orchestrator{
		arena:       cfg.Arena,
		policies:    cfg.Policies,
		graph:       cfg.Graph,
		tracker:     cfg.Tracker,
		store:       cfg.Store,
		bus:         cfg.Bus,
		planner:     cfg.Planner,
		quarantine:  cfg.Quarantine,
		tools:       make(map[string]Tool),
		stepTimeout: cfg.StepTimeout,
		retries:     cfg.QuarantineRetries,
		backoff:     cfg.RetryBackoff,
		log:         log.WithComponent("orchestrator"),
	}
	if o.graph == nil {
		o.graph = dataflow.New(log, dataflow.Shared())
	}
	if o.tracker == nil {
		o.tracker = provenance.NewTracker(&provenance.Config{Logger: log})
	}
	if o.store == nil {
		o.store = memstore.NewManager(&memstore.Config{Logger: log})
	}
	if o.bus == nil {
		o.bus = bus.NewBus()
	}
	if o.stepTimeout <= 0 {
		o.stepTimeout = DefaultStepTimeout
	}
	if o.retries <= 0 {
		o.retries = DefaultQuarantineRetries
	}
	if o.backoff <= 0 {
		o.backoff = DefaultRetryBackoff
	}
	return o, nil
}

// RegisterTool makes a tool available to tool_call steps.
func (o *Orchestrator) RegisterTool(t Tool) {
	o.toolsMu.Lock()
	defer o.toolsMu.Unlock()
	o.tools[t.Name()] = t
}

func (o *Orchestrator) tool(name string) Tool {
	o.toolsMu.RLock()
	defer o.toolsMu.RUnlock()
	return o.tools[name]
}

// Bus exposes the event bus so callers can subscribe to lifecycle and
// violation events.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Graph exposes the shared data-flow graph.
func (o *Orchestrator) Graph() *dataflow.Graph { return o.graph }

// Tracker exposes the shared provenance tracker.
func (o *Orchestrator) Tracker() *provenance.Tracker { return o.tracker }

// Store exposes the shared memory manager.
func (o *Orchestrator) Store() *memstore.Manager { return o.store }

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTE
// ═══════════════════════════════════════════════════════════════════════════════

// Route drives one intent through plan, validate, and execute. The
// returned Result always describes the terminal state; for BLOCKED and
// FAILED outcomes the classifying error is returned alongside it.
func (o *Orchestrator) Route(ctx context.Context, intent string, user *types.UserContext) (*Result, error) {
	if user == nil || user.UserID == "" {
		return nil, &ValidationError{Reason: "user context is required", Step: -1}
	}

	res := &Result{
		RequestID: uuid.NewString(),
		State:     StateReceived,
		StepIndex: -1,
	}
	o.publish(bus.NewRequestEvent(bus.EventRequestReceived, res.RequestID, string(StateReceived)))
	o.log.Info("request %s received user=%s", res.RequestID, user.UserID)

	intentVal := o.arena.CreateUserInput(intent, user.UserID)
	o.registerValue(intentVal, "wrap_intent", user)
	res.Intent = intentVal

	plan, err := o.obtainPlan(ctx, intent, user)
	if err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("plan supplier: %w", err)
		o.publish(bus.NewRequestEvent(bus.EventRequestFailed, res.RequestID, string(StateFailed)))
		return res, res.Err
	}
	res.Plan = plan
	res.State = StatePlanned
	o.publish(bus.NewRequestEvent(bus.EventRequestPlanned, res.RequestID, string(StatePlanned)))

	if reason := o.validatePlan(plan, user); reason != "" {
		res.State = StateBlocked
		res.BlockReason = reason
		res.Err = &ValidationError{Reason: reason, Step: -1}
		o.publish(bus.NewRequestEvent(bus.EventRequestBlocked, res.RequestID, string(StateBlocked)))
		o.log.Warn("request %s blocked before execution: %s", res.RequestID, reason)
		return res, res.Err
	}
	res.State = StateValidated
	o.publish(bus.NewRequestEvent(bus.EventRequestValidated, res.RequestID, string(StateValidated)))

	produced := make([]*capability.Value, len(plan.Steps))
	for i, step := range plan.Steps {
		res.State = StateExecuting
		res.StepIndex = i
		o.publish(bus.NewStepEvent(bus.EventStepStart, res.RequestID, i, string(step.Kind), step.Tool))

		start := time.Now()
		val, err := o.executeStep(ctx, res, i, step, user, produced, intentVal)
		if val != nil {
			produced[i] = val
			res.Values = append(res.Values, val)
		}

		if err != nil {
			var sv *SecurityViolation
			var te *ToolExecutionError
			switch {
			case errors.As(err, &sv):
				o.publish(bus.NewSecurityViolationEvent(res.RequestID, step.Tool, sv.Policy, sv.Reason))
				o.publish(bus.NewRequestEvent(bus.EventRequestBlocked, res.RequestID, string(StateBlocked)))
				res.State = StateBlocked
				res.BlockReason = sv.Reason
				res.Err = err
				o.log.Warn("request %s blocked at step %d by policy %s: %s", res.RequestID, i, sv.Policy, sv.Reason)
				return res, err

			case errors.As(err, &te):
				// Recoverable: the failure is already captured as an
				// error-tagged value; execution continues.
				ev := bus.NewStepEvent(bus.EventStepError, res.RequestID, i, string(step.Kind), step.Tool)
				ev.Error = err.Error()
				o.publish(ev)
				o.log.Warn("request %s step %d tool error (continuing): %v", res.RequestID, i, err)
				continue

			default:
				// Insufficient information, integrity violations, and
				// mid-execution validation failures all abort the call.
				ev := bus.NewStepEvent(bus.EventStepError, res.RequestID, i, string(step.Kind), step.Tool)
				ev.Error = err.Error()
				o.publish(ev)
				o.publish(bus.NewRequestEvent(bus.EventRequestFailed, res.RequestID, string(StateFailed)))
				res.State = StateFailed
				res.Err = err
				o.log.Error("request %s failed at step %d: %v", res.RequestID, i, err)
				return res, err
			}
		}

		ev := bus.NewStepEvent(bus.EventStepComplete, res.RequestID, i, string(step.Kind), step.Tool)
		ev.DurationMs = time.Since(start).Milliseconds()
		if val != nil {
			ev.ValueID = val.ID
		}
		o.publish(ev)
	}

	res.State = StateCompleted
	for i := len(produced) - 1; i >= 0; i-- {
		if produced[i] != nil && !produced[i].IsError() {
			res.Output = produced[i]
			break
		}
	}
	o.publish(bus.NewRequestEvent(bus.EventRequestCompleted, res.RequestID, string(StateCompleted)))
	o.log.Info("request %s completed, %d steps", res.RequestID, len(plan.Steps))
	return res, nil
}

// obtainPlan calls the plan supplier under a deadline. No auto-retry.
func (o *Orchestrator) obtainPlan(ctx context.Context, intent string, user *types.UserContext) (*Plan, error) {
	cctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	return o.planner.Plan(cctx, intent, user)
}

// validatePlan checks plan structure, risk against trust, and required
// capabilities against granted permissions. Returns "" when valid.
func (o *Orchestrator) validatePlan(plan *Plan, user *types.UserContext) string {
	if plan == nil {
		return "plan supplier returned no plan"
	}
	for i, step := range plan.Steps {
		switch step.Kind {
		case StepToolCall:
			if step.Tool == "" {
				return fmt.Sprintf("step %d: tool_call without a tool name", i)
			}
			if o.tool(step.Tool) == nil {
				return fmt.Sprintf("step %d: unknown tool %q", i, step.Tool)
			}
		case StepDataTransform:
			if len(step.Args) == 0 {
				return fmt.Sprintf("step %d: data_transform without inputs", i)
			}
		case StepSecurityCheck:
			if len(step.Policies) == 0 {
				return fmt.Sprintf("step %d: security_check without policy names", i)
			}
		case StepQuarantineLLM:
			if step.Query == "" {
				return fmt.Sprintf("step %d: quarantine_llm without a query", i)
			}
			if o.quarantine == nil {
				return fmt.Sprintf("step %d: no quarantined model is configured", i)
			}
		default:
			return fmt.Sprintf("step %d: unknown step kind %q", i, step.Kind)
		}
	}

	if max := types.MaxTrustedRisk(user.TrustLevel); plan.Risk.Level > max {
		return fmt.Sprintf("plan risk %s exceeds the maximum %s permitted at trust level %s",
			plan.Risk.Level, max, user.TrustLevel)
	}
	for _, required := range plan.RequiredCapabilities {
		if !user.HasPermission(required) {
			return fmt.Sprintf("plan requires capability %q which the user does not hold", required)
		}
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// STEP DISPATCH
// ═══════════════════════════════════════════════════════════════════════════════

func (o *Orchestrator) executeStep(ctx context.Context, res *Result, i int, step ExecutionStep, user *types.UserContext, produced []*capability.Value, intentVal *capability.Value) (*capability.Value, error) {
	switch step.Kind {
	case StepToolCall:
		return o.executeToolCall(ctx, res, i, step, user, produced, intentVal)
	case StepDataTransform:
		return o.executeTransform(res, i, step, user, produced, intentVal)
	case StepSecurityCheck:
		return o.executeSecurityCheck(res, i, step, user, produced, intentVal)
	case StepQuarantineLLM:
		return o.executeQuarantine(ctx, res, i, step, user, produced, intentVal)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown step kind %q", step.Kind), Step: i}
	}
}

func (o *Orchestrator) executeToolCall(ctx context.Context, res *Result, i int, step ExecutionStep, user *types.UserContext, produced []*capability.Value, intentVal *capability.Value) (*capability.Value, error) {
	args, err := o.resolveArgs(step.Args, produced, i, intentVal)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error(), Step: i}
	}

	d := o.policies.EvaluateToolExecution(step.Tool, args, user, o.arena)
	o.publish(bus.NewPolicyDecisionEvent(res.RequestID, step.Tool, d.Policy, d.Allowed, d.Reason))
	if !d.Allowed {
		return nil, &SecurityViolation{Policy: d.Policy, Reason: d.Reason, Step: i}
	}

	t := o.tool(step.Tool)
	if t == nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown tool %q", step.Tool), Step: i}
	}

	inputs := sortedValues(args)
	raw := make(map[string]any, len(args))
	for name, v := range args {
		raw[name] = v.Payload
	}

	cctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	out, err := t.Execute(cctx, raw)
	if err != nil {
		toolErr := &ToolExecutionError{Tool: step.Tool, Step: i, Err: err}
		errVal := o.arena.CreateError(toolErr, "tool:"+step.Tool, inputs)
		o.registerValue(errVal, "tool:"+step.Tool, user)
		return errVal, toolErr
	}

	val := o.arena.CreateToolResult(out, step.Tool, inputs)
	if !o.arena.ValidateIntegrity(val) {
		return nil, &IntegrityError{ValueID: val.ID, Reason: "tool result failed integrity validation"}
	}
	o.registerValue(val, "tool:"+step.Tool, user)
	return val, nil
}

// executeTransform is identity for a single input and a structural
// combine for several.
func (o *Orchestrator) executeTransform(res *Result, i int, step ExecutionStep, user *types.UserContext, produced []*capability.Value, intentVal *capability.Value) (*capability.Value, error) {
	args, err := o.resolveArgs(step.Args, produced, i, intentVal)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error(), Step: i}
	}
	inputs := sortedValues(args)

	var val *capability.Value
	if len(inputs) == 1 {
		val, err = o.arena.Transform(inputs[0], func(p any) (any, error) { return p, nil }, "transform")
		if err != nil {
			toolErr := &ToolExecutionError{Tool: "transform", Step: i, Err: err}
			errVal := o.arena.CreateError(toolErr, "transform", inputs)
			o.registerValue(errVal, "transform", user)
			return errVal, toolErr
		}
	} else {
		val = o.arena.CreateCombined(inputs, "combine")
	}

	if !o.arena.ValidateIntegrity(val) {
		return nil, &IntegrityError{ValueID: val.ID, Reason: "transform result failed integrity validation"}
	}
	op := "transform"
	if len(inputs) > 1 {
		op = "combine"
	}
	o.registerValue(val, op, user)
	return val, nil
}

// executeSecurityCheck runs the named policies against the resolved
// arguments and records the verdict as a value. A denial is fatal for the
// request.
func (o *Orchestrator) executeSecurityCheck(res *Result, i int, step ExecutionStep, user *types.UserContext, produced []*capability.Value, intentVal *capability.Value) (*capability.Value, error) {
	args, err := o.resolveArgs(step.Args, produced, i, intentVal)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error(), Step: i}
	}

	d := o.policies.EvaluateNamedPolicies(step.Policies, args, user, o.arena)
	verdict := map[string]any{
		"allowed":  d.Allowed,
		"policies": step.Policies,
		"reason":   d.Reason,
	}
	val := o.arena.CreateValue(verdict, nil, capability.PublicReaders(),
		capability.WithType(capability.TypeSecurityCheck))
	o.registerValue(val, "security_check", user)

	if !d.Allowed {
		return val, &SecurityViolation{Policy: d.Policy, Reason: d.Reason, Step: i}
	}
	return val, nil
}

// executeQuarantine delegates entirely to the quarantined model, retrying
// transient failures a fixed number of times with linear backoff. An
// explicit insufficient-information refusal is never retried.
func (o *Orchestrator) executeQuarantine(ctx context.Context, res *Result, i int, step ExecutionStep, user *types.UserContext, produced []*capability.Value, intentVal *capability.Value) (*capability.Value, error) {
	if o.quarantine == nil {
		return nil, &ValidationError{Reason: "no quarantined model is configured", Step: i}
	}
	args, err := o.resolveArgs(step.Args, produced, i, intentVal)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error(), Step: i}
	}
	inputs := sortedValues(args)

	var val *capability.Value
	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		cctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		val, lastErr = o.quarantine.Query(cctx, step.Query, step.Schema, inputs)
		cancel()
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, ErrInsufficientInformation) {
			return nil, lastErr
		}
		o.log.Warn("quarantine query attempt %d failed: %v", attempt+1, lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("quarantined model: %w", lastErr)
	}

	if !o.arena.ValidateIntegrity(val) {
		return nil, &IntegrityError{ValueID: val.ID, Reason: "quarantine output failed integrity validation"}
	}
	o.registerValue(val, "quarantine_llm", user)
	return val, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ARGUMENT RESOLUTION AND REGISTRATION
// ═══════════════════════════════════════════════════════════════════════════════

// resolveArgs materializes a step's argument map into values. A string
// "$intent" references the wrapped user intent, "$N" references the
// output of step N, "$value:<id>" references an arena value, and
// anything else is wrapped as a plan-literal value.
func (o *Orchestrator) resolveArgs(args map[string]any, produced []*capability.Value, current int, intentVal *capability.Value) (map[string]*capability.Value, error) {
	out := make(map[string]*capability.Value, len(args))
	for name, raw := range args {
		s, isString := raw.(string)
		switch {
		case isString && s == "$intent":
			out[name] = intentVal

		case isString && strings.HasPrefix(s, "$value:"):
			id := strings.TrimPrefix(s, "$value:")
			v, ok := o.arena.Get(id)
			if !ok {
				return nil, fmt.Errorf("argument %q references unknown value %s", name, id)
			}
			out[name] = v

		case isString && strings.HasPrefix(s, "$"):
			n, err := strconv.Atoi(strings.TrimPrefix(s, "$"))
			if err != nil {
				return nil, fmt.Errorf("argument %q has malformed step reference %q", name, s)
			}
			if n < 0 || n >= current || produced[n] == nil {
				return nil, fmt.Errorf("argument %q references step %d which produced no value", name, n)
			}
			out[name] = produced[n]

		default:
			out[name] = o.arena.CreateValue(raw,
				[]capability.Source{capability.AgentSource("plan_literal")},
				capability.PublicReaders())
		}
	}
	return out, nil
}

// registerValue publishes a freshly constructed value to the shared
// services: the data-flow graph, the provenance tracker, and the memory
// store. Registration failures are logged, never fatal; the value itself
// is already owned by the arena.
func (o *Orchestrator) registerValue(v *capability.Value, operation string, user *types.UserContext) {
	if err := o.graph.AddValue(v, operation, v.Dependencies); err != nil {
		o.log.Warn("graph registration failed for %s: %v", v.ID, err)
	}
	rec, err := o.tracker.RecordOperation(v, operation, user.UserID, nil)
	if err != nil {
		o.log.Warn("provenance registration failed for %s: %v", v.ID, err)
	} else {
		o.publish(bus.NewAuditEvent(v.ID, rec.ID, operation, user.UserID))
	}
	if err := o.store.StoreValue(v, user); err != nil {
		o.log.Warn("store registration failed for %s: %v", v.ID, err)
	}
	o.publish(bus.NewValueEvent(bus.EventValueCreated, v.ID, operation))
}

func (o *Orchestrator) publish(e bus.Event) {
	if err := o.bus.Publish(e); err != nil {
		o.log.Debug("event publish failed: %v", err)
	}
}

// sortedValues orders a resolved argument map by argument name so step
// inputs are deterministic.
func sortedValues(args map[string]*capability.Value) []*capability.Value {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*capability.Value, 0, len(names))
	for _, name := range names {
		out = append(out, args[name])
	}
	return out
}
