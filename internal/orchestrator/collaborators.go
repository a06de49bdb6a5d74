package orchestrator

import (
	"context"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/pkg/types"
)

// Tool is an externally supplied capability the orchestrator can invoke.
// Beyond name and description the core treats tools as opaque; the
// description and parameter schema feed plan validation and policy
// pattern matching only.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// PlanSupplier produces a structured plan for an intent. The core only
// validates the returned structure; it never generates plan content.
type PlanSupplier interface {
	Plan(ctx context.Context, intent string, user *types.UserContext) (*Plan, error)
}

// QuarantinedLLM answers a query over untrusted input values, returning a
// schema-validated value or ErrInsufficientInformation. Implementations
// must refuse any input whose source chain carries an untrusted external
// tag, and are never granted tool invocation.
type QuarantinedLLM interface {
	Query(ctx context.Context, query, schema string, inputs []*capability.Value) (*capability.Value, error)
}

// StepKind discriminates the execution step variants.
type StepKind string

const (
	StepToolCall      StepKind = "tool_call"
	StepDataTransform StepKind = "data_transform"
	StepSecurityCheck StepKind = "security_check"
	StepQuarantineLLM StepKind = "quarantine_llm"
)

// ExecutionStep is one planned action. Fields are populated per Kind:
// tool_call uses Tool+Args, data_transform uses Args, security_check uses
// Policies+Args, quarantine_llm uses Query+Schema+Args.
//
// Argument values are either literals or references: "$N" names the value
// produced by step N, "$value:<id>" names an arena value directly.
type ExecutionStep struct {
	Kind     StepKind       `json:"kind" yaml:"kind"`
	Tool     string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Policies []string       `json:"policies,omitempty" yaml:"policies,omitempty"`
	Query    string         `json:"query,omitempty" yaml:"query,omitempty"`
	Schema   string         `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// RiskAssessment is the planner's judgement of the plan as a whole.
type RiskAssessment struct {
	Level       types.RiskLevel `json:"level" yaml:"level"`
	Factors     []string        `json:"factors,omitempty" yaml:"factors,omitempty"`
	Mitigations []string        `json:"mitigations,omitempty" yaml:"mitigations,omitempty"`
}

// Plan is an ordered sequence of steps plus the planner's risk assessment
// and the capabilities the plan requires from the requesting user.
type Plan struct {
	ID                   string          `json:"id" yaml:"id"`
	Intent               string          `json:"intent" yaml:"intent"`
	Steps                []ExecutionStep `json:"steps" yaml:"steps"`
	Risk                 RiskAssessment  `json:"risk" yaml:"risk"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
}
