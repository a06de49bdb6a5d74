// Package bus is the event distribution system for the warden pipeline.
// Request lifecycle transitions, step execution, policy decisions, and
// security violations all flow through it so observers can follow a
// request without coupling to the orchestrator.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType classifies an event on the bus.
type EventType string

const (
	// Request lifecycle
	EventRequestReceived  EventType = "request_received"
	EventRequestPlanned   EventType = "request_planned"
	EventRequestValidated EventType = "request_validated"
	EventRequestCompleted EventType = "request_completed"
	EventRequestBlocked   EventType = "request_blocked"
	EventRequestFailed    EventType = "request_failed"

	// Step execution
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepError    EventType = "step_error"

	// Policy and audit
	EventPolicyDecision    EventType = "policy_decision"
	EventSecurityViolation EventType = "security_violation"
	EventAuditRecorded     EventType = "audit_recorded"

	// Value lifecycle
	EventValueCreated EventType = "value_created"
	EventValueEvicted EventType = "value_evicted"

	// System
	EventHeartbeat EventType = "heartbeat"
)

// Event is a single occurrence published on the bus.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request tracking
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state,omitempty"`

	// Step context
	StepIndex int    `json:"step_index,omitempty"`
	StepKind  string `json:"step_kind,omitempty"`
	Tool      string `json:"tool,omitempty"`

	// Value and policy context
	ValueID   string `json:"value_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Policy    string `json:"policy,omitempty"`
	Allowed   bool   `json:"allowed,omitempty"`

	// Actor and timing
	Actor      string `json:"actor,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// Content
	Content string `json:"content,omitempty"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates an event with the current timestamp and a generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// NewRequestEvent creates a request lifecycle event.
func NewRequestEvent(eventType EventType, requestID, state string) Event {
	e := NewEvent(eventType)
	e.RequestID = requestID
	e.State = state
	return e
}

// NewStepEvent creates a step execution event.
func NewStepEvent(eventType EventType, requestID string, index int, kind, tool string) Event {
	e := NewEvent(eventType)
	e.RequestID = requestID
	e.StepIndex = index
	e.StepKind = kind
	e.Tool = tool
	return e
}

// NewPolicyDecisionEvent records a policy engine verdict.
func NewPolicyDecisionEvent(requestID, tool, policy string, allowed bool, reason string) Event {
	e := NewEvent(EventPolicyDecision)
	e.RequestID = requestID
	e.Tool = tool
	e.Policy = policy
	e.Allowed = allowed
	e.Details = reason
	return e
}

// NewSecurityViolationEvent records a denied operation.
func NewSecurityViolationEvent(requestID, tool, policy, reason string) Event {
	e := NewEvent(EventSecurityViolation)
	e.RequestID = requestID
	e.Tool = tool
	e.Policy = policy
	e.Details = reason
	return e
}

// NewValueEvent records value creation or eviction.
func NewValueEvent(eventType EventType, valueID, operation string) Event {
	e := NewEvent(eventType)
	e.ValueID = valueID
	e.Operation = operation
	return e
}

// NewAuditEvent records a provenance ledger write.
func NewAuditEvent(valueID, recordID, operation, actor string) Event {
	e := NewEvent(EventAuditRecorded)
	e.ValueID = valueID
	e.Operation = operation
	e.Actor = actor
	e.Details = recordID
	return e
}
