package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the update.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the update.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny an update.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// PID is the key of the configuration that violated the policy.
	PID string `json:"pid,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Key is the offending property, if any.
	Key string `json:"key,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the update is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the update.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document exposed to Rego as input.
type PolicyInput struct {
	// Identity addresses the configuration being updated.
	Identity InputIdentity `json:"identity"`

	// Properties are the resolved properties about to be enqueued.
	Properties map[string]interface{} `json:"properties"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// InputIdentity is the Rego view of an engine.Identity.
type InputIdentity struct {
	Key             string `json:"key"`
	PID             string `json:"pid,omitempty"`
	FactoryPID      string `json:"factory_pid,omitempty"`
	FactoryInstance string `json:"factory_instance,omitempty"`
	Location        string `json:"location,omitempty"`
	Factory         bool   `json:"factory"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed.
	Operation string `json:"operation,omitempty"`

	// Source is the configuration source the update came from, if known.
	Source string `json:"source,omitempty"`
}
