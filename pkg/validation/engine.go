// Package validation checks agent messages against the constitution and the
// structural rules of the bus.
//
// Every check runs on every message and findings are concatenated in check
// order, so a caller sees all violations in one pass. Validation depends only
// on the message and an immutable registry snapshot.
package validation

import (
	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
)

// Rule names reported in issues.
const (
	RuleConstitutionalHash = "constitutional_hash"
	RuleRequiredField      = "required_field"
	RuleContentEncoding    = "content_encoding"
	RuleMessageType        = "message_type"
	RulePriority           = "priority"
	RuleTenantScope        = "tenant_scope"
	RuleSenderStatus       = "sender_status"
	RuleRecipient          = "recipient"
	RuleContentSchema      = "content_schema"
	RuleCELPolicy          = "cel_policy"
	RuleConversationID     = "conversation_id"
	RuleContentSize        = "content_size"
	RuleStaleMessage       = "stale_message"
)

// Check is one validation strategy.
type Check interface {
	Name() string
	Check(msg *contracts.AgentMessage, snap *registry.Snapshot) (errs, warns []contracts.Issue)
}

type funcCheck struct {
	name string
	fn   func(*contracts.AgentMessage, *registry.Snapshot) ([]contracts.Issue, []contracts.Issue)
}

func (f funcCheck) Name() string { return f.name }

func (f funcCheck) Check(msg *contracts.AgentMessage, snap *registry.Snapshot) ([]contracts.Issue, []contracts.Issue) {
	return f.fn(msg, snap)
}

// CheckFunc adapts a function into a Check.
func CheckFunc(name string, fn func(*contracts.AgentMessage, *registry.Snapshot) (errs, warns []contracts.Issue)) Check {
	return funcCheck{name: name, fn: fn}
}

// Engine runs the mandatory checks followed by any optional ones.
type Engine struct {
	checks []Check
}

// NewEngine builds an engine for constitution c. The mandatory checks always
// run first and cannot be removed.
func NewEngine(c constitution.Constitution, optional ...Check) *Engine {
	checks := []Check{
		HashCheck(c),
		RequiredFieldsCheck(),
		MessageTypeCheck(),
		PriorityCheck(),
		TenantScopeCheck(),
	}
	return &Engine{checks: append(checks, optional...)}
}

// Validate runs every check. A nil message yields a single required-field error.
func (e *Engine) Validate(msg *contracts.AgentMessage, snap *registry.Snapshot) contracts.ValidationResult {
	if msg == nil {
		return contracts.NewValidationResult([]contracts.Issue{{Rule: RuleRequiredField, Message: "message is nil"}}, nil)
	}
	var errs, warns []contracts.Issue
	for _, c := range e.checks {
		ce, cw := c.Check(msg, snap)
		errs = append(errs, ce...)
		warns = append(warns, cw...)
	}
	return contracts.NewValidationResult(errs, warns)
}

// Checks lists the configured check names in run order.
func (e *Engine) Checks() []string {
	out := make([]string, len(e.checks))
	for i, c := range e.checks {
		out[i] = c.Name()
	}
	return out
}
