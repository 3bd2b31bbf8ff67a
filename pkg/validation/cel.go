package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
)

// Severity of a CEL rule outcome.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// CELRule is a policy expression over `message` and `sender` that must
// evaluate to true. MessageTypes, when set, limits where it applies.
type CELRule struct {
	Name         string                  `json:"name" yaml:"name" toml:"name"`
	Expr         string                  `json:"expr" yaml:"expr" toml:"expr"`
	Severity     Severity                `json:"severity,omitempty" yaml:"severity" toml:"severity"`
	MessageTypes []contracts.MessageType `json:"message_types,omitempty" yaml:"message_types" toml:"message_types"`
}

type compiledRule struct {
	rule  CELRule
	types map[contracts.MessageType]bool
	prg   cel.Program
}

// CELRuleCheck evaluates compiled CEL rules. Evaluation errors fail closed.
type CELRuleCheck struct {
	rules []compiledRule
}

// NewCELRuleCheck compiles every rule up front.
func NewCELRuleCheck(rules []CELRule) (*CELRuleCheck, error) {
	env, err := cel.NewEnv(
		cel.Variable("message", cel.DynType),
		cel.Variable("sender", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	out := &CELRuleCheck{}
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("cel rule with expression %q has no name", r.Expr)
		}
		if r.Severity == "" {
			r.Severity = SeverityError
		}
		if r.Severity != SeverityError && r.Severity != SeverityWarning {
			return nil, fmt.Errorf("cel rule %s: unknown severity %q", r.Name, r.Severity)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("cel rule %s: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("cel rule %s: program: %w", r.Name, err)
		}
		cr := compiledRule{rule: r, prg: prg}
		if len(r.MessageTypes) > 0 {
			cr.types = make(map[contracts.MessageType]bool, len(r.MessageTypes))
			for _, mt := range r.MessageTypes {
				cr.types[mt] = true
			}
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

func (c *CELRuleCheck) Name() string { return RuleCELPolicy }

func (c *CELRuleCheck) Check(msg *contracts.AgentMessage, snap *registry.Snapshot) ([]contracts.Issue, []contracts.Issue) {
	if len(c.rules) == 0 {
		return nil, nil
	}
	input := map[string]any{
		"message": messageInput(msg),
		"sender":  senderInput(msg.FromAgent, snap),
	}

	var errs, warns []contracts.Issue
	for _, r := range c.rules {
		if r.types != nil && !r.types[msg.MessageType] {
			continue
		}
		issue := contracts.Issue{Rule: RuleCELPolicy, Field: r.rule.Name}

		out, _, err := r.prg.Eval(input)
		switch {
		case err != nil:
			issue.Message = fmt.Sprintf("policy %s could not be evaluated: %v", r.rule.Name, err)
			errs = append(errs, issue)
			continue
		case out.Value() == true:
			continue
		}
		if _, isBool := out.Value().(bool); !isBool {
			issue.Message = fmt.Sprintf("policy %s returned %T, want bool", r.rule.Name, out.Value())
			errs = append(errs, issue)
			continue
		}
		issue.Message = fmt.Sprintf("policy %s violated", r.rule.Name)
		if r.rule.Severity == SeverityWarning {
			warns = append(warns, issue)
		} else {
			errs = append(errs, issue)
		}
	}
	return errs, warns
}

func messageInput(msg *contracts.AgentMessage) map[string]any {
	meta := make(map[string]any, len(msg.Metadata))
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	in := map[string]any{
		"id":              msg.ID,
		"from_agent":      msg.FromAgent,
		"to_agent":        msg.ToAgent,
		"message_type":    string(msg.MessageType),
		"tenant_id":       msg.TenantID,
		"priority":        int64(msg.Priority),
		"conversation_id": msg.ConversationID,
		"cross_tenant":    msg.CrossTenant,
		"broadcast":       msg.IsBroadcast(),
		"metadata":        meta,
		"content":         nil,
	}
	if len(msg.Content) > 0 {
		var content any
		dec := json.NewDecoder(bytes.NewReader(msg.Content))
		if err := dec.Decode(&content); err == nil {
			in["content"] = content
		}
	}
	return in
}

func senderInput(id string, snap *registry.Snapshot) map[string]any {
	a, ok := snap.Agent(id)
	if !ok {
		return map[string]any{"id": id, "registered": false, "capabilities": []string{}}
	}
	return map[string]any{
		"id":           a.ID,
		"type":         a.Type,
		"tenant_id":    a.TenantID,
		"status":       string(a.Status),
		"registered":   true,
		"capabilities": a.CapabilityList(),
	}
}
