package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
)

type issues = []contracts.Issue

// HashCheck requires the message hash to equal the running constitution's.
func HashCheck(c constitution.Constitution) Check {
	return CheckFunc(RuleConstitutionalHash, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		switch {
		case msg.ConstitutionalHash == "":
			return issues{{Rule: RuleConstitutionalHash, Field: "constitutional_hash", Message: "constitutional hash missing"}}, nil
		case !c.Matches(msg.ConstitutionalHash):
			return issues{{
				Rule:    RuleConstitutionalHash,
				Field:   "constitutional_hash",
				Message: fmt.Sprintf("constitutional hash mismatch: expected %s, got %s", c.Hash(), msg.ConstitutionalHash),
			}}, nil
		}
		return nil, nil
	})
}

// RequiredFieldsCheck requires the identifying fields and well-formed content.
func RequiredFieldsCheck() Check {
	return CheckFunc(RuleRequiredField, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		var errs issues
		required := []struct{ field, value string }{
			{"id", msg.ID},
			{"from_agent", msg.FromAgent},
			{"message_type", string(msg.MessageType)},
			{"tenant_id", msg.TenantID},
			{"constitutional_hash", msg.ConstitutionalHash},
		}
		for _, r := range required {
			if r.value == "" {
				errs = append(errs, contracts.Issue{Rule: RuleRequiredField, Field: r.field, Message: r.field + " is required"})
			}
		}
		if len(msg.Content) > 0 && !json.Valid(msg.Content) {
			errs = append(errs, contracts.Issue{Rule: RuleContentEncoding, Field: "content", Message: "content is not valid JSON"})
		}
		return errs, nil
	})
}

// MessageTypeCheck requires membership in the fixed enumeration.
func MessageTypeCheck() Check {
	return CheckFunc(RuleMessageType, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		if msg.MessageType == "" || msg.MessageType.Valid() {
			return nil, nil
		}
		return issues{{Rule: RuleMessageType, Field: "message_type", Message: fmt.Sprintf("unknown message type %q", msg.MessageType)}}, nil
	})
}

// PriorityCheck requires the priority to be within bounds.
func PriorityCheck() Check {
	return CheckFunc(RulePriority, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		if msg.Priority.Valid() {
			return nil, nil
		}
		return issues{{
			Rule:    RulePriority,
			Field:   "priority",
			Message: fmt.Sprintf("priority %d outside [%d,%d]", int(msg.Priority), int(contracts.MinPriority), int(contracts.MaxPriority)),
		}}, nil
	})
}

// TenantScopeCheck enforces sender registration, sender tenant and recipient
// tenant. A sender may address another tenant only with an explicit
// cross-tenant broadcast while holding the cross_tenant capability.
func TenantScopeCheck() Check {
	return CheckFunc(RuleTenantScope, func(msg *contracts.AgentMessage, snap *registry.Snapshot) (issues, issues) {
		if msg.FromAgent == "" || msg.TenantID == "" {
			return nil, nil
		}
		var errs issues

		sender, ok := snap.Agent(msg.FromAgent)
		if !ok {
			return issues{{Rule: RuleTenantScope, Field: "from_agent", Message: fmt.Sprintf("sender %s is not registered", msg.FromAgent)}}, nil
		}
		if !sender.CanSend() {
			errs = append(errs, contracts.Issue{Rule: RuleSenderStatus, Field: "from_agent", Message: fmt.Sprintf("sender %s is %s", sender.ID, sender.Status)})
		}

		if msg.CrossTenant && !msg.IsBroadcast() {
			errs = append(errs, contracts.Issue{Rule: RuleTenantScope, Field: "cross_tenant", Message: "cross-tenant flag is only valid on a broadcast"})
		}
		if sender.TenantID != msg.TenantID {
			explicit := msg.CrossTenant && msg.IsBroadcast()
			if !explicit || !sender.HasCapability(contracts.CapabilityCrossTenant) {
				errs = append(errs, contracts.Issue{
					Rule:    RuleTenantScope,
					Field:   "tenant_id",
					Message: fmt.Sprintf("sender tenant %s does not match message tenant %s", sender.TenantID, msg.TenantID),
				})
			}
		}

		if !msg.IsBroadcast() {
			recipient, ok := snap.Agent(msg.ToAgent)
			switch {
			case !ok:
				errs = append(errs, contracts.Issue{Rule: RuleRecipient, Field: "to_agent", Message: fmt.Sprintf("recipient %s is not registered", msg.ToAgent)})
			case recipient.TenantID != msg.TenantID:
				errs = append(errs, contracts.Issue{Rule: RuleTenantScope, Field: "to_agent", Message: fmt.Sprintf("recipient %s is outside tenant %s", recipient.ID, msg.TenantID)})
			case !recipient.CanReceive():
				errs = append(errs, contracts.Issue{Rule: RuleRecipient, Field: "to_agent", Message: fmt.Sprintf("recipient %s is %s", recipient.ID, recipient.Status)})
			}
		}
		return errs, nil
	})
}

// ConversationCheck warns when a message carries no conversation id.
func ConversationCheck() Check {
	return CheckFunc(RuleConversationID, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		if msg.ConversationID != "" || msg.MessageType == contracts.MessageTypeHeartbeat {
			return nil, nil
		}
		return nil, issues{{Rule: RuleConversationID, Field: "conversation_id", Message: "no conversation id; delivery order is not guaranteed"}}
	})
}

// ContentSizeCheck warns when content exceeds maxBytes.
func ContentSizeCheck(maxBytes int) Check {
	return CheckFunc(RuleContentSize, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		if maxBytes <= 0 || len(msg.Content) <= maxBytes {
			return nil, nil
		}
		return nil, issues{{Rule: RuleContentSize, Field: "content", Message: fmt.Sprintf("content is %d bytes, above %d", len(msg.Content), maxBytes)}}
	})
}

// StalenessCheck warns when created_at is missing, older than maxAge or in
// the future beyond maxAge.
func StalenessCheck(maxAge time.Duration, clock func() time.Time) Check {
	if clock == nil {
		clock = time.Now
	}
	return CheckFunc(RuleStaleMessage, func(msg *contracts.AgentMessage, _ *registry.Snapshot) (issues, issues) {
		if msg.CreatedAt.IsZero() {
			return nil, issues{{Rule: RuleStaleMessage, Field: "created_at", Message: "created_at missing"}}
		}
		age := clock().Sub(msg.CreatedAt)
		if age > maxAge || -age > maxAge {
			return nil, issues{{Rule: RuleStaleMessage, Field: "created_at", Message: fmt.Sprintf("created_at is %s away from now", age.Round(time.Second))}}
		}
		return nil, nil
	})
}
