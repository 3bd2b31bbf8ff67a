package bus

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/constbus/pkg/audit"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/workflow"
)

// record appends e and returns its id. Ledger failures are logged; the
// ledger reports integrity violations through its own hook.
func (b *Bus) record(ctx context.Context, e audit.Entry) string {
	if e.ID == "" {
		e.ID = "ae-" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock().UTC()
	}
	if err := b.ledger.Append(ctx, e); err != nil {
		b.logger.ErrorContext(ctx, "audit append failed", "entry_id", e.ID, "kind", e.Kind, "error", err)
	}
	b.telemetry.RecordAudit(ctx, string(e.Kind), string(e.Outcome))
	return e.ID
}

// rejected writes the only trace a rejected message leaves: a rejection
// record naming the first violated rule.
func (b *Bus) rejected(ctx context.Context, msg *contracts.AgentMessage, vr contracts.ValidationResult) string {
	b.logger.InfoContext(ctx, "message rejected",
		"message_id", msg.ID, "tenant_id", msg.TenantID, "rule", vr.FirstRule(), "reason", vr.Reason())
	return b.record(ctx, audit.Entry{
		Kind:        audit.KindRejection,
		Outcome:     audit.OutcomeRejected,
		MessageID:   msg.ID,
		TenantID:    msg.TenantID,
		FromAgent:   msg.FromAgent,
		ToAgent:     msg.ToAgent,
		MessageType: string(msg.MessageType),
		Rule:        vr.FirstRule(),
		Reason:      vr.Reason(),
		Metadata:    map[string]string{"presented_hash": msg.ConstitutionalHash},
	})
}

func (b *Bus) messageEntry(msg *contracts.AgentMessage, d contracts.RoutingDecision, outcome audit.Outcome, reason string) audit.Entry {
	score := d.ImpactScore
	return audit.Entry{
		Kind:               audit.KindMessage,
		Outcome:            outcome,
		MessageID:          msg.ID,
		DecisionID:         d.DecisionID,
		TenantID:           msg.TenantID,
		FromAgent:          msg.FromAgent,
		ToAgent:            msg.ToAgent,
		MessageType:        string(msg.MessageType),
		Lane:               string(d.Lane),
		ImpactScore:        &score,
		Reason:             reason,
		ConstitutionalHash: msg.ConstitutionalHash,
	}
}

// onInstanceEvent runs synchronously inside the orchestrator for every
// workflow transition. Governance outcomes are audited under the running
// constitution; a completed instance releases its message for delivery.
func (b *Bus) onInstanceEvent(ev workflow.InstanceEvent) {
	ctx := context.Background()
	inst := ev.Instance

	b.mu.Lock()
	msg := b.awaiting[ev.MessageID]
	if ev.Status.Terminal() {
		delete(b.awaiting, ev.MessageID)
	}
	b.mu.Unlock()

	kind, outcome, ok := classify(inst)
	if !ok {
		return
	}
	e := audit.Entry{
		Kind:       kind,
		Outcome:    outcome,
		MessageID:  ev.MessageID,
		DecisionID: inst.Decision.DecisionID,
		InstanceID: ev.InstanceID,
		TenantID:   ev.TenantID,
		Lane:       string(inst.Decision.Lane),
		Reason:     ev.Reason,
		Timestamp:  ev.At,
	}
	score := inst.Decision.ImpactScore
	e.ImpactScore = &score
	if kind == audit.KindGovernance {
		e.ConstitutionalHash = b.c.Hash()
	}
	if inst.Approval != nil {
		e.Metadata = map[string]string{
			"approval_status": string(inst.Approval.Status),
			"approval_hash":   inst.Approval.ContentHash,
		}
	}
	if msg != nil {
		e.FromAgent = msg.FromAgent
		e.ToAgent = msg.ToAgent
		e.MessageType = string(msg.MessageType)
	}

	if ev.Status == workflow.InstanceCompleted && msg != nil {
		dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		recipients, err := b.deliver(dctx, msg, b.registry.Snapshot())
		cancel()
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		e.Metadata["recipients"] = strconv.Itoa(len(recipients))
		if err != nil {
			e.Reason = err.Error()
			b.logger.WarnContext(ctx, "approved message not fully delivered", "message_id", msg.ID, "error", err)
		}
	}
	b.record(ctx, e)
}

// classify maps an instance transition to its audit record. Transitions
// that carry no decision, such as a fast start, are skipped.
func classify(inst workflow.Instance) (audit.EntryKind, audit.Outcome, bool) {
	switch inst.Status {
	case workflow.InstancePendingApproval:
		// A recovered approval channel republishes the same state.
		if inst.Recovery != nil {
			return "", "", false
		}
		return audit.KindGovernance, audit.OutcomeDeliberation, true
	case workflow.InstanceRunning:
		if inst.Approval != nil {
			return audit.KindGovernance, audit.OutcomeApproved, true
		}
		return "", "", false
	case workflow.InstanceDenied:
		if inst.Approval != nil && inst.Approval.Status == workflow.ApprovalTimedOut {
			return audit.KindGovernance, audit.OutcomeTimedOut, true
		}
		return audit.KindGovernance, audit.OutcomeDenied, true
	case workflow.InstanceCompleted:
		return audit.KindWorkflow, audit.OutcomeCompleted, true
	case workflow.InstanceCancelled:
		return audit.KindWorkflow, audit.OutcomeCancelled, true
	case workflow.InstanceFailed:
		return audit.KindWorkflow, audit.OutcomeFailed, true
	case workflow.InstanceNeedsAttention:
		return audit.KindWorkflow, audit.OutcomeNeedsAttention, true
	}
	return "", "", false
}
