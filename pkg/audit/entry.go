// Package audit is the append-only audit ledger. Entries accumulate into
// batches; a sealed batch carries a Merkle root over the canonical entry
// encodings, is persisted and then anchored externally.
package audit

import (
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/canonicalize"
)

// EntryKind classifies what an entry records.
type EntryKind string

const (
	KindMessage    EntryKind = "message"
	KindRejection  EntryKind = "rejection"
	KindGovernance EntryKind = "governance_decision"
	KindWorkflow   EntryKind = "workflow"
	KindAgent      EntryKind = "agent"
)

// Outcome is what happened to the subject of an entry.
type Outcome string

const (
	OutcomeDelivered       Outcome = "delivered"
	OutcomeBroadcast       Outcome = "broadcast"
	OutcomeRejected        Outcome = "rejected"
	OutcomeDeliberation    Outcome = "deliberation"
	OutcomeApproved        Outcome = "approved"
	OutcomeDenied          Outcome = "denied"
	OutcomeTimedOut        Outcome = "timed_out"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeNeedsAttention  Outcome = "needs_attention"
	OutcomeRegistered      Outcome = "registered"
	OutcomeLifecycleChange Outcome = "lifecycle_changed"
)

// Entry is one audit record. Everything in it is covered by the leaf hash.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Entry struct {
	ID                 string            `json:"id"`
	Kind               EntryKind         `json:"kind"`
	Outcome            Outcome           `json:"outcome"`
	MessageID          string            `json:"message_id,omitempty"`
	DecisionID         string            `json:"decision_id,omitempty"`
	InstanceID         string            `json:"instance_id,omitempty"`
	TenantID           string            `json:"tenant_id,omitempty"`
	FromAgent          string            `json:"from_agent,omitempty"`
	ToAgent            string            `json:"to_agent,omitempty"`
	MessageType        string            `json:"message_type,omitempty"`
	Lane               string            `json:"lane,omitempty"`
	ImpactScore        *float64          `json:"impact_score,omitempty"`
	Rule               string            `json:"rule,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	ConstitutionalHash string            `json:"constitutional_hash,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Canonical returns the deterministic byte encoding hashed into the leaf:
// RFC 8785 JSON with NFC strings and a UTC timestamp.
func (e Entry) Canonical() ([]byte, error) {
	e.Timestamp = e.Timestamp.UTC()
	return canonicalize.JCS(e)
}

// RequiresConstitutionalHash reports whether the entry records a governance
// decision and therefore must name the constitution it was made under.
func (e Entry) RequiresConstitutionalHash() bool {
	return e.Kind == KindGovernance
}

func (e Entry) clone() Entry {
	c := e
	if e.ImpactScore != nil {
		s := *e.ImpactScore
		c.ImpactScore = &s
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
