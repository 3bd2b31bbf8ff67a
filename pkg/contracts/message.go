// Package contracts defines the data model exchanged between the bus
// components: agent messages, agents, validation results and routing
// decisions.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the closed set of message kinds the bus accepts.
type MessageType string

const (
	MessageTypeCommand                  MessageType = "command"
	MessageTypeQuery                    MessageType = "query"
	MessageTypeResponse                 MessageType = "response"
	MessageTypeEvent                    MessageType = "event"
	MessageTypeNotification             MessageType = "notification"
	MessageTypeHeartbeat                MessageType = "heartbeat"
	MessageTypeGovernanceRequest        MessageType = "governance_request"
	MessageTypeGovernanceResponse       MessageType = "governance_response"
	MessageTypeConstitutionalValidation MessageType = "constitutional_validation"
	MessageTypeTaskRequest              MessageType = "task_request"
	MessageTypeTaskResponse             MessageType = "task_response"
)

// MessageTypes lists every accepted message type in declaration order.
var MessageTypes = []MessageType{
	MessageTypeCommand,
	MessageTypeQuery,
	MessageTypeResponse,
	MessageTypeEvent,
	MessageTypeNotification,
	MessageTypeHeartbeat,
	MessageTypeGovernanceRequest,
	MessageTypeGovernanceResponse,
	MessageTypeConstitutionalValidation,
	MessageTypeTaskRequest,
	MessageTypeTaskResponse,
}

// Valid reports membership in the fixed enumeration.
func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsGovernance reports whether the type carries a governance decision.
func (t MessageType) IsGovernance() bool {
	switch t {
	case MessageTypeGovernanceRequest, MessageTypeGovernanceResponse, MessageTypeConstitutionalValidation:
		return true
	}
	return false
}

// Priority orders messages; lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

const (
	MinPriority = PriorityCritical
	MaxPriority = PriorityLow
)

// Valid reports whether p is inside the priority bounds.
func (p Priority) Valid() bool {
	return p >= MinPriority && p <= MaxPriority
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// AgentMessage is a single inter-agent message.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentMessage struct {
	ID                 string            `json:"id"`
	FromAgent          string            `json:"from_agent"`
	ToAgent            string            `json:"to_agent,omitempty"` // empty means broadcast
	MessageType        MessageType       `json:"message_type"`
	Content            json.RawMessage   `json:"content,omitempty"`
	ConstitutionalHash string            `json:"constitutional_hash"`
	TenantID           string            `json:"tenant_id"`
	Priority           Priority          `json:"priority"`
	ImpactScore        *float64          `json:"impact_score,omitempty"`
	ConversationID     string            `json:"conversation_id,omitempty"`
	CrossTenant        bool              `json:"cross_tenant,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// IsBroadcast reports whether the message has no single recipient.
func (m *AgentMessage) IsBroadcast() bool {
	return m.ToAgent == ""
}

// Clone returns a deep copy so stages never share mutable message state.
func (m *AgentMessage) Clone() *AgentMessage {
	if m == nil {
		return nil
	}
	c := *m
	if m.Content != nil {
		c.Content = append(json.RawMessage(nil), m.Content...)
	}
	if m.ImpactScore != nil {
		score := *m.ImpactScore
		c.ImpactScore = &score
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WithImpactScore returns a copy carrying the router's score.
func (m *AgentMessage) WithImpactScore(score float64) *AgentMessage {
	c := m.Clone()
	c.ImpactScore = &score
	return c
}
