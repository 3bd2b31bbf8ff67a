package routing

import (
	"bytes"
	"context"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

var sensitiveKeywords = [][]byte{
	[]byte("delete"),
	[]byte("shutdown"),
	[]byte("transfer"),
	[]byte("override"),
	[]byte("revoke"),
	[]byte("terminate"),
	[]byte("grant"),
	[]byte("escalate"),
}

// HeuristicScore estimates impact from message type, priority and
// sensitive keywords in the content. It backs strict mode and needs no
// external dependency.
func HeuristicScore(msg *contracts.AgentMessage) float64 {
	var score float64
	switch {
	case msg.MessageType.IsGovernance():
		score = 0.7
	case msg.MessageType == contracts.MessageTypeCommand:
		score = 0.5
	case msg.MessageType == contracts.MessageTypeTaskRequest:
		score = 0.4
	case msg.MessageType == contracts.MessageTypeHeartbeat:
		score = 0
	default:
		score = 0.2
	}

	switch msg.Priority {
	case contracts.PriorityCritical:
		score += 0.2
	case contracts.PriorityHigh:
		score += 0.1
	}

	if len(msg.Content) > 0 {
		lower := bytes.ToLower(msg.Content)
		var bonus float64
		for _, kw := range sensitiveKeywords {
			if bytes.Contains(lower, kw) {
				bonus += 0.15
			}
		}
		score += clamp(bonus, 0, 0.3)
	}

	if msg.CrossTenant {
		score += 0.1
	}
	return clamp(score, 0, 1)
}

// HeuristicProvider is a ScoreProvider backed by HeuristicScore.
type HeuristicProvider struct{}

func (HeuristicProvider) Score(_ context.Context, msg *contracts.AgentMessage, _ ScoreContext) (float64, error) {
	return HeuristicScore(msg), nil
}
