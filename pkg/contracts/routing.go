package contracts

import (
	"sort"
	"time"
)

// Lane is a routing outcome.
type Lane string

const (
	LaneFast         Lane = "fast"
	LaneDeliberation Lane = "deliberation"
)

// ImpactLevel is the band a score falls in.
type ImpactLevel string

const (
	ImpactCritical   ImpactLevel = "critical"
	ImpactHigh       ImpactLevel = "high"
	ImpactMedium     ImpactLevel = "medium"
	ImpactLow        ImpactLevel = "low"
	ImpactNegligible ImpactLevel = "negligible"
)

// Risk factor tags attached to decisions.
const (
	RiskScorerUnavailable = "scorer_unavailable"
	RiskScoreClamped      = "score_clamped"
	RiskCriticalImpact    = "critical_impact"
	RiskHighImpact        = "high_impact"
	RiskGovernanceMessage = "governance_message"
	RiskCriticalPriority  = "critical_priority"
	RiskCrossTenant       = "cross_tenant"
	RiskAggregated        = "multi_agent_aggregate"
)

// ThresholdSet holds the lower boundary of each impact band.
type ThresholdSet struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

// Level classifies score, highest band first.
func (t ThresholdSet) Level(score float64) ImpactLevel {
	switch {
	case score >= t.Critical:
		return ImpactCritical
	case score >= t.High:
		return ImpactHigh
	case score >= t.Medium:
		return ImpactMedium
	case score >= t.Low:
		return ImpactLow
	default:
		return ImpactNegligible
	}
}

// RoutingDecision is produced once per message and never mutated.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RoutingDecision struct {
	DecisionID             string       `json:"decision_id"`
	MessageID              string       `json:"message_id"`
	Lane                   Lane         `json:"lane"`
	ImpactScore            float64      `json:"impact_score"`
	ImpactLevel            ImpactLevel  `json:"impact_level"`
	RequiresHumanReview    bool         `json:"requires_human_review"`
	RequiresMultiAgentVote bool         `json:"requires_multi_agent_vote"`
	TimeoutSeconds         float64      `json:"timeout_seconds"`
	RiskFactors            []string     `json:"risk_factors"`
	StrictMode             bool         `json:"strict_mode"`
	Thresholds             ThresholdSet `json:"thresholds"`
	DecidedAt              time.Time    `json:"decided_at"`
}

// Timeout returns TimeoutSeconds as a duration.
func (d RoutingDecision) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds * float64(time.Second))
}

// HasRisk reports whether tag is among the risk factors.
func (d RoutingDecision) HasRisk(tag string) bool {
	i := sort.SearchStrings(d.RiskFactors, tag)
	return i < len(d.RiskFactors) && d.RiskFactors[i] == tag
}

// RiskSet turns tags into the sorted, de-duplicated form decisions carry.
func RiskSet(tags ...string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
