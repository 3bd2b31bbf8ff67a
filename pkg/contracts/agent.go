package contracts

import (
	"sort"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusRegistered   AgentStatus = "registered"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusSuspended    AgentStatus = "suspended"
	AgentStatusUnregistered AgentStatus = "unregistered"
)

// Well-known capabilities consulted by the core.
const (
	CapabilityCrossTenant = "cross_tenant"
	CapabilityReviewer    = "governance_reviewer"
)

// Agent is a registered participant on the bus.
type Agent struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	Capabilities        map[string]bool `json:"capabilities,omitempty"`
	TenantID            string          `json:"tenant_id"`
	Status              AgentStatus     `json:"status"`
	ConstitutionVersion string          `json:"constitution_version,omitempty"`
	RegisteredAt        time.Time       `json:"registered_at"`
}

// HasCapability reports whether the agent holds capability c.
func (a Agent) HasCapability(c string) bool {
	return a.Capabilities[c]
}

// CanSend reports whether the lifecycle state allows originating messages.
func (a Agent) CanSend() bool {
	return a.Status == AgentStatusRegistered || a.Status == AgentStatusActive
}

// CanReceive reports whether the agent may be handed deliveries.
func (a Agent) CanReceive() bool {
	return a.CanSend()
}

// CapabilityList returns the capabilities sorted for stable output.
func (a Agent) CapabilityList() []string {
	out := make([]string, 0, len(a.Capabilities))
	for c, ok := range a.Capabilities {
		if ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (a Agent) Clone() Agent {
	c := a
	if a.Capabilities != nil {
		c.Capabilities = make(map[string]bool, len(a.Capabilities))
		for k, v := range a.Capabilities {
			c.Capabilities[k] = v
		}
	}
	return c
}

// Capabilities builds a capability set from names.
func Capabilities(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
