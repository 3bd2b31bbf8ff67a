package registry

import (
	"sort"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	agents map[string]contracts.Agent
}

// NewSnapshot builds a snapshot from agents, mostly for tests and tools.
func NewSnapshot(agents ...contracts.Agent) *Snapshot {
	m := make(map[string]contracts.Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a.Clone()
	}
	return &Snapshot{agents: m}
}

// Agent returns a copy of the agent with id.
func (s *Snapshot) Agent(id string) (contracts.Agent, bool) {
	if s == nil {
		return contracts.Agent{}, false
	}
	a, ok := s.agents[id]
	if !ok {
		return contracts.Agent{}, false
	}
	return a.Clone(), true
}

// Tenant returns every agent of the tenant, in any state, sorted by id.
func (s *Snapshot) Tenant(tenantID string) []contracts.Agent {
	if s == nil {
		return nil
	}
	var out []contracts.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of known agents.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.agents)
}
