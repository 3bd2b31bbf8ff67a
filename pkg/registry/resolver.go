package registry

import "context"

// StaticResolver grants fixed capabilities per agent id, with an optional
// per-tenant default.
type StaticResolver struct {
	ByAgent  map[string][]string
	ByTenant map[string][]string
}

func (s StaticResolver) Resolve(_ context.Context, agentID, tenantID string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, c := range s.ByTenant[tenantID] {
		out[c] = true
	}
	for _, c := range s.ByAgent[agentID] {
		out[c] = true
	}
	return out, nil
}
