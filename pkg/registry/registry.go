// Package registry owns the agents known to the bus.
//
// Writes are serialised under a mutex and publish a fresh immutable
// Snapshot; readers (validation, broadcast fan-out) work from a snapshot and
// never block writers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

var (
	ErrAgentNotFound            = errors.New("registry: agent not found")
	ErrAgentExists              = errors.New("registry: agent already registered")
	ErrInvalidAgent             = errors.New("registry: agent id and tenant id are required")
	ErrIncompatibleConstitution = errors.New("registry: incompatible constitution version")
	ErrInvalidTransition        = errors.New("registry: invalid lifecycle transition")
)

// CapabilityResolver resolves an agent's capability set from an identity
// connector. The registry consumes only the resulting set.
type CapabilityResolver interface {
	Resolve(ctx context.Context, agentID, tenantID string) (map[string]bool, error)
}

// Store persists agents. Save is an upsert.
type Store interface {
	Save(ctx context.Context, agent contracts.Agent) error
	LoadAll(ctx context.Context) ([]contracts.Agent, error)
}

// Registry is the agent registry.
type Registry struct {
	mu           sync.Mutex
	agents       map[string]contracts.Agent
	snap         atomic.Pointer[Snapshot]
	constitution constitution.Constitution
	resolver     CapabilityResolver
	store        Store
	clock        func() time.Time
	logger       *slog.Logger
}

type Option func(*Registry)

func WithResolver(r CapabilityResolver) Option { return func(reg *Registry) { reg.resolver = r } }

func WithStore(s Store) Option { return func(reg *Registry) { reg.store = s } }

func WithClock(clock func() time.Time) Option { return func(reg *Registry) { reg.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(reg *Registry) { reg.logger = l } }

// New creates a registry bound to the running constitution.
func New(c constitution.Constitution, opts ...Option) *Registry {
	r := &Registry{
		agents:       make(map[string]contracts.Agent),
		constitution: c,
		clock:        time.Now,
		logger:       slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publish()
	return r
}

// Load restores agents from the store, replacing in-memory state.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.LoadAll(ctx)
	if err != nil {
		return errorir.Transient(errorir.CodeRegistryUnavailable, "load agents", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]contracts.Agent, len(agents))
	for _, a := range agents {
		r.agents[a.ID] = a.Clone()
	}
	r.publish()
	r.logger.InfoContext(ctx, "agents loaded", "count", len(agents))
	return nil
}

// Register adds an agent in the registered state. An unregistered agent may
// register again; any other existing id is rejected.
func (r *Registry) Register(ctx context.Context, agent contracts.Agent) (contracts.Agent, error) {
	if agent.ID == "" || agent.TenantID == "" {
		return contracts.Agent{}, ErrInvalidAgent
	}
	ok, err := r.constitution.Compatible(agent.ConstitutionVersion)
	if err != nil {
		return contracts.Agent{}, fmt.Errorf("%w: %v", ErrIncompatibleConstitution, err)
	}
	if !ok {
		return contracts.Agent{}, fmt.Errorf("%w: agent declares %s, bus runs %s",
			ErrIncompatibleConstitution, agent.ConstitutionVersion, r.constitution.Version())
	}

	a := agent.Clone()
	if r.resolver != nil {
		resolved, err := r.resolver.Resolve(ctx, a.ID, a.TenantID)
		if err != nil {
			return contracts.Agent{}, errorir.Transient(errorir.CodeRegistryUnavailable, "resolve capabilities for "+a.ID, err)
		}
		if a.Capabilities == nil {
			a.Capabilities = make(map[string]bool, len(resolved))
		}
		for c, v := range resolved {
			if v {
				a.Capabilities[c] = true
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.agents[a.ID]; found && existing.Status != contracts.AgentStatusUnregistered {
		return contracts.Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}
	a.Status = contracts.AgentStatusRegistered
	a.RegisteredAt = r.clock().UTC()

	if err := r.persist(ctx, a); err != nil {
		return contracts.Agent{}, err
	}
	r.agents[a.ID] = a
	r.publish()

	r.logger.InfoContext(ctx, "agent registered", "agent_id", a.ID, "tenant_id", a.TenantID, "capabilities", a.CapabilityList())
	return a.Clone(), nil
}

// Activate moves a registered or suspended agent to active.
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.transition(ctx, id, contracts.AgentStatusActive,
		contracts.AgentStatusRegistered, contracts.AgentStatusSuspended)
}

// Suspend blocks an agent from sending or receiving.
func (r *Registry) Suspend(ctx context.Context, id string) error {
	return r.transition(ctx, id, contracts.AgentStatusSuspended,
		contracts.AgentStatusRegistered, contracts.AgentStatusActive)
}

// Unregister retires an agent. The record is kept for audit.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.transition(ctx, id, contracts.AgentStatusUnregistered,
		contracts.AgentStatusRegistered, contracts.AgentStatusActive, contracts.AgentStatusSuspended)
}

func (r *Registry) transition(ctx context.Context, id string, to contracts.AgentStatus, from ...contracts.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	allowed := false
	for _, f := range from {
		if a.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, a.Status, to)
	}

	prev := a.Status
	a.Status = to
	if err := r.persist(ctx, a); err != nil {
		return err
	}
	r.agents[id] = a
	r.publish()

	r.logger.InfoContext(ctx, "agent status changed", "agent_id", id, "from", prev, "to", to)
	return nil
}

func (r *Registry) persist(ctx context.Context, a contracts.Agent) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, a); err != nil {
		return errorir.Transient(errorir.CodeRegistryUnavailable, "persist agent "+a.ID, err)
	}
	return nil
}

// publish rebuilds the snapshot. Caller holds mu (or is the constructor).
func (r *Registry) publish() {
	agents := make(map[string]contracts.Agent, len(r.agents))
	for id, a := range r.agents {
		agents[id] = a.Clone()
	}
	r.snap.Store(&Snapshot{agents: agents})
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (contracts.Agent, bool) {
	return r.Snapshot().Agent(id)
}

// ListByTenant returns the tenant's agents sorted by id.
func (r *Registry) ListByTenant(tenantID string) []contracts.Agent {
	return r.Snapshot().Tenant(tenantID)
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}
