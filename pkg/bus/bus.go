// Package bus is the constitutional message bus facade. Every message is
// validated, routed by impact, then either delivered at once or handed to
// the workflow orchestrator for deliberation, and every outcome is written
// to the audit ledger.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/constbus/pkg/audit"
	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/observability"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
	"github.com/Mindburn-Labs/constbus/pkg/routing"
	"github.com/Mindburn-Labs/constbus/pkg/validation"
	"github.com/Mindburn-Labs/constbus/pkg/workflow"
)

var (
	ErrClosed       = errors.New("bus: closed")
	ErrNilMessage   = errors.New("bus: nil message")
	ErrUnknownAgent = errors.New("bus: unknown agent")
)

// Config tunes the facade. Zero fields take defaults.
type Config struct {
	Workers         int64
	RateLimit       rate.Limit // per sending agent; 0 disables
	RateBurst       int
	MailboxSize     int
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	return c
}

// Components are the collaborators the bus drives. Nil fields get
// in-memory defaults bound to the bus constitution.
type Components struct {
	Registry        *registry.Registry
	Validator       *validation.Engine
	Router          *routing.Router
	Ledger          *audit.Ledger
	Approvals       *workflow.ApprovalManager
	Runner          *workflow.SagaRunner
	Workflow        workflow.OrchestratorConfig
	WorkflowOptions []workflow.OrchestratorOption
	Telemetry       *observability.Provider
}

// SendResult is what the caller learns about one message.
type SendResult struct {
	MessageID  string                     `json:"message_id"`
	Validation contracts.ValidationResult `json:"validation"`
	Decision   *contracts.RoutingDecision `json:"decision,omitempty"`
	InstanceID string                     `json:"instance_id,omitempty"`
	Recipients []string                   `json:"recipients,omitempty"`
	AuditEntry string                     `json:"audit_entry,omitempty"`
}

// Bus is safe for concurrent use.
type Bus struct {
	c         constitution.Constitution
	cfg       Config
	registry  *registry.Registry
	validator *validation.Engine
	router    *routing.Router
	ledger    *audit.Ledger
	orch      *workflow.Orchestrator
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time

	workers *semaphore.Weighted
	seq     *sequencer

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
	limiters  map[string]*rate.Limiter
	awaiting  map[string]*contracts.AgentMessage // message id -> deliberated message

	closeMu sync.RWMutex
	closed  atomic.Bool
}

type Option func(*Bus)

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

func WithClock(clock func() time.Time) Option { return func(b *Bus) { b.clock = clock } }

// New assembles a bus. The orchestrator is built here so that every
// instance transition is audited synchronously.
func New(c constitution.Constitution, comps Components, cfg Config, opts ...Option) (*Bus, error) {
	if c.IsZero() {
		return nil, errors.New("bus: constitution required")
	}
	b := &Bus{
		c:         c,
		cfg:       cfg.withDefaults(),
		registry:  comps.Registry,
		validator: comps.Validator,
		router:    comps.Router,
		ledger:    comps.Ledger,
		telemetry: comps.Telemetry,
		logger:    slog.Default().With("component", "bus"),
		clock:     time.Now,
		seq:       newSequencer(),
		mailboxes: make(map[string]*Mailbox),
		limiters:  make(map[string]*rate.Limiter),
		awaiting:  make(map[string]*contracts.AgentMessage),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.workers = semaphore.NewWeighted(b.cfg.Workers)

	if b.registry == nil {
		b.registry = registry.New(c)
	}
	if b.validator == nil {
		b.validator = validation.NewEngine(c)
	}
	if b.router == nil {
		r, err := routing.NewRouter(nil, routing.DefaultConfig())
		if err != nil {
			return nil, err
		}
		b.router = r
	}
	if b.ledger == nil {
		b.ledger = audit.NewLedger(c, audit.DefaultConfig())
	}

	wopts := append([]workflow.OrchestratorOption{workflow.WithEventHook(b.onInstanceEvent)}, comps.WorkflowOptions...)
	b.orch = workflow.NewOrchestrator(c, comps.Approvals, comps.Runner, comps.Workflow, wopts...)
	return b, nil
}

func (b *Bus) Constitution() constitution.Constitution { return b.c }
func (b *Bus) Registry() *registry.Registry            { return b.registry }
func (b *Bus) Router() *routing.Router                 { return b.router }
func (b *Bus) Ledger() *audit.Ledger                   { return b.ledger }
func (b *Bus) Orchestrator() *workflow.Orchestrator    { return b.orch }
func (b *Bus) Approvals() *workflow.ApprovalManager    { return b.orch.Approvals() }

// RegisterAgent registers an agent and opens its mailbox.
func (b *Bus) RegisterAgent(ctx context.Context, agent contracts.Agent) (contracts.Agent, error) {
	if b.closed.Load() {
		return contracts.Agent{}, ErrClosed
	}
	ctx, done := b.telemetry.TrackOperation(ctx, "bus.register_agent", observability.AttrTenantID.String(agent.TenantID))
	a, err := b.registry.Register(ctx, agent)
	done(err)
	if err != nil {
		return contracts.Agent{}, err
	}
	b.mailbox(a.ID)
	b.record(ctx, audit.Entry{
		Kind:      audit.KindAgent,
		Outcome:   audit.OutcomeRegistered,
		TenantID:  a.TenantID,
		FromAgent: a.ID,
		Metadata:  map[string]string{"agent_type": a.Type, "status": string(a.Status)},
	})
	return a, nil
}

func (b *Bus) ActivateAgent(ctx context.Context, id string) error {
	return b.lifecycle(ctx, id, contracts.AgentStatusActive, b.registry.Activate)
}

func (b *Bus) SuspendAgent(ctx context.Context, id string) error {
	return b.lifecycle(ctx, id, contracts.AgentStatusSuspended, b.registry.Suspend)
}

// UnregisterAgent also closes the agent's mailbox.
func (b *Bus) UnregisterAgent(ctx context.Context, id string) error {
	if err := b.lifecycle(ctx, id, contracts.AgentStatusUnregistered, b.registry.Unregister); err != nil {
		return err
	}
	b.mu.Lock()
	mb := b.mailboxes[id]
	delete(b.mailboxes, id)
	delete(b.limiters, id)
	b.mu.Unlock()
	if mb != nil {
		mb.close()
	}
	return nil
}

func (b *Bus) lifecycle(ctx context.Context, id string, to contracts.AgentStatus, fn func(context.Context, string) error) error {
	if err := fn(ctx, id); err != nil {
		return err
	}
	a, _ := b.registry.Get(id)
	b.record(ctx, audit.Entry{
		Kind:      audit.KindAgent,
		Outcome:   audit.OutcomeLifecycleChange,
		TenantID:  a.TenantID,
		FromAgent: id,
		Metadata:  map[string]string{"status": string(to)},
	})
	return nil
}

// Subscribe returns the agent's mailbox.
func (b *Bus) Subscribe(agentID string) (*Mailbox, error) {
	if _, ok := b.registry.Get(agentID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return b.mailbox(agentID), nil
}

func (b *Bus) mailbox(agentID string) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		mb = newMailbox(agentID, b.cfg.MailboxSize)
		b.mailboxes[agentID] = mb
	}
	return mb
}

// Feedback reports the outcome of a routed message back to the router.
func (b *Bus) Feedback(ctx context.Context, decisionID string, fb routing.Feedback) error {
	return b.router.RecordFeedback(ctx, decisionID, fb)
}

// SendMessage runs msg through validate, route and deliver or orchestrate.
// A rejected message returns its ValidationResult with a validation error.
func (b *Bus) SendMessage(ctx context.Context, msg *contracts.AgentMessage) (SendResult, error) {
	return b.send(ctx, "bus.send_message", msg, func(ctx context.Context, m *contracts.AgentMessage, sender contracts.Agent) (contracts.RoutingDecision, error) {
		return b.router.Route(ctx, m, routing.ScoreContext{TenantID: m.TenantID, SenderType: sender.Type})
	})
}

// BroadcastMessage fans msg out to every agent of msg.TenantID except the
// sender. Recipients never leave that tenant, whatever capabilities the
// sender holds.
func (b *Bus) BroadcastMessage(ctx context.Context, msg *contracts.AgentMessage) (SendResult, error) {
	if msg == nil {
		return SendResult{}, ErrNilMessage
	}
	m := msg.Clone()
	m.ToAgent = ""
	return b.send(ctx, "bus.broadcast_message", m, func(ctx context.Context, m *contracts.AgentMessage, sender contracts.Agent) (contracts.RoutingDecision, error) {
		return b.router.Route(ctx, m, routing.ScoreContext{TenantID: m.TenantID, SenderType: sender.Type})
	})
}

// SendAggregated routes msg on the stability-projected consensus of several
// agents' impact signals instead of the score provider.
func (b *Bus) SendAggregated(ctx context.Context, msg *contracts.AgentMessage, signals []float64, trust [][]float64) (SendResult, error) {
	return b.send(ctx, "bus.send_aggregated", msg, func(ctx context.Context, m *contracts.AgentMessage, _ contracts.Agent) (contracts.RoutingDecision, error) {
		d, _, err := b.router.RouteAggregated(ctx, m, signals, trust)
		return d, err
	})
}

type routeFunc func(ctx context.Context, msg *contracts.AgentMessage, sender contracts.Agent) (contracts.RoutingDecision, error)

func (b *Bus) send(ctx context.Context, op string, in *contracts.AgentMessage, route routeFunc) (res SendResult, err error) {
	if in == nil {
		return SendResult{}, ErrNilMessage
	}
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return SendResult{}, ErrClosed
	}

	msg := in.Clone()
	msg.ImpactScore = nil
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.clock().UTC()
	}
	res.MessageID = msg.ID

	ctx, done := b.telemetry.TrackOperation(ctx, op,
		observability.AttrTenantID.String(msg.TenantID),
		observability.AttrMessageType.String(string(msg.MessageType)),
	)
	defer func() { done(err) }()

	if err := b.workers.Acquire(ctx, 1); err != nil {
		return res, errorir.Transient(errorir.CodeDeliveryTimeout, "no worker available", err)
	}
	defer b.workers.Release(1)

	if err := b.throttle(ctx, msg.FromAgent); err != nil {
		return res, err
	}

	t := b.seq.take(msg.ConversationID)
	defer t.release()

	snap := b.registry.Snapshot()
	res.Validation = b.validator.Validate(msg, snap)
	if !res.Validation.IsValid() {
		res.AuditEntry = b.rejected(ctx, msg, res.Validation)
		return res, errorir.Validation(res.Validation.FirstRule(), res.Validation.Reason())
	}

	sender, _ := snap.Agent(msg.FromAgent)
	decision, err := route(ctx, msg, sender)
	if err != nil {
		return res, fmt.Errorf("route %s: %w", msg.ID, err)
	}
	res.Decision = &decision
	msg = msg.WithImpactScore(decision.ImpactScore)
	b.telemetry.RecordRoute(ctx, string(decision.Lane), string(decision.ImpactLevel))

	if decision.Lane == contracts.LaneDeliberation {
		t.release()
		b.mu.Lock()
		b.awaiting[msg.ID] = msg
		b.mu.Unlock()
		id, err := b.orch.Submit(ctx, msg, decision)
		if err != nil {
			b.mu.Lock()
			delete(b.awaiting, msg.ID)
			b.mu.Unlock()
			return res, fmt.Errorf("orchestrate %s: %w", msg.ID, err)
		}
		res.InstanceID = id
		return res, nil
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()
	if err := t.wait(dctx); err != nil {
		werr := errorir.Transient(errorir.CodeDeliveryTimeout, "conversation "+msg.ConversationID+" blocked by an earlier message", err)
		res.AuditEntry = b.record(ctx, b.messageEntry(msg, decision, audit.OutcomeFailed, werr.Error()))
		return res, werr
	}
	recipients, derr := b.deliver(dctx, msg, snap)
	res.Recipients = recipients
	t.release()

	outcome := audit.OutcomeDelivered
	if msg.IsBroadcast() {
		outcome = audit.OutcomeBroadcast
	}
	reason := ""
	if derr != nil {
		reason = derr.Error()
		if len(recipients) == 0 {
			outcome = audit.OutcomeFailed
		}
	}
	e := b.messageEntry(msg, decision, outcome, reason)
	e.Metadata = map[string]string{"recipients": fmt.Sprint(len(recipients))}
	res.AuditEntry = b.record(ctx, e)
	return res, derr
}

// throttle applies the sender's rate limit. Unknown senders are left to
// validation, so forged ids never get a limiter.
func (b *Bus) throttle(ctx context.Context, agentID string) error {
	if b.cfg.RateLimit <= 0 || agentID == "" {
		return nil
	}
	if _, ok := b.registry.Get(agentID); !ok {
		return nil
	}
	b.mu.Lock()
	lim, ok := b.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(b.cfg.RateLimit, b.cfg.RateBurst)
		b.limiters[agentID] = lim
	}
	b.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()
	if err := lim.Wait(wctx); err != nil {
		return errorir.Transient(errorir.CodeRateLimited, "agent "+agentID+" exceeded its send rate", err)
	}
	return nil
}

// deliver hands copies of msg to its recipients. Broadcast recipients are
// the receivable agents of msg.TenantID other than the sender.
func (b *Bus) deliver(ctx context.Context, msg *contracts.AgentMessage, snap *registry.Snapshot) ([]string, error) {
	var targets []string
	if msg.IsBroadcast() {
		for _, a := range snap.Tenant(msg.TenantID) {
			if a.ID != msg.FromAgent && a.TenantID == msg.TenantID && a.CanReceive() {
				targets = append(targets, a.ID)
			}
		}
	} else {
		targets = []string{msg.ToAgent}
	}

	var (
		delivered []string
		errs      []error
	)
	for _, id := range targets {
		if err := b.mailbox(id).deliver(ctx, msg.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		delivered = append(delivered, id)
	}
	if len(errs) > 0 {
		return delivered, errorir.Transient(errorir.CodeDeliveryTimeout,
			fmt.Sprintf("%d of %d recipients not reached", len(errs), len(targets)), errors.Join(errs...))
	}
	return delivered, nil
}

// Instance returns the workflow state of a deliberated message.
func (b *Bus) Instance(id string) (workflow.Instance, error) { return b.orch.Status(id) }

// Wait blocks until a deliberated message's workflow is terminal. An
// approved message has been delivered by the time Wait returns.
func (b *Bus) Wait(ctx context.Context, instanceID string) (workflow.Instance, error) {
	return b.orch.Wait(ctx, instanceID)
}

func (b *Bus) Cancel(instanceID string) error { return b.orch.Cancel(instanceID) }

// Close stops accepting messages, cancels open workflows, seals the open
// audit batch and makes a last anchoring pass.
func (b *Bus) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	var errs []error
	if err := b.orch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}

	if _, err := b.ledger.SealBatch(ctx); err != nil && !errors.Is(err, audit.ErrEmptyBatch) {
		errs = append(errs, fmt.Errorf("seal audit batch: %w", err))
	}
	if _, err := b.ledger.AnchorPending(ctx); err != nil {
		errs = append(errs, fmt.Errorf("anchor audit batches: %w", err))
	}

	b.mu.Lock()
	for id, mb := range b.mailboxes {
		mb.close()
		delete(b.mailboxes, id)
	}
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "bus closed", "router", b.router.Stats())
	return errors.Join(errs...)
}
