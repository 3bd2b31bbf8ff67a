package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

// InstanceStatus is the lifecycle of a workflow instance.
type InstanceStatus string

const (
	InstancePendingApproval InstanceStatus = "pending_approval"
	InstanceRunning         InstanceStatus = "running"
	InstanceCompleted       InstanceStatus = "completed"
	InstanceDenied          InstanceStatus = "denied"
	InstanceFailed          InstanceStatus = "failed"
	InstanceCancelled       InstanceStatus = "cancelled"
	InstanceNeedsAttention  InstanceStatus = "needs_attention"
)

// Terminal reports whether the instance will not change again.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceDenied, InstanceFailed, InstanceCancelled, InstanceNeedsAttention:
		return true
	}
	return false
}

// Instance is the observable state of one submitted message's workflow.
type Instance struct {
	ID        string                    `json:"id"`
	MessageID string                    `json:"message_id"`
	TenantID  string                    `json:"tenant_id"`
	Status    InstanceStatus            `json:"status"`
	Reason    string                    `json:"reason,omitempty"`
	Decision  contracts.RoutingDecision `json:"decision"`
	Approval  *ApprovalResult           `json:"approval,omitempty"`
	Saga      *SagaReport               `json:"saga,omitempty"`
	DAG       *DAGReport                `json:"dag,omitempty"`
	Recovery  *RecoveryReport           `json:"recovery,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// InstanceEvent is published on every status change.
type InstanceEvent struct {
	InstanceID string         `json:"instance_id"`
	MessageID  string         `json:"message_id"`
	TenantID   string         `json:"tenant_id"`
	Status     InstanceStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
	Instance   Instance       `json:"instance"`
}

// Action builds the governance saga run for an approved message.
type Action func(msg *contracts.AgentMessage) (*Saga, error)

// DAGAction builds a governance graph run for an approved message.
type DAGAction func(msg *contracts.AgentMessage) (*DAG, error)

// OrchestratorConfig tunes approvals for deliberated messages. Retention is
// how long a finished instance stays queryable before it is evicted along
// with its approval request.
type OrchestratorConfig struct {
	OnTimeout       TimeoutPolicy
	EscalationTiers []string
	VoteQuorum      int
	EventBuffer     int
	Retention       time.Duration
}

var (
	ErrInstanceNotFound = errors.New("workflow: instance not found")
	ErrClosed           = errors.New("workflow: orchestrator closed")
)

type instanceState struct {
	inst   Instance
	msg    *contracts.AgentMessage
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns workflow instances from submission to a terminal status.
type Orchestrator struct {
	constitution constitution.Constitution
	approvals    *ApprovalManager
	runner       *SagaRunner
	recovery     RecoveryPolicy
	cfg          OrchestratorConfig
	clock        func() time.Time
	logger       *slog.Logger

	mu        sync.RWMutex
	instances  map[string]*instanceState
	actions    map[contracts.MessageType]Action
	dagActions map[contracts.MessageType]DAGAction
	prunedAt   time.Time
	hooks     []func(InstanceEvent)
	closed    bool
	wg        sync.WaitGroup

	events chan InstanceEvent
}

type OrchestratorOption func(*Orchestrator)

func WithRecoveryPolicy(p RecoveryPolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.recovery = p }
}

// WithEventHook registers fn to be called synchronously for every event,
// before it is published on Events.
func WithEventHook(fn func(InstanceEvent)) OrchestratorOption {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, fn) }
}

func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func WithOrchestratorClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

func NewOrchestrator(c constitution.Constitution, approvals *ApprovalManager, runner *SagaRunner, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = TimeoutDeny
	}
	if cfg.VoteQuorum <= 0 {
		cfg.VoteQuorum = 2
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}
	if approvals == nil {
		approvals = NewApprovalManager()
	}
	if runner == nil {
		runner = NewSagaRunner(c)
	}
	o := &Orchestrator{
		constitution: c,
		approvals:    approvals,
		runner:       runner,
		recovery:     DefaultRecoveryPolicy(),
		cfg:          cfg,
		clock:        time.Now,
		logger:       slog.Default().With("component", "orchestrator"),
		instances:    make(map[string]*instanceState),
		actions:      make(map[contracts.MessageType]Action),
		dagActions:   make(map[contracts.MessageType]DAGAction),
		events:       make(chan InstanceEvent, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newInstanceID() string { return "wf-" + uuid.NewString() }

// Approvals exposes the approval manager so callers can resolve requests.
func (o *Orchestrator) Approvals() *ApprovalManager { return o.approvals }

// RegisterAction sets the governance saga for a message type, replacing any
// saga or graph action registered before.
func (o *Orchestrator) RegisterAction(mt contracts.MessageType, a Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.dagActions, mt)
	o.actions[mt] = a
}

// RegisterDAGAction sets a graph action for a message type, replacing any
// saga or graph action registered before.
func (o *Orchestrator) RegisterDAGAction(mt contracts.MessageType, a DAGAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.actions, mt)
	o.dagActions[mt] = a
}

// Events is the asynchronous status channel. Events are dropped, with a
// warning, when nobody drains it.
func (o *Orchestrator) Events() <-chan InstanceEvent { return o.events }

// Submit creates a workflow instance for msg and starts it in the
// background. Deliberation decisions wait for approval first. The returned
// id is valid for Status, Wait and Cancel.
func (o *Orchestrator) Submit(ctx context.Context, msg *contracts.AgentMessage, decision contracts.RoutingDecision) (string, error) {
	if msg == nil {
		return "", errors.New("workflow: nil message")
	}
	if !o.constitution.Matches(msg.ConstitutionalHash) {
		return "", errorir.Integrity(errorir.CodeConstitutionMismatch, "message "+msg.ID+" does not carry the running constitutional hash")
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	now := o.clock().UTC()
	var evicted []string
	if now.Sub(o.prunedAt) >= o.cfg.Retention/2 {
		evicted = o.pruneLocked(now)
	}
	id := newInstanceID()
	ictx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &instanceState{
		inst: Instance{
			ID:        id,
			MessageID: msg.ID,
			TenantID:  msg.TenantID,
			Status:    InstanceRunning,
			Decision:  decision,
			CreatedAt: now,
			UpdatedAt: now,
		},
		msg:    msg.Clone(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if decision.Lane == contracts.LaneDeliberation {
		st.inst.Status = InstancePendingApproval
	}
	o.instances[id] = st
	o.wg.Add(1)
	o.mu.Unlock()
	o.forget(evicted)

	o.publish(st.inst)
	go o.run(ictx, st)
	return id, nil
}

func (o *Orchestrator) run(ctx context.Context, st *instanceState) {
	defer o.wg.Done()
	defer close(st.done)
	defer st.cancel()

	id := st.inst.ID
	if st.inst.Decision.Lane == contracts.LaneDeliberation {
		res, ok := o.awaitApproval(ctx, st)
		if !ok {
			return
		}
		if !res.Status.Allowed() {
			status := InstanceDenied
			if res.Status == ApprovalCancelled {
				status = InstanceCancelled
			}
			o.update(id, func(i *Instance) {
				i.Status = status
				i.Reason = res.Reason
				i.Approval = &res
			})
			return
		}
		o.update(id, func(i *Instance) {
			i.Status = InstanceRunning
			i.Reason = res.Reason
			i.Approval = &res
		})
	}

	o.mu.RLock()
	action := o.actions[st.msg.MessageType]
	dagAction := o.dagActions[st.msg.MessageType]
	o.mu.RUnlock()
	switch {
	case action != nil:
		o.runSaga(ctx, st, action)
	case dagAction != nil:
		o.runDAG(ctx, st, dagAction)
	default:
		o.update(id, func(i *Instance) { i.Status = InstanceCompleted })
	}
}

func (o *Orchestrator) runSaga(ctx context.Context, st *instanceState, action Action) {
	id := st.inst.ID
	saga, err := action(st.msg)
	if err != nil {
		o.update(id, func(i *Instance) {
			i.Status = InstanceFailed
			i.Reason = "build action: " + err.Error()
		})
		return
	}
	if err := ctx.Err(); err != nil {
		o.update(id, func(i *Instance) {
			i.Status = InstanceCancelled
			i.Reason = "cancelled before action"
		})
		return
	}

	report := o.runner.Run(ctx, saga)
	if report.Succeeded() {
		o.update(id, func(i *Instance) {
			i.Status = InstanceCompleted
			i.Saga = &report
		})
		return
	}

	failure := report.Err
	if report.CompensationErr != nil {
		failure = report.CompensationErr
	}
	rec := o.recovery.Recover(ctx, id, failure, nil)
	status := InstanceFailed
	switch {
	case rec.Escalated:
		status = InstanceNeedsAttention
	case ctx.Err() != nil:
		status = InstanceCancelled
	}
	o.update(id, func(i *Instance) {
		i.Status = status
		i.Reason = failure.Error()
		i.Saga = &report
		i.Recovery = &rec
	})
}

// runDAG executes a graph action. Failed nodes leave their dependents
// skipped; the partial report is kept on the instance either way.
func (o *Orchestrator) runDAG(ctx context.Context, st *instanceState, action DAGAction) {
	id := st.inst.ID
	dag, err := action(st.msg)
	if err != nil {
		o.update(id, func(i *Instance) {
			i.Status = InstanceFailed
			i.Reason = "build action: " + err.Error()
		})
		return
	}
	if err := ctx.Err(); err != nil {
		o.update(id, func(i *Instance) {
			i.Status = InstanceCancelled
			i.Reason = "cancelled before action"
		})
		return
	}

	report := dag.Run(ctx)
	if report.Err == nil {
		o.update(id, func(i *Instance) {
			i.Status = InstanceCompleted
			i.DAG = &report
		})
		return
	}
	if report.Cancelled {
		o.update(id, func(i *Instance) {
			i.Status = InstanceCancelled
			i.Reason = report.Err.Error()
			i.DAG = &report
		})
		return
	}
	rec := o.recovery.Recover(ctx, id, report.Err, nil)
	status := InstanceFailed
	if rec.Escalated {
		status = InstanceNeedsAttention
	}
	o.update(id, func(i *Instance) {
		i.Status = status
		i.Reason = report.Err.Error()
		i.DAG = &report
		i.Recovery = &rec
	})
}

// awaitApproval requests approval and waits for it. It returns false when
// the instance was already finalised.
func (o *Orchestrator) awaitApproval(ctx context.Context, st *instanceState) (ApprovalResult, bool) {
	d := st.inst.Decision
	quorum := 1
	if d.RequiresMultiAgentVote {
		quorum = o.cfg.VoteQuorum
	}
	spec := ApprovalSpec{
		InstanceID:  st.inst.ID,
		MessageID:   st.msg.ID,
		TenantID:    st.msg.TenantID,
		Summary:     fmt.Sprintf("%s from %s (impact %.2f, %s)", st.msg.MessageType, st.msg.FromAgent, d.ImpactScore, d.ImpactLevel),
		RiskFactors: d.RiskFactors,
		Timeout:     d.Timeout(),
		Quorum:      quorum,
		OnTimeout:   o.cfg.OnTimeout,
		Tiers:       o.cfg.EscalationTiers,
	}
	if _, err := o.approvals.Request(ctx, spec); err != nil {
		if errors.Is(err, ErrApprovalExists) || errors.Is(err, ErrMissingInstanceID) {
			o.update(st.inst.ID, func(i *Instance) {
				i.Status = InstanceFailed
				i.Reason = err.Error()
			})
			return ApprovalResult{}, false
		}
		rec := o.recovery.Recover(ctx, st.inst.ID, err, func(ctx context.Context, _ int) error {
			return o.approvals.Renotify(ctx, st.inst.ID)
		})
		if !rec.Proceed {
			o.approvals.Cancel(st.inst.ID, "approval channel unavailable")
			res, _ := o.approvals.result(st.inst.ID)
			o.update(st.inst.ID, func(i *Instance) {
				i.Status = InstanceDenied
				i.Reason = "approval channel unavailable; denied"
				i.Approval = &res
				i.Recovery = &rec
			})
			return ApprovalResult{}, false
		}
		o.update(st.inst.ID, func(i *Instance) { i.Recovery = &rec })
	}

	res, err := o.approvals.Await(ctx, st.inst.ID)
	if err != nil {
		o.update(st.inst.ID, func(i *Instance) {
			i.Status = InstanceFailed
			i.Reason = err.Error()
		})
		return ApprovalResult{}, false
	}
	return res, true
}

func (o *Orchestrator) update(id string, fn func(*Instance)) {
	o.mu.Lock()
	st, ok := o.instances[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	fn(&st.inst)
	st.inst.UpdatedAt = o.clock().UTC()
	inst := st.inst
	o.mu.Unlock()
	o.publish(inst)
}

func (o *Orchestrator) publish(inst Instance) {
	ev := InstanceEvent{
		InstanceID: inst.ID,
		MessageID:  inst.MessageID,
		TenantID:   inst.TenantID,
		Status:     inst.Status,
		Reason:     inst.Reason,
		At:         inst.UpdatedAt,
		Instance:   inst,
	}
	for _, h := range o.hooks {
		h(ev)
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("instance event dropped, channel full", "instance_id", inst.ID, "status", inst.Status)
	}
	if inst.Status.Terminal() {
		o.logger.Info("workflow instance finished", "instance_id", inst.ID, "status", inst.Status, "reason", inst.Reason)
	}
}

// Status returns the current state of an instance.
func (o *Orchestrator) Status(id string) (Instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return st.inst, nil
}

// Wait blocks until the instance is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Instance, error) {
	o.mu.RLock()
	st, ok := o.instances[id]
	o.mu.RUnlock()
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	select {
	case <-st.done:
		return o.Status(id)
	case <-ctx.Done():
		return Instance{}, ctx.Err()
	}
}

// Cancel stops an instance. A pending approval resolves as cancelled; a
// running saga compensates its completed steps.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	st, ok := o.instances[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	st.cancel()
	return nil
}

// Prune evicts every finished instance older than the retention window and
// forgets its approval request. It returns how many were evicted. Submit
// prunes on its own at most twice per window.
func (o *Orchestrator) Prune() int {
	o.mu.Lock()
	evicted := o.pruneLocked(o.clock().UTC())
	o.mu.Unlock()
	o.forget(evicted)
	return len(evicted)
}

func (o *Orchestrator) pruneLocked(now time.Time) []string {
	o.prunedAt = now
	var evicted []string
	for id, st := range o.instances {
		if !st.inst.Status.Terminal() || now.Sub(st.inst.UpdatedAt) < o.cfg.Retention {
			continue
		}
		select {
		case <-st.done:
		default:
			continue
		}
		delete(o.instances, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func (o *Orchestrator) forget(ids []string) {
	for _, id := range ids {
		o.approvals.Forget(id)
	}
	if len(ids) > 0 {
		o.logger.Debug("evicted finished instances", "count", len(ids))
	}
}

// Close cancels every instance and waits for them to finish compensating.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, st := range o.instances {
		st.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
