package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

func govMessage(id string) *contracts.AgentMessage {
	return &contracts.AgentMessage{
		ID:                 id,
		FromAgent:          "planner",
		ToAgent:            "executor",
		MessageType:        contracts.MessageTypeGovernanceRequest,
		ConstitutionalHash: constitution.DefaultHash,
		TenantID:           "t1",
	}
}

func deliberation(timeout time.Duration, vote bool) contracts.RoutingDecision {
	return contracts.RoutingDecision{
		DecisionID:             "d",
		Lane:                   contracts.LaneDeliberation,
		ImpactScore:            0.9,
		ImpactLevel:            contracts.ImpactHigh,
		RequiresHumanReview:    true,
		RequiresMultiAgentVote: vote,
		TimeoutSeconds:         timeout.Seconds(),
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []InstanceEvent
}

func (l *eventLog) hook(ev InstanceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) statuses(id string) []InstanceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []InstanceStatus
	for _, ev := range l.events {
		if ev.InstanceID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, *eventLog, *atomic.Int32) {
	t.Helper()
	log := &eventLog{}
	o := NewOrchestrator(constitution.Default(), NewApprovalManager(), newTestRunner(), cfg,
		append([]OrchestratorOption{WithEventHook(log.hook)}, opts...)...)
	var runs atomic.Int32
	o.RegisterAction(contracts.MessageTypeGovernanceRequest, func(msg *contracts.AgentMessage) (*Saga, error) {
		return NewSaga("apply-"+msg.ID, msg.ConstitutionalHash, Step{
			Name:                        "apply",
			RequiresConstitutionalCheck: true,
			Execute:                     func(context.Context) error { runs.Add(1); return nil },
		})
	})
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o, log, &runs
}

func waitInstance(t *testing.T, o *Orchestrator, id string) Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func TestOrchestrator_FastLaneRunsAction(t *testing.T) {
	o, log, runs := newTestOrchestrator(t, OrchestratorConfig{})
	id, err := o.Submit(context.Background(), govMessage("m1"), contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)

	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceCompleted, inst.Status)
	require.NotNil(t, inst.Saga)
	assert.True(t, inst.Saga.Succeeded())
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, []InstanceStatus{InstanceRunning, InstanceCompleted}, log.statuses(id))
}

func TestOrchestrator_ApprovedDeliberation(t *testing.T) {
	o, log, runs := newTestOrchestrator(t, OrchestratorConfig{})
	ctx := context.Background()
	id, err := o.Submit(ctx, govMessage("m2"), deliberation(time.Minute, false))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.Approvals().PendingCount() == 1 }, time.Second, time.Millisecond)
	st, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, InstancePendingApproval, st.Status)

	require.NoError(t, o.Approvals().Resolve(ctx, id, Vote{Reviewer: "alice", Decision: DecisionApprove}))
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceCompleted, inst.Status)
	require.NotNil(t, inst.Approval)
	assert.Equal(t, ApprovalApproved, inst.Approval.Status)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, []InstanceStatus{InstancePendingApproval, InstanceRunning, InstanceCompleted}, log.statuses(id))

	ev := <-o.Events()
	assert.Equal(t, id, ev.InstanceID)
}

func TestOrchestrator_TimeoutDenies(t *testing.T) {
	o, _, runs := newTestOrchestrator(t, OrchestratorConfig{})
	id, err := o.Submit(context.Background(), govMessage("m3"), deliberation(30*time.Millisecond, true))
	require.NoError(t, err)

	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceDenied, inst.Status)
	require.NotNil(t, inst.Approval)
	assert.Equal(t, ApprovalTimedOut, inst.Approval.Status)
	assert.Equal(t, int32(0), runs.Load())
}

func TestOrchestrator_VoteNeedsQuorum(t *testing.T) {
	o, _, runs := newTestOrchestrator(t, OrchestratorConfig{VoteQuorum: 2})
	ctx := context.Background()
	id, err := o.Submit(ctx, govMessage("m4"), deliberation(time.Minute, true))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Approvals().PendingCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, o.Approvals().Resolve(ctx, id, Vote{Reviewer: "agent-a", Decision: DecisionApprove}))
	st, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, InstancePendingApproval, st.Status)

	require.NoError(t, o.Approvals().Resolve(ctx, id, Vote{Reviewer: "agent-b", Decision: DecisionApprove}))
	assert.Equal(t, InstanceCompleted, waitInstance(t, o, id).Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestOrchestrator_CancelPendingApproval(t *testing.T) {
	o, _, runs := newTestOrchestrator(t, OrchestratorConfig{})
	id, err := o.Submit(context.Background(), govMessage("m5"), deliberation(time.Minute, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Approvals().PendingCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, o.Cancel(id))
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceCancelled, inst.Status)
	assert.Equal(t, int32(0), runs.Load())
	assert.ErrorIs(t, o.Cancel("missing"), ErrInstanceNotFound)
}

func TestOrchestrator_CompensationFailureNeedsAttention(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	o.RegisterAction(contracts.MessageTypeCommand, func(msg *contracts.AgentMessage) (*Saga, error) {
		return NewSaga("cmd-"+msg.ID, msg.ConstitutionalHash,
			Step{
				Name:         "lock",
				Execute:      func(context.Context) error { return nil },
				Compensation: &Compensation{Name: "unlock", Run: func(context.Context) error { return errors.New("lock lost") }},
			},
			Step{Name: "write", Execute: func(context.Context) error { return errors.New("disk full") }},
		)
	})
	msg := govMessage("m6")
	msg.MessageType = contracts.MessageTypeCommand

	id, err := o.Submit(context.Background(), msg, contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceNeedsAttention, inst.Status)
	require.NotNil(t, inst.Recovery)
	assert.Equal(t, StrategyEscalate, inst.Recovery.Strategy)
	assert.Equal(t, "lock", inst.Saga.CompensationFailed)
}

func TestOrchestrator_StepFailureFailsClosed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	o.RegisterAction(contracts.MessageTypeCommand, func(msg *contracts.AgentMessage) (*Saga, error) {
		return NewSaga("cmd-"+msg.ID, msg.ConstitutionalHash,
			Step{Name: "write", Execute: func(context.Context) error { return errors.New("disk full") }})
	})
	msg := govMessage("m7")
	msg.MessageType = contracts.MessageTypeCommand

	id, err := o.Submit(context.Background(), msg, contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceFailed, inst.Status)
	assert.Equal(t, StrategyFailClosed, inst.Recovery.Strategy)
	assert.Contains(t, inst.Reason, "disk full")
}

func TestOrchestrator_UnreachableApprovalChannelDenies(t *testing.T) {
	ch := &recordingChannel{err: errors.New("pager down")}
	recovery := DefaultRecoveryPolicy().WithBackoff(retry.BackoffPolicy{PolicyID: "t", BaseMs: 1, MaxMs: 1, MaxAttempts: 2})
	o := NewOrchestrator(constitution.Default(), NewApprovalManager(WithApprovalChannel(ch)), newTestRunner(),
		OrchestratorConfig{}, WithRecoveryPolicy(recovery))
	defer func() { _ = o.Close(context.Background()) }()

	id, err := o.Submit(context.Background(), govMessage("m8"), deliberation(time.Minute, false))
	require.NoError(t, err)
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceDenied, inst.Status)
	require.NotNil(t, inst.Recovery)
	assert.Equal(t, StrategyRetryWithBackoff, inst.Recovery.Strategy)
	assert.False(t, inst.Recovery.Proceed)
	assert.Len(t, ch.requests(), 3)
}

func TestOrchestrator_RejectsForeignConstitution(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	msg := govMessage("m9")
	msg.ConstitutionalHash = "0000000000000000"
	_, err := o.Submit(context.Background(), msg, contracts.RoutingDecision{Lane: contracts.LaneFast})
	assert.ErrorIs(t, err, errorir.ErrIntegrity)
}

func TestOrchestrator_NoActionCompletes(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	msg := govMessage("m10")
	msg.MessageType = contracts.MessageTypeQuery
	id, err := o.Submit(context.Background(), msg, contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceCompleted, inst.Status)
	assert.Nil(t, inst.Saga)
}

func TestOrchestrator_ClosedRejectsSubmit(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	require.NoError(t, o.Close(context.Background()))
	_, err := o.Submit(context.Background(), govMessage("m11"), contracts.RoutingDecision{Lane: contracts.LaneFast})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.Status("nope")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestOrchestrator_EvictsFinishedInstancesAfterRetention(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{Retention: time.Minute}, WithOrchestratorClock(clock.Now))
	ctx := context.Background()

	fast, err := o.Submit(ctx, govMessage("r1"), contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, waitInstance(t, o, fast).Status)

	denied, err := o.Submit(ctx, govMessage("r2"), deliberation(20*time.Millisecond, false))
	require.NoError(t, err)
	assert.Equal(t, InstanceDenied, waitInstance(t, o, denied).Status)
	_, err = o.Approvals().Get(denied)
	require.NoError(t, err)

	pending, err := o.Submit(ctx, govMessage("r3"), deliberation(time.Minute, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Approvals().PendingCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, o.Prune(), "nothing is older than the retention window yet")

	clock.advance(2 * time.Minute)
	assert.Equal(t, 2, o.Prune())
	_, err = o.Status(fast)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = o.Approvals().Get(denied)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	st, err := o.Status(pending)
	require.NoError(t, err)
	assert.Equal(t, InstancePendingApproval, st.Status)

	// Submit sweeps on its own once the window has moved on.
	require.NoError(t, o.Cancel(pending))
	assert.Equal(t, InstanceCancelled, waitInstance(t, o, pending).Status)
	clock.advance(2 * time.Minute)
	_, err = o.Submit(ctx, govMessage("r4"), contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	_, err = o.Status(pending)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = o.Approvals().Get(pending)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestOrchestrator_DAGAction(t *testing.T) {
	o, _, runs := newTestOrchestrator(t, OrchestratorConfig{})
	o.RegisterDAGAction(contracts.MessageTypeGovernanceRequest, func(msg *contracts.AgentMessage) (*DAG, error) {
		return NewDAG([]Node{
			constNode("plan", "plan-"+msg.ID),
			{ID: "apply", DependsOn: []string{"plan"}, Execute: func(_ context.Context, in map[string]any) (any, error) {
				return in["plan"], nil
			}},
		})
	})

	id, err := o.Submit(context.Background(), govMessage("g1"), deliberation(time.Minute, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Approvals().PendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, o.Approvals().Resolve(context.Background(), id, Vote{Reviewer: "alice", Decision: DecisionApprove}))

	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceCompleted, inst.Status)
	assert.Nil(t, inst.Saga)
	require.NotNil(t, inst.DAG)
	assert.Equal(t, "plan-g1", inst.DAG.Results["apply"].Output)
	assert.Equal(t, int32(0), runs.Load(), "the graph action replaces the saga action")
}

func TestOrchestrator_FailedDAGFailsClosed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})
	o.RegisterDAGAction(contracts.MessageTypeCommand, func(*contracts.AgentMessage) (*DAG, error) {
		return NewDAG([]Node{
			{ID: "bad", Execute: func(context.Context, map[string]any) (any, error) { return nil, errors.New("quota exceeded") }},
			constNode("after", "never", "bad"),
		})
	})
	msg := govMessage("g2")
	msg.MessageType = contracts.MessageTypeCommand

	id, err := o.Submit(context.Background(), msg, contracts.RoutingDecision{Lane: contracts.LaneFast})
	require.NoError(t, err)
	inst := waitInstance(t, o, id)
	assert.Equal(t, InstanceFailed, inst.Status)
	require.NotNil(t, inst.Recovery)
	assert.Equal(t, StrategyFailClosed, inst.Recovery.Strategy)
	require.NotNil(t, inst.DAG)
	assert.Equal(t, []string{"bad"}, inst.DAG.Failed())
	assert.Equal(t, NodeSkipped, inst.DAG.Results["after"].Status)
}
