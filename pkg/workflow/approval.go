package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// TimeoutPolicy decides what happens when nobody answers in time. There is
// no allow policy.
type TimeoutPolicy string

const (
	TimeoutDeny     TimeoutPolicy = "deny"
	TimeoutEscalate TimeoutPolicy = "escalate"
)

// ParseTimeoutPolicy accepts "deny" or "escalate". Empty means deny.
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(s) {
	case "", TimeoutDeny:
		return TimeoutDeny, nil
	case TimeoutEscalate:
		return TimeoutEscalate, nil
	}
	return "", fmt.Errorf("workflow: unknown timeout policy %q", s)
}

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Allowed reports whether the action may proceed. Only an explicit
// approval allows.
func (s ApprovalStatus) Allowed() bool { return s == ApprovalApproved }

// ApprovalSpec describes what to ask for.
type ApprovalSpec struct {
	InstanceID  string        `json:"instance_id"`
	MessageID   string        `json:"message_id"`
	TenantID    string        `json:"tenant_id"`
	Summary     string        `json:"summary,omitempty"`
	RiskFactors []string      `json:"risk_factors,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	Quorum      int           `json:"quorum"`
	OnTimeout   TimeoutPolicy `json:"on_timeout"`
	Tiers       []string      `json:"tiers,omitempty"`
}

// Vote is one reviewer decision.
type Vote struct {
	Reviewer string    `json:"reviewer"`
	Decision Decision  `json:"decision"`
	Notes    string    `json:"notes,omitempty"`
	At       time.Time `json:"at"`
}

// ApprovalRequest is the state of a pending or resolved request.
type ApprovalRequest struct {
	ApprovalSpec
	Tier      int            `json:"tier"`
	TierName  string         `json:"tier_name,omitempty"`
	Status    ApprovalStatus `json:"status"`
	Votes     []Vote         `json:"votes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ApprovalResult is the immutable resolution of a request.
type ApprovalResult struct {
	InstanceID  string         `json:"instance_id"`
	Status      ApprovalStatus `json:"status"`
	Votes       []Vote         `json:"votes,omitempty"`
	Tier        int            `json:"tier"`
	Escalations int            `json:"escalations"`
	Reason      string         `json:"reason"`
	ResolvedAt  time.Time      `json:"resolved_at"`
	DurationMs  int64          `json:"duration_ms"`
	ContentHash string         `json:"content_hash"`
}

// ApprovalChannel delivers a pending request to humans or reviewer agents.
type ApprovalChannel interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}

// ApprovalChannelFunc adapts a function into an ApprovalChannel.
type ApprovalChannelFunc func(ctx context.Context, req ApprovalRequest) error

func (f ApprovalChannelFunc) Notify(ctx context.Context, req ApprovalRequest) error { return f(ctx, req) }

var (
	ErrApprovalNotFound  = errors.New("workflow: approval request not found")
	ErrApprovalExists    = errors.New("workflow: approval request already exists")
	ErrApprovalResolved  = errors.New("workflow: approval request already resolved")
	ErrDuplicateVote     = errors.New("workflow: reviewer already voted")
	ErrInvalidDecision   = errors.New("workflow: invalid decision")
	ErrMissingInstanceID = errors.New("workflow: approval needs an instance id")
)

type pendingApproval struct {
	req         ApprovalRequest
	escalations int
	done        chan struct{}
	result      ApprovalResult
}

// ApprovalManager suspends workflow instances until a decision arrives or
// the timeout resolves them. Every wait is bounded.
type ApprovalManager struct {
	mu             sync.Mutex
	requests       map[string]*pendingApproval
	channel        ApprovalChannel
	verifier       *DecisionTokenVerifier
	defaultTimeout time.Duration
	clock          func() time.Time
	logger         *slog.Logger
}

type ApprovalOption func(*ApprovalManager)

func WithApprovalChannel(c ApprovalChannel) ApprovalOption {
	return func(m *ApprovalManager) { m.channel = c }
}

func WithTokenVerifier(v *DecisionTokenVerifier) ApprovalOption {
	return func(m *ApprovalManager) { m.verifier = v }
}

// WithDefaultTimeout applies when a spec carries no timeout.
func WithDefaultTimeout(d time.Duration) ApprovalOption {
	return func(m *ApprovalManager) { m.defaultTimeout = d }
}

func WithApprovalClock(clock func() time.Time) ApprovalOption {
	return func(m *ApprovalManager) { m.clock = clock }
}

func NewApprovalManager(opts ...ApprovalOption) *ApprovalManager {
	m := &ApprovalManager{
		requests:       make(map[string]*pendingApproval),
		defaultTimeout: 5 * time.Minute,
		clock:          time.Now,
		logger:         slog.Default().With("component", "approvals"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request registers a pending approval keyed by the instance id and
// notifies the channel. A notification failure is returned as a transient
// error; the request stays pending and its timeout still applies.
func (m *ApprovalManager) Request(ctx context.Context, spec ApprovalSpec) (ApprovalRequest, error) {
	if spec.InstanceID == "" {
		return ApprovalRequest{}, ErrMissingInstanceID
	}
	if spec.Timeout <= 0 {
		spec.Timeout = m.defaultTimeout
	}
	if spec.Quorum <= 0 {
		spec.Quorum = 1
	}
	if spec.OnTimeout == "" {
		spec.OnTimeout = TimeoutDeny
	}

	now := m.clock()
	req := ApprovalRequest{
		ApprovalSpec: spec,
		Status:       ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(spec.Timeout),
	}
	if len(spec.Tiers) > 0 {
		req.TierName = spec.Tiers[0]
	}

	m.mu.Lock()
	if _, exists := m.requests[spec.InstanceID]; exists {
		m.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrApprovalExists, spec.InstanceID)
	}
	m.requests[spec.InstanceID] = &pendingApproval{req: req, done: make(chan struct{})}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "approval requested",
		"instance_id", spec.InstanceID, "message_id", spec.MessageID,
		"timeout", spec.Timeout, "quorum", spec.Quorum, "on_timeout", spec.OnTimeout)
	return req, m.notify(ctx, req)
}

// Renotify re-sends the current state of a pending request.
func (m *ApprovalManager) Renotify(ctx context.Context, instanceID string) error {
	req, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	if req.Status != ApprovalPending {
		return fmt.Errorf("%w: %s", ErrApprovalResolved, instanceID)
	}
	return m.notify(ctx, req)
}

func (m *ApprovalManager) notify(ctx context.Context, req ApprovalRequest) error {
	if m.channel == nil {
		return nil
	}
	if err := m.channel.Notify(ctx, req); err != nil {
		return errorir.Transient(errorir.CodeDeliveryTimeout, "approval channel unavailable", err)
	}
	return nil
}

// Await suspends until the request is resolved, its timeout policy fires or
// ctx is done. On timeout the policy either denies or escalates to the next
// tier with a fresh timeout; with no tiers left it denies. Cancellation
// resolves the request as cancelled. Neither path allows.
func (m *ApprovalManager) Await(ctx context.Context, instanceID string) (ApprovalResult, error) {
	for {
		m.mu.Lock()
		p, ok := m.requests[instanceID]
		if !ok {
			m.mu.Unlock()
			return ApprovalResult{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, instanceID)
		}
		done := p.done
		wait := p.req.ExpiresAt.Sub(m.clock())
		m.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
			return m.result(instanceID)
		case <-ctx.Done():
			timer.Stop()
			m.finish(instanceID, ApprovalCancelled, "wait cancelled: "+ctx.Err().Error())
			return m.result(instanceID)
		case <-timer.C:
		}

		escalated, req := m.expire(instanceID)
		if escalated {
			m.logger.WarnContext(ctx, "approval timed out, escalating",
				"instance_id", instanceID, "tier", req.Tier, "tier_name", req.TierName)
			if err := m.notify(ctx, req); err != nil {
				m.logger.WarnContext(ctx, "escalation notify failed", "instance_id", instanceID, "error", err)
			}
		}
	}
}

// expire applies the timeout policy to an expired pending request. It
// reports whether the request was escalated rather than resolved.
func (m *ApprovalManager) expire(instanceID string) (bool, ApprovalRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[instanceID]
	if !ok {
		return false, ApprovalRequest{}
	}
	now := m.clock()
	if p.req.Status != ApprovalPending || now.Before(p.req.ExpiresAt) {
		return false, p.req
	}
	if p.req.OnTimeout == TimeoutEscalate && p.req.Tier+1 < len(p.req.Tiers) {
		p.req.Tier++
		p.req.TierName = p.req.Tiers[p.req.Tier]
		p.req.ExpiresAt = now.Add(p.req.Timeout)
		p.escalations++
		return true, p.req
	}
	reason := "no decision before timeout; denied"
	if p.escalations > 0 {
		reason = fmt.Sprintf("no decision after %d escalations; denied", p.escalations)
	}
	m.resolveLocked(p, ApprovalTimedOut, reason)
	return false, p.req
}

// Resolve records a vote. Any rejection rejects. Approvals from distinct
// reviewers are counted toward the quorum.
func (m *ApprovalManager) Resolve(ctx context.Context, instanceID string, v Vote) error {
	if v.Decision != DecisionApprove && v.Decision != DecisionReject {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, v.Decision)
	}
	if v.Reviewer == "" {
		return fmt.Errorf("%w: reviewer required", ErrInvalidDecision)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, instanceID)
	}
	if p.req.Status != ApprovalPending {
		return fmt.Errorf("%w: %s is %s", ErrApprovalResolved, instanceID, p.req.Status)
	}
	for _, prev := range p.req.Votes {
		if prev.Reviewer == v.Reviewer {
			return fmt.Errorf("%w: %s", ErrDuplicateVote, v.Reviewer)
		}
	}
	if v.At.IsZero() {
		v.At = m.clock()
	}
	p.req.Votes = append(p.req.Votes, v)

	approvals := 0
	for _, vote := range p.req.Votes {
		if vote.Decision == DecisionApprove {
			approvals++
		}
	}
	switch {
	case v.Decision == DecisionReject:
		m.resolveLocked(p, ApprovalRejected, fmt.Sprintf("rejected by %s: %s", v.Reviewer, v.Notes))
	case approvals >= p.req.Quorum:
		m.resolveLocked(p, ApprovalApproved, fmt.Sprintf("approved by %d of %d required reviewers", approvals, p.req.Quorum))
	}
	m.logger.InfoContext(ctx, "approval vote recorded",
		"instance_id", instanceID, "reviewer", v.Reviewer, "decision", v.Decision, "status", p.req.Status)
	return nil
}

// ResolveToken verifies a signed decision token and records its vote.
func (m *ApprovalManager) ResolveToken(ctx context.Context, token string) error {
	if m.verifier == nil {
		return errors.New("workflow: no decision token verifier configured")
	}
	claims, err := m.verifier.Verify(token)
	if err != nil {
		return err
	}
	return m.Resolve(ctx, claims.InstanceID, claims.Vote())
}

// Cancel resolves a pending request as cancelled.
func (m *ApprovalManager) Cancel(instanceID, reason string) {
	m.finish(instanceID, ApprovalCancelled, reason)
}

func (m *ApprovalManager) finish(instanceID string, status ApprovalStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.requests[instanceID]; ok && p.req.Status == ApprovalPending {
		m.resolveLocked(p, status, reason)
	}
}

func (m *ApprovalManager) resolveLocked(p *pendingApproval, status ApprovalStatus, reason string) {
	now := m.clock()
	p.req.Status = status
	p.result = ApprovalResult{
		InstanceID:  p.req.InstanceID,
		Status:      status,
		Votes:       append([]Vote(nil), p.req.Votes...),
		Tier:        p.req.Tier,
		Escalations: p.escalations,
		Reason:      reason,
		ResolvedAt:  now,
		DurationMs:  now.Sub(p.req.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		InstanceID string         `json:"instance_id"`
		Status     ApprovalStatus `json:"status"`
		Votes      []Vote         `json:"votes"`
	}{p.req.InstanceID, status, p.result.Votes}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	p.result.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	close(p.done)
}

func (m *ApprovalManager) result(instanceID string) (ApprovalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[instanceID]
	if !ok {
		return ApprovalResult{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, instanceID)
	}
	return p.result, nil
}

// Get returns a copy of the request state.
func (m *ApprovalManager) Get(instanceID string) (ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[instanceID]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, instanceID)
	}
	req := p.req
	req.Votes = append([]Vote(nil), p.req.Votes...)
	return req, nil
}

// PendingCount returns the number of unresolved requests.
func (m *ApprovalManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.requests {
		if p.req.Status == ApprovalPending {
			n++
		}
	}
	return n
}

// Forget drops a resolved request.
func (m *ApprovalManager) Forget(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.requests[instanceID]; ok && p.req.Status != ApprovalPending {
		delete(m.requests, instanceID)
	}
}
