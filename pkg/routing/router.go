// Package routing scores messages for impact and routes them to the fast
// lane or the deliberation lane using adaptive, hard-bounded thresholds.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/resiliency"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

var ErrNilMessage = errors.New("routing: nil message")

// ScoreContext carries what the router knows about a message beyond its body.
type ScoreContext struct {
	TenantID   string
	SenderType string
	Attempt    int
}

// ScoreProvider returns an impact score in [0,1]. Its output is untrusted.
type ScoreProvider interface {
	Score(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (float64, error)
}

// ScoreFunc adapts a function into a ScoreProvider.
type ScoreFunc func(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (float64, error)

func (f ScoreFunc) Score(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (float64, error) {
	return f(ctx, msg, sc)
}

// Config tunes a Router. Zero fields take defaults.
type Config struct {
	Thresholds       contracts.ThresholdSet
	StrictThresholds contracts.ThresholdSet
	LearningRate     float64
	AdjustEvery      int
	HistorySize      int
	ScorerTimeout    time.Duration
	ScorerRetry      retry.BackoffPolicy
	BreakerThreshold int
	BreakerReset     time.Duration
	FastTimeout      time.Duration
	ReviewTimeout    time.Duration
	VoteTimeout      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds,
		StrictThresholds: StrictThresholds,
		LearningRate:     0.05,
		AdjustEvery:      20,
		HistorySize:      1024,
		ScorerTimeout:    2 * time.Second,
		ScorerRetry: retry.BackoffPolicy{
			PolicyID:    "scorer",
			BaseMs:      50,
			MaxMs:       500,
			MaxJitterMs: 20,
			MaxAttempts: 3,
		},
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		FastTimeout:      5 * time.Second,
		ReviewTimeout:    5 * time.Minute,
		VoteTimeout:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Thresholds == (contracts.ThresholdSet{}) {
		c.Thresholds = d.Thresholds
	}
	if c.StrictThresholds == (contracts.ThresholdSet{}) {
		c.StrictThresholds = d.StrictThresholds
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.AdjustEvery <= 0 {
		c.AdjustEvery = d.AdjustEvery
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ScorerTimeout <= 0 {
		c.ScorerTimeout = d.ScorerTimeout
	}
	if c.ScorerRetry.MaxAttempts <= 0 {
		c.ScorerRetry = d.ScorerRetry
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = d.BreakerReset
	}
	if c.FastTimeout <= 0 {
		c.FastTimeout = d.FastTimeout
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = d.ReviewTimeout
	}
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = d.VoteTimeout
	}
	return c
}

// Stats counts routing outcomes since the router started.
type Stats struct {
	Total          int64 `json:"total"`
	Fast           int64 `json:"fast"`
	Deliberation   int64 `json:"deliberation"`
	MultiAgentVote int64 `json:"multi_agent_vote"`
	StrictMode     int64 `json:"strict_mode"`
	Clamped        int64 `json:"clamped"`
	Feedback       int64 `json:"feedback"`
	Adjustments    int64 `json:"adjustments"`
}

// Router is safe for concurrent use.
type Router struct {
	cfg      Config
	provider ScoreProvider
	breaker  *resiliency.CircuitBreaker
	clock    func() time.Time
	logger   *slog.Logger

	thresholds atomic.Pointer[contracts.ThresholdSet]

	mu      sync.Mutex // guards history, window and adjustment
	history *history
	window  feedbackWindow

	stats struct {
		total, fast, deliberation, vote, strict, clamped, feedback, adjustments atomic.Int64
	}
}

type Option func(*Router)

func WithClock(clock func() time.Time) Option { return func(r *Router) { r.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

func WithBreaker(cb *resiliency.CircuitBreaker) Option { return func(r *Router) { r.breaker = cb } }

// NewRouter builds a router. A nil provider routes everything in strict mode.
func NewRouter(provider ScoreProvider, cfg Config, opts ...Option) (*Router, error) {
	cfg = cfg.withDefaults()
	if err := CheckThresholds(cfg.Thresholds); err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	if err := CheckThresholds(cfg.StrictThresholds); err != nil {
		return nil, fmt.Errorf("strict: %w", err)
	}

	r := &Router{
		cfg:      cfg,
		provider: provider,
		clock:    time.Now,
		logger:   slog.Default().With("component", "router"),
		history:  newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resiliency.NewCircuitBreaker("score-provider", cfg.BreakerThreshold, cfg.BreakerReset)
	}
	baseline := cfg.Thresholds
	r.thresholds.Store(&baseline)
	return r, nil
}

// Thresholds returns the current adaptive threshold set.
func (r *Router) Thresholds() contracts.ThresholdSet {
	return *r.thresholds.Load()
}

// Baseline returns the configured baseline thresholds.
func (r *Router) Baseline() contracts.ThresholdSet {
	return r.cfg.Thresholds
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Total:          r.stats.total.Load(),
		Fast:           r.stats.fast.Load(),
		Deliberation:   r.stats.deliberation.Load(),
		MultiAgentVote: r.stats.vote.Load(),
		StrictMode:     r.stats.strict.Load(),
		Clamped:        r.stats.clamped.Load(),
		Feedback:       r.stats.feedback.Load(),
		Adjustments:    r.stats.adjustments.Load(),
	}
}

// Route scores msg and produces its routing decision. Scorer failures never
// fail the message: the router falls back to strict mode.
func (r *Router) Route(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (contracts.RoutingDecision, error) {
	if msg == nil {
		return contracts.RoutingDecision{}, ErrNilMessage
	}

	raw, err := r.score(ctx, msg, sc)
	if err != nil {
		r.logger.WarnContext(ctx, "score provider unavailable, routing in strict mode",
			"message_id", msg.ID, "error", err)
		return r.decide(ctx, msg, HeuristicScore(msg), true, contracts.RiskScorerUnavailable), nil
	}
	return r.decide(ctx, msg, raw, false), nil
}

// RouteScored routes msg with a score computed elsewhere, for example an
// aggregate of several agents' signals. extraRisks are attached verbatim.
func (r *Router) RouteScored(ctx context.Context, msg *contracts.AgentMessage, score float64, extraRisks ...string) (contracts.RoutingDecision, error) {
	if msg == nil {
		return contracts.RoutingDecision{}, ErrNilMessage
	}
	return r.decide(ctx, msg, score, false, extraRisks...), nil
}

func (r *Router) score(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (float64, error) {
	if r.provider == nil {
		return 0, errors.New("no score provider configured")
	}
	if !r.breaker.Allow() {
		return 0, fmt.Errorf("%w: %s", resiliency.ErrOpen, r.breaker.Name())
	}

	var score float64
	_, err := retry.Do(ctx, r.cfg.ScorerRetry, msg.ID, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ScorerTimeout)
		defer cancel()
		attemptSC := sc
		attemptSC.Attempt = attempt
		s, err := r.provider.Score(callCtx, msg, attemptSC)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if err != nil {
		r.breaker.Failure()
		return 0, err
	}
	r.breaker.Success()
	return score, nil
}

// clampScore maps untrusted scores into [0,1]. NaN is treated as maximally risky.
func clampScore(s float64) (float64, bool) {
	switch {
	case math.IsNaN(s):
		return 1, true
	case s < 0:
		return 0, true
	case s > 1:
		return 1, true
	}
	return s, false
}

func (r *Router) decide(ctx context.Context, msg *contracts.AgentMessage, raw float64, strict bool, extraRisks ...string) contracts.RoutingDecision {
	score, clamped := clampScore(raw)

	thresholds := r.Thresholds()
	if strict {
		thresholds = r.cfg.StrictThresholds
	}
	level := thresholds.Level(score)

	risks := append([]string(nil), extraRisks...)
	if clamped {
		risks = append(risks, contracts.RiskScoreClamped)
	}
	switch level {
	case contracts.ImpactCritical:
		risks = append(risks, contracts.RiskCriticalImpact)
	case contracts.ImpactHigh:
		risks = append(risks, contracts.RiskHighImpact)
	}
	if msg.MessageType.IsGovernance() {
		risks = append(risks, contracts.RiskGovernanceMessage)
	}
	if msg.Priority == contracts.PriorityCritical {
		risks = append(risks, contracts.RiskCriticalPriority)
	}
	if msg.CrossTenant {
		risks = append(risks, contracts.RiskCrossTenant)
	}

	d := contracts.RoutingDecision{
		DecisionID:  uuid.NewString(),
		MessageID:   msg.ID,
		Lane:        contracts.LaneFast,
		ImpactScore: score,
		ImpactLevel: level,
		RiskFactors: contracts.RiskSet(risks...),
		StrictMode:  strict,
		Thresholds:  thresholds,
		DecidedAt:   r.clock().UTC(),
	}
	timeout := r.cfg.FastTimeout
	if level == contracts.ImpactHigh || level == contracts.ImpactCritical {
		d.Lane = contracts.LaneDeliberation
		d.RequiresHumanReview = true
		timeout = r.cfg.ReviewTimeout
	}
	if level == contracts.ImpactCritical {
		d.RequiresMultiAgentVote = true
		timeout = r.cfg.VoteTimeout
	}
	d.TimeoutSeconds = timeout.Seconds()

	r.mu.Lock()
	r.history.add(d)
	r.mu.Unlock()

	r.stats.total.Add(1)
	if d.Lane == contracts.LaneFast {
		r.stats.fast.Add(1)
	} else {
		r.stats.deliberation.Add(1)
	}
	if d.RequiresMultiAgentVote {
		r.stats.vote.Add(1)
	}
	if strict {
		r.stats.strict.Add(1)
	}
	if clamped {
		r.stats.clamped.Add(1)
	}

	r.logger.DebugContext(ctx, "message routed",
		"message_id", msg.ID,
		"decision_id", d.DecisionID,
		"lane", d.Lane,
		"score", score,
		"level", level,
		"strict", strict,
	)
	return d
}
