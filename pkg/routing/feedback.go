package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

var (
	ErrUnknownDecision   = errors.New("routing: unknown or evicted decision")
	ErrDuplicateFeedback = errors.New("routing: feedback already recorded")
)

// Feedback is the observed outcome of a routed message. Override, when set,
// is the lane a human decided the message should have taken.
type Feedback struct {
	Success  bool           `json:"success"`
	Override contracts.Lane `json:"override,omitempty"`
}

type historyEntry struct {
	decision contracts.RoutingDecision
	feedback bool
}

// history is a fixed-size ring of recent decisions indexed by id.
type history struct {
	entries []historyEntry
	index   map[string]int
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{
		entries: make([]historyEntry, size),
		index:   make(map[string]int, size),
	}
}

func (h *history) add(d contracts.RoutingDecision) {
	if h.full {
		delete(h.index, h.entries[h.next].decision.DecisionID)
	}
	h.entries[h.next] = historyEntry{decision: d}
	h.index[d.DecisionID] = h.next
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) get(id string) (*historyEntry, bool) {
	i, ok := h.index[id]
	if !ok {
		return nil, false
	}
	return &h.entries[i], true
}

func (h *history) len() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// feedbackWindow accumulates error rates between adjustments.
type feedbackWindow struct {
	count         int
	fastTotal     int
	fastMissed    int // failed or overridden to deliberation
	delibTotal    int
	delibOverride int // overridden to fast
}

// FalseNegativeRate is the share of fast-lane decisions that should have
// been deliberated.
func (w feedbackWindow) FalseNegativeRate() float64 {
	if w.fastTotal == 0 {
		return 0
	}
	return float64(w.fastMissed) / float64(w.fastTotal)
}

// FalsePositiveRate is the share of deliberation decisions a human sent back
// to the fast lane.
func (w feedbackWindow) FalsePositiveRate() float64 {
	if w.delibTotal == 0 {
		return 0
	}
	return float64(w.delibOverride) / float64(w.delibTotal)
}

// RecordFeedback attaches an outcome to a past decision. Every AdjustEvery
// feedbacks the thresholds are nudged: missed risks lower them, needless
// deliberation raises them. Strict-mode decisions are recorded but do not
// train the thresholds.
func (r *Router) RecordFeedback(ctx context.Context, decisionID string, fb Feedback) error {
	if fb.Override != "" && fb.Override != contracts.LaneFast && fb.Override != contracts.LaneDeliberation {
		return fmt.Errorf("routing: unknown override lane %q", fb.Override)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.history.get(decisionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	if e.feedback {
		return fmt.Errorf("%w: %s", ErrDuplicateFeedback, decisionID)
	}
	e.feedback = true
	r.stats.feedback.Add(1)

	if e.decision.StrictMode {
		return nil
	}

	w := &r.window
	w.count++
	switch e.decision.Lane {
	case contracts.LaneFast:
		w.fastTotal++
		if !fb.Success || fb.Override == contracts.LaneDeliberation {
			w.fastMissed++
		}
	case contracts.LaneDeliberation:
		w.delibTotal++
		if fb.Override == contracts.LaneFast {
			w.delibOverride++
		}
	}

	if w.count >= r.cfg.AdjustEvery {
		r.adjustLocked(ctx)
	}
	return nil
}

func (r *Router) adjustLocked(ctx context.Context) {
	w := r.window
	r.window = feedbackWindow{}

	fnr, fpr := w.FalseNegativeRate(), w.FalsePositiveRate()
	delta := r.cfg.LearningRate * (fpr - fnr)
	if delta == 0 {
		return
	}

	current := r.Thresholds()
	next, ok := adjust(current, r.cfg.Thresholds, delta)
	if !ok {
		r.logger.WarnContext(ctx, "threshold adjustment rejected by invariants",
			"delta", delta, "current", current)
		return
	}
	r.thresholds.Store(&next)
	r.stats.adjustments.Add(1)
	r.logger.InfoContext(ctx, "thresholds adjusted",
		"false_negative_rate", fnr,
		"false_positive_rate", fpr,
		"delta", delta,
		"critical", next.Critical,
		"high", next.High,
		"medium", next.Medium,
		"low", next.Low,
	)
}

// HistoryLen is the number of decisions currently retained.
func (r *Router) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.len()
}
