package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

// SagaStatus is the terminal state of a saga run.
type SagaStatus string

const (
	SagaCompleted          SagaStatus = "completed"
	SagaCompensated        SagaStatus = "compensated"
	SagaCompensationFailed SagaStatus = "compensation_failed"
)

// StepReport is the final state of one step.
type StepReport struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Replayed bool       `json:"replayed,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// SagaReport tells the caller exactly which steps rolled back and which did
// not. Err is the step failure that triggered rollback, or nil.
type SagaReport struct {
	SagaID             string       `json:"saga_id"`
	Status             SagaStatus   `json:"status"`
	FailedStep         string       `json:"failed_step,omitempty"`
	Steps              []StepReport `json:"steps"`
	Compensated        []string     `json:"compensated,omitempty"`
	NotCompensated     []string     `json:"not_compensated,omitempty"`
	CompensationFailed string       `json:"compensation_failed,omitempty"`
	Err                error        `json:"-"`
	CompensationErr    error        `json:"-"`
}

// Succeeded reports whether every step completed.
func (r SagaReport) Succeeded() bool { return r.Status == SagaCompleted }

// SagaRunner executes sagas. It is safe for concurrent use; each Run owns
// its own compensation stack.
type SagaRunner struct {
	constitution        constitution.Constitution
	store               IdempotencyStore
	backoff             retry.BackoffPolicy
	stepTimeout         time.Duration
	compensationTimeout time.Duration
	clock               func() time.Time
	logger              *slog.Logger
}

type SagaOption func(*SagaRunner)

func WithIdempotencyStore(s IdempotencyStore) SagaOption {
	return func(r *SagaRunner) { r.store = s }
}

// WithStepBackoff sets the delay policy between step retries. MaxAttempts
// is ignored; each step's MaxRetries decides.
func WithStepBackoff(p retry.BackoffPolicy) SagaOption {
	return func(r *SagaRunner) { r.backoff = p }
}

func WithStepTimeout(d time.Duration) SagaOption {
	return func(r *SagaRunner) { r.stepTimeout = d }
}

func WithCompensationTimeout(d time.Duration) SagaOption {
	return func(r *SagaRunner) { r.compensationTimeout = d }
}

func WithSagaLogger(l *slog.Logger) SagaOption {
	return func(r *SagaRunner) { r.logger = l }
}

func NewSagaRunner(c constitution.Constitution, opts ...SagaOption) *SagaRunner {
	r := &SagaRunner{
		constitution:        c,
		store:               NewMemoryIdempotencyStore(),
		backoff:             retry.BackoffPolicy{PolicyID: "saga-step", BaseMs: 100, MaxMs: 2000, MaxJitterMs: 50},
		stepTimeout:         30 * time.Second,
		compensationTimeout: 30 * time.Second,
		clock:               time.Now,
		logger:              slog.Default().With("component", "saga"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the steps in order. On the first failure, including
// cancellation of ctx, completed steps are compensated in reverse order. A
// compensation failure halts rollback. Run never panics on step errors; all
// outcomes are in the report.
func (r *SagaRunner) Run(ctx context.Context, s *Saga) SagaReport {
	report := SagaReport{SagaID: s.ID, Steps: make([]StepReport, len(s.steps))}
	for i, st := range s.steps {
		report.Steps[i] = StepReport{Name: st.Name, Status: StepPending}
	}

	var completed []int // compensation stack
	failed := -1
	for i := range s.steps {
		if err := ctx.Err(); err != nil {
			report.Err = errorir.Wrap(errorir.KindWorkflowStep, errorir.CodeCancelled, "", "saga cancelled before step "+s.steps[i].Name, err)
			break
		}
		report.Steps[i].Status = StepExecuting
		err := r.execute(ctx, s, i, &report.Steps[i])
		if err != nil {
			failed = i
			report.Steps[i].Status = StepFailed
			report.Steps[i].Error = err.Error()
			report.Err = err
			r.logger.WarnContext(ctx, "saga step failed",
				"saga_id", s.ID, "step", s.steps[i].Name, "attempts", report.Steps[i].Attempts, "error", err)
			break
		}
		report.Steps[i].Status = StepCompleted
		completed = append(completed, i)
	}

	if report.Err == nil {
		report.Status = SagaCompleted
		return report
	}
	if failed >= 0 {
		report.FailedStep = s.steps[failed].Name
	}

	// Rollback must finish even if the caller's context was cancelled.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.compensationTimeout*time.Duration(len(completed)+1))
	defer cancel()

	report.Status = SagaCompensated
	for k := len(completed) - 1; k >= 0; k-- {
		i := completed[k]
		sr := &report.Steps[i]
		sr.Status = StepCompensating
		if err := r.compensate(cctx, s, i); err != nil {
			sr.Status = StepCompensationFailed
			sr.Error = err.Error()
			report.Status = SagaCompensationFailed
			report.CompensationFailed = sr.Name
			report.CompensationErr = errorir.Wrap(errorir.KindCompensation, errorir.CodeCompensationFailed, "",
				"compensation of "+sr.Name+" failed; rollback halted", err)
			for _, j := range completed[:k] {
				report.NotCompensated = append(report.NotCompensated, s.steps[j].Name)
			}
			r.logger.ErrorContext(ctx, "compensation failed, rollback halted",
				"saga_id", s.ID, "step", sr.Name, "not_compensated", report.NotCompensated, "error", err)
			return report
		}
		sr.Status = StepCompensated
		report.Compensated = append(report.Compensated, sr.Name)
	}
	return report
}

func (r *SagaRunner) execute(ctx context.Context, s *Saga, i int, sr *StepReport) error {
	st := s.steps[i]
	if st.RequiresConstitutionalCheck && !r.constitution.Matches(s.ConstitutionalHash) {
		sr.Attempts = 0
		return errorir.Integrity(errorir.CodeConstitutionMismatch,
			fmt.Sprintf("step %s requires constitutional hash %s", st.Name, r.constitution.Hash()))
	}

	key := st.IdempotencyKey
	if key == "" {
		key = s.ID + ":" + st.Name + ":execute"
	}
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = r.stepTimeout
	}
	attempts, replayed, err := r.invoke(ctx, key, st.Execute, st.MaxRetries, timeout)
	sr.Attempts = attempts
	sr.Replayed = replayed
	if err == nil {
		return nil
	}
	code := errorir.CodeStepFailed
	switch {
	case ctx.Err() != nil:
		code = errorir.CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = errorir.CodeStepTimeout
	}
	return errorir.Wrap(errorir.KindWorkflowStep, code, "", "step "+st.Name+" failed", err)
}

func (r *SagaRunner) compensate(ctx context.Context, s *Saga, i int) error {
	c := s.steps[i].Compensation
	if c == nil {
		return nil
	}
	key := c.IdempotencyKey
	if key == "" {
		key = s.ID + ":" + s.steps[i].Name + ":compensate"
	}
	_, _, err := r.invoke(ctx, key, c.Run, c.MaxRetries, r.compensationTimeout)
	return err
}

// invoke runs fn through the idempotency store with bounded retries. The
// recorded outcome of a previous call under key is returned without
// invoking fn again. Failures caused by ctx are not recorded.
func (r *SagaRunner) invoke(ctx context.Context, key string, fn StepFunc, maxRetries int, timeout time.Duration) (int, bool, error) {
	if o, ok, err := r.store.Get(ctx, key); err != nil {
		r.logger.WarnContext(ctx, "idempotency lookup failed", "key", key, "error", err)
	} else if ok {
		return 0, true, o.Err()
	}

	policy := r.backoff
	policy.MaxAttempts = maxRetries + 1
	attempts, err := retry.Do(ctx, policy, key, func(ctx context.Context, _ int) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(actx)
		if err != nil && (errorir.KindOf(err) == errorir.KindValidation || errorir.KindOf(err) == errorir.KindIntegrity) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil && ctx.Err() != nil {
		return attempts, false, err
	}

	o := Outcome{Succeeded: err == nil, RecordedAt: r.clock().UTC()}
	if err != nil {
		o.Error = err.Error()
	}
	if perr := r.store.Put(ctx, key, o); perr != nil {
		r.logger.WarnContext(ctx, "idempotency record failed", "key", key, "error", perr)
	}
	return attempts, false, err
}
