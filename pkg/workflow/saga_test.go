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
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func newTestRunner(opts ...SagaOption) *SagaRunner {
	base := []SagaOption{
		WithStepBackoff(retry.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 2}),
		WithStepTimeout(time.Second),
		WithCompensationTimeout(time.Second),
	}
	return NewSagaRunner(constitution.Default(), append(base, opts...)...)
}

func recordingStep(j *journal, name string, fail bool) Step {
	return Step{
		Name: name,
		Execute: func(context.Context) error {
			j.add("exec:" + name)
			if fail {
				return errors.New(name + " broke")
			}
			return nil
		},
		Compensation: &Compensation{
			Name: "undo-" + name,
			Run: func(context.Context) error {
				j.add("undo:" + name)
				return nil
			},
		},
	}
}

func TestSaga_CompensatesInReverseOrder(t *testing.T) {
	j := &journal{}
	saga, err := NewSaga("s1", constitution.DefaultHash,
		recordingStep(j, "a", false),
		recordingStep(j, "b", false),
		recordingStep(j, "c", false),
		recordingStep(j, "d", true),
	)
	require.NoError(t, err)

	rep := newTestRunner().Run(context.Background(), saga)

	assert.Equal(t, SagaCompensated, rep.Status)
	assert.Equal(t, "d", rep.FailedStep)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "exec:d", "undo:c", "undo:b", "undo:a"}, j.list())
	assert.Equal(t, []string{"c", "b", "a"}, rep.Compensated)
	assert.Empty(t, rep.NotCompensated)
	assert.Equal(t, StepCompensated, rep.Steps[0].Status)
	assert.Equal(t, StepFailed, rep.Steps[3].Status)
	assert.ErrorIs(t, rep.Err, errorir.ErrWorkflowStep)
	assert.False(t, rep.Succeeded())
}

func TestSaga_CompensationFailureHaltsRollback(t *testing.T) {
	j := &journal{}
	b := recordingStep(j, "b", false)
	b.Compensation.Run = func(context.Context) error {
		j.add("undo:b")
		return errors.New("ledger locked")
	}
	saga, err := NewSaga("s2", constitution.DefaultHash,
		recordingStep(j, "a", false),
		b,
		recordingStep(j, "c", false),
		recordingStep(j, "d", true),
	)
	require.NoError(t, err)

	rep := newTestRunner().Run(context.Background(), saga)

	assert.Equal(t, SagaCompensationFailed, rep.Status)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "exec:d", "undo:c", "undo:b"}, j.list(), "a is never compensated")
	assert.Equal(t, []string{"c"}, rep.Compensated)
	assert.Equal(t, "b", rep.CompensationFailed)
	assert.Equal(t, []string{"a"}, rep.NotCompensated)
	assert.Equal(t, StepCompleted, rep.Steps[0].Status)
	assert.Equal(t, StepCompensationFailed, rep.Steps[1].Status)
	assert.ErrorIs(t, rep.CompensationErr, errorir.ErrCompensation)
}

func TestSaga_RetriesStep(t *testing.T) {
	var calls atomic.Int32
	saga, err := NewSaga("s3", constitution.DefaultHash, Step{
		Name:       "flaky",
		MaxRetries: 2,
		Execute: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})
	require.NoError(t, err)

	rep := newTestRunner().Run(context.Background(), saga)
	require.True(t, rep.Succeeded())
	assert.Equal(t, 3, rep.Steps[0].Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSaga_IdempotentExecuteAndCompensate(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	runner := newTestRunner(WithIdempotencyStore(store))

	var execs, undos atomic.Int32
	build := func() *Saga {
		s, err := NewSaga("s4", constitution.DefaultHash,
			Step{
				Name:    "charge",
				Execute: func(context.Context) error { execs.Add(1); return nil },
				Compensation: &Compensation{Name: "refund", Run: func(context.Context) error {
					undos.Add(1)
					return nil
				}},
			},
			Step{Name: "ship", Execute: func(context.Context) error { return errors.New("no stock") }},
		)
		require.NoError(t, err)
		return s
	}

	first := runner.Run(context.Background(), build())
	second := runner.Run(context.Background(), build())

	assert.Equal(t, int32(1), execs.Load())
	assert.Equal(t, int32(1), undos.Load())
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Compensated, second.Compensated)
	assert.True(t, second.Steps[0].Replayed)
	assert.ErrorIs(t, second.Err, ErrRecordedFailure)
}

func TestSaga_ConstitutionalCheck(t *testing.T) {
	var called atomic.Bool
	saga, err := NewSaga("s5", "ffffffffffffffff", Step{
		Name:                        "amend",
		RequiresConstitutionalCheck: true,
		Execute:                     func(context.Context) error { called.Store(true); return nil },
	})
	require.NoError(t, err)

	rep := newTestRunner().Run(context.Background(), saga)
	assert.False(t, called.Load())
	assert.Equal(t, SagaCompensated, rep.Status)
	assert.ErrorIs(t, rep.Err, errorir.ErrIntegrity)
}

func TestSaga_CancellationCompensates(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	saga, err := NewSaga("s6", constitution.DefaultHash,
		recordingStep(j, "reserve", false),
		Step{
			Name: "wait",
			Execute: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		},
	)
	require.NoError(t, err)

	go func() {
		<-started
		cancel()
	}()
	rep := newTestRunner().Run(ctx, saga)

	assert.Equal(t, SagaCompensated, rep.Status)
	assert.Equal(t, []string{"exec:reserve", "undo:reserve"}, j.list())
	assert.ErrorIs(t, rep.Err, &errorir.Error{Kind: errorir.KindWorkflowStep, Code: errorir.CodeCancelled})
}

func TestSaga_StepTimeout(t *testing.T) {
	saga, err := NewSaga("s7", constitution.DefaultHash, Step{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	rep := newTestRunner().Run(context.Background(), saga)
	assert.ErrorIs(t, rep.Err, &errorir.Error{Kind: errorir.KindWorkflowStep, Code: errorir.CodeStepTimeout})
	assert.ErrorIs(t, rep.Err, context.DeadlineExceeded)
}

func TestNewSaga_Rejects(t *testing.T) {
	ok := func(context.Context) error { return nil }

	_, err := NewSaga("x", "")
	assert.ErrorIs(t, err, ErrEmptySaga)

	_, err = NewSaga("x", "", Step{Name: "a", Execute: ok}, Step{Name: "a", Execute: ok})
	assert.ErrorIs(t, err, ErrDuplicateStep)

	_, err = NewSaga("x", "", Step{Name: "a", Execute: ok, DependsOn: []string{"b"}}, Step{Name: "b", Execute: ok})
	assert.ErrorIs(t, err, ErrUnknownDep)

	_, err = NewSaga("x", "", Step{Name: "a"})
	assert.ErrorIs(t, err, ErrStepDefinition)

	s, err := NewSaga("x", "", Step{Name: "a", Execute: ok}, Step{Name: "b", Execute: ok, DependsOn: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Steps())
}
