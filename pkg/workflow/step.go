// Package workflow runs governance actions for deliberated messages: sagas
// with LIFO compensation, DAG fan-out/fan-in in waves, human approval with
// a mandatory timeout, and named recovery strategies.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StepStatus is the lifecycle of one saga step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepExecuting          StepStatus = "executing"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// StepFunc is an execute or compensate operation. It must be safe to
// invoke more than once with the same idempotency key.
type StepFunc func(ctx context.Context) error

// Compensation undoes a completed step.
type Compensation struct {
	Name           string
	Run            StepFunc
	IdempotencyKey string
	MaxRetries     int
}

// Step is one saga step. DependsOn may only name earlier steps.
type Step struct {
	Name                        string
	Execute                     StepFunc
	Compensation                *Compensation
	IdempotencyKey              string
	MaxRetries                  int
	Timeout                     time.Duration
	DependsOn                   []string
	RequiresConstitutionalCheck bool
}

var (
	ErrEmptySaga      = errors.New("workflow: saga has no steps")
	ErrDuplicateStep  = errors.New("workflow: duplicate step name")
	ErrUnknownDep     = errors.New("workflow: unknown dependency")
	ErrStepDefinition = errors.New("workflow: invalid step definition")
)

// Saga is a validated, ordered set of steps.
type Saga struct {
	ID                 string
	ConstitutionalHash string

	steps []Step
}

// NewSaga validates steps. Every dependency must name a step that runs
// earlier in the sequence.
func NewSaga(id, constitutionalHash string, steps ...Step) (*Saga, error) {
	if len(steps) == 0 {
		return nil, ErrEmptySaga
	}
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" || s.Execute == nil {
			return nil, fmt.Errorf("%w: step %d needs a name and an execute operation", ErrStepDefinition, i)
		}
		if s.Compensation != nil && s.Compensation.Run == nil {
			return nil, fmt.Errorf("%w: compensation of %q has no operation", ErrStepDefinition, s.Name)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.Name)
		}
		for _, d := range s.DependsOn {
			if _, ok := index[d]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q which does not precede it", ErrUnknownDep, s.Name, d)
			}
		}
		index[s.Name] = i
	}
	return &Saga{ID: id, ConstitutionalHash: constitutionalHash, steps: steps}, nil
}

// Steps returns the step names in execution order.
func (s *Saga) Steps() []string {
	out := make([]string, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.Name
	}
	return out
}
