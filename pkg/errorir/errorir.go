// Package errorir is the canonical error form shared by the bus components.
//
// Every cross-component failure is an *Error carrying a Kind from the fixed
// taxonomy, a stable code, the rule or threshold that triggered it and a
// human-readable reason. Errors wrap their cause and work with errors.Is/As.
package errorir

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy.
type Kind string

const (
	// KindValidation is terminal; the message is never retried automatically.
	KindValidation Kind = "VALIDATION_FAILURE"
	// KindTransient covers unreachable dependencies; retried, then degraded.
	KindTransient Kind = "TRANSIENT_DEPENDENCY"
	// KindWorkflowStep triggers LIFO compensation of the enclosing saga.
	KindWorkflowStep Kind = "WORKFLOW_STEP_FAILURE"
	// KindCompensation needs operator attention; rollback halted there.
	KindCompensation Kind = "COMPENSATION_FAILURE"
	// KindNonConvergence accompanies a usable best-effort projection.
	KindNonConvergence Kind = "STABILITY_NON_CONVERGENCE"
	// KindIntegrity is fatal for the operation that raised it.
	KindIntegrity Kind = "INTEGRITY_VIOLATION"
)

// Classification describes retry behaviour.
type Classification string

const (
	ClassRetryable            Classification = "RETRYABLE"
	ClassNonRetryable         Classification = "NON_RETRYABLE"
	ClassCompensationRequired Classification = "COMPENSATION_REQUIRED"
	ClassWarning              Classification = "WARNING"
)

// Stable error codes.
const (
	CodeConstitutionalHash   = "CONSTBUS/VALIDATION/CONSTITUTIONAL_HASH"
	CodeValidation           = "CONSTBUS/VALIDATION/REJECTED"
	CodeScorerUnavailable    = "CONSTBUS/ROUTING/SCORER_UNAVAILABLE"
	CodeRegistryUnavailable  = "CONSTBUS/REGISTRY/UNAVAILABLE"
	CodeAnchorUnavailable    = "CONSTBUS/AUDIT/ANCHOR_UNAVAILABLE"
	CodeDeliveryTimeout      = "CONSTBUS/BUS/DELIVERY_TIMEOUT"
	CodeRateLimited          = "CONSTBUS/BUS/RATE_LIMITED"
	CodeStepFailed           = "CONSTBUS/WORKFLOW/STEP_FAILED"
	CodeStepTimeout          = "CONSTBUS/WORKFLOW/STEP_TIMEOUT"
	CodeCancelled            = "CONSTBUS/WORKFLOW/CANCELLED"
	CodeCompensationFailed   = "CONSTBUS/WORKFLOW/COMPENSATION_FAILED"
	CodeNonConvergence       = "CONSTBUS/STABILITY/NON_CONVERGENCE"
	CodeCyclicGraph          = "CONSTBUS/INTEGRITY/CYCLIC_DAG"
	CodeBatchLost            = "CONSTBUS/INTEGRITY/SEALED_BATCH_LOST"
	CodeMissingHash          = "CONSTBUS/INTEGRITY/MISSING_CONSTITUTIONAL_HASH"
	CodeBatchPersist         = "CONSTBUS/INTEGRITY/BATCH_PERSIST_FAILED"
	CodeSealedBatchMutation  = "CONSTBUS/INTEGRITY/SEALED_BATCH_MUTATION"
	CodeConstitutionMismatch = "CONSTBUS/INTEGRITY/CONSTITUTION_MISMATCH"
)

// Error is the canonical cross-component error.
type Error struct {
	Kind           Kind           `json:"kind"`
	Code           string         `json:"code"`
	Rule           string         `json:"rule,omitempty"`
	Reason         string         `json:"reason"`
	Classification Classification `json:"classification"`
	Err            error          `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Reason)
	if e.Rule != "" {
		msg += " (rule " + e.Rule + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set, code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func classify(k Kind) Classification {
	switch k {
	case KindTransient:
		return ClassRetryable
	case KindWorkflowStep:
		return ClassCompensationRequired
	case KindNonConvergence:
		return ClassWarning
	default:
		return ClassNonRetryable
	}
}

// New builds an error of kind k.
func New(k Kind, code, rule, reason string) *Error {
	return &Error{Kind: k, Code: code, Rule: rule, Reason: reason, Classification: classify(k)}
}

// Wrap builds an error of kind k around cause.
func Wrap(k Kind, code, rule, reason string, cause error) *Error {
	e := New(k, code, rule, reason)
	e.Err = cause
	return e
}

// Validation reports a terminal validation rejection.
func Validation(rule, reason string) *Error {
	code := CodeValidation
	if rule == "constitutional_hash" {
		code = CodeConstitutionalHash
	}
	return New(KindValidation, code, rule, reason)
}

// Transient reports an unreachable dependency.
func Transient(code, reason string, cause error) *Error {
	return Wrap(KindTransient, code, "", reason, cause)
}

// Integrity reports a fatal integrity violation.
func Integrity(code, reason string) *Error {
	return New(KindIntegrity, code, "", reason)
}

// Sentinels usable as errors.Is targets.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrWorkflowStep   = &Error{Kind: KindWorkflowStep}
	ErrCompensation   = &Error{Kind: KindCompensation}
	ErrNonConvergence = &Error{Kind: KindNonConvergence}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
)

// KindOf extracts the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is classified retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Classification == ClassRetryable
	}
	return false
}
