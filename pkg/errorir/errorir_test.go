package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := Validation("constitutional_hash", "hash mismatch")
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, CodeConstitutionalHash, err.Code)
	assert.Equal(t, ClassNonRetryable, err.Classification)

	wrapped := fmt.Errorf("send: %w", err)
	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestCodeMatching(t *testing.T) {
	err := Integrity(CodeCyclicGraph, "cycle a -> b -> a")
	assert.ErrorIs(t, err, &Error{Kind: KindIntegrity, Code: CodeCyclicGraph})
	assert.NotErrorIs(t, err, &Error{Kind: KindIntegrity, Code: CodeBatchLost})
}

func TestTransientWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient(CodeScorerUnavailable, "score provider unreachable", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, IsRetryable(cause))
	assert.Equal(t, Kind(""), KindOf(cause))
}

func TestErrorString(t *testing.T) {
	err := New(KindWorkflowStep, CodeStepFailed, "step:charge", "charge failed")
	assert.Equal(t, "WORKFLOW_STEP_FAILURE [CONSTBUS/WORKFLOW/STEP_FAILED]: charge failed (rule step:charge)", err.Error())
	assert.Equal(t, ClassCompensationRequired, err.Classification)
}
