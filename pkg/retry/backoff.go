// Package retry computes bounded exponential backoff with deterministic
// jitter and runs operations under it.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one attempt. Jitter is derived from it so the
// same attempt of the same operation always waits the same amount.
type BackoffParams struct {
	PolicyID     string
	Key          string
	AttemptIndex int
}

// BackoffPolicy bounds a retry loop. MaxAttempts counts the first call.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for dependency calls that have no policy of their own.
var DefaultPolicy = BackoffPolicy{
	PolicyID:    "default",
	BaseMs:      50,
	MaxMs:       2000,
	MaxJitterMs: 25,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter in [0, MaxJitterMs) from the params.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
