package retry

import (
	"context"
	"errors"
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, policy BackoffPolicy, key string, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(BackoffParams{PolicyID: policy.PolicyID, Key: key, AttemptIndex: attempt}, policy)
			if werr := wait(ctx, delay); werr != nil {
				return attempt, errors.Join(err, werr)
			}
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return attempt + 1, p.err
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
	}
	return maxAttempts, err
}
