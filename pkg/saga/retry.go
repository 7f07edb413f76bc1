package saga

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds step retries. Jitter is deterministic: the same
// (execution, step, attempt) triple always backs off the same amount, so a
// replayed run schedules identically.
type RetryPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultRetryPolicy is the engine default: three attempts, exponential
// from 100ms capped at 5s, up to 250ms of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 3}
}

// Backoff returns the delay before the given attempt (1-based).
func Backoff(executionID, stepID string, attempt int, policy RetryPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(executionID, stepID, attempt, policy)) * time.Millisecond
}

func jitter(executionID, stepID string, attempt int, policy RetryPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", executionID, stepID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
