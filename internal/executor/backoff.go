package executor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry schedule of one action
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// Delay returns the wait before retrying after the given zero-based attempt:
// base * 2^attempt capped at Max, plus jitter derived from the action and run
// so that the schedule is reproducible for a given run.
func (p BackoffPolicy) Delay(action, runID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.Base * time.Duration(factor)
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}
	return delay + p.jitter(action, runID, attempt)
}

func (p BackoffPolicy) jitter(action, runID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", action, runID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
