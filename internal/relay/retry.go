package relay

import (
	"time"

	"github.com/ava-doorbell/relay/internal/backchannel"
)

const (
	// maxFailCount is the number of consecutive connect failures after
	// which the session gives up and stops attempting to reconnect.
	maxFailCount = 5
	// resetAtFailCount is the failure count at which a DESCRIBE_404 kind
	// triggers the upstream-reset helper, once per session.
	resetAtFailCount = 3
	// maxBackoff caps the exponential backoff delay.
	maxBackoff = 30 * time.Second
)

// retryState is the per-session backchannel retry/backoff state machine.
// It holds no reference to the backchannel or network; callers drive it
// with the outcome of each connect attempt and read back what to do next.
type retryState struct {
	failCount      int
	backoffUntil   time.Time
	resetAttempted bool
	gaveUp         bool
}

// ready reports whether a new connect attempt may be started right now:
// the session hasn't given up and any backoff window has elapsed.
func (s *retryState) ready(now time.Time) bool {
	if s.gaveUp {
		return false
	}
	return !now.Before(s.backoffUntil)
}

// onSuccess resets all retry bookkeeping, matching the invariant that
// fail_count returns to 0 on a successful connect.
func (s *retryState) onSuccess() {
	s.failCount = 0
	s.backoffUntil = time.Time{}
	s.resetAttempted = false
}

// onFailure advances the state machine for a failed connect of the given
// kind, returning the backoff duration to report to the client and
// whether this failure is the one that should trigger the upstream reset
// helper (DESCRIBE_404 at exactly the 3rd failure, once per session).
func (s *retryState) onFailure(kind backchannel.FailureKind, now time.Time) (backoff time.Duration, triggerReset bool, gaveUp bool) {
	s.failCount++

	if s.failCount >= maxFailCount {
		s.gaveUp = true
		return 0, false, true
	}

	backoff = delayFor(s.failCount)
	s.backoffUntil = now.Add(backoff)

	if kind == backchannel.DescribeNotFound && s.failCount == resetAtFailCount && !s.resetAttempted {
		s.resetAttempted = true
		triggerReset = true
	}
	return backoff, triggerReset, false
}

// delayFor returns the backoff delay before connect attempt fail_count+1:
// min(2*2^(fail_count-1), 30) seconds.
func delayFor(failCount int) time.Duration {
	d := 2 << uint(failCount-1) // 2, 4, 8, 16, ...
	capped := time.Duration(d) * time.Second
	if capped > maxBackoff {
		capped = maxBackoff
	}
	return capped
}
