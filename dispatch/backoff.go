package dispatch

import (
	"time"

	"github.com/AdamBaali/fleet-policy-retry/retrystore"
)

// DefaultSchedule is the wait after the 1st, 2nd, 3rd, ... attempt.
// Attempts beyond the schedule length reuse the final interval.
var DefaultSchedule = []time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// DefaultMaxRetries caps trigger attempts per remediation target.
const DefaultMaxRetries = 3

type DecisionKind int

const (
	// Proceed means a trigger attempt is permitted now.
	Proceed = DecisionKind(iota)
	// Wait means the backoff window from the previous attempt has not
	// elapsed yet.
	Wait
	// Exhausted means the target has used up its retry budget.
	Exhausted
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Wait:
		return "wait"
	default:
		return "exhausted"
	}
}

type Decision struct {
	Kind DecisionKind
	// Remaining is how long until the backoff window opens; set only for
	// Wait.
	Remaining time.Duration
}

// Decide is the backoff scheduler: given the persisted attempt state for
// one target (found=false when never attempted), it decides whether to
// trigger now, wait out the backoff window, or give up.
//
// The wait after attempt n is schedule[n-1], clamped to the last schedule
// entry for high attempt counts.
func Decide(entry retrystore.Entry, found bool, now time.Time, maxRetries int, schedule []time.Duration) Decision {
	if !found {
		return Decision{Kind: Proceed}
	}
	if entry.Attempts >= maxRetries {
		return Decision{Kind: Exhausted}
	}
	idx := entry.Attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(schedule)-1 {
		idx = len(schedule) - 1
	}
	backoff := schedule[idx]
	elapsed := now.Sub(time.Unix(entry.LastAttempt, 0))
	if elapsed < backoff {
		return Decision{Kind: Wait, Remaining: backoff - elapsed}
	}
	return Decision{Kind: Proceed}
}
