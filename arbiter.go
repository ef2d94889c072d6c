package invtx

import "time"

// PriorityArbiter maps callers to contention classes and owns the per-class
// lock-wait bounds. High-priority waiters are queued ahead of normal-priority
// waiters in the lock registry; starvation of normal-priority callers under
// sustained high-priority load is an accepted trade-off, bounded only by the
// normal-priority wait timeout.
type PriorityArbiter struct {
	highPriorityCallers map[string]struct{}
	normalWaitTimeout   time.Duration
	highWaitTimeout     time.Duration
}

func NewPriorityArbiter(highPriorityCallers []string, normalWaitTimeout, highWaitTimeout time.Duration) *PriorityArbiter {
	callers := make(map[string]struct{}, len(highPriorityCallers))
	for _, caller := range highPriorityCallers {
		callers[caller] = struct{}{}
	}
	return &PriorityArbiter{
		highPriorityCallers: callers,
		normalWaitTimeout:   normalWaitTimeout,
		highWaitTimeout:     highWaitTimeout,
	}
}

// PriorityFor classifies a caller. Unknown callers are normal priority.
func (a *PriorityArbiter) PriorityFor(caller string) Priority {
	if _, ok := a.highPriorityCallers[caller]; ok {
		return PriorityHigh
	}
	return PriorityNormal
}

// WaitTimeout returns the lock-wait bound for a priority class.
func (a *PriorityArbiter) WaitTimeout(priority Priority) time.Duration {
	if priority == PriorityHigh {
		return a.highWaitTimeout
	}
	return a.normalWaitTimeout
}
