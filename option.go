package invtx

import "time"

type Options struct {
	// Upper bound for a normal-priority lock wait.
	LockWaitTimeout time.Duration
	// Upper bound for a high-priority lock wait.
	HighPriorityLockWaitTimeout time.Duration
	// Callers granted high priority in lock contention.
	HighPriorityCallers []string

	// Interval of the background deadlock-detection pass.
	DeadlockDetectInterval time.Duration
	// Interval of the background timeout sweep.
	SweepInterval time.Duration
	// Age beyond which an in-flight transaction is considered timed out.
	TransactionTimeout time.Duration
	// Per-participant bound for a 2PC prepare/commit call.
	ParticipantTimeout time.Duration
	// Age beyond which a terminal transaction is archived and evicted.
	ArchiveRetention time.Duration

	Validator   ValidationService
	Archive     ArchiveSink
	Observer    Observer
	SweepLocker SweepLocker
}

type Option func(*Options)

func WithLockWaitTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.LockWaitTimeout = timeout
	}
}

func WithHighPriorityLockWaitTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(o *Options) {
		o.HighPriorityLockWaitTimeout = timeout
	}
}

func WithHighPriorityCallers(callers ...string) Option {
	return func(o *Options) {
		o.HighPriorityCallers = append(o.HighPriorityCallers, callers...)
	}
}

func WithDeadlockDetectInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return func(o *Options) {
		o.DeadlockDetectInterval = interval
	}
}

func WithSweepInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return func(o *Options) {
		o.SweepInterval = interval
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(o *Options) {
		o.TransactionTimeout = timeout
	}
}

func WithParticipantTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return func(o *Options) {
		o.ParticipantTimeout = timeout
	}
}

func WithArchiveRetention(retention time.Duration) Option {
	if retention <= 0 {
		retention = time.Hour
	}

	return func(o *Options) {
		o.ArchiveRetention = retention
	}
}

func WithValidator(validator ValidationService) Option {
	return func(o *Options) {
		o.Validator = validator
	}
}

func WithArchiveSink(sink ArchiveSink) Option {
	return func(o *Options) {
		o.Archive = sink
	}
}

func WithObserver(observer Observer) Option {
	return func(o *Options) {
		o.Observer = observer
	}
}

func WithSweepLocker(locker SweepLocker) Option {
	return func(o *Options) {
		o.SweepLocker = locker
	}
}

func repair(o *Options) {
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 5 * time.Second
	}

	if o.HighPriorityLockWaitTimeout <= 0 {
		o.HighPriorityLockWaitTimeout = 2 * o.LockWaitTimeout
	}

	if o.DeadlockDetectInterval <= 0 {
		o.DeadlockDetectInterval = 2 * time.Second
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}

	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = 30 * time.Second
	}

	if o.ParticipantTimeout <= 0 {
		o.ParticipantTimeout = 3 * time.Second
	}

	if o.ArchiveRetention <= 0 {
		o.ArchiveRetention = time.Hour
	}

	if o.Validator == nil {
		o.Validator = noopValidator{}
	}

	if o.Archive == nil {
		o.Archive = noopArchiveSink{}
	}

	if o.Observer == nil {
		o.Observer = newBufferedObserver(defaultObserverBuffer)
	}
}
