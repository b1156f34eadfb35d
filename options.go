// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskqueue

// queueOptions holds configuration options for TaskQueue creation.
type queueOptions struct {
	workDispatch       DispatchPolicy
	completionDispatch DispatchPolicy
	metricsEnabled     bool
	logger             Logger
	overloadHandler    func(error)
}

// Option configures a [TaskQueue] instance.
type Option interface {
	applyQueue(*queueOptions) error
}

type optionFunc func(*queueOptions) error

func (f optionFunc) applyQueue(opts *queueOptions) error { return f(opts) }

// WithWorkDispatch sets the dispatch policy for the queue's work port.
// Defaults to [ThreadPool].
func WithWorkDispatch(policy DispatchPolicy) Option {
	return optionFunc(func(opts *queueOptions) error {
		opts.workDispatch = policy
		return nil
	})
}

// WithCompletionDispatch sets the dispatch policy for the queue's
// completion port. Defaults to [ThreadPool].
func WithCompletionDispatch(policy DispatchPolicy) Option {
	return optionFunc(func(opts *queueOptions) error {
		opts.completionDispatch = policy
		return nil
	})
}

// WithMetrics enables runtime metrics collection on the TaskQueue. When
// enabled, metrics are accessible via [TaskQueue.Metrics]. This adds
// minimal overhead (recording each dispatched callback's latency; the
// queue does not update the queue-depth or TPS metrics itself); for
// zero-allocation hot paths, leave it disabled.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(opts *queueOptions) error {
		opts.metricsEnabled = enabled
		return nil
	})
}

// WithLogger stores logger on a single TaskQueue instance's ports. The
// package's own log output still goes through the process-wide logger set
// via [SetStructuredLogger]; the stored per-queue logger is not consulted.
func WithLogger(logger Logger) Option {
	return optionFunc(func(opts *queueOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithOverloadHandler overrides the callback invoked whenever a
// ThreadPool- or SerializedThreadPool-dispatched port's worker pool finds
// its task channel saturated, on both the Work and Completion ports. It
// defaults to a rate-limited structured-log line so a saturated pool
// never log-storms.
func WithOverloadHandler(fn func(error)) Option {
	return optionFunc(func(opts *queueOptions) error {
		opts.overloadHandler = fn
		return nil
	})
}

// resolveQueueOptions applies Option instances to queueOptions.
func resolveQueueOptions(opts []Option) (*queueOptions, error) {
	cfg := &queueOptions{
		workDispatch:       ThreadPool,
		completionDispatch: ThreadPool,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
