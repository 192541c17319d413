package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/confman/pkg/telemetry"
)

// QueueOptions configures a CommandQueue. All fields are optional.
type QueueOptions struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher

	// ApplyTimeout bounds a single Command.Apply. A command that exceeds it is
	// reported as failed; the worker still waits for Apply to return before
	// taking the next command. Zero means no bound.
	ApplyTimeout time.Duration
}

// CommandQueue applies commands to a store in FIFO order on a single worker.
//
// The worker runs only while a store is set and commands are pending.
// Clearing the store lets the worker exit after the command in flight;
// pending commands stay queued until a store is set again.
type CommandQueue struct {
	opts   QueueOptions
	logger *telemetry.Logger
	tracer trace.Tracer

	// mu guards pending, store, active and idle. Starting a worker and a
	// worker deciding to exit both happen under it.
	mu      sync.Mutex
	pending []Command
	store   ConfigurationStore
	active  bool
	idle    chan struct{}
}

// NewCommandQueue creates an empty queue without a store.
func NewCommandQueue(opts QueueOptions) *CommandQueue {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &CommandQueue{
		opts:   opts,
		logger: logger.NewComponentLogger("queue"),
		tracer: otel.Tracer(telemetry.InstrumentationName),
	}
}

// Enqueue appends a command and starts the worker if a store is set.
func (q *CommandQueue) Enqueue(cmd Command) {
	if cmd == nil {
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	depth := len(q.pending)
	q.maybeStartLocked()
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(depth)
}

// SetStore sets or, with nil, clears the store commands are applied to.
func (q *CommandQueue) SetStore(store ConfigurationStore) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.store = store
	if store == nil {
		q.logger.Debug("store cleared")
		return
	}
	q.logger.Debug("store set")
	q.maybeStartLocked()
}

// Pending returns the number of commands not yet picked up by the worker.
func (q *CommandQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the worker is idle. It returns a STORE_UNAVAILABLE error
// when commands remain pending because no store is set.
func (q *CommandQueue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.active {
			n := len(q.pending)
			q.mu.Unlock()
			if n > 0 {
				return NewTransientError(fmt.Sprintf("%d commands pending without a store", n), nil).
					WithCode(ErrCodeStoreUnavailable).
					WithDetail("pending", n)
			}
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// maybeStartLocked spawns the worker when a store is set, work is pending and
// no worker is active. q.mu must be held.
func (q *CommandQueue) maybeStartLocked() {
	if q.active || q.store == nil || len(q.pending) == 0 {
		return
	}
	q.active = true
	q.idle = make(chan struct{})
	go q.work()
}

func (q *CommandQueue) work() {
	for {
		q.mu.Lock()
		// The store is re-read every iteration; it may have been cleared
		store := q.store
		if store == nil || len(q.pending) == 0 {
			q.active = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.opts.Metrics.SetQueueDepth(depth)
		q.apply(store, cmd)
	}
}

// apply runs one command. Failures are logged and the command is discarded.
func (q *CommandQueue) apply(store ConfigurationStore, cmd Command) {
	id := cmd.Target()
	op := OperationOf(cmd)
	logger := q.logger.WithPID(id.Key()).WithField("operation", op)

	ctx := context.Background()
	if q.opts.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.ApplyTimeout)
		defer cancel()
	}

	ctx, span := q.tracer.Start(ctx, "queue.apply", trace.WithAttributes(
		telemetry.AttrPID.String(id.PID),
		telemetry.AttrFactoryPID.String(id.FactoryPID),
		telemetry.AttrFactoryInstance.String(id.FactoryInstance),
		telemetry.AttrOperation.String(op),
	))
	timer := telemetry.NewTimer()

	running, err := q.run(ctx, store, cmd)
	telemetry.EndSpan(span, err)

	if err != nil {
		q.opts.Metrics.RecordCommandApplied(op, "failed", timer.Duration())
		q.opts.Metrics.RecordError(string(ErrorClassOf(err)), ErrorCode(err))
		_ = q.opts.Events.PublishCommandFailed(id.Key(), op, err.Error())
		if traceID := telemetry.TraceID(ctx); traceID != "" {
			logger = logger.WithField("trace_id", traceID)
		}
		logger.WithError(err).Error("command failed, discarded")
		if running != nil {
			// Only one Apply may touch the store at a time
			<-running
			logger.Warn("timed out command returned")
		}
		return
	}

	q.opts.Metrics.RecordCommandApplied(op, "success", timer.Duration())
	if op == OperationDelete {
		_ = q.opts.Events.PublishConfigDeleted(id.Key())
	} else {
		_ = q.opts.Events.PublishConfigUpdated(id.Key())
	}
	logger.Debug("command applied")
}

// run calls Apply, converting a panic into an error and honoring the ctx deadline.
// When the deadline passes first, run returns a timeout error together with a
// channel that is closed once Apply has returned; otherwise the channel is nil.
func (q *CommandQueue) run(ctx context.Context, store ConfigurationStore, cmd Command) (<-chan struct{}, error) {
	if q.opts.ApplyTimeout <= 0 {
		return nil, safeApply(ctx, store, cmd)
	}

	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- safeApply(ctx, store, cmd)
	}()

	select {
	case err := <-result:
		return nil, err
	case <-ctx.Done():
		return done, NewTransientError("command apply timed out", ctx.Err()).
			WithCode(ErrCodeTimeout).
			WithResource(cmd.Target().Key())
	}
}

func safeApply(ctx context.Context, store ConfigurationStore, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("command apply panicked: %v", r), nil).
				WithCode(ErrCodeInternal).
				WithResource(cmd.Target().Key())
		}
	}()
	return cmd.Apply(ctx, store)
}
