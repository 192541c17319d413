package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/confman/pkg/telemetry"
)

// ScannerOptions configures a Scanner. All fields are optional.
type ScannerOptions struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher

	// ScanTimeout bounds a single Source.Scan call. Zero means no bound.
	ScanTimeout time.Duration
}

// Scanner polls a Source, diffs consecutive snapshots and notifies listeners.
//
// Listeners are called on the scanner goroutine, once per tick, including
// ticks that produced an empty change set. A listener must not call Stop.
type Scanner struct {
	source   Source
	interval time.Duration
	opts     ScannerOptions
	logger   *telemetry.Logger
	tracer   trace.Tracer

	// tickMu serializes ticks from the loop and ScanOnce
	tickMu sync.Mutex

	snapshotMu sync.RWMutex
	snapshot   Snapshot

	listenersMu sync.RWMutex
	listeners   []ChangeSetListener

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	trigger chan struct{}
}

// NewScanner creates a stopped scanner for source polling every interval.
func NewScanner(source Source, interval time.Duration, opts ScannerOptions) (*Scanner, error) {
	if source == nil {
		return nil, NewValidationError("scanner source is nil")
	}
	if interval <= 0 {
		return nil, NewValidationError(fmt.Sprintf("scanner poll interval must be positive, got %s", interval))
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Scanner{
		source:   source,
		interval: interval,
		opts:     opts,
		logger:   logger.NewComponentLogger("scanner").WithSource(source.Name()),
		tracer:   otel.Tracer(telemetry.InstrumentationName),
		snapshot: make(Snapshot),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Source returns the polled source.
func (s *Scanner) Source() Source {
	return s.source
}

// Start launches the poll loop. Calling Start on a running scanner is a no-op.
// The first tick runs immediately.
func (s *Scanner) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)

	s.logger.Infof("scanner started with interval %s", s.interval)
}

// Stop signals the loop and blocks until it has exited. After Stop returns no
// listener is notified by the loop. Calling Stop on a stopped scanner is a no-op.
func (s *Scanner) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	<-s.done
	s.running = false
	s.cancel = nil
	s.done = nil

	s.logger.Info("scanner stopped")
}

// Running reports whether the poll loop is active.
func (s *Scanner) Running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.running
}

// Trigger requests an early tick. It never blocks; pending triggers coalesce.
func (s *Scanner) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// AddListener registers a listener. Adding the same listener twice notifies it twice.
func (s *Scanner) AddListener(listener ChangeSetListener) {
	if listener == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveListener removes the first registration equal to listener.
// Listeners of a non-comparable type, such as ListenerFunc, are never matched.
func (s *Scanner) RemoveListener(listener ChangeSetListener) {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return
	}

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ScanOnce runs one tick synchronously and notifies listeners.
// It never overlaps a tick of the poll loop.
func (s *Scanner) ScanOnce(ctx context.Context) (ChangeSet, error) {
	return s.tick(ctx)
}

// Exists reports whether key is part of the current snapshot.
func (s *Scanner) Exists(key string) bool {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	_, ok := s.snapshot[key]
	return ok
}

// Load returns a copy of the properties stored under key.
func (s *Scanner) Load(key string) (Dictionary, bool) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	e, ok := s.snapshot[key]
	if !ok {
		return nil, false
	}
	return e.Properties.Clone(), true
}

// Dictionaries returns copies of all properties in the current snapshot, ordered by key.
func (s *Scanner) Dictionaries() []Dictionary {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()

	keys := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Dictionary, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.snapshot[k].Properties.Clone())
	}
	return out
}

func (s *Scanner) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		case <-s.trigger:
		}

		// Stop may have raced with the wakeup
		if ctx.Err() != nil {
			return
		}

		_, _ = s.tick(ctx)
		wait.Reset(s.interval)
	}
}

// tick fetches, diffs, installs and notifies. Errors and panics skip the tick.
// A scan interrupted by ctx cancellation is skipped without being reported.
func (s *Scanner) tick(ctx context.Context) (ChangeSet, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	name := s.source.Name()
	ctx, span := s.tracer.Start(ctx, "scanner.tick",
		trace.WithAttributes(telemetry.AttrSource.String(name)))
	timer := telemetry.NewTimer()

	changes, err := s.scan(ctx)
	if err != nil && ctx.Err() != nil {
		// Stopped mid-scan: not a source failure
		telemetry.EndSpan(span, nil)
		s.logger.WithError(err).Debug("scan tick cancelled")
		return ChangeSet{}, err
	}
	if err != nil {
		telemetry.EndSpan(span, err)
		s.opts.Metrics.RecordScan(name, "failed", timer.Duration())
		s.opts.Metrics.RecordError(string(ErrorClassOf(err)), ErrorCode(err))
		_ = s.opts.Events.PublishScanFailed(name, err.Error())
		s.logger.WithError(err).Error("scan tick skipped")
		return ChangeSet{}, err
	}

	span.SetAttributes(
		telemetry.AttrAdded.Int(len(changes.Added)),
		telemetry.AttrUpdated.Int(len(changes.Updated)),
		telemetry.AttrDeleted.Int(len(changes.Deleted)),
	)
	telemetry.EndSpan(span, nil)
	s.opts.Metrics.RecordScan(name, "success", timer.Duration())
	s.opts.Metrics.RecordChanges(name, len(changes.Added), len(changes.Updated), len(changes.Deleted))

	if !changes.IsEmpty() {
		s.logger.Infof("detected %d added, %d updated, %d deleted",
			len(changes.Added), len(changes.Updated), len(changes.Deleted))
	}

	s.notify(changes)
	return changes, nil
}

func (s *Scanner) scan(ctx context.Context) (changes ChangeSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("scan of %s panicked: %v", s.source.Name(), r), nil).
				WithCode(ErrCodeInternal)
		}
	}()

	if s.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ScanTimeout)
		defer cancel()
	}

	// Source I/O happens before the snapshot lock is taken
	entities, err := s.source.Scan(ctx)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("failed to scan source %s: %w", s.source.Name(), err)
	}

	changes = s.replace(NewSnapshot(entities))
	changes.Source = s.source.Name()
	return changes, nil
}

// replace diffs current against the installed snapshot and installs the next one atomically.
func (s *Scanner) replace(current Snapshot) ChangeSet {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	changes := Diff(s.snapshot, current)
	s.snapshot = NextSnapshot(current)
	return changes
}

func (s *Scanner) notify(changes ChangeSet) {
	s.listenersMu.RLock()
	listeners := make([]ChangeSetListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.deliver(l, changes)
	}
}

func (s *Scanner) deliver(l ChangeSetListener, changes ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", fmt.Sprint(r)).Error("change set listener panicked")
		}
	}()
	l.OnChange(changes)
}
