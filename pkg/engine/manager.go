package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/confman/pkg/telemetry"
)

// ManagerOptions configures a Manager. All fields are optional.
type ManagerOptions struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher

	// Admission is consulted for every resolved update before it is enqueued.
	Admission Admission
}

// Manager turns update and delete requests into queued commands.
//
// Only argument validation errors are returned. Updates the adapter chain
// cannot resolve, or that admission denies, are logged and dropped. Store
// mutations happen later on the queue worker.
type Manager struct {
	chain     *AdapterChain
	queue     *CommandQueue
	admission Admission
	opts      ManagerOptions
	logger    *telemetry.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
}

// identityRequest carries the argument checks of the Manager entry points.
type identityRequest struct {
	PID             string `validate:"required_without=FactoryPID,max=255,printascii,excludesall=~"`
	FactoryPID      string `validate:"max=255,printascii,excludesall=~"`
	FactoryInstance string `validate:"required_with=FactoryPID,max=255,printascii,excludesall=~"`
}

// NewManager creates a manager feeding queue through chain.
func NewManager(chain *AdapterChain, queue *CommandQueue, opts ManagerOptions) (*Manager, error) {
	if chain == nil {
		return nil, NewValidationError("manager adapter chain is nil")
	}
	if queue == nil {
		return nil, NewValidationError("manager command queue is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Manager{
		chain:     chain,
		queue:     queue,
		admission: opts.Admission,
		opts:      opts,
		logger:    logger.NewComponentLogger("manager"),
		tracer:    otel.Tracer(telemetry.InstrumentationName),
		validate:  validator.New(),
	}, nil
}

// Queue returns the command queue the manager feeds.
func (m *Manager) Queue() *CommandQueue {
	return m.queue
}

// Chain returns the adapter chain used to resolve source objects.
func (m *Manager) Chain() *AdapterChain {
	return m.chain
}

// Update resolves object into properties for pid and enqueues the write.
func (m *Manager) Update(ctx context.Context, pid, location string, object interface{}, metadata Dictionary) error {
	id := NewPIDIdentity(pid, location)
	if err := m.check(id); err != nil {
		return err
	}
	m.update(ctx, id, object, metadata)
	return nil
}

// UpdateFactory resolves object into properties for one factory instance and enqueues the write.
func (m *Manager) UpdateFactory(ctx context.Context, factoryPID, instance, location string, object interface{}, metadata Dictionary) error {
	id := NewFactoryIdentity(factoryPID, instance, location)
	if err := m.check(id); err != nil {
		return err
	}
	m.update(ctx, id, object, metadata)
	return nil
}

// Delete enqueues the removal of pid.
func (m *Manager) Delete(ctx context.Context, pid string) error {
	id := NewPIDIdentity(pid, "")
	if err := m.check(id); err != nil {
		return err
	}
	m.delete(ctx, id)
	return nil
}

// DeleteFactory enqueues the removal of one factory instance.
func (m *Manager) DeleteFactory(ctx context.Context, factoryPID, instance string) error {
	id := NewFactoryIdentity(factoryPID, instance, "")
	if err := m.check(id); err != nil {
		return err
	}
	m.delete(ctx, id)
	return nil
}

func (m *Manager) check(id Identity) error {
	req := identityRequest{
		PID:             id.PID,
		FactoryPID:      id.FactoryPID,
		FactoryInstance: id.FactoryInstance,
	}
	if err := m.validate.Struct(req); err != nil {
		return NewPermanentError("invalid configuration identity", err).
			WithCode(ErrCodeValidation).
			WithResource(id.Key())
	}
	return nil
}

func (m *Manager) update(ctx context.Context, id Identity, object interface{}, metadata Dictionary) {
	strategy := StrategyFor(id)
	logger := m.logger.WithPID(id.Key()).WithField("strategy", strategy.Name())

	_, span := m.tracer.Start(ctx, "manager.update", trace.WithAttributes(
		telemetry.AttrPID.String(id.PID),
		telemetry.AttrFactoryPID.String(id.FactoryPID),
		telemetry.AttrFactoryInstance.String(id.FactoryInstance),
	))

	// The caller keeps ownership of metadata
	source := ConfigurationSource{
		Identity: id,
		Source:   PropertiesSource{Object: object, Metadata: metadata.Clone()},
	}
	strategy.PrepareSource(&source)

	properties, err := m.chain.Reduce(source.Source.Metadata, source.Source.Object)
	if err != nil {
		telemetry.EndSpan(span, err)
		m.opts.Metrics.RecordAdapterFailure(ErrorCode(err))
		_ = m.opts.Events.PublishUpdateDropped(id.Key(), err.Error())
		logger.WithError(err).Info("no adapter resolved the source object, update dropped")
		return
	}

	target := ConfigurationTarget{
		Identity:   id,
		Properties: MergeMetadata(properties, source.Source.Metadata),
	}

	if m.admission != nil {
		if err := m.admission.Admit(ctx, target); err != nil {
			telemetry.EndSpan(span, err)
			_ = m.opts.Events.PublishUpdateDropped(id.Key(), err.Error())
			logger.WithError(err).Warn("update denied by admission policy")
			return
		}
	}

	m.queue.Enqueue(strategy.UpdateCommand(target))
	telemetry.EndSpan(span, nil)
	logger.Debugf("update enqueued with %d properties", len(target.Properties))
}

func (m *Manager) delete(ctx context.Context, id Identity) {
	strategy := StrategyFor(id)

	_, span := m.tracer.Start(ctx, "manager.delete", trace.WithAttributes(
		telemetry.AttrPID.String(id.PID),
		telemetry.AttrFactoryPID.String(id.FactoryPID),
		telemetry.AttrFactoryInstance.String(id.FactoryInstance),
	))

	m.queue.Enqueue(strategy.DeleteCommand(id))
	telemetry.EndSpan(span, nil)
	m.logger.WithPID(id.Key()).Debug("delete enqueued")
}

// String implements fmt.Stringer for debugging.
func (m *Manager) String() string {
	return fmt.Sprintf("Manager(adapters=%v, pending=%d)", m.chain.Names(), m.queue.Pending())
}
