package engine

import (
	"context"

	"github.com/openfroyo/confman/pkg/telemetry"
)

// Dispatcher forwards scanner change sets to a Manager.
type Dispatcher struct {
	manager *Manager
	logger  *telemetry.Logger
}

// NewDispatcher creates a ChangeSetListener feeding manager.
func NewDispatcher(manager *Manager, logger *telemetry.Logger) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Dispatcher{
		manager: manager,
		logger:  logger.NewComponentLogger("dispatcher"),
	}
}

// OnChange translates added and updated entries into updates and deleted keys into deletes.
// The resolved properties are passed as the source object, so the chain's
// dictionary adapter handles them and identity metadata is overlaid again.
func (d *Dispatcher) OnChange(changes ChangeSet) {
	if changes.IsEmpty() {
		return
	}

	ctx := context.Background()
	for _, list := range [][]ChangedEntity{changes.Added, changes.Updated} {
		for _, e := range list {
			d.update(ctx, e)
		}
	}

	for _, id := range changes.Deleted {
		var err error
		if id.IsFactory() {
			err = d.manager.DeleteFactory(ctx, id.FactoryPID, id.FactoryInstance)
		} else {
			err = d.manager.Delete(ctx, id.PID)
		}
		if err != nil {
			d.logger.WithPID(id.Key()).WithError(err).Warn("rejected delete from change set")
		}
	}
}

func (d *Dispatcher) update(ctx context.Context, e ChangedEntity) {
	id := e.Identity
	var err error
	if id.IsFactory() {
		err = d.manager.UpdateFactory(ctx, id.FactoryPID, id.FactoryInstance, id.Location, e.Properties, e.Metadata)
	} else {
		err = d.manager.Update(ctx, id.PID, id.Location, e.Properties, e.Metadata)
	}
	if err != nil {
		d.logger.WithPID(id.Key()).WithError(err).Warn("rejected update from change set")
	}
}
