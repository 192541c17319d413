package engine

import (
	"context"
)

// ConfigurationStore is the managed store the command queue applies to.
type ConfigurationStore interface {
	// Lookup returns the entry for identity, or nil when it does not exist.
	// Factory identities are resolved by factory pid and instance.
	Lookup(ctx context.Context, identity Identity) (Entry, error)

	// Create creates an empty entry for identity. For factory identities
	// the store generates the concrete pid.
	Create(ctx context.Context, identity Identity) (Entry, error)

	// List returns every entry in the store.
	List(ctx context.Context) ([]Entry, error)
}

// Entry is one stored configuration.
type Entry interface {
	// Identity returns the stored identity. For factory entries PID holds the
	// store-generated pid and FactoryPID/FactoryInstance are set.
	Identity() Identity

	// Properties returns a copy of the stored properties; nil if never updated.
	Properties() Dictionary

	// Update replaces the stored properties wholesale.
	Update(ctx context.Context, properties Dictionary) error

	// Delete removes the entry.
	Delete(ctx context.Context) error
}

// Source is an external configuration source polled by a Scanner.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Scan returns the current view of the source.
	Scan(ctx context.Context) ([]SnapshotEntity, error)
}

// ChangeSetListener receives the change set of every scanner tick.
type ChangeSetListener interface {
	OnChange(changes ChangeSet)
}

// ListenerFunc adapts a function to ChangeSetListener.
// Function values are not comparable, so a ListenerFunc cannot be removed;
// use a pointer type when RemoveListener is needed.
type ListenerFunc func(changes ChangeSet)

// OnChange calls f.
func (f ListenerFunc) OnChange(changes ChangeSet) {
	f(changes)
}

// Admission decides whether a resolved update may be enqueued.
type Admission interface {
	Admit(ctx context.Context, target ConfigurationTarget) error
}
