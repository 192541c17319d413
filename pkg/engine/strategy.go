package engine

import (
	"context"
	"fmt"
)

// Strategy decides how an identity is tagged and how its commands resolve store entries.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// PrepareSource annotates the source metadata before adaptation.
	PrepareSource(source *ConfigurationSource)

	// UpdateCommand returns a command writing target to the store.
	UpdateCommand(target ConfigurationTarget) Command

	// DeleteCommand returns a command removing identity from the store.
	DeleteCommand(identity Identity) Command
}

// PIDStrategy handles singleton configurations addressed by pid.
type PIDStrategy struct{}

// Name returns "pid".
func (PIDStrategy) Name() string { return "pid" }

// PrepareSource sets service.pid.
func (PIDStrategy) PrepareSource(source *ConfigurationSource) {
	if source.Source.Metadata == nil {
		source.Source.Metadata = make(Dictionary)
	}
	source.Source.Metadata[ServicePIDKey] = source.Identity.PID
}

// UpdateCommand looks the pid up at apply time and creates the entry when absent.
func (PIDStrategy) UpdateCommand(target ConfigurationTarget) Command {
	return &updateCommand{target: target, resolve: lookupByPID}
}

// DeleteCommand looks the pid up at apply time; an absent entry is a no-op.
func (PIDStrategy) DeleteCommand(identity Identity) Command {
	return &deleteCommand{identity: identity, resolve: lookupByPID}
}

// FactoryStrategy handles factory instances addressed by factory pid and instance.
type FactoryStrategy struct{}

// Name returns "factory".
func (FactoryStrategy) Name() string { return "factory" }

// PrepareSource marks the metadata with the factory pid and instance.
func (FactoryStrategy) PrepareSource(source *ConfigurationSource) {
	if source.Source.Metadata == nil {
		source.Source.Metadata = make(Dictionary)
	}
	id := source.Identity
	source.Source.Metadata[ServicePIDKey] = id.FactoryPID
	source.Source.Metadata[FactoryPIDKey] = id.FactoryPID
	source.Source.Metadata[FactoryInstanceKey] = id.FactoryInstance
}

// UpdateCommand finds the entry by factory pid and instance at apply time,
// creating a new one when none matches.
func (FactoryStrategy) UpdateCommand(target ConfigurationTarget) Command {
	return &updateCommand{target: target, resolve: findFactoryEntry}
}

// DeleteCommand finds the entry by factory pid and instance; none is a no-op.
func (FactoryStrategy) DeleteCommand(identity Identity) Command {
	return &deleteCommand{identity: identity, resolve: findFactoryEntry}
}

// StrategyFor returns the strategy matching the identity shape.
func StrategyFor(identity Identity) Strategy {
	if identity.IsFactory() {
		return FactoryStrategy{}
	}
	return PIDStrategy{}
}

type resolveFunc func(ctx context.Context, store ConfigurationStore, identity Identity) (Entry, error)

func lookupByPID(ctx context.Context, store ConfigurationStore, identity Identity) (Entry, error) {
	return store.Lookup(ctx, identity)
}

// findFactoryEntry scans every stored entry for a matching factory pid and instance.
func findFactoryEntry(ctx context.Context, store ConfigurationStore, identity Identity) (Entry, error) {
	entries, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	for _, e := range entries {
		id := e.Identity()
		if id.FactoryPID == identity.FactoryPID && id.FactoryInstance == identity.FactoryInstance {
			return e, nil
		}
	}
	return nil, nil
}

type updateCommand struct {
	target  ConfigurationTarget
	resolve resolveFunc
}

func (c *updateCommand) Target() Identity       { return c.target.Identity }
func (c *updateCommand) Properties() Dictionary { return c.target.Properties }

func (c *updateCommand) Apply(ctx context.Context, store ConfigurationStore) error {
	entry, err := c.resolve(ctx, store, c.target.Identity)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", c.target.Identity, err)
	}
	if entry == nil {
		entry, err = store.Create(ctx, c.target.Identity)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", c.target.Identity, err)
		}
	}
	if err := entry.Update(ctx, c.target.Properties); err != nil {
		return fmt.Errorf("failed to update %s: %w", c.target.Identity, err)
	}
	return nil
}

type deleteCommand struct {
	identity Identity
	resolve  resolveFunc
}

func (c *deleteCommand) Target() Identity       { return c.identity }
func (c *deleteCommand) Properties() Dictionary { return nil }

func (c *deleteCommand) Apply(ctx context.Context, store ConfigurationStore) error {
	entry, err := c.resolve(ctx, store, c.identity)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", c.identity, err)
	}
	if entry == nil {
		return nil
	}
	if err := entry.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", c.identity, err)
	}
	return nil
}
