package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/confman/pkg/engine"
)

// Registry is an in-process Source fed by Register and Unregister calls.
// Objects are resolved when registered, so an unadaptable object is rejected
// synchronously instead of becoming a tombstone.
type Registry struct {
	name  string
	chain *engine.AdapterChain

	mu      sync.RWMutex
	entries map[string]engine.SnapshotEntity
	notify  func()
}

var _ engine.Source = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(name string, chain *engine.AdapterChain) (*Registry, error) {
	if chain == nil {
		return nil, engine.NewValidationError("adapter chain is required")
	}
	if name == "" {
		name = "registry"
	}
	return &Registry{
		name:    name,
		chain:   chain,
		entries: make(map[string]engine.SnapshotEntity),
	}, nil
}

// Name implements engine.Source.
func (r *Registry) Name() string { return r.name }

// OnChange sets a callback run after every successful Register or Unregister,
// typically a Scanner's Trigger.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Register adds or replaces the configuration published under identity.
func (r *Registry) Register(identity engine.Identity, object interface{}, metadata engine.Dictionary) error {
	if identity.Key() == "" || (identity.IsFactory() && identity.FactoryInstance == "") {
		return engine.NewValidationError("identity requires a pid or a factory pid and instance")
	}

	md := metadata.Clone()
	if md == nil {
		md = engine.Dictionary{}
	}
	md[engine.SourceKey] = r.name

	props, err := r.chain.Reduce(md, object)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", identity, err)
	}

	signature, err := Signature(props)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[identity.Key()] = engine.SnapshotEntity{
		Identity:   identity,
		Signature:  signature,
		Properties: props,
		Metadata:   md,
	}
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Unregister removes the configuration published under identity.
// It reports whether anything was removed.
func (r *Registry) Unregister(identity engine.Identity) bool {
	r.mu.Lock()
	_, ok := r.entries[identity.Key()]
	delete(r.entries, identity.Key())
	notify := r.notify
	r.mu.Unlock()

	if ok && notify != nil {
		notify()
	}
	return ok
}

// Scan implements engine.Source.
func (r *Registry) Scan(ctx context.Context) ([]engine.SnapshotEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entities := make([]engine.SnapshotEntity, 0, len(r.entries))
	for _, e := range r.entries {
		e.Properties = e.Properties.Clone()
		e.Metadata = e.Metadata.Clone()
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Identity.Key() < entities[j].Identity.Key()
	})
	return entities, nil
}

// Signature returns the SHA-256 of the canonical JSON encoding of props.
// encoding/json sorts map keys, so equal dictionaries hash equally.
func Signature(props engine.Dictionary) (string, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("failed to encode properties: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
