package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Metadata keys understood by the engine.
const (
	// ServicePIDKey carries the pid, or the factory pid for factory entries.
	ServicePIDKey = "service.pid"

	// FactoryPIDKey marks a factory configuration.
	FactoryPIDKey = "service.factoryPid"

	// InfoPrefix is the namespace of informational metadata merged into properties.
	InfoPrefix = "confman."

	// FactoryInstanceKey carries the instance name of a factory configuration.
	FactoryInstanceKey = InfoPrefix + "factory.instance"

	// SourceKey names the configuration source an entity was read from.
	SourceKey = InfoPrefix + "source"

	// SourcePathKey is the path of the file an entity was read from.
	SourcePathKey = InfoPrefix + "source.path"

	// SourceFormatKey is the format hint used to pick an adapter (yaml, json, cue, ...).
	SourceFormatKey = InfoPrefix + "source.format"
)

// factoryKeySeparator joins factory pid and instance in Identity.Key.
const factoryKeySeparator = "~"

// Dictionary is a property dictionary as stored for one configuration.
type Dictionary map[string]interface{}

// Clone returns a shallow copy. A nil dictionary clones to nil.
func (d Dictionary) Clone() Dictionary {
	if d == nil {
		return nil
	}
	out := make(Dictionary, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (d Dictionary) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both dictionaries hold deeply equal values.
func (d Dictionary) Equal(other Dictionary) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// Identity addresses one configuration entry.
// Either PID is set, or FactoryPID together with FactoryInstance.
type Identity struct {
	PID             string `json:"pid,omitempty" yaml:"pid,omitempty"`
	FactoryPID      string `json:"factory_pid,omitempty" yaml:"factory_pid,omitempty"`
	FactoryInstance string `json:"factory_instance,omitempty" yaml:"factory_instance,omitempty"`
	Location        string `json:"location,omitempty" yaml:"location,omitempty"`
}

// NewPIDIdentity returns the identity of a singleton configuration.
func NewPIDIdentity(pid, location string) Identity {
	return Identity{PID: pid, Location: location}
}

// NewFactoryIdentity returns the identity of one factory instance.
func NewFactoryIdentity(factoryPID, instance, location string) Identity {
	return Identity{FactoryPID: factoryPID, FactoryInstance: instance, Location: location}
}

// IsFactory reports whether the identity addresses a factory instance.
func (i Identity) IsFactory() bool {
	return i.FactoryPID != ""
}

// Key returns the stable key used by snapshots and change sets.
// Location does not take part in the key.
func (i Identity) Key() string {
	if i.IsFactory() {
		return i.FactoryPID + factoryKeySeparator + i.FactoryInstance
	}
	return i.PID
}

func (i Identity) String() string {
	if i.IsFactory() {
		return fmt.Sprintf("factory(%s, %s)", i.FactoryPID, i.FactoryInstance)
	}
	return fmt.Sprintf("pid(%s)", i.PID)
}

// PropertiesSource is an update intent that has not been normalized yet.
type PropertiesSource struct {
	Object   interface{}
	Metadata Dictionary
}

// ConfigurationSource is the input of an update.
type ConfigurationSource struct {
	Identity Identity
	Source   PropertiesSource
}

// ConfigurationTarget is the input of an update command.
type ConfigurationTarget struct {
	Identity   Identity
	Properties Dictionary
}

// SnapshotEntity is one observed source entry.
// Nil Properties marks a tombstone: the entry exists but could not be resolved.
type SnapshotEntity struct {
	Identity   Identity
	Signature  string
	Properties Dictionary
	Metadata   Dictionary
}

// Resolved reports whether the entity carries properties.
func (e SnapshotEntity) Resolved() bool {
	return e.Properties != nil
}

// Snapshot maps Identity.Key to the entity observed under it.
type Snapshot map[string]SnapshotEntity

// NewSnapshot indexes entities by key. Later entities win on duplicate keys.
func NewSnapshot(entities []SnapshotEntity) Snapshot {
	s := make(Snapshot, len(entities))
	for _, e := range entities {
		s[e.Identity.Key()] = e
	}
	return s
}

// ChangedEntity is an added or updated entry of a change set.
type ChangedEntity struct {
	ConfigurationTarget
	Metadata Dictionary
}

// ChangeSet is the delta between two consecutive snapshots.
// All three lists are sorted by key and pairwise disjoint.
type ChangeSet struct {
	Source  string
	Added   []ChangedEntity
	Updated []ChangedEntity
	Deleted []Identity
}

// IsEmpty reports whether nothing changed.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Len returns the total number of changes.
func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Updated) + len(c.Deleted)
}

// Command is a queued intent to mutate one store entry.
type Command interface {
	// Target returns the identity the command addresses.
	Target() Identity

	// Properties returns the new properties, or nil for a delete.
	Properties() Dictionary

	// Apply performs the mutation against store.
	Apply(ctx context.Context, store ConfigurationStore) error
}

// Operation names used for logging and metrics.
const (
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// OperationOf returns the operation name of a command.
func OperationOf(cmd Command) string {
	if cmd.Properties() == nil {
		return OperationDelete
	}
	return OperationUpdate
}
