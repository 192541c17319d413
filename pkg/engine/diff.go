package engine

import (
	"sort"
)

// Diff compares two snapshots. It performs no I/O and mutates neither input.
//
// A key only in current is added when it resolves and ignored when tombstoned.
// A key in both with a different signature is updated when it still resolves,
// deleted otherwise. A key only in previous is deleted.
func Diff(previous, current Snapshot) ChangeSet {
	var changes ChangeSet

	for key, cur := range current {
		prev, existed := previous[key]
		switch {
		case !existed:
			if cur.Resolved() {
				changes.Added = append(changes.Added, changed(cur))
			}
		case prev.Signature != cur.Signature:
			if cur.Resolved() {
				changes.Updated = append(changes.Updated, changed(cur))
			} else {
				changes.Deleted = append(changes.Deleted, cur.Identity)
			}
		}
	}

	for key, prev := range previous {
		if _, ok := current[key]; !ok {
			changes.Deleted = append(changes.Deleted, prev.Identity)
		}
	}

	sortChanged(changes.Added)
	sortChanged(changes.Updated)
	sort.Slice(changes.Deleted, func(i, j int) bool {
		return changes.Deleted[i].Key() < changes.Deleted[j].Key()
	})

	return changes
}

// NextSnapshot returns the snapshot to install after diffing against current.
// Tombstones are left out, so an entry that becomes resolvable later is reported as added.
func NextSnapshot(current Snapshot) Snapshot {
	next := make(Snapshot, len(current))
	for key, e := range current {
		if e.Resolved() {
			next[key] = e
		}
	}
	return next
}

func changed(e SnapshotEntity) ChangedEntity {
	return ChangedEntity{
		ConfigurationTarget: ConfigurationTarget{
			Identity:   e.Identity,
			Properties: e.Properties.Clone(),
		},
		Metadata: e.Metadata.Clone(),
	}
}

func sortChanged(list []ChangedEntity) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity.Key() < list[j].Identity.Key()
	})
}
