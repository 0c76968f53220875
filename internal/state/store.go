// Package state implements the replicated last-writer-wins key/value store.
// Entries are ordered by (clock, actor): an entry dominates another iff its
// clock is greater, or clocks are equal and its actor sorts later
// lexicographically. The store is a plain data structure; the owning session
// serializes access.
package state

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// RejectKeyLimit is the rejection reason when a new key would exceed the cap.
const RejectKeyLimit = "state_key_limit_reached"

// Store holds replicated entries plus the per-actor clock map.
type Store struct {
	localActor  string
	maxKeys     int
	maxSnapshot int

	entries    map[string]protocol.StateEntry
	actorClock map[string]int64
	localClock int64
}

// NewStore creates a store for the given local actor.
func NewStore(localActor string, maxKeys, maxSnapshotEntries int) *Store {
	return &Store{
		localActor:  localActor,
		maxKeys:     maxKeys,
		maxSnapshot: maxSnapshotEntries,
		entries:     make(map[string]protocol.StateEntry),
		actorClock:  make(map[string]int64),
	}
}

// Set performs a local write: the local clock strictly increases and the
// resulting entry is stored and returned for replication.
func (s *Store) Set(key string, value json.RawMessage, now time.Time) (protocol.StateEntry, bool, string) {
	if _, exists := s.entries[key]; !exists && s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
		return protocol.StateEntry{}, false, RejectKeyLimit
	}
	// Advance past every clock seen so far: a local overwrite must dominate
	// whatever entry it replaces, regardless of actor ordering.
	for _, clock := range s.actorClock {
		if clock > s.localClock {
			s.localClock = clock
		}
	}
	s.localClock++
	entry := protocol.StateEntry{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Actor:     s.localActor,
		Clock:     s.localClock,
		UpdatedAt: now.UnixMilli(),
	}
	s.entries[key] = entry
	s.bumpActor(s.localActor, s.localClock)
	return entry, true, ""
}

// Apply merges a remote entry under the dominance rule. Returns whether the
// entry was applied and, if rejected, the reason.
func (s *Store) Apply(entry protocol.StateEntry) (bool, string) {
	if entry.Key == "" {
		return false, "empty_key"
	}
	existing, exists := s.entries[entry.Key]
	if !exists && s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
		return false, RejectKeyLimit
	}
	s.bumpActor(entry.Actor, entry.Clock)
	if exists && !dominates(entry, existing) {
		return false, ""
	}
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	s.entries[entry.Key] = entry
	if entry.Actor == s.localActor && entry.Clock > s.localClock {
		s.localClock = entry.Clock
	}
	return true, ""
}

// Get returns the value for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Entry returns the full entry for key.
func (s *Store) Entry(key string) (protocol.StateEntry, bool) {
	entry, ok := s.entries[key]
	return entry, ok
}

// Entries returns all entries sorted by key.
func (s *Store) Entries() []protocol.StateEntry {
	out := make([]protocol.StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot builds a point-in-time snapshot, truncated to the snapshot cap.
func (s *Store) Snapshot(room string, now time.Time) protocol.StateSnapshot {
	entries := s.Entries()
	if s.maxSnapshot > 0 && len(entries) > s.maxSnapshot {
		entries = entries[:s.maxSnapshot]
	}
	return protocol.StateSnapshot{
		Room:        room,
		StreamID:    s.localActor,
		Entries:     entries,
		ActorClock:  s.ActorClock(),
		GeneratedAt: now.UnixMilli(),
	}
}

// ApplySnapshot merges each snapshot entry under the dominance rule and
// merges the snapshot's actor-clock map. Returns the number of entries
// applied.
func (s *Store) ApplySnapshot(snap protocol.StateSnapshot) int {
	applied := 0
	for _, entry := range snap.Entries {
		if ok, _ := s.Apply(entry); ok {
			applied++
		}
	}
	for actor, clock := range snap.ActorClock {
		s.bumpActor(actor, clock)
	}
	return applied
}

// ActorClock returns a copy of the per-actor clock map.
func (s *Store) ActorClock() map[string]int64 {
	out := make(map[string]int64, len(s.actorClock))
	for k, v := range s.actorClock {
		out[k] = v
	}
	return out
}

// LocalClock returns the local actor's clock.
func (s *Store) LocalClock() int64 {
	return s.localClock
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return len(s.entries)
}

func (s *Store) bumpActor(actor string, clock int64) {
	if actor == "" {
		return
	}
	if clock > s.actorClock[actor] {
		s.actorClock[actor] = clock
	}
}

// dominates reports whether a wins over b under the (clock, actor) order.
func dominates(a, b protocol.StateEntry) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Actor > b.Actor
}
