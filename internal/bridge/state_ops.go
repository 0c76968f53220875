package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// ErrStateKeyLimit is returned when a local set would exceed state_max_keys.
var ErrStateKeyLimit = errors.New("state key limit reached")

// StateSet performs a local write and replicates it to all connected peers as
// a state.patch.
func (s *Session) StateSet(key string, value json.RawMessage) (protocol.StateEntry, error) {
	if key == "" {
		return protocol.StateEntry{}, errors.New("key is required")
	}
	s.mu.Lock()
	entry, ok, reason := s.store.Set(key, value, time.Now())
	var connected []string
	if ok {
		for uuid, p := range s.peers {
			if p.Connected {
				connected = append(connected, uuid)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return protocol.StateEntry{}, fmt.Errorf("%w: %s", ErrStateKeyLimit, reason)
	}

	patch := protocol.StatePatch{Entries: []protocol.StateEntry{entry}}
	for _, uuid := range connected {
		_ = s.sendEnvelope(uuid, protocol.KindStatePatch, patch)
	}
	s.emit(EvStateUpdated, map[string]any{
		"source": "local",
		"key":    key,
		"clock":  entry.Clock,
	})
	return entry, nil
}

// StateGet returns the value for key.
func (s *Session) StateGet(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(key)
}

// StateEntryFor returns the full entry for key.
func (s *Session) StateEntryFor(key string) (protocol.StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Entry(key)
}

// StateAll returns every entry plus the actor-clock map.
func (s *Session) StateAll() ([]protocol.StateEntry, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Entries(), s.store.ActorClock()
}

// StateSync exchanges state with peers. Modes: "request" broadcasts a
// snapshot request, "send" broadcasts the local snapshot, "both" (default)
// does both.
func (s *Session) StateSync(mode string, target any) (int, error) {
	switch mode {
	case "", "both", "request", "send":
	default:
		return 0, fmt.Errorf("invalid mode: %s", mode)
	}

	var targets []string
	if target != nil {
		uuid, _, err := s.resolveTarget(target)
		if err != nil {
			return 0, err
		}
		if uuid != "" {
			targets = []string{uuid}
		}
	} else {
		s.mu.Lock()
		for uuid, p := range s.peers {
			if p.Connected {
				targets = append(targets, uuid)
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	snap := s.store.Snapshot(s.cfg.Room, time.Now())
	s.mu.Unlock()

	for _, uuid := range targets {
		if mode == "request" || mode == "both" || mode == "" {
			_ = s.sendEnvelope(uuid, protocol.KindStateSnapshotReq, protocol.StateSnapshotReq{})
		}
		if mode == "send" || mode == "both" || mode == "" {
			_ = s.sendEnvelope(uuid, protocol.KindStateSnapshot, snap)
		}
	}
	return len(targets), nil
}

// handleStateEnvelope dispatches the state.* envelope family.
func (s *Session) handleStateEnvelope(fromUUID string, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindStatePatch:
		s.handleStatePatch(fromUUID, env)
	case protocol.KindStateSnapshotReq:
		s.mu.Lock()
		snap := s.store.Snapshot(s.cfg.Room, time.Now())
		s.mu.Unlock()
		_ = s.sendEnvelope(fromUUID, protocol.KindStateSnapshot, snap)
	case protocol.KindStateSnapshot:
		var snap protocol.StateSnapshot
		if err := env.DecodePayload(&snap); err != nil {
			return
		}
		s.mu.Lock()
		applied := s.store.ApplySnapshot(snap)
		s.mu.Unlock()
		if applied > 0 {
			s.emit(EvStateUpdated, map[string]any{
				"source":  "remote",
				"from":    fromUUID,
				"applied": applied,
			})
		}
	}
}

func (s *Session) handleStatePatch(fromUUID string, env protocol.Envelope) {
	var patch protocol.StatePatch
	if err := env.DecodePayload(&patch); err != nil {
		return
	}
	for _, entry := range patch.Entries {
		s.mu.Lock()
		applied, reason := s.store.Apply(entry)
		s.mu.Unlock()
		if applied {
			s.emit(EvStateUpdated, map[string]any{
				"source": "remote",
				"from":   fromUUID,
				"key":    entry.Key,
				"clock":  entry.Clock,
			})
		} else if reason != "" {
			s.emit(EvStateRejected, map[string]any{
				"from":   fromUUID,
				"key":    entry.Key,
				"reason": reason,
			})
		}
	}
}
