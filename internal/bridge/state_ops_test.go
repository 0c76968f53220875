package bridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/transport"
)

func stateValue(t *testing.T, s *Session, key string) string {
	t.Helper()
	value, ok := s.StateGet(key)
	if !ok {
		return ""
	}
	return string(value)
}

func waitStateValue(t *testing.T, s *Session, key, want string) {
	t.Helper()
	waitCondition(t, s.ID+" state "+key+"="+want, func() bool {
		return stateValue(t, s, key) == want
	})
}

func TestStateSetGetRoundTrip(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)

	entry, err := sa.StateSet("mission", json.RawMessage(`"alpha"`))
	if err != nil {
		t.Fatalf("StateSet: %v", err)
	}
	if entry.Actor != "agent_a" || entry.Clock < 1 {
		t.Errorf("entry = %+v", entry)
	}
	if got := stateValue(t, sa, "mission"); got != `"alpha"` {
		t.Errorf("StateGet = %s", got)
	}
	ev := waitEvent(t, sa, EvStateUpdated, time.Second)
	if ev["source"] != "local" || ev["key"] != "mission" {
		t.Errorf("state_updated = %v", ev)
	}
}

func TestCRDTConvergence(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	sb := startSession(t, hub, "agent_b", nil)
	sc := startSession(t, hub, "agent_c", nil)
	for _, pair := range []struct {
		s      *Session
		stream string
	}{
		{sa, "agent_b"}, {sa, "agent_c"},
		{sb, "agent_a"}, {sb, "agent_c"},
		{sc, "agent_a"}, {sc, "agent_b"},
	} {
		waitPeerState(t, pair.s, pair.stream, HandshakeReady)
	}

	if _, err := sa.StateSet("mission", json.RawMessage(`"alpha"`)); err != nil {
		t.Fatalf("StateSet: %v", err)
	}
	waitStateValue(t, sb, "mission", `"alpha"`)
	waitStateValue(t, sc, "mission", `"alpha"`)

	// B overwrites; its write dominates the earlier entry everywhere.
	if _, err := sb.StateSet("mission", json.RawMessage(`"bravo"`)); err != nil {
		t.Fatalf("StateSet: %v", err)
	}
	waitStateValue(t, sa, "mission", `"bravo"`)

	// A pushing its snapshot must not resurrect "alpha" on C.
	if _, err := sa.StateSync("send", nil); err != nil {
		t.Fatalf("StateSync: %v", err)
	}
	waitStateValue(t, sc, "mission", `"bravo"`)
}

func TestSnapshotRequestedOnHandshake(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	if _, err := sa.StateSet("seeded", json.RawMessage(`true`)); err != nil {
		t.Fatalf("StateSet: %v", err)
	}

	// A peer joining later converges through the automatic snapshot request.
	sb := startSession(t, hub, "agent_b", nil)
	waitPeerState(t, sb, "agent_a", HandshakeReady)
	waitStateValue(t, sb, "seeded", `true`)
}

func TestStateKeyLimitLocal(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", func(c *config.SessionConfig) {
		c.StateMaxKeys = 2
	})
	sa.StateSet("a", json.RawMessage(`1`))
	sa.StateSet("b", json.RawMessage(`2`))
	if _, err := sa.StateSet("c", json.RawMessage(`3`)); !errors.Is(err, ErrStateKeyLimit) {
		t.Errorf("StateSet over cap = %v, want ErrStateKeyLimit", err)
	}
}

func TestStateSyncModeValidation(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	if _, err := sa.StateSync("bogus", nil); err == nil {
		t.Error("StateSync accepted an invalid mode")
	}
}

func TestStateAllIncludesClocks(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	sa.StateSet("x", json.RawMessage(`1`))
	sa.StateSet("y", json.RawMessage(`2`))
	entries, clocks := sa.StateAll()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if clocks["agent_a"] != 2 {
		t.Errorf("actor clock = %v, want 2", clocks)
	}
}
