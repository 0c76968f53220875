package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/events"
	"github.com/vdobridge/vdobridge/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(streamID string) config.SessionConfig {
	return config.SessionConfig{
		Room:             "room1",
		StreamID:         streamID,
		HeartbeatMS:      60000,
		ReconnectMS:      50,
		MaxReconnectMS:   200,
		FileAckTimeoutMS: 500,
	}
}

// startSession creates and starts a session on the given hub.
func startSession(t *testing.T, hub *transport.Hub, streamID string, mutate func(*config.SessionConfig)) *Session {
	t.Helper()
	cfg := baseConfig(streamID)
	if mutate != nil {
		mutate(&cfg)
	}
	factory := func() (transport.Transport, error) {
		return hub.NewTransport(), nil
	}
	s, err := New("sess-"+streamID, cfg, factory, testLogger())
	if err != nil {
		t.Fatalf("New(%s): %v", streamID, err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", streamID, err)
	}
	t.Cleanup(s.Stop)
	return s
}

// waitPeerState polls until the named peer reaches the wanted handshake
// state.
func waitPeerState(t *testing.T, s *Session, streamID string, want HandshakeState) PeerSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range s.Peers() {
			if p.StreamID == streamID && p.HandshakeState == string(want) {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: peer %s never reached state %s (peers: %+v)", s.ID, streamID, want, s.Peers())
	return PeerSummary{}
}

// waitEvent drains the session queue until an event of the given type shows
// up.
func waitEvent(t *testing.T, s *Session, eventType string, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining < 0 {
			break
		}
		for _, ev := range s.Poll(50, 100*time.Millisecond) {
			if ev.Type() == eventType {
				return ev
			}
		}
	}
	t.Fatalf("%s: no %s event within %v", s.ID, eventType, timeout)
	return nil
}

// waitCondition polls an arbitrary predicate.
func waitCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

// connectPair starts two sessions in the same room and waits until both sides
// finished the handshake.
func connectPair(t *testing.T, hub *transport.Hub, a, b string) (*Session, *Session) {
	t.Helper()
	sa := startSession(t, hub, a, nil)
	sb := startSession(t, hub, b, func(c *config.SessionConfig) {
		c.TargetStreamID = a
	})
	waitPeerState(t, sa, b, HandshakeReady)
	waitPeerState(t, sb, a, HandshakeReady)
	return sa, sb
}
