package bridge

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/transport"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

func TestMessageEcho(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	used, ok, err := sa.Send(map[string]any{"type": "demo.message", "id": "m1", "text": "hi"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok || used == "" {
		t.Fatalf("Send ok=%v used=%q", ok, used)
	}

	ev := waitEvent(t, sb, EvDataReceived, 3*time.Second)
	data, isMap := ev["data"].(map[string]any)
	if !isMap {
		t.Fatalf("data = %T, want structured object", ev["data"])
	}
	if data["id"] != "m1" || data["text"] != "hi" {
		t.Errorf("data = %v", data)
	}
	if ev["from_stream_id"] != "agent_a" {
		t.Errorf("from_stream_id = %v", ev["from_stream_id"])
	}
}

func TestSendTargetResolution(t *testing.T) {
	hub := transport.NewHub()
	sa, _ := connectPair(t, hub, "agent_a", "agent_b")

	// Stream id resolves to the peer uuid.
	if _, ok, err := sa.Send("hello", "agent_b"); err != nil || !ok {
		t.Errorf("Send by stream id: ok=%v err=%v", ok, err)
	}
	// Unknown target is a resolution failure.
	if _, _, err := sa.Send("hello", "nobody"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Send to unknown = %v, want ErrUnknownTarget", err)
	}
	// Malformed target object.
	if _, _, err := sa.Send("hello", 42); !errors.Is(err, ErrMalformedTarget) {
		t.Errorf("Send to int = %v, want ErrMalformedTarget", err)
	}
}

func TestSendAmbiguousTarget(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	startSession(t, hub, "agent_b", nil)
	startSession(t, hub, "agent_c", nil)
	waitPeerState(t, sa, "agent_b", HandshakeReady)
	waitPeerState(t, sa, "agent_c", HandshakeReady)

	if _, _, err := sa.Send("hello", nil); !errors.Is(err, ErrAmbiguousTarget) {
		t.Errorf("Send with two peers = %v, want ErrAmbiguousTarget", err)
	}
}

func TestStatusAndPeers(t *testing.T) {
	hub := transport.NewHub()
	sa, _ := connectPair(t, hub, "agent_a", "agent_b")

	st := sa.Status()
	if st.Lifecycle != StateConnected {
		t.Errorf("lifecycle = %s, want connected", st.Lifecycle)
	}
	if st.Room != "room1" || st.StreamID != "agent_a" {
		t.Errorf("status = %+v", st)
	}
	if len(st.Peers) != 1 || st.Peers[0].StreamID != "agent_b" {
		t.Fatalf("peers = %+v", st.Peers)
	}
	p := st.Peers[0]
	if !p.Connected || !p.SharedKeyReady || !p.AuthOK {
		t.Errorf("peer = %+v", p)
	}
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	hub := transport.NewHub()

	var mu sync.Mutex
	var current *transport.MockTransport
	factory := func() (transport.Transport, error) {
		tr := hub.NewTransport()
		mu.Lock()
		current = tr
		mu.Unlock()
		return tr, nil
	}
	cfg := baseConfig("agent_a")
	sa, err := New("sess-a", cfg, factory, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sa.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sa.Stop)

	startSession(t, hub, "agent_b", nil)
	waitPeerState(t, sa, "agent_b", HandshakeReady)
	waitEvent(t, sa, EvReady, time.Second)

	mu.Lock()
	current.FailConnection("simulated failure")
	mu.Unlock()

	waitEvent(t, sa, EvConnectionFailed, 2*time.Second)
	// Backoff elapses, a fresh transport joins, and the handshake reruns.
	waitEvent(t, sa, EvReady, 3*time.Second)
	waitPeerState(t, sa, "agent_b", HandshakeReady)
	if got := sa.Status().Reconnects; got < 1 {
		t.Errorf("reconnects = %d, want >= 1", got)
	}
}

func TestAllowlistAndToken(t *testing.T) {
	const secret = "s3cret"
	hub := transport.NewHub()
	sa := startSession(t, hub, "secure_a", func(c *config.SessionConfig) {
		c.AllowPeerStreamIDs = []string{"secure_b"}
		c.JoinTokenSecret = secret
		c.EnforceJoinToken = true
	})
	startSession(t, hub, "secure_b", func(c *config.SessionConfig) {
		c.JoinTokenSecret = secret
	})
	startSession(t, hub, "intruder", func(c *config.SessionConfig) {
		c.JoinTokenSecret = secret
	})

	admitted := waitPeerState(t, sa, "secure_b", HandshakeReady)
	if !admitted.AuthOK {
		t.Errorf("secure_b auth_ok = false, want true")
	}
	rejected := waitPeerState(t, sa, "intruder", HandshakeRejected)
	if rejected.RejectedReason != rejectNotAllowed {
		t.Errorf("rejected reason = %q, want %q", rejected.RejectedReason, rejectNotAllowed)
	}
}

func TestEnforcedTokenRejectsBadSecret(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", func(c *config.SessionConfig) {
		c.JoinTokenSecret = "right"
		c.EnforceJoinToken = true
	})
	startSession(t, hub, "agent_b", func(c *config.SessionConfig) {
		c.JoinTokenSecret = "wrong"
	})
	rejected := waitPeerState(t, sa, "agent_b", HandshakeRejected)
	if rejected.RejectedReason != rejectInvalidToken {
		t.Errorf("reason = %q, want %q", rejected.RejectedReason, rejectInvalidToken)
	}
}

func TestTokenWithoutEnforcementMarksAuth(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", func(c *config.SessionConfig) {
		c.JoinTokenSecret = "right"
	})
	startSession(t, hub, "agent_b", func(c *config.SessionConfig) {
		c.JoinTokenSecret = "wrong"
	})
	p := waitPeerState(t, sa, "agent_b", HandshakeReady)
	if p.AuthOK {
		t.Error("auth_ok = true for a peer with a bad token, want false")
	}
}

func TestRequireSessionMACDropsUnsigned(t *testing.T) {
	hub := transport.NewHub()
	sb := startSession(t, hub, "agent_b", func(c *config.SessionConfig) {
		c.RequireSessionMAC = true
	})

	// A bare transport that never completes the handshake.
	raw := hub.NewTransport()
	rec := &rawRecorder{}
	raw.SetHandler(rec.handle)
	ctx := context.Background()
	if err := raw.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := raw.JoinRoom(ctx, "room1", ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := raw.Announce(ctx, "raw_peer", ""); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	bUUID := rec.waitPeer(t)

	env, err := protocol.New(protocol.KindFileResumeReq, "room1", "raw_peer", protocol.FileResumeReq{TransferID: "t1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := raw.SendData(env, bUUID); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	ev := waitEvent(t, sb, EvProtocolAuthFailed, 3*time.Second)
	if ev["reason"] != "missing_mac" {
		t.Errorf("reason = %v, want missing_mac", ev["reason"])
	}
	// The envelope was dropped: no resume_state reply reaches the raw peer.
	time.Sleep(100 * time.Millisecond)
	if rec.findEnvelope(protocol.KindFileResumeState) != nil {
		t.Error("receiver replied to an unsigned envelope despite require_session_mac")
	}
}

func TestStopReleasesSpoolFiles(t *testing.T) {
	hub := transport.NewHub()
	spoolDir := t.TempDir()
	sa, sb := twoSessionsWithSpool(t, hub, spoolDir, false)

	payload := make([]byte, 8000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	sum, err := sa.SendFile(context.Background(), FileSendRequest{Data: payload, ChunkBytes: 1024})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	var spoolPath string
	waitCondition(t, "incoming transfer completed", func() bool {
		in, _, _ := sb.Transfers("incoming")
		for _, tr := range in {
			if tr.TransferID == sum.TransferID && tr.Status == TransferCompleted {
				spoolPath = tr.SpoolPath
				return true
			}
		}
		return false
	})
	if spoolPath == "" {
		t.Fatal("transfer was not spooled")
	}
	if _, err := os.Stat(spoolPath); err != nil {
		t.Fatalf("spool file missing before stop: %v", err)
	}

	sb.Stop()
	if _, err := os.Stat(spoolPath); !os.IsNotExist(err) {
		t.Errorf("spool file still present after stop: %v", err)
	}
}

func TestStopKeepsSpoolFilesWhenConfigured(t *testing.T) {
	hub := transport.NewHub()
	spoolDir := t.TempDir()
	sa, sb := twoSessionsWithSpool(t, hub, spoolDir, true)

	payload := make([]byte, 8000)
	sum, err := sa.SendFile(context.Background(), FileSendRequest{Data: payload, ChunkBytes: 1024})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	var spoolPath string
	waitCondition(t, "incoming transfer completed", func() bool {
		in, _, _ := sb.Transfers("incoming")
		for _, tr := range in {
			if tr.TransferID == sum.TransferID && tr.Status == TransferCompleted {
				spoolPath = tr.SpoolPath
				return true
			}
		}
		return false
	})

	sb.Stop()
	if _, err := os.Stat(spoolPath); err != nil {
		t.Errorf("spool file removed despite keep_spool_files: %v", err)
	}
}

func twoSessionsWithSpool(t *testing.T, hub *transport.Hub, spoolDir string, keep bool) (*Session, *Session) {
	t.Helper()
	sa := startSession(t, hub, "agent_a", nil)
	sb := startSession(t, hub, "agent_b", func(c *config.SessionConfig) {
		c.SpoolDir = spoolDir
		c.SpoolThresholdBytes = 1024
		c.KeepSpoolFiles = keep
	})
	waitPeerState(t, sa, "agent_b", HandshakeReady)
	waitPeerState(t, sb, "agent_a", HandshakeReady)
	return sa, sb
}

// rawRecorder captures transport events for bare (session-less) transports.
type rawRecorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *rawRecorder) handle(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *rawRecorder) waitPeer(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == transport.EventPeerConnected {
				r.mu.Unlock()
				return ev.UUID
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("raw transport never saw a peer")
	return ""
}

// findEnvelope scans received data for a protocol envelope of the given kind.
func (r *rawRecorder) findEnvelope(kind string) *protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type != transport.EventDataReceived {
			continue
		}
		if env, ok := protocol.Parse(ev.Data); ok && env.Kind == kind {
			return &env
		}
	}
	return nil
}
