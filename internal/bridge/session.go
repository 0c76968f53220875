// Package bridge implements the bridge session: the per-session state
// machine with reconnect and heartbeats, the peer handshake and key-agreement
// layer, the chunked file-transfer engines, the replicated key/value store,
// and the event queue surfaced to callers.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vdobridge/vdobridge/internal/bufpool"
	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/events"
	"github.com/vdobridge/vdobridge/internal/keys"
	"github.com/vdobridge/vdobridge/internal/state"
	"github.com/vdobridge/vdobridge/internal/transport"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// Session lifecycle states.
const (
	StateIdle         = "idle"
	StateStarting     = "starting"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateStopped      = "stopped"
)

// User-visible event types.
const (
	EvReady            = "ready"
	EvConnectError     = "connect_error"
	EvDisconnected     = "disconnected"
	EvConnectionFailed = "connection_failed"
	EvTransportError   = "transport_error"
	EvStopped          = "stopped"

	EvPeerConnected    = "peer_connected"
	EvPeerDisconnected = "peer_disconnected"
	EvChannelOpen      = "data_channel_open"
	EvChannelClose     = "data_channel_close"
	EvDataReceived     = "data_received"

	EvSendRejected = "send_rejected"
	EvSendError    = "send_error"

	EvSyncPeerUpdated    = "sync_peer_updated"
	EvSyncPeerRejected   = "sync_peer_rejected"
	EvProtocolAuthFailed = "protocol_auth_failed"

	EvFileReceived  = "file_received"
	EvFileSent      = "file_sent"
	EvFileCancelled = "file_transfer_cancelled"
	EvStateUpdated  = "state_updated"
	EvStateRejected = "state_rejected"
)

// Target resolution errors. The tool surface reports these as validation
// errors.
var (
	ErrAmbiguousTarget = errors.New("ambiguous target: more than one connected peer")
	ErrUnknownTarget   = errors.New("unknown target")
	ErrMalformedTarget = errors.New("malformed target")
	ErrSessionStopped  = errors.New("session stopped")
)

// Session is one bridge instance joined to one room with one local stream id.
// All mutable state is guarded by mu; blocking protocol waits never hold it.
type Session struct {
	ID      string
	cfg     config.SessionConfig
	log     *slog.Logger
	factory transport.Factory

	queue   *events.Queue
	bus     *protoBus
	keyPair *keys.Pair

	mu           sync.Mutex
	lifecycle    string
	tr           transport.Transport
	peers        map[string]*Peer
	store        *state.Store
	outgoing     map[string]*outgoingTransfer
	incoming     map[string]*incomingTransfer
	completedIn  []string
	completedOut []string
	chunkBuf     *bufpool.Pool

	reconnects     int
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	hbStop         chan struct{}
	hbSeq          int64
	hbTick         int64
	lastError      string
	stopped        bool
	startedAt      time.Time
}

// New creates a session from a normalized config. The transport factory is
// invoked on every connect attempt so reconnects get a fresh transport.
func New(id string, cfg config.SessionConfig, factory transport.Factory, log *slog.Logger) (*Session, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	pair, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:        id,
		cfg:       cfg,
		log:       log.With(slog.String("session", id), slog.String("room", cfg.Room)),
		factory:   factory,
		queue:     events.NewQueue(cfg.QueueMaxEvents),
		bus:       newProtoBus(),
		keyPair:   pair,
		lifecycle: StateIdle,
		peers:     make(map[string]*Peer),
		store:     state.NewStore(cfg.StreamID, cfg.StateMaxKeys, cfg.StateMaxSnapshotEntries),
		outgoing:  make(map[string]*outgoingTransfer),
		incoming:  make(map[string]*incomingTransfer),
		chunkBuf:  bufpool.New(cfg.FileChunkBytes),
		startedAt: time.Now(),
	}, nil
}

// Config returns the session's effective configuration.
func (s *Session) Config() config.SessionConfig {
	return s.cfg
}

// Start runs the first connect attempt. Connect failures are not fatal: the
// session emits connect_error and schedules a reconnect.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.lifecycle = StateStarting
	s.mu.Unlock()
	s.attemptConnect(ctx)
	return nil
}

func (s *Session) attemptConnect(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.lifecycle = StateConnecting
	// Handshake state is rebuilt from scratch on every transport.
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()

	tr, err := s.factory()
	if err == nil {
		// The transport is installed before Join/Announce so peer events
		// arriving mid-handshake can already send through it.
		s.mu.Lock()
		s.tr = tr
		s.mu.Unlock()
		tr.SetHandler(s.handleTransportEvent)
		err = tr.Connect(ctx)
		if err == nil {
			err = tr.JoinRoom(ctx, s.cfg.Room, s.cfg.Password)
		}
		if err == nil {
			err = tr.Announce(ctx, s.cfg.StreamID, s.cfg.Label)
		}
		if err == nil && s.cfg.TargetStreamID != "" {
			err = tr.View(ctx, s.cfg.TargetStreamID, s.cfg.Label)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.discardTransport(tr)
		return
	}
	if err != nil {
		s.lastError = err.Error()
		if s.tr == tr {
			s.tr = nil
		}
		s.mu.Unlock()
		s.discardTransport(tr)
		s.log.Warn("connect failed", slog.String("error", err.Error()))
		s.emit(EvConnectError, map[string]any{"error": err.Error()})
		s.scheduleReconnect()
		return
	}
	s.lifecycle = StateConnected
	s.reconnectDelay = time.Duration(s.cfg.ReconnectMS) * time.Millisecond
	s.mu.Unlock()

	s.log.Info("session ready", slog.String("stream_id", s.cfg.StreamID))
	s.emit(EvReady, map[string]any{
		"room":      s.cfg.Room,
		"stream_id": s.cfg.StreamID,
	})
	s.startHeartbeat()
}

// discardTransport detaches a dead transport's handler before tearing it
// down, so its teardown events can no longer reach the session.
func (s *Session) discardTransport(tr transport.Transport) {
	if tr == nil {
		return
	}
	tr.SetHandler(nil)
	tr.Disconnect()
}

// scheduleReconnect arms the single reconnect timer with exponential backoff.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped || s.reconnectTimer != nil {
		s.mu.Unlock()
		return
	}
	s.lifecycle = StateReconnecting
	s.stopHeartbeatLocked()
	delay := s.reconnectDelay
	if delay <= 0 {
		delay = time.Duration(s.cfg.ReconnectMS) * time.Millisecond
	}
	next := delay * 2
	if maxDelay := time.Duration(s.cfg.MaxReconnectMS) * time.Millisecond; next > maxDelay {
		next = maxDelay
	}
	s.reconnectDelay = next
	s.reconnects++
	attempt := s.reconnects
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		old := s.tr
		s.tr = nil
		s.mu.Unlock()
		s.discardTransport(old)
		s.attemptConnect(context.Background())
	})
	s.mu.Unlock()
	s.log.Info("reconnect scheduled",
		slog.Duration("delay", delay), slog.Int("attempt", attempt))
}

// Stop tears the session down: timers disarmed, transport released, spool
// descriptors closed and spool files removed unless keep_spool_files is set.
// Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.lifecycle = StateStopped
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopHeartbeatLocked()
	tr := s.tr
	s.tr = nil
	incoming := make([]*incomingTransfer, 0, len(s.incoming))
	for _, t := range s.incoming {
		incoming = append(incoming, t)
	}
	s.mu.Unlock()

	s.discardTransport(tr)
	s.mu.Lock()
	for _, t := range incoming {
		t.releaseStorage(s.cfg.KeepSpoolFiles)
	}
	s.mu.Unlock()
	s.emit(EvStopped, nil)
	s.queue.Close()
	s.log.Info("session stopped")
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	if s.hbStop != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.hbStop = stop
	interval := time.Duration(s.cfg.HeartbeatMS) * time.Millisecond
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.heartbeatTick()
			}
		}
	}()
}

func (s *Session) stopHeartbeatLocked() {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

// heartbeatTick sends the application keepalive and a sync.heartbeat when any
// channel is open, pings connected peers, and refreshes capabilities with a
// sync.hello broadcast every fourth tick.
func (s *Session) heartbeatTick() {
	s.mu.Lock()
	tr := s.tr
	if tr == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.hbTick++
	tick := s.hbTick
	s.hbSeq++
	seq := s.hbSeq
	connected := make([]string, 0, len(s.peers))
	for uuid, p := range s.peers {
		if p.Connected {
			connected = append(connected, uuid)
		}
	}
	s.mu.Unlock()

	if tr.HasOpenDataChannel("") {
		_ = tr.SendData(map[string]any{
			"type": "bridge.keepalive",
			"ts":   time.Now().UnixMilli(),
		}, "")
		if env, err := protocol.New(protocol.KindSyncHeartbeat, s.cfg.Room, s.cfg.StreamID, protocol.Heartbeat{Seq: seq}); err == nil {
			_ = tr.SendData(env, "")
		}
	}
	for _, uuid := range connected {
		_ = tr.SendPing(uuid)
	}
	if tick%4 == 0 {
		for _, uuid := range connected {
			s.sendHello(uuid)
		}
	}
}

// handleTransportEvent classifies transport events into lifecycle events and
// inbound data.
func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		// Signalling channel is up; joining and announcing happen inline in
		// attemptConnect.
	case transport.EventDisconnected:
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.emit(EvDisconnected, nil)
		s.scheduleReconnect()
	case transport.EventConnectionFailed:
		s.mu.Lock()
		s.lastError = ev.Detail
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.emit(EvConnectionFailed, map[string]any{"detail": ev.Detail})
		s.scheduleReconnect()
	case transport.EventError:
		s.mu.Lock()
		s.lastError = ev.Detail
		s.mu.Unlock()
		s.emit(EvTransportError, map[string]any{"detail": ev.Detail})
	case transport.EventPeerConnected:
		s.mu.Lock()
		p := s.ensurePeerLocked(ev.UUID, ev.StreamID)
		p.Connected = true
		p.LastSeen = time.Now()
		s.mu.Unlock()
		s.emit(EvPeerConnected, map[string]any{"uuid": ev.UUID, "stream_id": ev.StreamID})
		s.sendHello(ev.UUID)
	case transport.EventPeerDisconnected:
		s.mu.Lock()
		if p, ok := s.peers[ev.UUID]; ok {
			p.Connected = false
			p.ChannelOpen = false
		}
		s.mu.Unlock()
		s.emit(EvPeerDisconnected, map[string]any{"uuid": ev.UUID, "stream_id": ev.StreamID})
	case transport.EventDataChannelOpen:
		s.mu.Lock()
		p := s.ensurePeerLocked(ev.UUID, ev.StreamID)
		p.ChannelOpen = true
		helloSent := p.helloSent
		s.mu.Unlock()
		s.emit(EvChannelOpen, map[string]any{"uuid": ev.UUID, "stream_id": ev.StreamID})
		if !helloSent {
			s.sendHello(ev.UUID)
		}
	case transport.EventDataChannelClose:
		s.mu.Lock()
		if p, ok := s.peers[ev.UUID]; ok {
			p.ChannelOpen = false
		}
		s.mu.Unlock()
		s.emit(EvChannelClose, map[string]any{"uuid": ev.UUID, "stream_id": ev.StreamID})
	case transport.EventDataReceived:
		s.handleData(ev)
	}
}

// handleData routes inbound payloads: bridge-protocol envelopes go to the
// handshake, file, and state engines; everything else surfaces verbatim as a
// data_received event.
func (s *Session) handleData(ev transport.Event) {
	s.mu.Lock()
	p := s.ensurePeerLocked(ev.UUID, ev.StreamID)
	p.LastSeen = time.Now()
	s.mu.Unlock()

	env, isEnv := protocol.Parse(ev.Data)
	if !isEnv {
		fields := map[string]any{
			"from_uuid":      ev.UUID,
			"from_stream_id": ev.StreamID,
		}
		if b, isBytes := ev.Data.([]byte); isBytes {
			fields["data"] = base64.StdEncoding.EncodeToString(b)
			fields["encoding"] = "base64"
		} else {
			fields["data"] = ev.Data
		}
		if ev.Fallback {
			fields["fallback"] = true
		}
		s.emit(EvDataReceived, fields)
		return
	}
	if err := env.ValidateBasic(); err != nil {
		s.log.Debug("dropping invalid envelope", slog.String("error", err.Error()))
		return
	}

	if env.IsSync() {
		s.handleSync(ev.UUID, env)
		return
	}

	s.mu.Lock()
	peer := s.peers[ev.UUID]
	var key []byte
	rejected := false
	if peer != nil {
		key = peer.sharedKey
		rejected = peer.Handshake == HandshakeRejected
	}
	enforce := s.cfg.RequireSessionMAC
	s.mu.Unlock()

	if rejected {
		// A rejected peer gets no protocol traffic until a valid hello.
		s.log.Debug("dropping envelope from rejected peer", slog.String("uuid", ev.UUID))
		return
	}
	if env.MAC != "" {
		if len(key) == 0 || !protocol.VerifyMAC(env, key) {
			s.emit(EvProtocolAuthFailed, map[string]any{
				"uuid":   ev.UUID,
				"kind":   env.Kind,
				"reason": "mac_mismatch",
			})
			return
		}
	} else if enforce {
		s.emit(EvProtocolAuthFailed, map[string]any{
			"uuid":   ev.UUID,
			"kind":   env.Kind,
			"reason": "missing_mac",
		})
		return
	}

	s.bus.publish(env, ev.UUID)

	switch {
	case isFileKind(env.Kind):
		s.handleFileEnvelope(ev.UUID, env)
	case isStateKind(env.Kind):
		s.handleStateEnvelope(ev.UUID, env)
	}
}

// Send resolves the target and delivers an application payload over its data
// channel. Target forms: nil (the sole connected peer), a uuid string, a
// stream id string, or an object {"uuid"|"stream_id", "allow_fallback"}.
// Refusals emit send_rejected and return ok=false; resolution failures return
// a validation error.
func (s *Session) Send(payload any, target any) (usedTarget string, ok bool, err error) {
	uuid, allowFallback, err := s.resolveTarget(target)
	if err != nil {
		return "", false, err
	}
	if uuid == "" {
		s.emit(EvSendRejected, map[string]any{"reason": "no_connected_peer"})
		return "", false, nil
	}
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		s.emit(EvSendRejected, map[string]any{"reason": "not_connected", "target": uuid})
		return uuid, false, nil
	}
	if !allowFallback && !tr.HasOpenDataChannel(uuid) {
		s.emit(EvSendRejected, map[string]any{"reason": "no_open_data_channel", "target": uuid})
		return uuid, false, nil
	}
	if sendErr := tr.SendData(payload, uuid); sendErr != nil {
		s.emit(EvSendError, map[string]any{"target": uuid, "error": sendErr.Error()})
		return uuid, false, nil
	}
	return uuid, true, nil
}

// resolveTarget maps the tool-level target to a peer uuid. An empty uuid with
// nil error means no connected peer exists.
func (s *Session) resolveTarget(target any) (uuid string, allowFallback bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch v := target.(type) {
	case nil:
		var sole string
		n := 0
		for id, p := range s.peers {
			if p.Connected {
				sole = id
				n++
			}
		}
		if n > 1 {
			return "", false, ErrAmbiguousTarget
		}
		return sole, false, nil
	case string:
		if v == "" {
			return "", false, ErrMalformedTarget
		}
		if _, ok := s.peers[v]; ok {
			return v, false, nil
		}
		if id := s.uuidForStreamLocked(v); id != "" {
			return id, false, nil
		}
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTarget, v)
	case map[string]any:
		allowFallback, _ = v["allow_fallback"].(bool)
		if raw, ok := v["uuid"].(string); ok && raw != "" {
			if _, known := s.peers[raw]; known || allowFallback {
				return raw, allowFallback, nil
			}
			return "", false, fmt.Errorf("%w: %s", ErrUnknownTarget, raw)
		}
		if raw, ok := v["stream_id"].(string); ok && raw != "" {
			if id := s.uuidForStreamLocked(raw); id != "" {
				return id, allowFallback, nil
			}
			return "", false, fmt.Errorf("%w: %s", ErrUnknownTarget, raw)
		}
		return "", false, ErrMalformedTarget
	default:
		return "", false, ErrMalformedTarget
	}
}

func (s *Session) uuidForStreamLocked(streamID string) string {
	for id, p := range s.peers {
		if p.StreamID == streamID {
			return id
		}
	}
	return ""
}

// Poll drains up to max user-visible events, waiting up to wait when none are
// queued.
func (s *Session) Poll(max int, wait time.Duration) []events.Event {
	return s.queue.Poll(max, wait)
}

// Status is the live status snapshot surfaced by the status tool.
type Status struct {
	SessionID      string         `json:"session_id"`
	Lifecycle      string         `json:"lifecycle"`
	Room           string         `json:"room"`
	StreamID       string         `json:"stream_id"`
	TargetStreamID string         `json:"target_stream_id,omitempty"`
	Label          string         `json:"label,omitempty"`
	Reconnects     int            `json:"reconnects"`
	LastError      string         `json:"last_error,omitempty"`
	UptimeMS       int64          `json:"uptime_ms"`
	QueuedEvents   int            `json:"queued_events"`
	Peers          []PeerSummary  `json:"peers"`
	Transfers      TransferCounts `json:"transfers"`
	StateKeys      int            `json:"state_keys"`
}

// TransferCounts summarizes registry sizes.
type TransferCounts struct {
	Incoming int `json:"incoming"`
	Outgoing int `json:"outgoing"`
}

// Status returns a point-in-time snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	peers := make([]PeerSummary, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p.summary(now))
	}
	return Status{
		SessionID:      s.ID,
		Lifecycle:      s.lifecycle,
		Room:           s.cfg.Room,
		StreamID:       s.cfg.StreamID,
		TargetStreamID: s.cfg.TargetStreamID,
		Label:          s.cfg.Label,
		Reconnects:     s.reconnects,
		LastError:      s.lastError,
		UptimeMS:       now.Sub(s.startedAt).Milliseconds(),
		QueuedEvents:   s.queue.Len(),
		Peers:          peers,
		Transfers: TransferCounts{
			Incoming: len(s.incoming),
			Outgoing: len(s.outgoing),
		},
		StateKeys: s.store.Len(),
	}
}

// Peers returns summaries of all known peers.
func (s *Session) Peers() []PeerSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]PeerSummary, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.summary(now))
	}
	return out
}

func (s *Session) ensurePeerLocked(uuid, streamID string) *Peer {
	p, ok := s.peers[uuid]
	if !ok {
		p = &Peer{
			UUID:      uuid,
			Handshake: HandshakeDiscovered,
		}
		s.peers[uuid] = p
	}
	if streamID != "" && p.StreamID == "" {
		p.StreamID = streamID
	}
	return p
}

// emit queues a user-visible event.
func (s *Session) emit(eventType string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["session_id"] = s.ID
	s.queue.Push(events.New(eventType, fields))
}

// sendEnvelope builds, signs (when a shared key exists for the target), and
// sends a protocol envelope.
func (s *Session) sendEnvelope(targetUUID, kind string, payload any) error {
	env, err := protocol.New(kind, s.cfg.Room, s.cfg.StreamID, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	tr := s.tr
	var key []byte
	if targetUUID != "" {
		if p, ok := s.peers[targetUUID]; ok {
			key = p.sharedKey
		}
	}
	s.mu.Unlock()
	if tr == nil {
		return errors.New("not connected")
	}
	if len(key) > 0 {
		if err := protocol.SignMAC(&env, key); err != nil {
			return err
		}
	}
	return tr.SendData(env, targetUUID)
}

func isFileKind(kind string) bool {
	return len(kind) > 5 && kind[:5] == "file."
}

func isStateKind(kind string) bool {
	return len(kind) > 6 && kind[:6] == "state."
}
