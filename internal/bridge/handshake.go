package bridge

import (
	"log/slog"
	"time"

	"github.com/vdobridge/vdobridge/internal/token"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// Rejection reasons carried in sync.reject payloads and peer records.
const (
	rejectNotAllowed   = "peer not on allowlist"
	rejectInvalidToken = "invalid join token"
)

// localCapabilities advertises what this bridge speaks.
func (s *Session) localCapabilities() map[string]any {
	return map[string]any{
		"messaging": true,
		"files":     true,
		"state":     true,
		"protocol":  protocol.Magic,
	}
}

// buildJoinToken returns the configured token verbatim, or mints one from the
// configured secret.
func (s *Session) buildJoinToken() string {
	if s.cfg.JoinToken != "" {
		return s.cfg.JoinToken
	}
	if s.cfg.JoinTokenSecret == "" {
		return ""
	}
	ttl := time.Duration(s.cfg.TokenTTLMS) * time.Millisecond
	tok, err := token.Mint(s.cfg.JoinTokenSecret, s.cfg.Room, s.cfg.StreamID, protocol.NewNonce(), ttl)
	if err != nil {
		s.log.Warn("mint join token failed", slog.String("error", err.Error()))
		return ""
	}
	return tok
}

// sendHello sends a sync.hello (capabilities, public key, join token) to the
// given peer.
func (s *Session) sendHello(targetUUID string) {
	pub, err := s.keyPair.PublicBase64()
	if err != nil {
		s.log.Warn("encode public key failed", slog.String("error", err.Error()))
	}
	hello := protocol.Hello{
		Capabilities: s.localCapabilities(),
		PublicKey:    pub,
		Token:        s.buildJoinToken(),
		Label:        s.cfg.Label,
	}
	if err := s.sendEnvelope(targetUUID, protocol.KindSyncHello, hello); err != nil {
		s.log.Debug("send hello failed", slog.String("uuid", targetUUID), slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	if p, ok := s.peers[targetUUID]; ok {
		p.helloSent = true
	}
	s.mu.Unlock()
}

// handleSync dispatches the sync.* envelope family.
func (s *Session) handleSync(fromUUID string, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSyncHello:
		s.handleHello(fromUUID, env)
	case protocol.KindSyncHelloAck:
		s.handleHelloAck(fromUUID, env)
	case protocol.KindSyncHeartbeat:
		s.handleHeartbeat(fromUUID, env)
	case protocol.KindSyncReject:
		s.handleReject(fromUUID, env)
	}
}

// handleHello runs peer admission: allowlist, join-token validation,
// capability storage, shared-key derivation, and the hello_ack reply. After
// admission the session automatically requests a state snapshot.
func (s *Session) handleHello(fromUUID string, env protocol.Envelope) {
	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		s.log.Debug("malformed hello", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	p := s.ensurePeerLocked(fromUUID, env.FromStreamID)
	if env.FromStreamID != "" {
		p.StreamID = env.FromStreamID
	}
	p.LastSeen = time.Now()
	p.Handshake = HandshakeHelloReceived

	// Allowlist gate.
	if len(s.cfg.AllowPeerStreamIDs) > 0 && !containsString(s.cfg.AllowPeerStreamIDs, p.StreamID) {
		p.Handshake = HandshakeRejected
		p.AuthOK = false
		p.RejectedReason = rejectNotAllowed
		streamID := p.StreamID
		s.mu.Unlock()
		s.emit(EvSyncPeerRejected, map[string]any{
			"uuid":      fromUUID,
			"stream_id": streamID,
			"reason":    rejectNotAllowed,
		})
		_ = s.sendEnvelope(fromUUID, protocol.KindSyncReject, protocol.Reject{Reason: rejectNotAllowed})
		return
	}

	// Join-token gate.
	authOK := true
	if s.cfg.JoinTokenSecret != "" || s.cfg.EnforceJoinToken {
		claims, err := token.Verify(s.cfg.JoinTokenSecret, hello.Token, s.cfg.Room, p.StreamID, time.Now())
		if err != nil {
			if s.cfg.EnforceJoinToken {
				p.Handshake = HandshakeRejected
				p.AuthOK = false
				p.RejectedReason = rejectInvalidToken
				streamID := p.StreamID
				s.mu.Unlock()
				s.emit(EvSyncPeerRejected, map[string]any{
					"uuid":      fromUUID,
					"stream_id": streamID,
					"reason":    rejectInvalidToken,
					"error":     err.Error(),
				})
				_ = s.sendEnvelope(fromUUID, protocol.KindSyncReject, protocol.Reject{Reason: rejectInvalidToken})
				return
			}
			authOK = false
		} else {
			p.tokenClaims = &claims
		}
	}

	p.AuthOK = authOK
	p.RejectedReason = ""
	if hello.Capabilities != nil {
		p.Capabilities = hello.Capabilities
	}
	if hello.PublicKey != "" {
		if secret, err := s.keyPair.SharedSecret(hello.PublicKey); err == nil {
			p.sharedKey = secret
			p.SharedKeyReady = true
		} else {
			s.log.Warn("derive shared key failed", slog.String("uuid", fromUUID), slog.String("error", err.Error()))
		}
	}
	p.Handshake = HandshakeReady
	s.mu.Unlock()

	pub, _ := s.keyPair.PublicBase64()
	_ = s.sendEnvelope(fromUUID, protocol.KindSyncHelloAck, protocol.HelloAck{
		Capabilities: s.localCapabilities(),
		PublicKey:    pub,
		AuthOK:       authOK,
	})
	s.afterHandshake(fromUUID)
}

// handleHelloAck completes the handshake from the initiating side.
func (s *Session) handleHelloAck(fromUUID string, env protocol.Envelope) {
	var ack protocol.HelloAck
	if err := env.DecodePayload(&ack); err != nil {
		return
	}
	s.mu.Lock()
	p := s.ensurePeerLocked(fromUUID, env.FromStreamID)
	p.LastSeen = time.Now()
	if ack.Capabilities != nil {
		p.Capabilities = ack.Capabilities
	}
	if ack.PublicKey != "" && !p.SharedKeyReady {
		if secret, err := s.keyPair.SharedSecret(ack.PublicKey); err == nil {
			p.sharedKey = secret
			p.SharedKeyReady = true
		}
	}
	if p.Handshake != HandshakeRejected {
		p.Handshake = HandshakeReady
	}
	s.mu.Unlock()
	s.afterHandshake(fromUUID)
}

// afterHandshake emits sync_peer_updated and requests a state snapshot, so a
// freshly admitted peer converges without an explicit state_sync call.
func (s *Session) afterHandshake(fromUUID string) {
	s.mu.Lock()
	p := s.peers[fromUUID]
	if p != nil && p.Handshake == HandshakeRejected {
		s.mu.Unlock()
		return
	}
	var summaryFields map[string]any
	if p != nil {
		sum := p.summary(time.Now())
		summaryFields = map[string]any{
			"uuid":            sum.UUID,
			"stream_id":       sum.StreamID,
			"handshake_state": sum.HandshakeState,
			"auth_ok":         sum.AuthOK,
			"shared_key":      sum.SharedKeyReady,
		}
	}
	s.mu.Unlock()
	if summaryFields != nil {
		s.emit(EvSyncPeerUpdated, summaryFields)
	}
	_ = s.sendEnvelope(fromUUID, protocol.KindStateSnapshotReq, protocol.StateSnapshotReq{})
}

func (s *Session) handleHeartbeat(fromUUID string, env protocol.Envelope) {
	var hb protocol.Heartbeat
	_ = env.DecodePayload(&hb)
	s.mu.Lock()
	p := s.ensurePeerLocked(fromUUID, env.FromStreamID)
	p.LastSeen = time.Now()
	p.LastHeartbeat = time.Now()
	p.heartbeat = hb.Seq
	s.mu.Unlock()
}

func (s *Session) handleReject(fromUUID string, env protocol.Envelope) {
	var rej protocol.Reject
	_ = env.DecodePayload(&rej)
	s.mu.Lock()
	p := s.ensurePeerLocked(fromUUID, env.FromStreamID)
	streamID := p.StreamID
	s.mu.Unlock()
	s.emit(EvSyncPeerRejected, map[string]any{
		"uuid":      fromUUID,
		"stream_id": streamID,
		"reason":    rej.Reason,
		"by_peer":   true,
	})
}

// SyncAnnounce re-broadcasts a sync.hello, to one peer or to all connected
// peers.
func (s *Session) SyncAnnounce(target any) (int, error) {
	if target != nil {
		uuid, _, err := s.resolveTarget(target)
		if err != nil {
			return 0, err
		}
		if uuid == "" {
			return 0, nil
		}
		s.sendHello(uuid)
		return 1, nil
	}
	s.mu.Lock()
	connected := make([]string, 0, len(s.peers))
	for uuid, p := range s.peers {
		if p.Connected {
			connected = append(connected, uuid)
		}
	}
	s.mu.Unlock()
	for _, uuid := range connected {
		s.sendHello(uuid)
	}
	return len(connected), nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
