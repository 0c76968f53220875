package bridge

import (
	"time"

	"github.com/vdobridge/vdobridge/internal/token"
)

// HandshakeState tracks peer admission progress.
type HandshakeState string

const (
	HandshakeDiscovered    HandshakeState = "discovered"
	HandshakeHelloReceived HandshakeState = "hello_received"
	HandshakeReady         HandshakeState = "ready"
	HandshakeRejected      HandshakeState = "rejected"
)

// Peer is the per-remote record. Created on first observation and kept for
// the session lifetime; only the connection state toggles.
type Peer struct {
	UUID           string
	StreamID       string
	Connected      bool
	ChannelOpen    bool
	LastSeen       time.Time
	LastHeartbeat  time.Time
	Handshake      HandshakeState
	AuthOK         bool
	RejectedReason string
	SharedKeyReady bool
	Capabilities   map[string]any

	sharedKey   []byte
	tokenClaims *token.Claims
	helloSent   bool
	heartbeat   int64
}

// PeerSummary is the externally visible view of a peer. The shared key never
// leaves the session.
type PeerSummary struct {
	UUID            string         `json:"uuid"`
	StreamID        string         `json:"stream_id,omitempty"`
	Connected       bool           `json:"connected"`
	ChannelOpen     bool           `json:"channel_open"`
	HandshakeState  string         `json:"handshake_state"`
	AuthOK          bool           `json:"auth_ok"`
	RejectedReason  string         `json:"rejected_reason,omitempty"`
	SharedKeyReady  bool           `json:"shared_key_ready"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	HeartbeatSeq    int64          `json:"heartbeat_seq,omitempty"`
	LastSeenMS      int64          `json:"last_seen_ms,omitempty"`
	LastHeartbeatMS int64          `json:"last_heartbeat_ms,omitempty"`
}

func (p *Peer) summary(now time.Time) PeerSummary {
	s := PeerSummary{
		UUID:           p.UUID,
		StreamID:       p.StreamID,
		Connected:      p.Connected,
		ChannelOpen:    p.ChannelOpen,
		HandshakeState: string(p.Handshake),
		AuthOK:         p.AuthOK,
		RejectedReason: p.RejectedReason,
		SharedKeyReady: p.SharedKeyReady,
		Capabilities:   p.Capabilities,
		HeartbeatSeq:   p.heartbeat,
	}
	if !p.LastSeen.IsZero() {
		s.LastSeenMS = now.Sub(p.LastSeen).Milliseconds()
	}
	if !p.LastHeartbeat.IsZero() {
		s.LastHeartbeatMS = now.Sub(p.LastHeartbeat).Milliseconds()
	}
	return s
}
