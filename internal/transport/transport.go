// Package transport defines the PeerTransport contract: a thin adapter over a
// WebRTC stack exposing room membership, per-peer data-channel sends, a
// readiness probe, and an asynchronous event stream. Production sessions use
// the pion-backed adapter; tests use the in-process mock hub.
package transport

import "context"

// EventType enumerates transport events.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventConnectionFailed EventType = "connectionFailed"
	EventError            EventType = "error"
	EventPeerConnected    EventType = "peerConnected"
	EventPeerDisconnected EventType = "peerDisconnected"
	EventDataChannelOpen  EventType = "dataChannelOpen"
	EventDataChannelClose EventType = "dataChannelClose"
	EventDataReceived     EventType = "dataReceived"
)

// Event is one asynchronous transport notification. Data carries either raw
// bytes (surfaced verbatim) or an already-decoded structured object with
// string keys. Fallback marks payloads that arrived over a fallback path
// rather than a peer data channel.
type Event struct {
	Type     EventType
	UUID     string
	StreamID string
	Detail   string
	Data     any
	Fallback bool
}

// Handler receives transport events. Implementations must not assume which
// goroutine delivers them.
type Handler func(Event)

// Transport is the adapter contract required from a WebRTC stack.
type Transport interface {
	// Connect opens the signalling channel.
	Connect(ctx context.Context) error
	// JoinRoom joins the named room, optionally protected by a password.
	JoinRoom(ctx context.Context, room, password string) error
	// Announce publishes the local stream id and label to the room.
	Announce(ctx context.Context, streamID, label string) error
	// View subscribes to a remote stream (data only, no media).
	View(ctx context.Context, targetStreamID, label string) error
	// Disconnect tears the transport down. Idempotent.
	Disconnect() error
	// SendData delivers a payload to the peer with the given uuid, or to all
	// peers when target is empty.
	SendData(payload any, targetUUID string) error
	// SendPing pings a peer. Best-effort.
	SendPing(uuid string) error
	// HasOpenDataChannel reports whether at least one data channel to the
	// given peer (or any peer, when uuid is empty) is open.
	HasOpenDataChannel(uuid string) bool
	// SetHandler installs the event handler. Must be called before Connect.
	SetHandler(h Handler)
}

// Factory builds a fresh Transport for each connect/reconnect attempt.
type Factory func() (Transport, error)
