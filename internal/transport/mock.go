package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultFunc intercepts in-flight payloads on the mock hub. It may rewrite the
// payload or drop it entirely (drop=true). Called once per recipient.
type FaultFunc func(fromUUID, toUUID string, payload any) (out any, drop bool)

// Hub is an in-process signalling and data plane connecting MockTransport
// instances, standing in for a real WebRTC room in tests.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*MockTransport // room -> uuid -> transport
	fault FaultFunc
}

// NewHub creates an empty mock hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*MockTransport)}
}

// SetFault installs a fault injector for subsequent sends. Pass nil to clear.
func (h *Hub) SetFault(f FaultFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = f
}

// NewTransport creates a transport attached to this hub with a fresh uuid.
func (h *Hub) NewTransport() *MockTransport {
	return &MockTransport{
		hub:  h,
		uuid: uuid.NewString(),
	}
}

// MockTransport is the in-process Transport implementation. Data channels are
// considered open as soon as both ends have announced in the same room.
type MockTransport struct {
	hub  *Hub
	uuid string

	mu        sync.Mutex
	handler   Handler
	room      string
	streamID  string
	label     string
	connected bool
	announced bool
	closed    bool

	inbox chan Event
	done  chan struct{}
}

var _ Transport = (*MockTransport)(nil)

// UUID returns the peer uuid assigned by the hub.
func (t *MockTransport) UUID() string {
	return t.uuid
}

// SetHandler installs the event handler.
func (t *MockTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect starts the delivery loop and reports the signalling channel open.
func (t *MockTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.inbox = make(chan Event, 4096)
	t.done = make(chan struct{})
	inbox, done := t.inbox, t.done
	t.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-inbox:
				t.mu.Lock()
				h := t.handler
				t.mu.Unlock()
				if h != nil {
					h(ev)
				}
			case <-done:
				return
			}
		}
	}()

	t.deliver(Event{Type: EventConnected})
	return nil
}

// JoinRoom registers the transport in the hub room.
func (t *MockTransport) JoinRoom(ctx context.Context, room, password string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("not connected")
	}
	t.room = room
	t.mu.Unlock()

	t.hub.mu.Lock()
	if t.hub.rooms[room] == nil {
		t.hub.rooms[room] = make(map[string]*MockTransport)
	}
	t.hub.rooms[room][t.uuid] = t
	t.hub.mu.Unlock()
	return nil
}

// Announce publishes the stream id; all announced room members (both sides)
// observe peerConnected followed by dataChannelOpen.
func (t *MockTransport) Announce(ctx context.Context, streamID, label string) error {
	t.mu.Lock()
	if t.room == "" {
		t.mu.Unlock()
		return errors.New("not in a room")
	}
	t.streamID = streamID
	t.label = label
	t.announced = true
	room := t.room
	t.mu.Unlock()

	for _, member := range t.hub.members(room, t.uuid) {
		member.mu.Lock()
		peerAnnounced := member.announced
		peerStream := member.streamID
		member.mu.Unlock()
		if !peerAnnounced {
			continue
		}
		member.deliver(Event{Type: EventPeerConnected, UUID: t.uuid, StreamID: streamID})
		member.deliver(Event{Type: EventDataChannelOpen, UUID: t.uuid, StreamID: streamID})
		t.deliver(Event{Type: EventPeerConnected, UUID: member.uuid, StreamID: peerStream})
		t.deliver(Event{Type: EventDataChannelOpen, UUID: member.uuid, StreamID: peerStream})
	}
	return nil
}

// View is a no-op on the mock: announced members already exchange data.
func (t *MockTransport) View(ctx context.Context, targetStreamID, label string) error {
	return nil
}

// SendData delivers a payload to the target peer, or to every announced room
// member when targetUUID is empty. Structured payloads are JSON round-tripped
// so receivers observe plain objects with string keys, exactly as a real data
// channel would decode them.
func (t *MockTransport) SendData(payload any, targetUUID string) error {
	t.mu.Lock()
	room := t.room
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}

	t.hub.mu.Lock()
	fault := t.hub.fault
	t.hub.mu.Unlock()

	members := t.hub.members(room, t.uuid)
	delivered := false
	for _, member := range members {
		if targetUUID != "" && member.uuid != targetUUID {
			continue
		}
		out := payload
		if fault != nil {
			var drop bool
			out, drop = fault(t.uuid, member.uuid, payload)
			if drop {
				delivered = true
				continue
			}
		}
		wire, err := toWire(out)
		if err != nil {
			return err
		}
		t.mu.Lock()
		fromStream := t.streamID
		t.mu.Unlock()
		member.deliver(Event{
			Type:     EventDataReceived,
			UUID:     t.uuid,
			StreamID: fromStream,
			Data:     wire,
		})
		delivered = true
	}
	if targetUUID != "" && !delivered {
		return fmt.Errorf("no such peer: %s", targetUUID)
	}
	return nil
}

// SendPing is a no-op on the mock.
func (t *MockTransport) SendPing(uuid string) error {
	return nil
}

// HasOpenDataChannel reports whether the target (or any) room member is
// announced and reachable.
func (t *MockTransport) HasOpenDataChannel(uuid string) bool {
	t.mu.Lock()
	room := t.room
	announced := t.announced
	t.mu.Unlock()
	if !announced {
		return false
	}
	for _, member := range t.hub.members(room, t.uuid) {
		member.mu.Lock()
		open := member.announced
		memberUUID := member.uuid
		member.mu.Unlock()
		if open && (uuid == "" || memberUUID == uuid) {
			return true
		}
	}
	return false
}

// Disconnect removes the transport from the hub and notifies peers.
// Idempotent.
func (t *MockTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	room := t.room
	streamID := t.streamID
	done := t.done
	t.mu.Unlock()

	if room != "" {
		t.hub.mu.Lock()
		delete(t.hub.rooms[room], t.uuid)
		t.hub.mu.Unlock()
		for _, member := range t.hub.members(room, t.uuid) {
			member.deliver(Event{Type: EventDataChannelClose, UUID: t.uuid, StreamID: streamID})
			member.deliver(Event{Type: EventPeerDisconnected, UUID: t.uuid, StreamID: streamID})
		}
	}
	t.deliver(Event{Type: EventDisconnected})
	if done != nil {
		// Let the queued events drain before stopping the loop.
		go func() {
			for {
				t.mu.Lock()
				empty := len(t.inbox) == 0
				t.mu.Unlock()
				if empty {
					close(done)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	return nil
}

// FailConnection simulates a transport-level failure visible to the session.
func (t *MockTransport) FailConnection(detail string) {
	t.deliver(Event{Type: EventConnectionFailed, Detail: detail})
}

func (t *MockTransport) deliver(ev Event) {
	t.mu.Lock()
	inbox := t.inbox
	closedOrNil := inbox == nil
	t.mu.Unlock()
	if closedOrNil {
		return
	}
	select {
	case inbox <- ev:
	default:
		// Inbox overflow: drop, as a lossy data channel would.
	}
}

func (h *Hub) members(room, exceptUUID string) []*MockTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*MockTransport, 0, len(h.rooms[room]))
	for id, tr := range h.rooms[room] {
		if id == exceptUUID {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// toWire converts an outbound payload to what a data channel would deliver:
// bytes pass through verbatim, everything else is JSON round-tripped into a
// map with string keys.
func toWire(payload any) (any, error) {
	switch v := payload.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case json.RawMessage:
		out := make([]byte, len(v))
		copy(out, v)
		return []byte(out), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			// Non-object payloads (arrays, scalars) surface as raw bytes.
			return b, nil
		}
		return m, nil
	}
}
