package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/vdobridge/vdobridge/internal/wsclient"
)

const dataChannelLabel = "vdo-bridge"

// WebRTCConfig configures the production transport.
type WebRTCConfig struct {
	Endpoint   string
	ICEServers []string
	Logger     *slog.Logger
}

// WebRTCTransport drives pion PeerConnections negotiated over the signalling
// websocket. One PeerConnection and one data channel per remote peer; the
// lexicographically smaller uuid initiates the offer so both sides never
// glare.
type WebRTCTransport struct {
	cfg     WebRTCConfig
	log     *slog.Logger
	localID string

	mu       sync.Mutex
	handler  Handler
	ws       *wsclient.Conn
	cancel   context.CancelFunc
	peers    map[string]*webrtcPeer
	room     string
	password string
	closed   bool
}

type webrtcPeer struct {
	uuid     string
	streamID string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
}

var _ Transport = (*WebRTCTransport)(nil)

// NewWebRTCTransport creates an unconnected transport.
func NewWebRTCTransport(cfg WebRTCConfig) *WebRTCTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCTransport{
		cfg:     cfg,
		log:     logger,
		localID: uuid.NewString(),
		peers:   make(map[string]*webrtcPeer),
	}
}

// SetHandler installs the event handler. Must be called before Connect.
func (t *WebRTCTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *WebRTCTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Connect dials the signalling endpoint and starts the signal read loop.
func (t *WebRTCTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.ws != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ws, err := wsclient.Dial(ctx, t.cfg.Endpoint, t.log)
	if err != nil {
		return fmt.Errorf("dial signalling: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.ws = ws
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		err := ws.ReadLoop(loopCtx, t.handleSignal)
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			t.emit(Event{Type: EventConnectionFailed, Detail: err.Error()})
		} else {
			t.emit(Event{Type: EventDisconnected})
		}
	}()

	t.emit(Event{Type: EventConnected})
	return nil
}

// JoinRoom joins the named signalling room.
func (t *WebRTCTransport) JoinRoom(ctx context.Context, room, password string) error {
	t.mu.Lock()
	ws := t.ws
	t.room = room
	t.password = password
	t.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return ws.Send(wsclient.SignalMessage{
		Type:     wsclient.TypeJoin,
		Room:     room,
		Password: password,
		UUID:     t.localID,
	})
}

// Announce publishes the local stream id to the room.
func (t *WebRTCTransport) Announce(ctx context.Context, streamID, label string) error {
	t.mu.Lock()
	ws := t.ws
	room := t.room
	t.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return ws.Send(wsclient.SignalMessage{
		Type:     wsclient.TypeAnnounce,
		Room:     room,
		UUID:     t.localID,
		StreamID: streamID,
		Label:    label,
	})
}

// View subscribes to a remote stream, data channels only.
func (t *WebRTCTransport) View(ctx context.Context, targetStreamID, label string) error {
	t.mu.Lock()
	ws := t.ws
	room := t.room
	t.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return ws.Send(wsclient.SignalMessage{
		Type:     wsclient.TypeView,
		Room:     room,
		UUID:     t.localID,
		StreamID: targetStreamID,
		Label:    label,
	})
}

// handleSignal processes inbound signalling traffic.
func (t *WebRTCTransport) handleSignal(msg wsclient.SignalMessage) {
	switch msg.Type {
	case wsclient.TypePeer:
		t.onPeerAnnounced(msg.UUID, msg.StreamID)
	case wsclient.TypeBye:
		t.onPeerGone(msg.UUID)
	case wsclient.TypeOffer:
		t.onOffer(msg)
	case wsclient.TypeAnswer:
		t.onAnswer(msg)
	case wsclient.TypeCandidate:
		t.onCandidate(msg)
	}
}

func (t *WebRTCTransport) iceConfig() webrtc.Configuration {
	servers := t.cfg.ICEServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{s}})
	}
	return webrtc.Configuration{ICEServers: ice}
}

// newPeerConnection builds the PeerConnection and wires its callbacks.
func (t *WebRTCTransport) newPeerConnection(peerUUID, streamID string) (*webrtcPeer, error) {
	pc, err := webrtc.NewPeerConnection(t.iceConfig())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &webrtcPeer{uuid: peerUUID, streamID: streamID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		ws := t.ws
		t.mu.Unlock()
		if ws == nil {
			return
		}
		_ = ws.Send(wsclient.SignalMessage{
			Type:      wsclient.TypeCandidate,
			From:      t.localID,
			To:        peerUUID,
			Candidate: c.ToJSON().Candidate,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.onPeerGone(peerUUID)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.wireDataChannel(p, dc)
	})
	return p, nil
}

// wireDataChannel attaches open/close/message callbacks.
func (t *WebRTCTransport) wireDataChannel(p *webrtcPeer, dc *webrtc.DataChannel) {
	t.mu.Lock()
	p.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.emit(Event{Type: EventDataChannelOpen, UUID: p.uuid, StreamID: p.streamID})
	})
	dc.OnClose(func() {
		t.emit(Event{Type: EventDataChannelClose, UUID: p.uuid, StreamID: p.streamID})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var data any
		if msg.IsString {
			var decoded map[string]any
			if err := json.Unmarshal(msg.Data, &decoded); err == nil {
				data = decoded
			} else {
				data = append([]byte(nil), msg.Data...)
			}
		} else {
			data = append([]byte(nil), msg.Data...)
		}
		t.emit(Event{
			Type:     EventDataReceived,
			UUID:     p.uuid,
			StreamID: p.streamID,
			Data:     data,
		})
	})
}

// onPeerAnnounced creates the PeerConnection for a newly visible peer. The
// side with the smaller uuid opens the data channel and sends the offer.
func (t *WebRTCTransport) onPeerAnnounced(peerUUID, streamID string) {
	if peerUUID == "" || peerUUID == t.localID {
		return
	}
	t.mu.Lock()
	if _, known := t.peers[peerUUID]; known {
		if p := t.peers[peerUUID]; streamID != "" && p.streamID == "" {
			p.streamID = streamID
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	p, err := t.newPeerConnection(peerUUID, streamID)
	if err != nil {
		t.emit(Event{Type: EventError, Detail: err.Error()})
		return
	}
	t.mu.Lock()
	t.peers[peerUUID] = p
	t.mu.Unlock()
	t.emit(Event{Type: EventPeerConnected, UUID: peerUUID, StreamID: streamID})

	if t.localID < peerUUID {
		dc, err := p.pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			t.emit(Event{Type: EventError, Detail: err.Error()})
			return
		}
		t.wireDataChannel(p, dc)
		offer, err := p.pc.CreateOffer(nil)
		if err == nil {
			err = p.pc.SetLocalDescription(offer)
		}
		if err != nil {
			t.emit(Event{Type: EventError, Detail: err.Error()})
			return
		}
		t.mu.Lock()
		ws := t.ws
		t.mu.Unlock()
		if ws != nil {
			_ = ws.Send(wsclient.SignalMessage{
				Type: wsclient.TypeOffer,
				From: t.localID,
				To:   peerUUID,
				SDP:  offer.SDP,
			})
		}
	}
}

func (t *WebRTCTransport) onOffer(msg wsclient.SignalMessage) {
	t.mu.Lock()
	p := t.peers[msg.From]
	t.mu.Unlock()
	if p == nil {
		var err error
		p, err = t.newPeerConnection(msg.From, msg.StreamID)
		if err != nil {
			t.emit(Event{Type: EventError, Detail: err.Error()})
			return
		}
		t.mu.Lock()
		t.peers[msg.From] = p
		t.mu.Unlock()
		t.emit(Event{Type: EventPeerConnected, UUID: msg.From, StreamID: msg.StreamID})
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		t.emit(Event{Type: EventError, Detail: err.Error()})
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err == nil {
		err = p.pc.SetLocalDescription(answer)
	}
	if err != nil {
		t.emit(Event{Type: EventError, Detail: err.Error()})
		return
	}
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws != nil {
		_ = ws.Send(wsclient.SignalMessage{
			Type: wsclient.TypeAnswer,
			From: t.localID,
			To:   msg.From,
			SDP:  answer.SDP,
		})
	}
}

func (t *WebRTCTransport) onAnswer(msg wsclient.SignalMessage) {
	t.mu.Lock()
	p := t.peers[msg.From]
	t.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		t.emit(Event{Type: EventError, Detail: err.Error()})
	}
}

func (t *WebRTCTransport) onCandidate(msg wsclient.SignalMessage) {
	t.mu.Lock()
	p := t.peers[msg.From]
	t.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
		t.log.Debug("add ice candidate failed", slog.String("error", err.Error()))
	}
}

func (t *WebRTCTransport) onPeerGone(peerUUID string) {
	t.mu.Lock()
	p := t.peers[peerUUID]
	delete(t.peers, peerUUID)
	t.mu.Unlock()
	if p == nil {
		return
	}
	streamID := p.streamID
	p.pc.Close()
	t.emit(Event{Type: EventPeerDisconnected, UUID: peerUUID, StreamID: streamID})
}

// SendData delivers a payload over a peer's data channel. Structured payloads
// go as JSON text; raw bytes go as binary frames.
func (t *WebRTCTransport) SendData(payload any, targetUUID string) error {
	t.mu.Lock()
	var targets []*webrtcPeer
	for id, p := range t.peers {
		if targetUUID != "" && id != targetUUID {
			continue
		}
		targets = append(targets, p)
	}
	t.mu.Unlock()
	if targetUUID != "" && len(targets) == 0 {
		return fmt.Errorf("no such peer: %s", targetUUID)
	}

	var sendErr error
	sent := false
	for _, p := range targets {
		dc := p.dc
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		var err error
		if raw, isBytes := payload.([]byte); isBytes {
			err = dc.Send(raw)
		} else {
			b, merr := json.Marshal(payload)
			if merr != nil {
				return fmt.Errorf("marshal payload: %w", merr)
			}
			err = dc.SendText(string(b))
		}
		if err != nil {
			sendErr = err
			continue
		}
		sent = true
	}
	if !sent && sendErr != nil {
		return sendErr
	}
	if targetUUID != "" && !sent {
		return fmt.Errorf("no open data channel to %s", targetUUID)
	}
	return nil
}

// SendPing pings a peer through the signalling channel. Best-effort.
func (t *WebRTCTransport) SendPing(peerUUID string) error {
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return ws.Send(wsclient.SignalMessage{
		Type: wsclient.TypePing,
		From: t.localID,
		To:   peerUUID,
	})
}

// HasOpenDataChannel reports whether at least one data channel to the peer
// (or any peer) is open.
func (t *WebRTCTransport) HasOpenDataChannel(peerUUID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if peerUUID != "" && id != peerUUID {
			continue
		}
		if p.dc != nil && p.dc.ReadyState() == webrtc.DataChannelStateOpen {
			return true
		}
	}
	return false
}

// Disconnect closes every PeerConnection and the signalling socket.
// Idempotent.
func (t *WebRTCTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*webrtcPeer)
	ws := t.ws
	t.ws = nil
	cancel := t.cancel
	t.mu.Unlock()

	for _, p := range peers {
		p.pc.Close()
	}
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	t.emit(Event{Type: EventDisconnected})
	return nil
}
