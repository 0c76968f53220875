// Package wsclient is the signalling websocket client: a thin, write-
// serialized wrapper over gorilla/websocket carrying signalling messages
// between bridge instances and the signalling service.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Signal message types exchanged with the signalling service.
const (
	TypeJoin      = "join"
	TypeJoined    = "joined"
	TypeAnnounce  = "announce"
	TypeView      = "view"
	TypePeer      = "peer"
	TypeBye       = "bye"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypePing      = "ping"
)

// SignalMessage is the signalling envelope. SDP and Candidate are opaque
// strings relayed between peers.
type SignalMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	Password  string `json:"password,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Label     string `json:"label,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Conn is a websocket connection to the signalling service.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan SignalMessage
	done     chan struct{}
	writeMu  sync.Mutex
	once     sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial establishes a websocket connection to the signalling endpoint.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan SignalMessage, 256),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads signalling messages and calls onMsg for each. Returns when
// the connection closes or the context is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onMsg func(msg SignalMessage)) error {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Keepalive pinger.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed signal message", slog.String("error", err.Error()))
			continue
		}
		onMsg(msg)
	}
}

// Send queues a signalling message for the serialized writer.
func (c *Conn) Send(msg SignalMessage) error {
	select {
	case c.sendChan <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err = c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
