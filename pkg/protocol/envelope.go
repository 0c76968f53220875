package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Magic identifies bridge-protocol envelopes inside data-channel payloads.
// Payloads without it are opaque application data.
const Magic = "vdo_mcp_bridge_v1"

// Envelope wraps all bridge-protocol messages with metadata.
type Envelope struct {
	Magic        string          `json:"magic"`
	Kind         string          `json:"kind"`
	TS           int64           `json:"ts"`
	Nonce        string          `json:"nonce"`
	Room         string          `json:"room"`
	FromStreamID string          `json:"from_stream_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MAC          string          `json:"mac,omitempty"`
}

// New creates an envelope with the given kind and payload. The payload is
// marshaled to JSON; ts is stamped in Unix milliseconds and a fresh nonce is
// minted.
func New(kind, room, fromStreamID string, payload any) (Envelope, error) {
	var rawPayload json.RawMessage
	var err error

	if payload != nil {
		rawPayload, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
	}

	return Envelope{
		Magic:        Magic,
		Kind:         kind,
		TS:           time.Now().UnixMilli(),
		Nonce:        NewNonce(),
		Room:         room,
		FromStreamID: fromStreamID,
		Payload:      rawPayload,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into the provided output struct.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic performs basic validation on the envelope.
func (e Envelope) ValidateBasic() error {
	if e.Magic != Magic {
		return fmt.Errorf("invalid magic: %q", e.Magic)
	}
	if e.Kind == "" {
		return errors.New("kind is required")
	}
	if !KnownKind(e.Kind) {
		return fmt.Errorf("unknown kind: %q", e.Kind)
	}
	return nil
}

// IsSync reports whether the envelope belongs to the handshake family, which
// is exempt from session-MAC verification.
func (e Envelope) IsSync() bool {
	return strings.HasPrefix(e.Kind, "sync.")
}

// Parse attempts to interpret a received data-channel payload as a protocol
// envelope. It accepts already-decoded structured objects (map with string
// keys) as well as raw JSON bytes. Returns false for anything that does not
// carry the protocol magic; such payloads are opaque application data.
func Parse(data any) (Envelope, bool) {
	var raw []byte
	switch v := data.(type) {
	case Envelope:
		return v, v.Magic == Magic
	case *Envelope:
		return *v, v.Magic == Magic
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	case string:
		raw = []byte(v)
	case map[string]any:
		if m, ok := v["magic"].(string); !ok || m != Magic {
			return Envelope{}, false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, false
		}
		raw = b
	default:
		return Envelope{}, false
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if env.Magic != Magic {
		return Envelope{}, false
	}
	return env, true
}

// CanonicalBytes serializes the MAC'd subset of the envelope in the fixed
// field order {kind, ts, nonce, room, from_stream_id, payload}. The payload
// is normalized through a decode/encode cycle so object keys always appear
// sorted: both ends then canonicalize identically no matter how the data
// channel re-serialized the envelope in flight. Any deviation breaks
// interoperability with existing peers.
func CanonicalBytes(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeField(&buf, "kind", e.Kind, false); err != nil {
		return nil, err
	}
	if err := writeField(&buf, "ts", e.TS, true); err != nil {
		return nil, err
	}
	if err := writeField(&buf, "nonce", e.Nonce, true); err != nil {
		return nil, err
	}
	if err := writeField(&buf, "room", e.Room, true); err != nil {
		return nil, err
	}
	if err := writeField(&buf, "from_stream_id", e.FromStreamID, true); err != nil {
		return nil, err
	}
	buf.WriteString(`,"payload":`)
	if len(e.Payload) == 0 {
		buf.WriteString("null")
	} else {
		var normalized any
		if err := json.Unmarshal(e.Payload, &normalized); err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		norm, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		buf.Write(norm)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name string, value any, comma bool) error {
	if comma {
		buf.WriteByte(',')
	}
	buf.WriteByte('"')
	buf.WriteString(name)
	buf.WriteString(`":`)
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", name, err)
	}
	buf.Write(b)
	return nil
}

// ComputeMAC returns the lowercase-hex HMAC-SHA256 of the canonical envelope
// form under the given shared key.
func ComputeMAC(e Envelope, key []byte) (string, error) {
	canon, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignMAC computes and attaches the session MAC to the envelope.
func SignMAC(e *Envelope, key []byte) error {
	sum, err := ComputeMAC(*e, key)
	if err != nil {
		return err
	}
	e.MAC = sum
	return nil
}

// VerifyMAC reports whether the envelope's MAC matches the given shared key.
// The comparison is constant time.
func VerifyMAC(e Envelope, key []byte) bool {
	if e.MAC == "" || len(key) == 0 {
		return false
	}
	expected, err := ComputeMAC(e, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(e.MAC)))
}

// NewNonce generates a random 16-character hex string.
func NewNonce() string {
	b := make([]byte, 8) // 8 bytes = 16 hex characters
	if _, err := rand.Read(b); err != nil {
		// Fallback if rand fails (should be extremely rare)
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
