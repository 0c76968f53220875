// Package token mints and verifies join tokens: signed blobs proving
// admission rights to a room/stream. The wire form is
// base64url(payload) "." base64url(HMAC-SHA256(secret, base64url(payload)))
// where payload is a JSON object {room, stream_id, exp, nonce}.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed indicates the token is not two dot-separated base64url parts.
	ErrMalformed = errors.New("malformed token")
	// ErrSignature indicates the HMAC does not verify.
	ErrSignature = errors.New("token signature mismatch")
	// ErrExpired indicates the token's exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrRoomMismatch indicates the token was minted for a different room.
	ErrRoomMismatch = errors.New("token room mismatch")
	// ErrStreamMismatch indicates the token was minted for a different stream id.
	ErrStreamMismatch = errors.New("token stream id mismatch")
)

// Claims is the signed token payload.
type Claims struct {
	Room     string `json:"room"`
	StreamID string `json:"stream_id"`
	Exp      int64  `json:"exp"` // unix milliseconds
	Nonce    string `json:"nonce"`
}

var enc = base64.RawURLEncoding

// Mint builds a signed join token for the given room and stream id,
// expiring after ttl.
func Mint(secret, room, streamID, nonce string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty token secret")
	}
	claims := Claims{
		Room:     room,
		StreamID: streamID,
		Exp:      time.Now().Add(ttl).UnixMilli(),
		Nonce:    nonce,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	body := enc.EncodeToString(payload)
	return body + "." + enc.EncodeToString(sign(secret, body)), nil
}

// Verify checks the token's signature, expiry, and (when the claims carry
// them) room and stream-id bindings. Passing empty room/streamID skips the
// respective binding check.
func Verify(secret, tok, room, streamID string, now time.Time) (Claims, error) {
	body, sig, ok := strings.Cut(tok, ".")
	if !ok || body == "" || sig == "" {
		return Claims{}, ErrMalformed
	}
	gotSig, err := enc.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal(gotSig, sign(secret, body)) {
		return Claims{}, ErrSignature
	}
	payload, err := enc.DecodeString(body)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Room != "" && room != "" && claims.Room != room {
		return Claims{}, ErrRoomMismatch
	}
	if claims.StreamID != "" && streamID != "" && claims.StreamID != streamID {
		return Claims{}, ErrStreamMismatch
	}
	if claims.Exp <= now.UnixMilli() {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func sign(secret, body string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
