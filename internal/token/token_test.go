package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintVerify(t *testing.T) {
	tok, err := Mint("secret", "room1", "agent_a", "n1", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if strings.Count(tok, ".") != 1 {
		t.Fatalf("token = %q, want two dot-separated parts", tok)
	}
	claims, err := Verify("secret", tok, "room1", "agent_a", time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Room != "room1" || claims.StreamID != "agent_a" || claims.Nonce != "n1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyFailures(t *testing.T) {
	tok, err := Mint("secret", "room1", "agent_a", "n1", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tests := []struct {
		name     string
		secret   string
		token    string
		room     string
		streamID string
		now      time.Time
		wantErr  error
	}{
		{"wrong secret", "other", tok, "room1", "agent_a", time.Now(), ErrSignature},
		{"wrong room", "secret", tok, "room2", "agent_a", time.Now(), ErrRoomMismatch},
		{"wrong stream", "secret", tok, "room1", "agent_b", time.Now(), ErrStreamMismatch},
		{"expired", "secret", tok, "room1", "agent_a", time.Now().Add(2 * time.Minute), ErrExpired},
		{"malformed", "secret", "not-a-token", "room1", "agent_a", time.Now(), ErrMalformed},
		{"empty", "secret", "", "room1", "agent_a", time.Now(), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.secret, tt.token, tt.room, tt.streamID, tt.now)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	tok, err := Mint("secret", "room1", "agent_a", "n1", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	body, sig, _ := strings.Cut(tok, ".")
	flipped := []byte(body)
	flipped[0] ^= 1
	if _, err := Verify("secret", string(flipped)+"."+sig, "room1", "agent_a", time.Now()); err == nil {
		t.Error("Verify accepted a tampered body")
	}
}

func TestMintEmptySecret(t *testing.T) {
	if _, err := Mint("", "room1", "agent_a", "n1", time.Minute); err == nil {
		t.Error("Mint with empty secret succeeded, want error")
	}
}
