// Package keys provides the per-session X25519 key pair used for peer key
// agreement. Public keys travel inside sync.hello payloads as base64-encoded
// DER/SPKI; the raw shared secret becomes the session-MAC key.
package keys

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// Pair is a session-lifetime X25519 key pair.
type Pair struct {
	priv *ecdh.PrivateKey
}

// Generate creates a fresh X25519 key pair.
func Generate() (*Pair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &Pair{priv: priv}, nil
}

// PublicBase64 returns the public key as base64-encoded DER/SPKI.
func (p *Pair) PublicBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(p.priv.PublicKey())
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// SharedSecret runs X25519 against a peer's base64 DER/SPKI public key and
// returns the 32-byte shared secret.
func (p *Pair) SharedSecret(peerPublicBase64 string) ([]byte, error) {
	pub, err := ParsePublic(peerPublicBase64)
	if err != nil {
		return nil, err
	}
	secret, err := p.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	return secret, nil
}

// ParsePublic decodes a base64 DER/SPKI X25519 public key.
func ParsePublic(b64 string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdh.PublicKey)
	if !ok {
		return nil, errors.New("public key is not X25519")
	}
	return pub, nil
}
