package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(KindSyncHello, "room1", "agent_a", Hello{Label: "a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.Magic != Magic {
		t.Errorf("Magic = %q, want %q", env.Magic, Magic)
	}
	if env.Kind != KindSyncHello {
		t.Errorf("Kind = %q, want %q", env.Kind, KindSyncHello)
	}
	if env.TS <= 0 {
		t.Errorf("TS = %d, want positive", env.TS)
	}
	if len(env.Nonce) != 16 {
		t.Errorf("Nonce length = %d, want 16", len(env.Nonce))
	}
	if err := env.ValidateBasic(); err != nil {
		t.Errorf("ValidateBasic: %v", err)
	}
	var hello Hello
	if err := env.DecodePayload(&hello); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if hello.Label != "a" {
		t.Errorf("Label = %q, want a", hello.Label)
	}
}

func TestValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid", Envelope{Magic: Magic, Kind: KindFileAck}, false},
		{"bad magic", Envelope{Magic: "nope", Kind: KindFileAck}, true},
		{"empty kind", Envelope{Magic: Magic}, true},
		{"unknown kind", Envelope{Magic: Magic, Kind: "file.bogus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	env, err := New(KindStatePatch, "room1", "agent_a", StatePatch{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Structured objects with string keys, as a data channel decodes them.
	raw, _ := json.Marshal(env)
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := Parse(asMap)
	if !ok {
		t.Fatal("Parse(map) = false, want true")
	}
	if got.Kind != env.Kind || got.Nonce != env.Nonce {
		t.Errorf("Parse(map) = %+v, want %+v", got, env)
	}

	// Raw JSON bytes.
	if _, ok := Parse(raw); !ok {
		t.Error("Parse(bytes) = false, want true")
	}

	// Non-envelope payloads stay opaque.
	for _, v := range []any{
		map[string]any{"type": "demo.message", "id": "m1"},
		[]byte("not json"),
		[]byte(`{"magic":"other","kind":"sync.hello"}`),
		42,
	} {
		if _, ok := Parse(v); ok {
			t.Errorf("Parse(%v) = true, want false", v)
		}
	}
}

func TestCanonicalBytesFieldOrder(t *testing.T) {
	env := Envelope{
		Magic:        Magic,
		Kind:         KindFileAck,
		TS:           1700000000000,
		Nonce:        "0011223344556677",
		Room:         "room1",
		FromStreamID: "agent_a",
		Payload:      json.RawMessage(`{"seq":3}`),
		MAC:          "ignored",
	}
	canon, err := CanonicalBytes(env)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"kind":"file.ack","ts":1700000000000,"nonce":"0011223344556677","room":"room1","from_stream_id":"agent_a","payload":{"seq":3}}`
	if string(canon) != want {
		t.Errorf("canonical = %s, want %s", canon, want)
	}

	// Empty payload canonicalizes as null.
	env.Payload = nil
	canon, err = CanonicalBytes(env)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if !strings.HasSuffix(string(canon), `"payload":null}`) {
		t.Errorf("canonical = %s, want null payload", canon)
	}
}

func TestMACSignVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env, err := New(KindFileChunk, "room1", "agent_a", FileChunk{TransferID: "t1", Seq: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := SignMAC(&env, key); err != nil {
		t.Fatalf("SignMAC: %v", err)
	}
	if env.MAC == "" || env.MAC != strings.ToLower(env.MAC) {
		t.Errorf("MAC = %q, want lowercase hex", env.MAC)
	}
	if !VerifyMAC(env, key) {
		t.Error("VerifyMAC = false, want true")
	}

	// Wrong key.
	if VerifyMAC(env, []byte("another-key-another-key-another!")) {
		t.Error("VerifyMAC with wrong key = true, want false")
	}

	// Tampered payload.
	tampered := env
	tampered.Payload = json.RawMessage(`{"transfer_id":"t1","seq":1}`)
	if VerifyMAC(tampered, key) {
		t.Error("VerifyMAC after tamper = true, want false")
	}

	// Missing MAC or key.
	if VerifyMAC(Envelope{Magic: Magic, Kind: KindFileAck}, key) {
		t.Error("VerifyMAC without mac = true, want false")
	}
	if VerifyMAC(env, nil) {
		t.Error("VerifyMAC without key = true, want false")
	}
}

func TestMACStableAcrossWireRoundTrip(t *testing.T) {
	// A data channel decodes the envelope into a generic object and
	// re-serializes it with different key order; the MAC must still verify.
	key := []byte("0123456789abcdef0123456789abcdef")
	env, err := New(KindFileChunk, "room1", "agent_a", FileChunk{
		TransferID: "t1",
		Seq:        2,
		DataBase64: "aGVsbG8=",
		ChunkHash:  strings.Repeat("a", 64),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := SignMAC(&env, key); err != nil {
		t.Fatalf("SignMAC: %v", err)
	}

	raw, _ := json.Marshal(env)
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rewired, ok := Parse(asMap)
	if !ok {
		t.Fatal("Parse failed")
	}
	if !VerifyMAC(rewired, key) {
		t.Error("MAC did not survive the wire round trip")
	}
}

func TestKnownKind(t *testing.T) {
	for _, k := range []string{KindSyncHello, KindFileChunk, KindStateSnapshot} {
		if !KnownKind(k) {
			t.Errorf("KnownKind(%q) = false, want true", k)
		}
	}
	if KnownKind("sync.unknown") {
		t.Error("KnownKind(sync.unknown) = true, want false")
	}
}
