package config

import (
	"testing"
)

func TestNormalizeRequiresRoomAndStream(t *testing.T) {
	cfg := SessionConfig{StreamID: "a"}
	if err := cfg.Normalize(); err == nil {
		t.Error("Normalize accepted a config without room")
	}
	cfg = SessionConfig{Room: "r"}
	if err := cfg.Normalize(); err == nil {
		t.Error("Normalize accepted a config without stream_id")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := SessionConfig{Room: "r", StreamID: "a"}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.HeartbeatMS != DefaultHeartbeatMS {
		t.Errorf("HeartbeatMS = %d", cfg.HeartbeatMS)
	}
	if cfg.FileChunkBytes != DefaultFileChunkBytes {
		t.Errorf("FileChunkBytes = %d", cfg.FileChunkBytes)
	}
	if cfg.FileMaxBytes != DefaultFileMaxBytes {
		t.Errorf("FileMaxBytes = %d", cfg.FileMaxBytes)
	}
	if cfg.QueueMaxEvents != DefaultQueueMaxEvents {
		t.Errorf("QueueMaxEvents = %d", cfg.QueueMaxEvents)
	}
	if cfg.SpoolDir == "" {
		t.Error("SpoolDir not defaulted")
	}
	if cfg.Endpoint != DefaultEndpoint {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	cfg := SessionConfig{
		Room:           "r",
		StreamID:       "a",
		HeartbeatMS:    500,
		ReconnectMS:    100,
		MaxReconnectMS: 400,
		FileChunkBytes: 1024,
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.HeartbeatMS != 500 || cfg.ReconnectMS != 100 || cfg.MaxReconnectMS != 400 || cfg.FileChunkBytes != 1024 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestNormalizeMaxReconnectFloor(t *testing.T) {
	cfg := SessionConfig{Room: "r", StreamID: "a", ReconnectMS: 60000, MaxReconnectMS: 100}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.MaxReconnectMS < cfg.ReconnectMS {
		t.Errorf("MaxReconnectMS %d below ReconnectMS %d", cfg.MaxReconnectMS, cfg.ReconnectMS)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("VDO_MCP_TOOL_PROFILE", "files")
	t.Setenv("VDO_MCP_ENFORCE_JOIN_TOKEN", "true")
	t.Setenv("VDO_MCP_ALLOW_STREAM_IDS", "a, b ,c")
	t.Setenv("VDO_MCP_MAX_MESSAGE_BYTES", "2048")
	t.Setenv("VDO_MCP_HTTP_PORT", "9000")

	d := FromEnv()
	if d.ToolProfile != "files" {
		t.Errorf("ToolProfile = %q", d.ToolProfile)
	}
	if !d.EnforceJoinToken {
		t.Error("EnforceJoinToken not parsed")
	}
	if len(d.AllowStreamIDs) != 3 || d.AllowStreamIDs[1] != "b" {
		t.Errorf("AllowStreamIDs = %v", d.AllowStreamIDs)
	}
	if d.MaxMessageBytes != 2048 {
		t.Errorf("MaxMessageBytes = %d", d.MaxMessageBytes)
	}
	if d.HTTPAddr() != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", d.HTTPAddr())
	}
}

func TestDefaultsApplyTo(t *testing.T) {
	d := Defaults{
		JoinTokenSecret: "proc-secret",
		AllowStreamIDs:  []string{"x"},
		SpoolDir:        "/var/spool/vdo",
	}
	cfg := SessionConfig{Room: "r", StreamID: "a"}
	d.ApplyTo(&cfg)
	if cfg.JoinTokenSecret != "proc-secret" || cfg.SpoolDir != "/var/spool/vdo" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.AllowPeerStreamIDs) != 1 {
		t.Errorf("allowlist not applied: %v", cfg.AllowPeerStreamIDs)
	}

	// Session-level values win.
	cfg2 := SessionConfig{Room: "r", StreamID: "a", JoinTokenSecret: "own"}
	d.ApplyTo(&cfg2)
	if cfg2.JoinTokenSecret != "own" {
		t.Errorf("session secret overwritten: %q", cfg2.JoinTokenSecret)
	}
}
