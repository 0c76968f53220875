package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SessionConfig holds per-session configuration. Immutable after the session
// is created; Normalize fills defaults and validates the required fields.
type SessionConfig struct {
	Endpoint       string `json:"endpoint,omitempty"`
	Room           string `json:"room"`
	StreamID       string `json:"stream_id"`
	TargetStreamID string `json:"target_stream_id,omitempty"`
	Password       string `json:"password,omitempty"`
	Label          string `json:"label,omitempty"`

	HeartbeatMS    int `json:"heartbeat_ms"`
	ReconnectMS    int `json:"reconnect_ms"`
	MaxReconnectMS int `json:"max_reconnect_ms"`

	JoinToken          string   `json:"join_token,omitempty"`
	JoinTokenSecret    string   `json:"join_token_secret,omitempty"`
	TokenTTLMS         int      `json:"token_ttl_ms"`
	EnforceJoinToken   bool     `json:"enforce_join_token"`
	AllowPeerStreamIDs []string `json:"allow_peer_stream_ids,omitempty"`
	RequireSessionMAC  bool     `json:"require_session_mac"`

	FileChunkBytes   int   `json:"file_chunk_bytes"`
	FileMaxBytes     int64 `json:"file_max_bytes"`
	FileAckTimeoutMS int   `json:"file_ack_timeout_ms"`
	FileMaxRetries   int   `json:"file_max_retries"`

	SpoolDir            string `json:"spool_dir,omitempty"`
	SpoolThresholdBytes int64  `json:"spool_threshold_bytes"`
	KeepSpoolFiles      bool   `json:"keep_spool_files"`

	StateMaxKeys            int `json:"state_max_keys"`
	StateMaxSnapshotEntries int `json:"state_max_snapshot_entries"`

	QueueMaxEvents       int `json:"queue_max_events"`
	CompletedTransferCap int `json:"completed_transfer_cap"`
}

// Defaults for SessionConfig fields left at zero.
const (
	DefaultEndpoint            = "wss://wss.vdo.ninja:443"
	DefaultHeartbeatMS         = 15000
	DefaultReconnectMS         = 1000
	DefaultMaxReconnectMS      = 30000
	DefaultTokenTTLMS          = 300000
	DefaultFileChunkBytes      = 48000
	DefaultFileMaxBytes        = 128 << 20
	DefaultFileAckTimeoutMS    = 10000
	DefaultFileMaxRetries      = 3
	DefaultSpoolThresholdBytes = 8 << 20
	DefaultStateMaxKeys        = 512
	DefaultStateMaxSnapshot    = 256
	DefaultQueueMaxEvents      = 2000
	DefaultCompletedCap        = 64
)

// Normalize fills defaults and validates required fields.
func (c *SessionConfig) Normalize() error {
	if c.Room == "" {
		return errors.New("room is required")
	}
	if c.StreamID == "" {
		return errors.New("stream_id is required")
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.HeartbeatMS <= 0 {
		c.HeartbeatMS = DefaultHeartbeatMS
	}
	if c.ReconnectMS <= 0 {
		c.ReconnectMS = DefaultReconnectMS
	}
	if c.MaxReconnectMS < c.ReconnectMS {
		c.MaxReconnectMS = DefaultMaxReconnectMS
		if c.MaxReconnectMS < c.ReconnectMS {
			c.MaxReconnectMS = c.ReconnectMS
		}
	}
	if c.TokenTTLMS <= 0 {
		c.TokenTTLMS = DefaultTokenTTLMS
	}
	if c.FileChunkBytes <= 0 {
		c.FileChunkBytes = DefaultFileChunkBytes
	}
	if c.FileMaxBytes <= 0 {
		c.FileMaxBytes = DefaultFileMaxBytes
	}
	if c.FileAckTimeoutMS <= 0 {
		c.FileAckTimeoutMS = DefaultFileAckTimeoutMS
	}
	if c.FileMaxRetries <= 0 {
		c.FileMaxRetries = DefaultFileMaxRetries
	}
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
	if c.SpoolThresholdBytes <= 0 {
		c.SpoolThresholdBytes = DefaultSpoolThresholdBytes
	}
	if c.StateMaxKeys <= 0 {
		c.StateMaxKeys = DefaultStateMaxKeys
	}
	if c.StateMaxSnapshotEntries <= 0 {
		c.StateMaxSnapshotEntries = DefaultStateMaxSnapshot
	}
	if c.QueueMaxEvents <= 0 {
		c.QueueMaxEvents = DefaultQueueMaxEvents
	}
	if c.CompletedTransferCap <= 0 {
		c.CompletedTransferCap = DefaultCompletedCap
	}
	return nil
}

// Defaults holds process-wide defaults applied to every new session and to
// the MCP host layer. Populated from environment variables; read-only after
// startup.
type Defaults struct {
	ToolProfile       string
	JoinTokenSecret   string
	EnforceJoinToken  bool
	RequireSessionMAC bool
	AllowStreamIDs    []string
	SpoolDir          string
	MaxMessageBytes   int

	HTTPHost    string
	HTTPPort    int
	HTTPPath    string
	HTTPOrigin  string
	HTTPToken   string
	HTTPBodyMax int
}

// DefaultMaxMessageBytes caps inbound MCP messages (stdio and HTTP).
const DefaultMaxMessageBytes = 1 << 20

// FromEnv reads process defaults from VDO_MCP_* environment variables.
func FromEnv() Defaults {
	d := Defaults{
		ToolProfile:     "full",
		MaxMessageBytes: DefaultMaxMessageBytes,
		HTTPHost:        "127.0.0.1",
		HTTPPort:        8743,
		HTTPPath:        "/mcp",
		HTTPBodyMax:     DefaultMaxMessageBytes,
	}
	if v := os.Getenv("VDO_MCP_TOOL_PROFILE"); v != "" {
		d.ToolProfile = v
	}
	if v := os.Getenv("VDO_MCP_JOIN_TOKEN_SECRET"); v != "" {
		d.JoinTokenSecret = v
	}
	if v := os.Getenv("VDO_MCP_ENFORCE_JOIN_TOKEN"); v != "" {
		d.EnforceJoinToken = parseBool(v)
	}
	if v := os.Getenv("VDO_MCP_REQUIRE_SESSION_MAC"); v != "" {
		d.RequireSessionMAC = parseBool(v)
	}
	if v := os.Getenv("VDO_MCP_ALLOW_STREAM_IDS"); v != "" {
		d.AllowStreamIDs = splitList(v)
	}
	if v := os.Getenv("VDO_MCP_SPOOL_DIR"); v != "" {
		d.SpoolDir = v
	}
	if v := os.Getenv("VDO_MCP_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.MaxMessageBytes = n
		}
	}
	if v := os.Getenv("VDO_MCP_HTTP_HOST"); v != "" {
		d.HTTPHost = v
	}
	if v := os.Getenv("VDO_MCP_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.HTTPPort = n
		}
	}
	if v := os.Getenv("VDO_MCP_HTTP_PATH"); v != "" {
		d.HTTPPath = v
	}
	if v := os.Getenv("VDO_MCP_HTTP_ORIGIN"); v != "" {
		d.HTTPOrigin = v
	}
	if v := os.Getenv("VDO_MCP_HTTP_TOKEN"); v != "" {
		d.HTTPToken = v
	}
	if v := os.Getenv("VDO_MCP_HTTP_BODY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.HTTPBodyMax = n
		}
	}
	return d
}

// ApplyTo layers process defaults under a session config: only fields the
// caller left unset are filled.
func (d Defaults) ApplyTo(c *SessionConfig) {
	if c.JoinTokenSecret == "" {
		c.JoinTokenSecret = d.JoinTokenSecret
	}
	if !c.EnforceJoinToken {
		c.EnforceJoinToken = d.EnforceJoinToken
	}
	if !c.RequireSessionMAC {
		c.RequireSessionMAC = d.RequireSessionMAC
	}
	if len(c.AllowPeerStreamIDs) == 0 {
		c.AllowPeerStreamIDs = append([]string(nil), d.AllowStreamIDs...)
	}
	if c.SpoolDir == "" {
		c.SpoolDir = d.SpoolDir
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HTTPAddr returns the listen address for the HTTP transport.
func (d Defaults) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", d.HTTPHost, d.HTTPPort)
}
