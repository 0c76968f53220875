// Package tools implements the tool surface: the named operations an MCP
// host invokes on bridge sessions, with input validation and error
// classification. The host layer composes this surface into a server and
// filters it by tool profile.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/vdobridge/vdobridge/internal/bridge"
	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/transport"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// Version reported by vdo_capabilities.
const Version = "1.4.0"

// Receive limits from the tool contract.
const (
	maxReceiveEvents  = 500
	maxReceiveWaitMS  = 30000
	defaultReceiveMax = 100
)

// Server owns the session registry and dispatches tool calls.
type Server struct {
	factory  transport.Factory
	defaults config.Defaults
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*bridge.Session
}

// NewServer creates a tool server. The transport factory is handed to every
// session it creates.
func NewServer(factory transport.Factory, defaults config.Defaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		factory:  factory,
		defaults: defaults,
		log:      log,
		sessions: make(map[string]*bridge.Session),
	}
}

// Close stops every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*bridge.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*bridge.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Stop()
	}
}

func (s *Server) session(args map[string]any) (*bridge.Session, error) {
	id, ok := args["session_id"].(string)
	if !ok || id == "" {
		return nil, Validationf("session_id is required")
	}
	s.mu.Lock()
	sess, known := s.sessions[id]
	s.mu.Unlock()
	if !known {
		return nil, Validationf("unknown session: %s", id)
	}
	return sess, nil
}

// Call dispatches a tool by name. Unknown tools are a validation error.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	def, ok := toolDefs[name]
	if !ok {
		return nil, Validationf("unknown tool: %s", name)
	}
	for k := range args {
		if !def.accepts(k) {
			return nil, Validationf("unsupported field %q for tool %s", k, name)
		}
	}
	return def.handler(s, ctx, args)
}

// Tools lists every tool definition in a stable order.
func (s *Server) Tools() []ToolDef {
	out := make([]ToolDef, 0, len(toolOrder))
	for _, name := range toolOrder {
		out = append(out, toolDefs[name])
	}
	return out
}

// Capabilities reports static and dynamic server information.
func (s *Server) Capabilities() map[string]any {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return map[string]any{
		"name":           "vdobridge",
		"version":        Version,
		"protocol_magic": protocol.Magic,
		"envelope_kinds": protocol.Kinds(),
		"session_count":  n,
		"tools":          toolOrder,
		"defaults": map[string]any{
			"heartbeat_ms":          config.DefaultHeartbeatMS,
			"reconnect_ms":          config.DefaultReconnectMS,
			"file_chunk_bytes":      config.DefaultFileChunkBytes,
			"file_max_bytes":        config.DefaultFileMaxBytes,
			"file_ack_timeout_ms":   config.DefaultFileAckTimeoutMS,
			"spool_threshold_bytes": config.DefaultSpoolThresholdBytes,
			"state_max_keys":        config.DefaultStateMaxKeys,
			"queue_max_events":      config.DefaultQueueMaxEvents,
		},
	}
}

// classify maps engine errors onto the validation/tool split.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, bridge.ErrAmbiguousTarget),
		errors.Is(err, bridge.ErrUnknownTarget),
		errors.Is(err, bridge.ErrMalformedTarget),
		errors.Is(err, bridge.ErrUnknownTransfer):
		return Validationf("%s", err.Error())
	}
	return Toolf("%s", err.Error())
}

func handleConnect(s *Server, ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, Validationf("invalid config: %v", err)
	}
	var cfg config.SessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, Validationf("invalid config: %v", err)
	}
	s.defaults.ApplyTo(&cfg)
	if err := cfg.Normalize(); err != nil {
		return nil, Validationf("%s", err.Error())
	}

	id := uuid.NewString()
	sess, err := bridge.New(id, cfg, s.factory, s.log)
	if err != nil {
		return nil, Toolf("create session: %v", err)
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	if err := sess.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, Toolf("start session: %v", err)
	}
	return map[string]any{
		"session_id":       id,
		"status":           sess.Status(),
		"effective_config": redactConfig(sess.Config()),
	}, nil
}

// redactConfig strips secrets before a config is surfaced.
func redactConfig(cfg config.SessionConfig) config.SessionConfig {
	if cfg.JoinTokenSecret != "" {
		cfg.JoinTokenSecret = "[redacted]"
	}
	if cfg.Password != "" {
		cfg.Password = "[redacted]"
	}
	return cfg
}

func handleSend(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	data, present := args["data"]
	if !present {
		return nil, Validationf("data is required")
	}
	used, ok, err := sess.Send(data, args["target"])
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"ok": ok, "used_target": used}, nil
}

func handleReceive(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	max := intArg(args, "max_events", defaultReceiveMax)
	if max < 1 || max > maxReceiveEvents {
		return nil, Validationf("max_events must be 1..%d", maxReceiveEvents)
	}
	waitMS := intArg(args, "wait_ms", 0)
	if waitMS < 0 || waitMS > maxReceiveWaitMS {
		return nil, Validationf("wait_ms must be 0..%d", maxReceiveWaitMS)
	}
	evs := sess.Poll(max, time.Duration(waitMS)*time.Millisecond)
	return map[string]any{"event_count": len(evs), "events": evs}, nil
}

func handleStatus(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	return sess.Status(), nil
}

func handleDisconnect(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	sess.Stop()
	return map[string]any{"ok": true, "closed_at": time.Now().UnixMilli()}, nil
}

func handleListSessions(s *Server, ctx context.Context, args map[string]any) (any, error) {
	s.mu.Lock()
	sessions := make([]*bridge.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	out := make([]bridge.Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	return map[string]any{"session_count": len(out), "sessions": out}, nil
}

func handleCapabilities(s *Server, ctx context.Context, args map[string]any) (any, error) {
	return s.Capabilities(), nil
}

func handleSyncPeers(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	peers := sess.Peers()
	return map[string]any{"peer_count": len(peers), "peers": peers}, nil
}

func handleSyncAnnounce(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	n, err := sess.SyncAnnounce(args["target"])
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"announced": n}, nil
}

func handleFileSend(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	dataB64, _ := args["data_base64"].(string)
	filePath, _ := args["file_path"].(string)
	if (dataB64 == "") == (filePath == "") {
		return nil, Validationf("provide exactly one of data_base64 and file_path")
	}
	var data []byte
	if dataB64 != "" {
		data, err = base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return nil, Validationf("data_base64 is not valid base64: %v", err)
		}
	}
	req := bridge.FileSendRequest{
		Data:       data,
		Path:       filePath,
		Name:       strArg(args, "name"),
		Mime:       strArg(args, "mime"),
		Target:     args["target"],
		ChunkBytes: intArg(args, "chunk_bytes", 0),
		AckTimeout: time.Duration(intArg(args, "ack_timeout_ms", 0)) * time.Millisecond,
		MaxRetries: intArg(args, "max_retries", 0),
		TransferID: strArg(args, "transfer_id"),
	}
	sum, err := sess.SendFile(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"transfer": sum}, nil
}

func handleFileResume(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	id := strArg(args, "transfer_id")
	if id == "" {
		return nil, Validationf("transfer_id is required")
	}
	sum, err := sess.ResumeFile(ctx, id, intArg(args, "start_seq", -1))
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"transfer": sum}, nil
}

func handleFileTransfers(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	direction := strArg(args, "direction")
	if direction == "" {
		direction = "all"
	}
	incoming, outgoing, err := sess.Transfers(direction)
	if err != nil {
		return nil, Validationf("%s", err.Error())
	}
	return map[string]any{
		"incoming": incoming,
		"outgoing": outgoing,
	}, nil
}

func handleFileReceive(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	id := strArg(args, "transfer_id")
	if id == "" {
		return nil, Validationf("transfer_id is required")
	}
	encoding := strArg(args, "encoding")
	if encoding == "" {
		encoding = "base64"
	}
	data, sum, err := sess.ReceivedPayload(id)
	if err != nil {
		return nil, classify(err)
	}
	out := map[string]any{"transfer": sum}
	switch encoding {
	case "base64":
		out["data_base64"] = base64.StdEncoding.EncodeToString(data)
	case "utf8":
		if !utf8.Valid(data) {
			return nil, Toolf("transfer %s payload is not valid UTF-8", id)
		}
		out["data_text"] = string(data)
	case "json":
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, Toolf("transfer %s payload is not valid JSON: %v", id, err)
		}
		out["data_json"] = decoded
	default:
		return nil, Validationf("invalid encoding: %s", encoding)
	}
	return out, nil
}

func handleFileSave(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	id := strArg(args, "transfer_id")
	outputPath := strArg(args, "output_path")
	if id == "" || outputPath == "" {
		return nil, Validationf("transfer_id and output_path are required")
	}
	overwrite, _ := args["overwrite"].(bool)
	n, err := sess.SaveReceived(id, outputPath, overwrite)
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"output_path": outputPath, "bytes_written": n}, nil
}

func handleStateSet(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	key := strArg(args, "key")
	if key == "" {
		return nil, Validationf("key is required")
	}
	value, present := args["value"]
	if !present {
		return nil, Validationf("value is required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, Validationf("value is not serializable: %v", err)
	}
	entry, err := sess.StateSet(key, raw)
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"entry": entry}, nil
}

func handleStateGet(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	includeMeta, _ := args["include_meta"].(bool)
	key := strArg(args, "key")
	if key == "" {
		entries, clocks := sess.StateAll()
		out := map[string]any{"entries": entries}
		if includeMeta {
			out["actor_clock"] = clocks
		}
		return out, nil
	}
	if includeMeta {
		entry, ok := sess.StateEntryFor(key)
		return map[string]any{"key": key, "found": ok, "entry": entry}, nil
	}
	value, ok := sess.StateGet(key)
	out := map[string]any{"key": key, "found": ok}
	if ok {
		var decoded any
		if err := json.Unmarshal(value, &decoded); err == nil {
			out["value"] = decoded
		}
	}
	return out, nil
}

func handleStateSync(s *Server, ctx context.Context, args map[string]any) (any, error) {
	sess, err := s.session(args)
	if err != nil {
		return nil, err
	}
	n, err := sess.StateSync(strArg(args, "mode"), args["target"])
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"synced_peers": n}, nil
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
