// Package mcp hosts the tool surface over the Model Context Protocol:
// JSON-RPC dispatch with protocol-version negotiation, tool-profile
// filtering, and the stdio and streamable-HTTP transports.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vdobridge/vdobridge/internal/tools"
)

// Supported MCP protocol versions, newest first.
var supportedVersions = []string{"2025-06-18", "2024-11-05"}

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeGeneric        = -32000
)

// Request is one inbound JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outbound JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Tool profiles: which operations each profile exposes.
var profiles = map[string][]string{
	"full": nil, // nil means everything
	"messaging": {
		"vdo_connect", "vdo_send", "vdo_receive", "vdo_status", "vdo_disconnect",
		"vdo_list_sessions", "vdo_capabilities", "vdo_sync_peers", "vdo_sync_announce",
	},
	"files": {
		"vdo_connect", "vdo_send", "vdo_receive", "vdo_status", "vdo_disconnect",
		"vdo_list_sessions", "vdo_capabilities", "vdo_sync_peers", "vdo_sync_announce",
		"vdo_file_send", "vdo_file_resume", "vdo_file_transfers", "vdo_file_receive", "vdo_file_save",
	},
	"state": {
		"vdo_connect", "vdo_send", "vdo_receive", "vdo_status", "vdo_disconnect",
		"vdo_list_sessions", "vdo_capabilities", "vdo_sync_peers", "vdo_sync_announce",
		"vdo_state_set", "vdo_state_get", "vdo_state_sync",
	},
}

// Server dispatches JSON-RPC requests to the tool surface. Dispatch is
// serialized per server; tool calls may still touch different sessions
// concurrently across servers.
type Server struct {
	tools   *tools.Server
	profile string
	allowed map[string]bool
	log     *slog.Logger

	mu           sync.Mutex
	negotiated   string
	initialized  bool
	shuttingDown bool
	onExit       func()
}

// NewServer creates an MCP server exposing the tool surface filtered by the
// named profile.
func NewServer(ts *tools.Server, profile string, log *slog.Logger) (*Server, error) {
	if profile == "" {
		profile = "full"
	}
	names, known := profiles[profile]
	if !known {
		return nil, fmt.Errorf("unknown tool profile: %s", profile)
	}
	var allowed map[string]bool
	if names != nil {
		allowed = make(map[string]bool, len(names))
		for _, n := range names {
			allowed[n] = true
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		tools:   ts,
		profile: profile,
		allowed: allowed,
		log:     log,
	}, nil
}

// SetOnExit registers the callback invoked on the exit notification.
func (s *Server) SetOnExit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

func (s *Server) toolEnabled(name string) bool {
	return s.allowed == nil || s.allowed[name]
}

// Handle processes a single request. Returns nil for notifications.
func (s *Server) Handle(ctx context.Context, req Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errResponse(req.ID, codeInvalidRequest, "invalid request")
	}
	if s.shuttingDown && req.Method != "exit" && !req.IsNotification() {
		return errResponse(req.ID, codeInvalidRequest, "server is shutting down")
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return okResponse(req.ID, map[string]any{})
	case "tools/list":
		return okResponse(req.ID, map[string]any{"tools": s.listTools()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return okResponse(req.ID, map[string]any{"resources": []any{}})
	case "prompts/list":
		return okResponse(req.ID, map[string]any{"prompts": []any{}})
	case "shutdown":
		s.shuttingDown = true
		return okResponse(req.ID, nil)
	case "notifications/initialized":
		s.initialized = true
		return nil
	case "notifications/cancelled":
		return nil
	case "exit":
		if s.onExit != nil {
			s.onExit()
		}
		return nil
	default:
		if req.IsNotification() {
			s.log.Debug("ignoring unknown notification", slog.String("method", req.Method))
			return nil
		}
		return errResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req Request) *Response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      any    `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, codeInvalidRequest, "invalid initialize params")
		}
	}
	version := supportedVersions[0]
	for _, v := range supportedVersions {
		if params.ProtocolVersion == v {
			version = v
			break
		}
	}
	s.negotiated = version
	return okResponse(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    "vdobridge",
			"version": tools.Version,
		},
	})
}

func (s *Server) listTools() []tools.ToolDef {
	all := s.tools.Tools()
	if s.allowed == nil {
		return all
	}
	out := make([]tools.ToolDef, 0, len(all))
	for _, d := range all {
		if s.allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errResponse(req.ID, codeInvalidRequest, "invalid tools/call params")
	}

	if !s.toolEnabled(params.Name) {
		return okResponse(req.ID, toolErrorResult(params.Name, tools.TypeValidation,
			fmt.Sprintf("tool %s is not available in profile %q", params.Name, s.profile)))
	}

	result, err := s.tools.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		errType := tools.TypeTool
		var te *tools.Error
		if ok := asToolError(err, &te); ok {
			errType = te.Type
		}
		return okResponse(req.ID, toolErrorResult(params.Name, errType, err.Error()))
	}
	return okResponse(req.ID, toolResult(result, false))
}

func asToolError(err error, out **tools.Error) bool {
	te, ok := err.(*tools.Error)
	if ok {
		*out = te
	}
	return ok
}

// toolResult wraps a payload in the MCP tool-result shape.
func toolResult(payload any, isError bool) map[string]any {
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(`{}`)
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"structuredContent": payload,
		"isError":           isError,
	}
}

func toolErrorResult(tool, errType, message string) map[string]any {
	payload := map[string]any{
		"ok": false,
		"error": map[string]any{
			"type":    errType,
			"message": message,
			"tool":    tool,
		},
	}
	return toolResult(payload, true)
}

func okResponse(id json.RawMessage, result any) *Response {
	if result == nil {
		result = map[string]any{}
	}
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &RPCError{Code: code, Message: message},
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// HandleRaw parses a raw JSON message (single request or batch) and returns
// the serialized response, or nil when nothing needs to be written (pure
// notifications). Batches process in array order.
func (s *Server) HandleRaw(ctx context.Context, raw []byte) []byte {
	trimmed := trimLeftSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return mustMarshal(errResponse(nil, codeParseError, "parse error"))
		}
		if len(batch) == 0 {
			return mustMarshal(errResponse(nil, codeInvalidRequest, "empty batch"))
		}
		var responses []*Response
		for _, req := range batch {
			if resp := s.Handle(ctx, req); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil
		}
		return mustMarshal(responses)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return mustMarshal(errResponse(nil, codeParseError, "parse error"))
	}
	resp := s.Handle(ctx, req)
	if resp == nil {
		return nil
	}
	return mustMarshal(resp)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"marshal failure"}}`)
	}
	return b
}

func trimLeftSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}
