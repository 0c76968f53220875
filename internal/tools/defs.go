package tools

import "context"

// ToolDef describes one tool for MCP discovery.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	handler func(*Server, context.Context, map[string]any) (any, error)
	fields  map[string]bool
}

func (d ToolDef) accepts(field string) bool {
	return d.fields[field]
}

func def(name, description string, handler func(*Server, context.Context, map[string]any) (any, error), required []string, props map[string]any) ToolDef {
	fields := make(map[string]bool, len(props))
	for k := range props {
		fields[k] = true
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return ToolDef{
		Name:        name,
		Description: description,
		InputSchema: schema,
		handler:     handler,
		fields:      fields,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var sessionIDProp = prop("string", "Session id returned by vdo_connect")

var targetProp = map[string]any{
	"description": "Peer target: a uuid, a stream id, or an object {uuid|stream_id, allow_fallback}. Omit to address the sole connected peer.",
}

// toolOrder fixes the listing order.
var toolOrder = []string{
	"vdo_connect",
	"vdo_send",
	"vdo_receive",
	"vdo_status",
	"vdo_disconnect",
	"vdo_list_sessions",
	"vdo_capabilities",
	"vdo_sync_peers",
	"vdo_sync_announce",
	"vdo_file_send",
	"vdo_file_resume",
	"vdo_file_transfers",
	"vdo_file_receive",
	"vdo_file_save",
	"vdo_state_set",
	"vdo_state_get",
	"vdo_state_sync",
}

var toolDefs = map[string]ToolDef{
	"vdo_connect": def("vdo_connect",
		"Join a room through the signalling service and start a bridge session.",
		handleConnect,
		[]string{"room", "stream_id"},
		map[string]any{
			"endpoint":                   prop("string", "Signalling endpoint URL"),
			"room":                       prop("string", "Room name"),
			"stream_id":                  prop("string", "Local stream id"),
			"target_stream_id":           prop("string", "Remote stream id to view"),
			"password":                   prop("string", "Signalling room password"),
			"label":                      prop("string", "Human-readable session label"),
			"heartbeat_ms":               prop("integer", "Heartbeat interval"),
			"reconnect_ms":               prop("integer", "Initial reconnect delay"),
			"max_reconnect_ms":           prop("integer", "Reconnect delay ceiling"),
			"join_token":                 prop("string", "Opaque join token sent verbatim"),
			"join_token_secret":          prop("string", "Secret used to mint and verify join tokens"),
			"token_ttl_ms":               prop("integer", "Minted token lifetime"),
			"enforce_join_token":         prop("boolean", "Reject peers without a valid token"),
			"allow_peer_stream_ids":      map[string]any{"type": "array", "items": prop("string", ""), "description": "Stream-id allowlist"},
			"require_session_mac":        prop("boolean", "Drop non-sync envelopes without a valid MAC"),
			"file_chunk_bytes":           prop("integer", "Default file chunk size"),
			"file_max_bytes":             prop("integer", "Maximum transfer payload"),
			"file_ack_timeout_ms":        prop("integer", "Per-chunk ACK timeout"),
			"file_max_retries":           prop("integer", "Per-chunk retry bound"),
			"spool_dir":                  prop("string", "Directory for transfer spool files"),
			"spool_threshold_bytes":      prop("integer", "Spool transfers at or above this size"),
			"keep_spool_files":           prop("boolean", "Keep spool files after completion and stop"),
			"state_max_keys":             prop("integer", "Replicated store key cap"),
			"state_max_snapshot_entries": prop("integer", "Snapshot entry cap"),
			"queue_max_events":           prop("integer", "Event queue cap"),
			"completed_transfer_cap":     prop("integer", "Completed transfers retained per direction"),
		}),
	"vdo_send": def("vdo_send",
		"Send an application payload over a peer data channel.",
		handleSend,
		[]string{"session_id", "data"},
		map[string]any{
			"session_id": sessionIDProp,
			"data":       map[string]any{"description": "Payload: any JSON value"},
			"target":     targetProp,
		}),
	"vdo_receive": def("vdo_receive",
		"Poll queued session events, optionally waiting for the first one.",
		handleReceive,
		[]string{"session_id"},
		map[string]any{
			"session_id": sessionIDProp,
			"max_events": prop("integer", "Maximum events to return (1..500)"),
			"wait_ms":    prop("integer", "Bounded wait when the queue is empty (0..30000)"),
		}),
	"vdo_status": def("vdo_status",
		"Live session status snapshot including the peer list.",
		handleStatus,
		[]string{"session_id"},
		map[string]any{"session_id": sessionIDProp}),
	"vdo_disconnect": def("vdo_disconnect",
		"Stop a session and remove it from the registry.",
		handleDisconnect,
		[]string{"session_id"},
		map[string]any{"session_id": sessionIDProp}),
	"vdo_list_sessions": def("vdo_list_sessions",
		"List all live sessions.",
		handleListSessions,
		nil,
		map[string]any{}),
	"vdo_capabilities": def("vdo_capabilities",
		"Static and dynamic server information.",
		handleCapabilities,
		nil,
		map[string]any{}),
	"vdo_sync_peers": def("vdo_sync_peers",
		"List known peers with handshake and auth state.",
		handleSyncPeers,
		[]string{"session_id"},
		map[string]any{"session_id": sessionIDProp}),
	"vdo_sync_announce": def("vdo_sync_announce",
		"Re-broadcast the local hello (capabilities, key, token).",
		handleSyncAnnounce,
		[]string{"session_id"},
		map[string]any{
			"session_id": sessionIDProp,
			"target":     targetProp,
		}),
	"vdo_file_send": def("vdo_file_send",
		"Send a file to a peer over the chunked, integrity-checked transfer protocol. Blocks until the transfer completes or fails.",
		handleFileSend,
		[]string{"session_id"},
		map[string]any{
			"session_id":     sessionIDProp,
			"data_base64":    prop("string", "Payload bytes, base64-encoded (exclusive with file_path)"),
			"file_path":      prop("string", "Path to the payload file (exclusive with data_base64)"),
			"name":           prop("string", "File name advertised to the receiver"),
			"mime":           prop("string", "MIME type advertised to the receiver"),
			"target":         targetProp,
			"chunk_bytes":    prop("integer", "Chunk size override"),
			"ack_timeout_ms": prop("integer", "Per-chunk ACK timeout override"),
			"max_retries":    prop("integer", "Per-chunk retry bound override"),
			"transfer_id":    prop("string", "Caller-chosen transfer id"),
		}),
	"vdo_file_resume": def("vdo_file_resume",
		"Resume a failed outgoing transfer from the receiver-reported position.",
		handleFileResume,
		[]string{"session_id", "transfer_id"},
		map[string]any{
			"session_id":  sessionIDProp,
			"transfer_id": prop("string", "Outgoing transfer id"),
			"start_seq":   prop("integer", "Explicit restart sequence; omit to ask the receiver"),
		}),
	"vdo_file_transfers": def("vdo_file_transfers",
		"List transfer summaries.",
		handleFileTransfers,
		[]string{"session_id"},
		map[string]any{
			"session_id": sessionIDProp,
			"direction":  prop("string", "incoming, outgoing, or all"),
		}),
	"vdo_file_receive": def("vdo_file_receive",
		"Fetch the payload of a completed incoming transfer.",
		handleFileReceive,
		[]string{"session_id", "transfer_id"},
		map[string]any{
			"session_id":  sessionIDProp,
			"transfer_id": prop("string", "Incoming transfer id"),
			"encoding":    prop("string", "base64 (default), utf8, or json"),
		}),
	"vdo_file_save": def("vdo_file_save",
		"Write a completed incoming transfer to a local path.",
		handleFileSave,
		[]string{"session_id", "transfer_id", "output_path"},
		map[string]any{
			"session_id":  sessionIDProp,
			"transfer_id": prop("string", "Incoming transfer id"),
			"output_path": prop("string", "Destination path"),
			"overwrite":   prop("boolean", "Replace an existing file"),
		}),
	"vdo_state_set": def("vdo_state_set",
		"Write a key in the replicated room state and broadcast the patch.",
		handleStateSet,
		[]string{"session_id", "key", "value"},
		map[string]any{
			"session_id": sessionIDProp,
			"key":        prop("string", "State key"),
			"value":      map[string]any{"description": "Any JSON value"},
		}),
	"vdo_state_get": def("vdo_state_get",
		"Read one key, or every entry when key is omitted.",
		handleStateGet,
		[]string{"session_id"},
		map[string]any{
			"session_id":   sessionIDProp,
			"key":          prop("string", "State key; omit for the full listing"),
			"include_meta": prop("boolean", "Include entry metadata and actor clocks"),
		}),
	"vdo_state_sync": def("vdo_state_sync",
		"Exchange state snapshots with peers.",
		handleStateSync,
		[]string{"session_id"},
		map[string]any{
			"session_id": sessionIDProp,
			"mode":       prop("string", "request, send, or both (default)"),
			"target":     targetProp,
		}),
}
