package protocol

import "encoding/json"

// Envelope kind constants.
const (
	KindSyncHello     = "sync.hello"
	KindSyncHelloAck  = "sync.hello_ack"
	KindSyncHeartbeat = "sync.heartbeat"
	KindSyncReject    = "sync.reject"

	KindFileOffer       = "file.offer"
	KindFileAccept      = "file.accept"
	KindFileChunk       = "file.chunk"
	KindFileAck         = "file.ack"
	KindFileNack        = "file.nack"
	KindFileComplete    = "file.complete"
	KindFileCompleteAck = "file.complete_ack"
	KindFileResumeReq   = "file.resume_req"
	KindFileResumeState = "file.resume_state"
	KindFileCancel      = "file.cancel"

	KindStatePatch       = "state.patch"
	KindStateSnapshotReq = "state.snapshot_req"
	KindStateSnapshot    = "state.snapshot"
)

var kinds = map[string]bool{
	KindSyncHello:        true,
	KindSyncHelloAck:     true,
	KindSyncHeartbeat:    true,
	KindSyncReject:       true,
	KindFileOffer:        true,
	KindFileAccept:       true,
	KindFileChunk:        true,
	KindFileAck:          true,
	KindFileNack:         true,
	KindFileComplete:     true,
	KindFileCompleteAck:  true,
	KindFileResumeReq:    true,
	KindFileResumeState:  true,
	KindFileCancel:       true,
	KindStatePatch:       true,
	KindStateSnapshotReq: true,
	KindStateSnapshot:    true,
}

// KnownKind reports whether kind is a recognized envelope kind.
func KnownKind(kind string) bool {
	return kinds[kind]
}

// Kinds returns the full set of recognized envelope kinds.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}

// Hello announces a peer, its capabilities, its X25519 public key and a join
// token. Sent on session start, on each new peer, and re-broadcast
// periodically to refresh capabilities.
type Hello struct {
	Capabilities map[string]any `json:"capabilities,omitempty"`
	PublicKey    string         `json:"public_key,omitempty"` // base64 DER/SPKI
	Token        string         `json:"token,omitempty"`
	Label        string         `json:"label,omitempty"`
}

// HelloAck confirms admission of a peer.
type HelloAck struct {
	Capabilities map[string]any `json:"capabilities,omitempty"`
	PublicKey    string         `json:"public_key,omitempty"`
	AuthOK       bool           `json:"auth_ok"`
}

// Heartbeat is a periodic liveness signal.
type Heartbeat struct {
	Seq int64 `json:"seq"`
}

// Reject tells a peer it was not admitted.
type Reject struct {
	Reason string `json:"reason"`
}

// FileOffer opens an outgoing transfer.
type FileOffer struct {
	TransferID  string `json:"transfer_id"`
	Name        string `json:"name,omitempty"`
	Mime        string `json:"mime,omitempty"`
	TotalBytes  int64  `json:"total_bytes"`
	TotalChunks int    `json:"total_chunks"`
	ChunkBytes  int    `json:"chunk_bytes"`
	FileHash    string `json:"file_hash"`
}

// FileAccept acknowledges an offer and reports the first missing sequence.
type FileAccept struct {
	TransferID string `json:"transfer_id"`
	NextSeq    int    `json:"next_seq"`
}

// FileChunk carries one chunk of transfer data.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Seq        int    `json:"seq"`
	DataBase64 string `json:"data_base64"`
	ChunkHash  string `json:"chunk_hash"`
}

// FileAck acknowledges a chunk.
type FileAck struct {
	TransferID    string `json:"transfer_id"`
	Seq           int    `json:"seq"`
	NextSeq       int    `json:"next_seq"`
	ReceivedBytes int64  `json:"received_bytes"`
}

// FileNack rejects a chunk or a finalization attempt.
type FileNack struct {
	TransferID  string `json:"transfer_id"`
	ExpectedSeq int    `json:"expected_seq"`
	Reason      string `json:"reason"`
}

// FileComplete signals that all chunks have been sent.
type FileComplete struct {
	TransferID string `json:"transfer_id"`
	TotalBytes int64  `json:"total_bytes"`
	FileHash   string `json:"file_hash"`
}

// FileCompleteAck confirms finalization on the receiver.
type FileCompleteAck struct {
	TransferID string `json:"transfer_id"`
	FileHash   string `json:"file_hash"`
	TotalBytes int64  `json:"total_bytes"`
}

// FileResumeReq asks the receiver where a transfer stands.
type FileResumeReq struct {
	TransferID string `json:"transfer_id"`
}

// FileResumeState reports the receiver-side position of a transfer. Unknown
// transfers report next_seq=0 and status "unknown_transfer".
type FileResumeState struct {
	TransferID string `json:"transfer_id"`
	NextSeq    int    `json:"next_seq"`
	Status     string `json:"status"`
}

// FileCancel aborts a transfer.
type FileCancel struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// StateEntry is one replicated key/value record ordered by (clock, actor).
type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Actor     string          `json:"actor"`
	Clock     int64           `json:"clock"`
	UpdatedAt int64           `json:"updated_at"`
}

// StatePatch replicates one or more state entries.
type StatePatch struct {
	Entries []StateEntry `json:"entries"`
}

// StateSnapshotReq asks a peer for its full state snapshot.
type StateSnapshotReq struct{}

// StateSnapshot is a point-in-time view of a peer's replicated store.
type StateSnapshot struct {
	Room        string           `json:"room"`
	StreamID    string           `json:"stream_id"`
	Entries     []StateEntry     `json:"entries"`
	ActorClock  map[string]int64 `json:"actor_clock"`
	GeneratedAt int64            `json:"generated_at"`
}
