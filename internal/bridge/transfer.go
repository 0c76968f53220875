package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// Transfer statuses.
const (
	TransferOffered      = "offered"
	TransferTransferring = "transferring"
	TransferReceiving    = "receiving"
	TransferCompleted    = "completed"
	TransferFailed       = "failed"
	TransferCancelled    = "cancelled"
)

// Payload sources for outgoing transfers.
const (
	sourceMemory = "memory"
	sourcePath   = "path"
)

// outgoingTransfer is the sender-side record. Mutated by the sending
// goroutine under the session lock.
type outgoingTransfer struct {
	id          string
	status      string
	targetUUID  string
	name        string
	mime        string
	totalBytes  int64
	totalChunks int
	chunkBytes  int
	chunkHashes []string
	fileHash    string
	nextSeq     int
	acked       *chunkBitmap
	retryBySeq  map[int]int
	retryTotal  int
	lastError   string
	source      string
	data        []byte
	path        string
	ackTimeout  time.Duration
	maxRetries  int
	createdAt   time.Time
	updatedAt   time.Time
}

// incomingTransfer is the receiver-side record. Chunks live either in the
// in-memory array or in a positional spool file, never both.
type incomingTransfer struct {
	id            string
	status        string
	fromUUID      string
	fromStreamID  string
	name          string
	mime          string
	totalBytes    int64
	totalChunks   int
	chunkBytes    int
	expectedHash  string
	received      *chunkBitmap
	receivedBytes int64
	chunks        [][]byte
	spooled       bool
	spoolFile     *os.File
	spoolPath     string
	payload       []byte
	completeRecv  bool
	lastError     string
	createdAt     time.Time
	updatedAt     time.Time
}

// firstMissing returns the first missing sequence, or totalChunks once every
// chunk has arrived.
func (t *incomingTransfer) firstMissing() int {
	return t.received.FirstClear()
}

// chunkLen returns the declared length of chunk seq.
func (t *incomingTransfer) chunkLen(seq int) int {
	remaining := t.totalBytes - int64(seq)*int64(t.chunkBytes)
	if remaining > int64(t.chunkBytes) {
		return t.chunkBytes
	}
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// releaseStorage closes the spool descriptor and deletes the spool file
// unless keep is set. In-memory chunk storage is dropped.
func (t *incomingTransfer) releaseStorage(keep bool) {
	if t.spoolFile != nil {
		t.spoolFile.Close()
		t.spoolFile = nil
	}
	if t.spoolPath != "" && !keep {
		os.Remove(t.spoolPath)
		t.spoolPath = ""
	}
	t.chunks = nil
}

// TransferSummary is the externally visible view of a transfer.
type TransferSummary struct {
	TransferID     string `json:"transfer_id"`
	Direction      string `json:"direction"`
	Status         string `json:"status"`
	PeerUUID       string `json:"peer_uuid,omitempty"`
	PeerStreamID   string `json:"peer_stream_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Mime           string `json:"mime,omitempty"`
	TotalBytes     int64  `json:"total_bytes"`
	TotalChunks    int    `json:"total_chunks"`
	ChunkBytes     int    `json:"chunk_bytes"`
	FileHash       string `json:"file_hash,omitempty"`
	ReceivedBytes  int64  `json:"received_bytes,omitempty"`
	ReceivedChunks int    `json:"received_chunks,omitempty"`
	AckedChunks    int    `json:"acked_chunks,omitempty"`
	NextSeq        int    `json:"next_seq"`
	RetriesTotal   int    `json:"retries_total"`
	LastError      string `json:"last_error,omitempty"`
	Spooled        bool   `json:"spooled"`
	SpoolPath      string `json:"spool_path,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

func (t *outgoingTransfer) summary() TransferSummary {
	return TransferSummary{
		TransferID:   t.id,
		Direction:    "outgoing",
		Status:       t.status,
		PeerUUID:     t.targetUUID,
		Name:         t.name,
		Mime:         t.mime,
		TotalBytes:   t.totalBytes,
		TotalChunks:  t.totalChunks,
		ChunkBytes:   t.chunkBytes,
		FileHash:     t.fileHash,
		AckedChunks:  t.acked.CountSet(),
		NextSeq:      t.nextSeq,
		RetriesTotal: t.retryTotal,
		LastError:    t.lastError,
		CreatedAt:    t.createdAt.UnixMilli(),
		UpdatedAt:    t.updatedAt.UnixMilli(),
	}
}

func (t *incomingTransfer) summary() TransferSummary {
	return TransferSummary{
		TransferID:     t.id,
		Direction:      "incoming",
		Status:         t.status,
		PeerUUID:       t.fromUUID,
		PeerStreamID:   t.fromStreamID,
		Name:           t.name,
		Mime:           t.mime,
		TotalBytes:     t.totalBytes,
		TotalChunks:    t.totalChunks,
		ChunkBytes:     t.chunkBytes,
		FileHash:       t.expectedHash,
		ReceivedBytes:  t.receivedBytes,
		ReceivedChunks: t.received.CountSet(),
		NextSeq:        t.firstMissing(),
		LastError:      t.lastError,
		Spooled:        t.spooled,
		SpoolPath:      t.spoolPath,
		CreatedAt:      t.createdAt.UnixMilli(),
		UpdatedAt:      t.updatedAt.UnixMilli(),
	}
}

// Transfers lists transfer summaries for the given direction
// ("incoming", "outgoing", or "all").
func (s *Session) Transfers(direction string) (incoming, outgoing []TransferSummary, err error) {
	switch direction {
	case "incoming", "outgoing", "all", "":
	default:
		return nil, nil, fmt.Errorf("invalid direction: %s", direction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if direction == "incoming" || direction == "all" || direction == "" {
		for _, t := range s.incoming {
			incoming = append(incoming, t.summary())
		}
	}
	if direction == "outgoing" || direction == "all" || direction == "" {
		for _, t := range s.outgoing {
			outgoing = append(outgoing, t.summary())
		}
	}
	return incoming, outgoing, nil
}

// hashHex returns the lowercase-hex SHA-256 of data.
func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashReader streams a reader through SHA-256.
func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// markCompletedLocked appends a transfer to the bounded completed list for
// its direction and evicts the oldest completed transfer past the cap,
// releasing its buffers and spool storage.
func (s *Session) markCompletedLocked(id string, incoming bool) {
	capN := s.cfg.CompletedTransferCap
	if incoming {
		s.completedIn = append(s.completedIn, id)
		for len(s.completedIn) > capN {
			victim := s.completedIn[0]
			s.completedIn = s.completedIn[1:]
			if t, ok := s.incoming[victim]; ok {
				t.releaseStorage(s.cfg.KeepSpoolFiles)
				t.payload = nil
				delete(s.incoming, victim)
			}
		}
		return
	}
	s.completedOut = append(s.completedOut, id)
	for len(s.completedOut) > capN {
		victim := s.completedOut[0]
		s.completedOut = s.completedOut[1:]
		if t, ok := s.outgoing[victim]; ok {
			t.data = nil
			delete(s.outgoing, victim)
		}
	}
}
