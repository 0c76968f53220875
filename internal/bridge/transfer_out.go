package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/vdobridge/vdobridge/internal/bufpool"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// ErrUnknownTransfer marks lookups of transfer ids the session has never
// seen. The tool surface reports it as a validation error.
var ErrUnknownTransfer = errors.New("unknown transfer")

// FileSendRequest describes an outgoing transfer. Exactly one of Data and
// Path must be set.
type FileSendRequest struct {
	Data       []byte
	Path       string
	Name       string
	Mime       string
	Target     any
	ChunkBytes int
	AckTimeout time.Duration
	MaxRetries int
	TransferID string
}

// chunkSource reads transfer chunks from memory or from a file by offset, so
// path-sourced payloads are never materialized whole.
type chunkSource struct {
	data       []byte
	f          *os.File
	size       int64
	chunkBytes int
	pool       *bufpool.Pool
}

func (c *chunkSource) read(seq int) ([]byte, error) {
	start := int64(seq) * int64(c.chunkBytes)
	if start >= c.size {
		return nil, fmt.Errorf("chunk %d out of range", seq)
	}
	end := start + int64(c.chunkBytes)
	if end > c.size {
		end = c.size
	}
	if c.f == nil {
		return c.data[start:end], nil
	}
	var buf []byte
	if c.pool != nil && c.pool.BufSize() >= int(end-start) {
		buf = c.pool.Get()[:end-start]
	} else {
		buf = make([]byte, end-start)
	}
	if _, err := c.f.ReadAt(buf, start); err != nil {
		c.release(buf)
		return nil, fmt.Errorf("read chunk %d: %w", seq, err)
	}
	return buf, nil
}

// release returns a pooled chunk buffer. No-op for in-memory sources.
func (c *chunkSource) release(buf []byte) {
	if c.f != nil && c.pool != nil {
		c.pool.Put(buf)
	}
}

func (c *chunkSource) close() {
	if c.f != nil {
		c.f.Close()
		c.f = nil
	}
}

// prepare chunks the payload, computing per-chunk SHA-256 and the streaming
// full-file SHA-256 in one pass.
func (c *chunkSource) prepare() (chunkHashes []string, fileHash string, err error) {
	full := sha256.New()
	total := int((c.size + int64(c.chunkBytes) - 1) / int64(c.chunkBytes))
	chunkHashes = make([]string, 0, total)
	for seq := 0; seq < total; seq++ {
		chunk, err := c.read(seq)
		if err != nil {
			return nil, "", err
		}
		chunkHashes = append(chunkHashes, hashHex(chunk))
		full.Write(chunk)
		c.release(chunk)
	}
	return chunkHashes, hex.EncodeToString(full.Sum(nil)), nil
}

// SendFile runs the sender state machine: prepare, offer/accept, sequential
// chunk transmit with ACK/NACK handling and bounded retries, then
// complete/complete_ack. Returns the transfer summary; protocol failures
// return the summary alongside the error.
func (s *Session) SendFile(ctx context.Context, req FileSendRequest) (TransferSummary, error) {
	if (req.Data == nil) == (req.Path == "") {
		return TransferSummary{}, errors.New("provide exactly one of data and path")
	}

	targetUUID, _, err := s.resolveTarget(req.Target)
	if err != nil {
		return TransferSummary{}, err
	}
	if targetUUID == "" {
		return TransferSummary{}, errors.New("no connected peer to send to")
	}

	chunkBytes := req.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = s.cfg.FileChunkBytes
	}
	ackTimeout := req.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = time.Duration(s.cfg.FileAckTimeoutMS) * time.Millisecond
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.FileMaxRetries
	}

	src := &chunkSource{data: req.Data, size: int64(len(req.Data)), chunkBytes: chunkBytes, pool: s.chunkBuf}
	name := req.Name
	if req.Path != "" {
		f, err := os.Open(req.Path)
		if err != nil {
			return TransferSummary{}, fmt.Errorf("open payload: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return TransferSummary{}, fmt.Errorf("stat payload: %w", err)
		}
		src.f = f
		src.size = info.Size()
		if name == "" {
			name = info.Name()
		}
	}
	defer src.close()

	if src.size == 0 {
		return TransferSummary{}, errors.New("empty payload")
	}
	if src.size > s.cfg.FileMaxBytes {
		return TransferSummary{}, fmt.Errorf("payload exceeds file_max_bytes (%d > %d)", src.size, s.cfg.FileMaxBytes)
	}

	chunkHashes, fileHash, err := src.prepare()
	if err != nil {
		return TransferSummary{}, err
	}

	id := req.TransferID
	if id == "" {
		id = uuid.NewString()
	}
	source := sourceMemory
	if req.Path != "" {
		source = sourcePath
	}
	t := &outgoingTransfer{
		id:          id,
		status:      TransferOffered,
		targetUUID:  targetUUID,
		name:        name,
		mime:        req.Mime,
		totalBytes:  src.size,
		totalChunks: len(chunkHashes),
		chunkBytes:  chunkBytes,
		chunkHashes: chunkHashes,
		fileHash:    fileHash,
		acked:       newChunkBitmap(len(chunkHashes)),
		retryBySeq:  make(map[int]int),
		source:      source,
		data:        req.Data,
		path:        req.Path,
		ackTimeout:  ackTimeout,
		maxRetries:  maxRetries,
		createdAt:   time.Now(),
		updatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.outgoing[id] = t
	s.mu.Unlock()

	return s.runOutgoing(ctx, t, src, -1)
}

// ResumeFile re-runs the sender machine for an existing transfer, starting at
// startSeq when >= 0 or at the receiver-reported position otherwise.
func (s *Session) ResumeFile(ctx context.Context, transferID string, startSeq int) (TransferSummary, error) {
	s.mu.Lock()
	t, known := s.outgoing[transferID]
	s.mu.Unlock()
	if !known {
		return TransferSummary{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	src := &chunkSource{data: t.data, size: t.totalBytes, chunkBytes: t.chunkBytes, pool: s.chunkBuf}
	if t.source == sourcePath {
		f, err := os.Open(t.path)
		if err != nil {
			return s.failOutgoing(t, fmt.Sprintf("reopen payload: %v", err))
		}
		src.f = f
	}
	defer src.close()

	s.mu.Lock()
	t.status = TransferOffered
	t.lastError = ""
	s.mu.Unlock()
	return s.runOutgoing(ctx, t, src, startSeq)
}

// runOutgoing drives offer → transmit → complete. The offer is idempotent on
// the receiver, so resumes re-offer and start from the agreed position. At
// most one chunk is ever unacknowledged; chunks go out strictly in sequence.
func (s *Session) runOutgoing(ctx context.Context, t *outgoingTransfer, src *chunkSource, startSeq int) (TransferSummary, error) {
	offer := protocol.FileOffer{
		TransferID:  t.id,
		Name:        t.name,
		Mime:        t.mime,
		TotalBytes:  t.totalBytes,
		TotalChunks: t.totalChunks,
		ChunkBytes:  t.chunkBytes,
		FileHash:    t.fileHash,
	}
	cursor := s.bus.cursor()
	if err := s.sendEnvelope(t.targetUUID, protocol.KindFileOffer, offer); err != nil {
		return s.failOutgoing(t, fmt.Sprintf("send offer: %v", err))
	}
	acceptTimeout := t.ackTimeout
	if acceptTimeout < time.Second {
		acceptTimeout = time.Second
	}
	ev, ok := s.bus.wait(cursor, acceptTimeout, matchTransfer(t.id, protocol.KindFileAccept))
	if !ok {
		return s.failOutgoing(t, "offer not accepted before timeout")
	}
	var accept protocol.FileAccept
	if err := ev.env.DecodePayload(&accept); err != nil {
		return s.failOutgoing(t, fmt.Sprintf("malformed accept: %v", err))
	}

	seq := accept.NextSeq
	if startSeq >= 0 {
		seq = startSeq
	}
	if seq < 0 {
		seq = 0
	}

	s.mu.Lock()
	t.status = TransferTransferring
	t.nextSeq = seq
	t.updatedAt = time.Now()
	s.mu.Unlock()

	for seq < t.totalChunks {
		select {
		case <-ctx.Done():
			return s.failOutgoing(t, "cancelled: "+ctx.Err().Error())
		default:
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return s.failOutgoing(t, "session stopped")
		}

		chunk, err := src.read(seq)
		if err != nil {
			return s.failOutgoing(t, err.Error())
		}
		cursor = s.bus.cursor()
		err = s.sendEnvelope(t.targetUUID, protocol.KindFileChunk, protocol.FileChunk{
			TransferID: t.id,
			Seq:        seq,
			DataBase64: base64.StdEncoding.EncodeToString(chunk),
			ChunkHash:  t.chunkHashes[seq],
		})
		src.release(chunk)
		if err != nil {
			return s.failOutgoing(t, fmt.Sprintf("send chunk %d: %v", seq, err))
		}

		ev, ok := s.bus.wait(cursor, t.ackTimeout, matchTransfer(t.id, protocol.KindFileAck, protocol.KindFileNack))
		if ok && ev.kind == protocol.KindFileAck {
			var ack protocol.FileAck
			if err := ev.env.DecodePayload(&ack); err != nil {
				return s.failOutgoing(t, fmt.Sprintf("malformed ack: %v", err))
			}
			s.mu.Lock()
			t.acked.Set(ack.Seq)
			next := ack.NextSeq
			if ack.Seq == seq {
				if seq+1 > next {
					next = seq + 1
				}
			} else if next <= seq {
				// Stale ack for an earlier chunk; hold position.
				next = seq
			}
			seq = next
			t.nextSeq = seq
			t.updatedAt = time.Now()
			s.mu.Unlock()
			continue
		}
		if ok && ev.kind == protocol.KindFileNack {
			var nack protocol.FileNack
			if err := ev.env.DecodePayload(&nack); err != nil {
				return s.failOutgoing(t, fmt.Sprintf("malformed nack: %v", err))
			}
			s.mu.Lock()
			seq = nack.ExpectedSeq
			if seq < 0 {
				seq = 0
			}
			t.nextSeq = seq
			t.retryBySeq[seq]++
			t.retryTotal++
			retries := t.retryBySeq[seq]
			t.updatedAt = time.Now()
			s.mu.Unlock()
			if retries > t.maxRetries {
				return s.failOutgoing(t, fmt.Sprintf("chunk %d rejected %d times: %s", seq, retries, nack.Reason))
			}
			continue
		}

		// ACK timeout: probe the receiver's position and continue from there.
		s.mu.Lock()
		t.retryBySeq[seq]++
		t.retryTotal++
		retries := t.retryBySeq[seq]
		t.updatedAt = time.Now()
		s.mu.Unlock()
		if retries > t.maxRetries {
			return s.failOutgoing(t, fmt.Sprintf("no ack for chunk %d after %d retries", seq, retries-1))
		}
		cursor = s.bus.cursor()
		if err := s.sendEnvelope(t.targetUUID, protocol.KindFileResumeReq, protocol.FileResumeReq{TransferID: t.id}); err != nil {
			return s.failOutgoing(t, fmt.Sprintf("send resume_req: %v", err))
		}
		if ev, ok := s.bus.wait(cursor, t.ackTimeout, matchTransfer(t.id, protocol.KindFileResumeState)); ok {
			var rs protocol.FileResumeState
			if err := ev.env.DecodePayload(&rs); err == nil && rs.NextSeq >= 0 {
				s.mu.Lock()
				seq = rs.NextSeq
				t.nextSeq = seq
				s.mu.Unlock()
			}
		}
	}
	// Complete.
	cursor = s.bus.cursor()
	if err := s.sendEnvelope(t.targetUUID, protocol.KindFileComplete, protocol.FileComplete{
		TransferID: t.id,
		TotalBytes: t.totalBytes,
		FileHash:   t.fileHash,
	}); err != nil {
		return s.failOutgoing(t, fmt.Sprintf("send complete: %v", err))
	}
	if _, ok := s.bus.wait(cursor, 2*t.ackTimeout, matchTransfer(t.id, protocol.KindFileCompleteAck)); !ok {
		// One probe: a receiver that reports next_seq past the end finished
		// even though its complete_ack was lost.
		cursor = s.bus.cursor()
		if err := s.sendEnvelope(t.targetUUID, protocol.KindFileResumeReq, protocol.FileResumeReq{TransferID: t.id}); err != nil {
			return s.failOutgoing(t, fmt.Sprintf("send resume_req: %v", err))
		}
		ev, ok := s.bus.wait(cursor, t.ackTimeout, matchTransfer(t.id, protocol.KindFileResumeState))
		if !ok {
			return s.failOutgoing(t, "no complete_ack before timeout")
		}
		var rs protocol.FileResumeState
		if err := ev.env.DecodePayload(&rs); err != nil || rs.NextSeq < t.totalChunks {
			return s.failOutgoing(t, "receiver did not finalize transfer")
		}
	}

	s.mu.Lock()
	t.status = TransferCompleted
	t.nextSeq = t.totalChunks
	t.updatedAt = time.Now()
	s.markCompletedLocked(t.id, false)
	sum := t.summary()
	s.mu.Unlock()
	s.emit(EvFileSent, map[string]any{
		"transfer_id": sum.TransferID,
		"target":      sum.PeerUUID,
		"name":        sum.Name,
		"total_bytes": sum.TotalBytes,
		"file_hash":   sum.FileHash,
		"retries":     sum.RetriesTotal,
	})
	return sum, nil
}

func (s *Session) failOutgoing(t *outgoingTransfer, reason string) (TransferSummary, error) {
	s.mu.Lock()
	t.status = TransferFailed
	t.lastError = reason
	t.updatedAt = time.Now()
	sum := t.summary()
	s.mu.Unlock()
	s.log.Warn("outgoing transfer failed",
		"transfer", t.id, "reason", reason)
	return sum, fmt.Errorf("transfer %s failed: %s", t.id, reason)
}

// ReceivedPayload returns the payload bytes of a completed incoming
// transfer, reading from the spool file when the transfer was spooled.
func (s *Session) ReceivedPayload(transferID string) ([]byte, TransferSummary, error) {
	s.mu.Lock()
	t, known := s.incoming[transferID]
	if !known {
		s.mu.Unlock()
		return nil, TransferSummary{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	sum := t.summary()
	payload := t.payload
	spooled := t.spooled
	spoolPath := t.spoolPath
	s.mu.Unlock()

	if sum.Status != TransferCompleted {
		return nil, sum, fmt.Errorf("transfer %s is %s, not completed", transferID, sum.Status)
	}
	if !spooled {
		return payload, sum, nil
	}
	data, err := os.ReadFile(spoolPath)
	if err != nil {
		return nil, sum, fmt.Errorf("read spool file: %w", err)
	}
	return data, sum, nil
}

// SaveReceived writes a completed incoming transfer to outputPath.
func (s *Session) SaveReceived(transferID, outputPath string, overwrite bool) (int64, error) {
	data, _, err := s.ReceivedPayload(transferID)
	if err != nil {
		return 0, err
	}
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return 0, fmt.Errorf("output path exists: %s", outputPath)
		}
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	n, err := f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return int64(n), fmt.Errorf("write output file: %w", err)
	}
	return int64(n), nil
}
