package bridge

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// Incoming nack reasons.
const (
	nackUnknownTransfer = "unknown_transfer"
	nackInvalidOffer    = "invalid_offer"
	nackOversized       = "payload_too_large"
	nackInvalidSeq      = "invalid_seq"
	nackBadChunk        = "chunk_decode_failed"
	nackChunkHash       = "chunk_hash_mismatch"
	nackChunkLen        = "chunk_length_mismatch"
	nackSpoolWrite      = "spool_write_failed"
	nackIncomplete      = "transfer_incomplete"
	nackFileHash        = "file_hash_mismatch"
)

// handleFileEnvelope dispatches the file.* envelope family. Sender-side
// replies (accept, ack, nack, complete_ack, resume_state) are consumed off
// the protocol bus by the transmit loop and need no handler here.
func (s *Session) handleFileEnvelope(fromUUID string, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindFileOffer:
		s.handleFileOffer(fromUUID, env)
	case protocol.KindFileChunk:
		s.handleFileChunk(fromUUID, env)
	case protocol.KindFileComplete:
		s.handleFileComplete(fromUUID, env)
	case protocol.KindFileResumeReq:
		s.handleFileResumeReq(fromUUID, env)
	case protocol.KindFileCancel:
		s.handleFileCancel(fromUUID, env)
	}
}

// handleFileOffer validates bounds and creates (or, for a known transfer id,
// reuses) an incoming transfer, spooling to disk when the payload meets the
// threshold. Replies file.accept with the first missing sequence.
func (s *Session) handleFileOffer(fromUUID string, env protocol.Envelope) {
	var offer protocol.FileOffer
	if err := env.DecodePayload(&offer); err != nil {
		return
	}
	if offer.TransferID == "" || offer.TotalBytes <= 0 || offer.ChunkBytes <= 0 ||
		offer.TotalChunks != int((offer.TotalBytes+int64(offer.ChunkBytes)-1)/int64(offer.ChunkBytes)) {
		s.sendNack(fromUUID, offer.TransferID, 0, nackInvalidOffer)
		return
	}
	if offer.TotalBytes > s.cfg.FileMaxBytes {
		s.sendNack(fromUUID, offer.TransferID, 0, nackOversized)
		return
	}

	s.mu.Lock()
	t, known := s.incoming[offer.TransferID]
	if !known {
		t = &incomingTransfer{
			id:           offer.TransferID,
			status:       TransferReceiving,
			fromUUID:     fromUUID,
			fromStreamID: env.FromStreamID,
			name:         offer.Name,
			mime:         offer.Mime,
			totalBytes:   offer.TotalBytes,
			totalChunks:  offer.TotalChunks,
			chunkBytes:   offer.ChunkBytes,
			expectedHash: offer.FileHash,
			received:     newChunkBitmap(offer.TotalChunks),
			createdAt:    time.Now(),
			updatedAt:    time.Now(),
		}
		if offer.TotalBytes >= s.cfg.SpoolThresholdBytes {
			if err := s.openSpoolLocked(t); err != nil {
				s.mu.Unlock()
				s.log.Error("create spool file failed", slog.String("error", err.Error()))
				s.sendNack(fromUUID, offer.TransferID, 0, nackSpoolWrite)
				return
			}
		} else {
			t.chunks = make([][]byte, offer.TotalChunks)
		}
		s.incoming[offer.TransferID] = t
	}
	next := t.firstMissing()
	s.mu.Unlock()

	_ = s.sendEnvelope(fromUUID, protocol.KindFileAccept, protocol.FileAccept{
		TransferID: offer.TransferID,
		NextSeq:    next,
	})
}

// openSpoolLocked creates the transfer's positional spool file. The file name
// embeds the transfer id plus a random suffix to prevent collisions.
func (s *Session) openSpoolLocked(t *incomingTransfer) error {
	if err := os.MkdirAll(s.cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.CreateTemp(s.cfg.SpoolDir, "vdo-spool-"+sanitizeID(t.id)+"-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	t.spooled = true
	t.spoolFile = f
	t.spoolPath = f.Name()
	return nil
}

// reopenSpool reopens the spool descriptor after a finalization attempt
// closed it.
func (t *incomingTransfer) reopenSpool() error {
	if t.spoolFile != nil {
		return nil
	}
	f, err := os.OpenFile(t.spoolPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen spool file: %w", err)
	}
	t.spoolFile = f
	return nil
}

// handleFileChunk verifies the chunk against its declared hash and length,
// stores new sequences (positionally for spooled transfers), and replies
// file.ack with the first missing sequence. Duplicates are ACKed without a
// second write.
func (s *Session) handleFileChunk(fromUUID string, env protocol.Envelope) {
	var chunk protocol.FileChunk
	if err := env.DecodePayload(&chunk); err != nil {
		return
	}

	s.mu.Lock()
	t, known := s.incoming[chunk.TransferID]
	if !known {
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, 0, nackUnknownTransfer)
		return
	}
	if t.status == TransferCancelled {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, next, "transfer_cancelled")
		return
	}
	if chunk.Seq < 0 || chunk.Seq >= t.totalChunks {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, next, nackInvalidSeq)
		return
	}

	if t.received.Get(chunk.Seq) {
		// Duplicate: idempotent ACK, no double-write.
		next := t.firstMissing()
		received := t.receivedBytes
		s.mu.Unlock()
		s.sendAck(fromUUID, chunk.TransferID, chunk.Seq, next, received)
		return
	}

	data, err := base64.StdEncoding.DecodeString(chunk.DataBase64)
	if err != nil {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, next, nackBadChunk)
		return
	}
	if len(data) != t.chunkLen(chunk.Seq) {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, next, nackChunkLen)
		return
	}
	if hashHex(data) != strings.ToLower(chunk.ChunkHash) {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, chunk.TransferID, next, nackChunkHash)
		return
	}

	if t.spooled {
		werr := t.reopenSpool()
		if werr == nil {
			_, werr = t.spoolFile.WriteAt(data, int64(chunk.Seq)*int64(t.chunkBytes))
		}
		if werr != nil {
			t.lastError = werr.Error()
			next := t.firstMissing()
			s.mu.Unlock()
			s.log.Error("spool write failed", slog.String("transfer", t.id), slog.String("error", werr.Error()))
			s.sendNack(fromUUID, chunk.TransferID, next, nackSpoolWrite)
			return
		}
	} else {
		t.chunks[chunk.Seq] = data
	}
	t.received.Set(chunk.Seq)
	t.receivedBytes += int64(len(data))
	t.updatedAt = time.Now()
	next := t.firstMissing()
	received := t.receivedBytes
	complete := t.completeRecv && t.received.Full()
	s.mu.Unlock()

	s.sendAck(fromUUID, chunk.TransferID, chunk.Seq, next, received)
	if complete {
		s.finalizeIncoming(fromUUID, chunk.TransferID)
	}
}

// handleFileComplete records the sender's completion claim and attempts
// finalization.
func (s *Session) handleFileComplete(fromUUID string, env protocol.Envelope) {
	var done protocol.FileComplete
	if err := env.DecodePayload(&done); err != nil {
		return
	}
	s.mu.Lock()
	t, known := s.incoming[done.TransferID]
	if !known {
		s.mu.Unlock()
		s.sendNack(fromUUID, done.TransferID, 0, nackUnknownTransfer)
		return
	}
	t.completeRecv = true
	if done.FileHash != "" {
		t.expectedHash = done.FileHash
	}
	if t.status == TransferCompleted {
		// Re-acknowledge idempotently; the first complete_ack may have been
		// lost.
		ack := protocol.FileCompleteAck{
			TransferID: t.id,
			FileHash:   t.expectedHash,
			TotalBytes: t.totalBytes,
		}
		s.mu.Unlock()
		_ = s.sendEnvelope(fromUUID, protocol.KindFileCompleteAck, ack)
		return
	}
	s.mu.Unlock()
	s.finalizeIncoming(fromUUID, done.TransferID)
}

// finalizeIncoming verifies every chunk is present and the reassembled bytes
// hash to the expected value, then completes the transfer and acknowledges.
// On failure it nacks and the transfer remains open for further chunks or a
// resume.
func (s *Session) finalizeIncoming(fromUUID, transferID string) {
	s.mu.Lock()
	t, known := s.incoming[transferID]
	if !known || t.status == TransferCompleted || t.status == TransferCancelled {
		s.mu.Unlock()
		return
	}
	if !t.received.Full() {
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, transferID, next, nackIncomplete)
		return
	}

	var gotHash string
	var err error
	if t.spooled {
		// Descriptor is synced and closed before hashing.
		if t.spoolFile != nil {
			t.spoolFile.Sync()
			t.spoolFile.Close()
			t.spoolFile = nil
		}
		var f *os.File
		f, err = os.Open(t.spoolPath)
		if err == nil {
			gotHash, err = hashReader(f)
			f.Close()
		}
	} else {
		buf := make([]byte, 0, t.totalBytes)
		for _, c := range t.chunks {
			buf = append(buf, c...)
		}
		t.payload = buf
		gotHash = hashHex(buf)
	}
	if err != nil {
		t.lastError = err.Error()
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, transferID, next, nackSpoolWrite)
		return
	}
	if gotHash != strings.ToLower(t.expectedHash) {
		t.lastError = nackFileHash
		t.payload = nil
		next := t.firstMissing()
		s.mu.Unlock()
		s.sendNack(fromUUID, transferID, next, nackFileHash)
		return
	}

	t.status = TransferCompleted
	t.updatedAt = time.Now()
	if !t.spooled {
		t.chunks = nil
	}
	s.markCompletedLocked(t.id, true)
	sum := t.summary()
	ack := protocol.FileCompleteAck{
		TransferID: transferID,
		FileHash:   t.expectedHash,
		TotalBytes: t.totalBytes,
	}
	s.mu.Unlock()

	_ = s.sendEnvelope(fromUUID, protocol.KindFileCompleteAck, ack)
	s.emit(EvFileReceived, map[string]any{
		"transfer_id":    sum.TransferID,
		"from_uuid":      sum.PeerUUID,
		"from_stream_id": sum.PeerStreamID,
		"name":           sum.Name,
		"mime":           sum.Mime,
		"total_bytes":    sum.TotalBytes,
		"file_hash":      sum.FileHash,
		"spooled":        sum.Spooled,
		"spool_path":     sum.SpoolPath,
	})
}

// handleFileResumeReq reports the first missing sequence. Unknown transfers
// report next_seq=0 with status "unknown_transfer".
func (s *Session) handleFileResumeReq(fromUUID string, env protocol.Envelope) {
	var req protocol.FileResumeReq
	if err := env.DecodePayload(&req); err != nil {
		return
	}
	s.mu.Lock()
	reply := protocol.FileResumeState{TransferID: req.TransferID, NextSeq: 0, Status: nackUnknownTransfer}
	if t, known := s.incoming[req.TransferID]; known {
		reply.NextSeq = t.firstMissing()
		reply.Status = t.status
	}
	s.mu.Unlock()
	_ = s.sendEnvelope(fromUUID, protocol.KindFileResumeState, reply)
}

// handleFileCancel aborts an incoming transfer and releases its storage.
func (s *Session) handleFileCancel(fromUUID string, env protocol.Envelope) {
	var cancel protocol.FileCancel
	if err := env.DecodePayload(&cancel); err != nil {
		return
	}
	s.mu.Lock()
	t, known := s.incoming[cancel.TransferID]
	if !known || t.status == TransferCompleted {
		s.mu.Unlock()
		return
	}
	t.status = TransferCancelled
	t.updatedAt = time.Now()
	t.releaseStorage(s.cfg.KeepSpoolFiles)
	s.mu.Unlock()
	s.emit(EvFileCancelled, map[string]any{
		"transfer_id": cancel.TransferID,
		"from_uuid":   fromUUID,
		"reason":      cancel.Reason,
	})
}

func (s *Session) sendAck(toUUID, transferID string, seq, nextSeq int, receivedBytes int64) {
	_ = s.sendEnvelope(toUUID, protocol.KindFileAck, protocol.FileAck{
		TransferID:    transferID,
		Seq:           seq,
		NextSeq:       nextSeq,
		ReceivedBytes: receivedBytes,
	})
}

func (s *Session) sendNack(toUUID, transferID string, expectedSeq int, reason string) {
	_ = s.sendEnvelope(toUUID, protocol.KindFileNack, protocol.FileNack{
		TransferID:  transferID,
		ExpectedSeq: expectedSeq,
		Reason:      reason,
	})
}

// sanitizeID strips path-hostile characters from a transfer id before it is
// embedded in a spool file name.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, filepath.Base(id))
}
