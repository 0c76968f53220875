package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/transport"
	"github.com/vdobridge/vdobridge/pkg/protocol"
)

func receivedOn(t *testing.T, s *Session, transferID string) []byte {
	t.Helper()
	var data []byte
	waitCondition(t, "payload available on receiver", func() bool {
		got, sum, err := s.ReceivedPayload(transferID)
		if err != nil || sum.Status != TransferCompleted {
			return false
		}
		data = got
		return true
	})
	return data
}

func TestSmallFileTransfer(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	payload := []byte("hello file transfer")
	sum, err := sa.SendFile(context.Background(), FileSendRequest{
		Data: payload,
		Name: "hello.txt",
		Mime: "text/plain",
	})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if sum.Status != TransferCompleted {
		t.Fatalf("status = %s, want completed", sum.Status)
	}
	if sum.TotalBytes != int64(len(payload)) || sum.TotalChunks != 1 {
		t.Errorf("summary = %+v", sum)
	}

	in, _, err := sb.Transfers("incoming")
	if err != nil {
		t.Fatalf("Transfers: %v", err)
	}
	if len(in) != 1 || in[0].Name != "hello.txt" || in[0].Mime != "text/plain" {
		t.Fatalf("incoming = %+v", in)
	}

	got := receivedOn(t, sb, sum.TransferID)
	if string(got) != "hello file transfer" {
		t.Errorf("payload = %q", got)
	}
	ev := waitEvent(t, sb, EvFileReceived, 2*time.Second)
	if ev["name"] != "hello.txt" {
		t.Errorf("file_received name = %v", ev["name"])
	}
}

func TestFileRoundTripsArbitraryBytes(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte((i*31 + 7) % 256)
	}
	sum, err := sa.SendFile(context.Background(), FileSendRequest{Data: payload, ChunkBytes: 777})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	got := receivedOn(t, sb, sum.TransferID)
	if !bytes.Equal(got, payload) {
		t.Error("round-tripped payload differs")
	}
}

func TestPathSourcedTransfer(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	payload := bytes.Repeat([]byte("path-source-"), 500)
	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sum, err := sa.SendFile(context.Background(), FileSendRequest{Path: srcPath, ChunkBytes: 1000})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if sum.Name != "payload.bin" {
		t.Errorf("name = %q, want payload.bin", sum.Name)
	}
	got := receivedOn(t, sb, sum.TransferID)
	if !bytes.Equal(got, payload) {
		t.Error("path-sourced payload differs")
	}
}

func TestSpooledLargeTransfer(t *testing.T) {
	hub := transport.NewHub()
	spoolDir := t.TempDir()
	sa := startSession(t, hub, "agent_a", nil)
	sb := startSession(t, hub, "agent_b", func(c *config.SessionConfig) {
		c.SpoolDir = spoolDir
		c.SpoolThresholdBytes = 1024
		c.KeepSpoolFiles = true
	})
	waitPeerState(t, sa, "agent_b", HandshakeReady)
	waitPeerState(t, sb, "agent_a", HandshakeReady)

	payload := bytes.Repeat([]byte("spool-data-"), 4000) // 44 000 bytes
	sum, err := sa.SendFile(context.Background(), FileSendRequest{
		Data:       payload,
		Name:       "big.bin",
		ChunkBytes: 2048,
	})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	var incoming TransferSummary
	waitCondition(t, "spooled transfer completed", func() bool {
		in, _, _ := sb.Transfers("incoming")
		for _, tr := range in {
			if tr.TransferID == sum.TransferID && tr.Status == TransferCompleted {
				incoming = tr
				return true
			}
		}
		return false
	})
	if !incoming.Spooled {
		t.Fatal("transfer was not spooled")
	}
	if !strings.HasPrefix(incoming.SpoolPath, spoolDir) {
		t.Errorf("spool path %q not inside %q", incoming.SpoolPath, spoolDir)
	}

	outPath := filepath.Join(t.TempDir(), "saved.bin")
	n, err := sb.SaveReceived(sum.TransferID, outPath, false)
	if err != nil {
		t.Fatalf("SaveReceived: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("bytes_written = %d, want %d", n, len(payload))
	}
	saved, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(saved, payload) {
		t.Error("saved bytes differ from the original payload")
	}

	// Refuse to clobber without overwrite.
	if _, err := sb.SaveReceived(sum.TransferID, outPath, false); err == nil {
		t.Error("SaveReceived overwrote an existing file without overwrite=true")
	}
	if _, err := sb.SaveReceived(sum.TransferID, outPath, true); err != nil {
		t.Errorf("SaveReceived with overwrite: %v", err)
	}
}

func TestCorruptionRetry(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	payload := bytes.Repeat([]byte("integrity-"), 1000)

	var mu sync.Mutex
	corrupted := false
	hub.SetFault(func(from, to string, p any) (any, bool) {
		env, ok := p.(protocol.Envelope)
		if !ok || env.Kind != protocol.KindFileChunk {
			return p, false
		}
		mu.Lock()
		defer mu.Unlock()
		if corrupted {
			return p, false
		}
		var fc protocol.FileChunk
		if json.Unmarshal(env.Payload, &fc) != nil || fc.Seq != 1 {
			return p, false
		}
		corrupted = true
		// Flip payload bytes in flight; the MAC no longer matches and the
		// receiver discards the chunk.
		fc.DataBase64 = "AAAA" + fc.DataBase64[4:]
		raw, _ := json.Marshal(fc)
		env.Payload = raw
		return env, false
	})
	defer hub.SetFault(nil)

	sum, err := sa.SendFile(context.Background(), FileSendRequest{
		Data:       payload,
		ChunkBytes: 2048,
		AckTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if sum.Status != TransferCompleted {
		t.Fatalf("status = %s", sum.Status)
	}
	if sum.RetriesTotal < 1 {
		t.Errorf("retries_total = %d, want >= 1", sum.RetriesTotal)
	}
	got := receivedOn(t, sb, sum.TransferID)
	if !bytes.Equal(got, payload) {
		t.Error("payload differs after corruption recovery")
	}
}

func TestResumeAfterDroppedAcks(t *testing.T) {
	hub := transport.NewHub()
	sa, sb := connectPair(t, hub, "agent_a", "agent_b")

	payload := bytes.Repeat([]byte("resume-me-"), 600)

	dropReplies := func(from, to string, p any) (any, bool) {
		env, ok := p.(protocol.Envelope)
		if !ok {
			return p, false
		}
		switch env.Kind {
		case protocol.KindFileAck, protocol.KindFileResumeState:
			return nil, true
		}
		return p, false
	}
	hub.SetFault(dropReplies)

	sum, err := sa.SendFile(context.Background(), FileSendRequest{
		Data:       payload,
		ChunkBytes: 1500,
		AckTimeout: 150 * time.Millisecond,
		MaxRetries: 2,
	})
	if err == nil {
		t.Fatalf("SendFile succeeded with all ACKs dropped: %+v", sum)
	}
	if sum.Status != TransferFailed {
		t.Fatalf("status = %s, want failed", sum.Status)
	}

	hub.SetFault(nil)
	resumed, err := sa.ResumeFile(context.Background(), sum.TransferID, -1)
	if err != nil {
		t.Fatalf("ResumeFile: %v", err)
	}
	if resumed.Status != TransferCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	got := receivedOn(t, sb, sum.TransferID)
	if !bytes.Equal(got, payload) {
		t.Error("payload differs after resume")
	}
}

func TestReceiverNacksBadChunkHash(t *testing.T) {
	hub := transport.NewHub()
	sb := startSession(t, hub, "agent_b", nil)

	raw := hub.NewTransport()
	rec := &rawRecorder{}
	raw.SetHandler(rec.handle)
	ctx := context.Background()
	if err := raw.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := raw.JoinRoom(ctx, "room1", ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := raw.Announce(ctx, "raw_sender", ""); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	bUUID := rec.waitPeer(t)

	send := func(kind string, payload any) {
		t.Helper()
		env, err := protocol.New(kind, "room1", "raw_sender", payload)
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if err := raw.SendData(env, bUUID); err != nil {
			t.Fatalf("SendData(%s): %v", kind, err)
		}
	}

	send(protocol.KindFileOffer, protocol.FileOffer{
		TransferID:  "t-raw",
		TotalBytes:  8,
		TotalChunks: 1,
		ChunkBytes:  8,
		FileHash:    strings.Repeat("0", 64),
	})
	waitCondition(t, "offer accepted", func() bool {
		return rec.findEnvelope(protocol.KindFileAccept) != nil
	})

	send(protocol.KindFileChunk, protocol.FileChunk{
		TransferID: "t-raw",
		Seq:        0,
		DataBase64: "QUJDREVGR0g=", // "ABCDEFGH"
		ChunkHash:  strings.Repeat("f", 64),
	})
	waitCondition(t, "chunk nacked", func() bool {
		return rec.findEnvelope(protocol.KindFileNack) != nil
	})
	env := rec.findEnvelope(protocol.KindFileNack)
	var nack protocol.FileNack
	if err := env.DecodePayload(&nack); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if nack.Reason != nackChunkHash || nack.ExpectedSeq != 0 {
		t.Errorf("nack = %+v", nack)
	}

	// The bad chunk was dropped: the receiver still reports nothing stored.
	in, _, _ := sb.Transfers("incoming")
	if len(in) != 1 || in[0].ReceivedChunks != 0 {
		t.Errorf("incoming = %+v", in)
	}
}

func TestResumeReqForUnknownTransfer(t *testing.T) {
	hub := transport.NewHub()
	startSession(t, hub, "agent_b", nil)

	raw := hub.NewTransport()
	rec := &rawRecorder{}
	raw.SetHandler(rec.handle)
	ctx := context.Background()
	raw.Connect(ctx)
	raw.JoinRoom(ctx, "room1", "")
	raw.Announce(ctx, "raw_sender", "")
	bUUID := rec.waitPeer(t)

	env, _ := protocol.New(protocol.KindFileResumeReq, "room1", "raw_sender", protocol.FileResumeReq{TransferID: "ghost"})
	if err := raw.SendData(env, bUUID); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	waitCondition(t, "resume_state reply", func() bool {
		return rec.findEnvelope(protocol.KindFileResumeState) != nil
	})
	var rs protocol.FileResumeState
	if err := rec.findEnvelope(protocol.KindFileResumeState).DecodePayload(&rs); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if rs.NextSeq != 0 || rs.Status != "unknown_transfer" {
		t.Errorf("resume_state = %+v", rs)
	}
}

func TestTransfersDirectionValidation(t *testing.T) {
	hub := transport.NewHub()
	sa := startSession(t, hub, "agent_a", nil)
	if _, _, err := sa.Transfers("sideways"); err == nil {
		t.Error("Transfers accepted an invalid direction")
	}
}

func TestSendFileValidation(t *testing.T) {
	hub := transport.NewHub()
	sa, _ := connectPair(t, hub, "agent_a", "agent_b")
	ctx := context.Background()

	if _, err := sa.SendFile(ctx, FileSendRequest{}); err == nil {
		t.Error("SendFile with no source succeeded")
	}
	if _, err := sa.SendFile(ctx, FileSendRequest{Data: []byte("x"), Path: "/tmp/x"}); err == nil {
		t.Error("SendFile with both sources succeeded")
	}
	if _, err := sa.SendFile(ctx, FileSendRequest{Data: []byte{}}); err == nil {
		t.Error("SendFile with empty payload succeeded")
	}
	// file_max_bytes bound.
	sc := startSession(t, hub, "agent_limited", func(c *config.SessionConfig) {
		c.FileMaxBytes = 64
	})
	waitPeerState(t, sc, "agent_a", HandshakeReady)
	if _, err := sc.SendFile(ctx, FileSendRequest{
		Data:   bytes.Repeat([]byte("x"), 100),
		Target: "agent_a",
	}); err == nil {
		t.Error("SendFile over file_max_bytes succeeded")
	}
}
