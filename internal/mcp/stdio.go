package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// StdioTransport speaks JSON-RPC over a byte stream, accepting both
// newline-delimited JSON and Content-Length framed messages. Output echoes
// whichever framing the peer used: line by default, framed after the first
// framed inbound message.
type StdioTransport struct {
	server   *Server
	in       *bufio.Reader
	out      io.Writer
	log      *slog.Logger
	maxBytes int

	writeMu sync.Mutex
	framed  bool
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport with the given inbound message
// size cap.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer, maxBytes int, log *slog.Logger) *StdioTransport {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	t := &StdioTransport{
		server:   server,
		in:       bufio.NewReaderSize(in, 64*1024),
		out:      out,
		log:      log,
		maxBytes: maxBytes,
		exited:   make(chan struct{}),
	}
	server.SetOnExit(func() { close(t.exited) })
	return t
}

// Serve reads messages until EOF or the exit notification.
func (t *StdioTransport) Serve(ctx context.Context) error {
	for {
		select {
		case <-t.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, errTooLarge) {
				t.write(mustMarshal(errResponse(nil, codeInvalidRequest, "message exceeds size limit")))
				continue
			}
			return err
		}
		if len(bytes.TrimSpace(msg)) == 0 {
			continue
		}
		if resp := t.server.HandleRaw(ctx, msg); resp != nil {
			t.write(resp)
		}
		select {
		case <-t.exited:
			return nil
		default:
		}
	}
}

var errTooLarge = errors.New("message too large")

// readMessage reads one line-delimited or Content-Length framed message.
func (t *StdioTransport) readMessage() ([]byte, error) {
	line, err := t.readLine()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil
	}

	if !strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
		if len(trimmed) > t.maxBytes {
			return nil, errTooLarge
		}
		return []byte(trimmed), nil
	}

	// Framed mode: parse headers, then read the body.
	n, err := strconv.Atoi(strings.TrimSpace(trimmed[len("content-length:"):]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid Content-Length header: %q", trimmed)
	}
	if n > t.maxBytes {
		// Consume and discard so the stream stays aligned.
		t.skipHeaders()
		if _, err := io.CopyN(io.Discard, t.in, int64(n)); err != nil {
			return nil, err
		}
		return nil, errTooLarge
	}
	if err := t.skipHeaders(); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(t.in, body); err != nil {
		return nil, err
	}
	t.writeMu.Lock()
	t.framed = true
	t.writeMu.Unlock()
	return body, nil
}

func (t *StdioTransport) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := t.in.ReadLine()
		if err != nil {
			return sb.String(), err
		}
		sb.Write(chunk)
		if sb.Len() > t.maxBytes+1024 {
			return "", errTooLarge
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// skipHeaders consumes remaining header lines up to the blank separator.
func (t *StdioTransport) skipHeaders() error {
	for {
		line, err := t.readLine()
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

func (t *StdioTransport) write(msg []byte) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.framed {
		fmt.Fprintf(t.out, "Content-Length: %d\r\n\r\n", len(msg))
		t.out.Write(msg)
		return
	}
	t.out.Write(msg)
	t.out.Write([]byte("\n"))
}
