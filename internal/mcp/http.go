package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Path         string
	BearerToken  string
	AllowOrigin  string
	MaxBodyBytes int
}

// HTTPTransport serves JSON-RPC over POST plus a health endpoint. Concurrent
// requests serialize through the underlying server's dispatch lock.
type HTTPTransport struct {
	server *Server
	cfg    HTTPConfig
	log    *slog.Logger
}

// NewHTTPTransport creates the HTTP transport.
func NewHTTPTransport(server *Server, cfg HTTPConfig, log *slog.Logger) *HTTPTransport {
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPTransport{server: server, cfg: cfg, log: log}
}

// Handler returns the HTTP handler serving the MCP path and /health.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, t.handleRPC)
	mux.HandleFunc("/health", t.handleHealth)
	return mux
}

func (t *HTTPTransport) setCORS(w http.ResponseWriter) {
	if t.cfg.AllowOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", t.cfg.AllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	t.setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		want := "Bearer " + t.cfg.BearerToken
		if subtle.ConstantTimeCompare([]byte(auth), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(t.cfg.MaxBodyBytes)))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp := t.server.HandleRaw(r.Context(), body)
	if resp == nil {
		// Notification (or batch of notifications): acknowledged, no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"ts":       time.Now().UnixMilli(),
		"mode":     "http",
		"endpoint": t.cfg.Path,
	})
}

// ListenAndServe runs the transport on addr until ctx is cancelled.
func (t *HTTPTransport) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !strings.Contains(err.Error(), "Server closed") {
			return err
		}
		return nil
	}
}
