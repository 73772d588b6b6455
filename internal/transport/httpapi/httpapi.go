// Package httpapi serves the coordination engine's raw JSON-RPC wire
// contract over HTTP (§6.1 of the spec): a single-request/response POST
// endpoint and an SSE stream that pushes the same response envelopes as
// they complete, plus periodic heartbeats. Grounded on the teacher's
// runHTTPServer (cmd/mcp-server/main.go) for the mux/shutdown shape and
// on internal/knowledge/indexer.go for the fsnotify watch-loop idiom —
// here used to notice commits made by another process sharing the
// database file rather than source file changes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jaakkos/stringwork-coord/internal/dispatcher"
	"github.com/jaakkos/stringwork-coord/internal/domain"
)

// FailureRecorder records a guarded operation's outcome against a
// per-agent circuit breaker (circuitbreaker.Registry implements this).
type FailureRecorder interface {
	Execute(agent string, kind domain.FailureType, fn func() error) error
}

// Handler serves the JSON-RPC HTTP surface.
type Handler struct {
	dispatcher     *dispatcher.Dispatcher
	logger         *log.Logger
	allowedOrigins map[string]bool
	breaker        FailureRecorder

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	watcher *fsnotify.Watcher
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithBreaker wires a circuit breaker registry so write failures on this
// transport are recorded as FailureTransport (§4.3: "Failure types
// include at least Claim, Work, Transport").
func WithBreaker(b FailureRecorder) Option {
	return func(h *Handler) { h.breaker = b }
}

// New builds a Handler. allowedOrigins restricts the Origin header on
// browser-initiated requests (§6.1); an empty list allows any origin.
func New(d *dispatcher.Dispatcher, logger *log.Logger, allowedOrigins []string, opts ...Option) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Handler{dispatcher: d, logger: logger, allowedOrigins: allowed, subs: make(map[chan []byte]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// recordTransportFailure reports a transport-level write failure against
// agent's breaker, when one is wired. The breaker's own state is never
// consulted here — a struggling write already happened; this only feeds
// the failure into future Allow/Execute checks for that agent.
func (h *Handler) recordTransportFailure(agent string, cause error) {
	if h.breaker == nil || cause == nil {
		return
	}
	_ = h.breaker.Execute(agent, domain.FailureTransport, func() error { return cause })
}

// agentFromRequest best-effort extracts params.agent_name from a raw
// JSON-RPC request body, for attributing a transport failure to the
// agent that triggered it. Returns "unknown" when absent or unparseable
// (e.g. the body itself was malformed, which is exactly when we still
// want to record something rather than silently drop the failure).
func agentFromRequest(body []byte) string {
	var req struct {
		Params struct {
			AgentName string `json:"agent_name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Params.AgentName == "" {
		return "unknown"
	}
	return req.Params.AgentName
}

// WatchDatabase watches dbPath for writes from other processes sharing
// the database file, broadcasting a synthetic "database changed" event
// to every connected SSE subscriber so long-lived clients can refresh
// without polling. A watch failure is logged and otherwise ignored — the
// SSE heartbeat keeps the stream alive regardless.
func (h *Handler) WatchDatabase(ctx context.Context, dbPath string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		h.logger.Printf("httpapi: fsnotify init: %v", err)
		return
	}
	h.watcher = w
	if err := w.Add(dbPath); err != nil {
		h.logger.Printf("httpapi: watch %s: %v", dbPath, err)
	}
	// SQLite in WAL mode writes through -wal/-shm sidecar files, not the
	// main file, on every commit; the -wal file is watched too when present
	// (the -shm file is not).
	_ = w.Add(dbPath + "-wal")

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				h.broadcast([]byte(`{"jsonrpc":"2.0","method":"notifications/database_changed"}`))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Printf("httpapi: watcher error: %v", err)
			}
		}
	}()
}

func (h *Handler) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (h *Handler) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Handler) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients don't send Origin
	}
	return h.allowedOrigins[origin]
}

// RegisterRoutes mounts the handler's endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp/request", h.handleRequest)
	mux.HandleFunc("/mcp/v1", h.handleStream)
	mux.HandleFunc("/health", h.handleHealth)
}

// handleRequest implements POST /mcp/request: read one JSON-RPC request
// body, dispatch it, write the JSON-RPC response.
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	resp := h.dispatcher.HandleRaw(body)
	encoded, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, werr := w.Write(encoded); werr != nil {
		h.recordTransportFailure(agentFromRequest(body), werr)
		h.logger.Printf("httpapi: write response: %v", werr)
	}
	h.broadcast(encoded)
}

// handleStream implements GET /mcp/v1: a Server-Sent Events stream that
// relays broadcast response envelopes and sends a heartbeat frame every
// 15 seconds to keep idle connections (and intermediary proxies) alive.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	streamID := uuid.New().String()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-Id", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Printf("httpapi: SSE stream %s opened", streamID)
	defer h.logger.Printf("httpapi: SSE stream %s closed", streamID)

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-ch:
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
				h.recordTransportFailure("unknown", werr)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, werr := fmt.Fprint(w, "data: heartbeat\n\n"); werr != nil {
				h.recordTransportFailure("unknown", werr)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := h.dispatcher.Handle(dispatcher.Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "health_check"})
	if resp.Error != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

