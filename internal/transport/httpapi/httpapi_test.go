package httpapi

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jaakkos/stringwork-coord/internal/dispatcher"
	"github.com/jaakkos/stringwork-coord/internal/domain"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type healthOK struct{}

func (healthOK) HealthCheck() error { return nil }

func newHandler() *Handler {
	d := dispatcher.New(nil, nil, healthOK{})
	return New(d, discardLogger(), nil)
}

func TestHandleRequestRoundTrip(t *testing.T) {
	h := newHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/mcp/request", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"result"`) {
		t.Fatalf("body = %s, want a result field", rec.Body.String())
	}
}

func TestHandleRequestRejectsNonPost(t *testing.T) {
	h := newHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/mcp/request", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestOriginAllowedlistRejectsUnknownOrigin(t *testing.T) {
	d := dispatcher.New(nil, nil, healthOK{})
	h := New(d, discardLogger(), []string{"http://localhost"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/mcp/request", strings.NewReader(`{}`))
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestOriginAllowedlistAcceptsKnownOrigin(t *testing.T) {
	d := dispatcher.New(nil, nil, healthOK{})
	h := New(d, discardLogger(), []string{"http://localhost"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/mcp/request", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	req.Header.Set("Origin", "http://localhost")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleHealthReturnsOK(t *testing.T) {
	h := newHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleStreamSetsStreamID(t *testing.T) {
	h := newHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // stream loop exits immediately after the headers are written

	req := httptest.NewRequest(http.MethodGet, "/mcp/v1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Header().Get("X-Stream-Id") == "" {
		t.Fatal("expected X-Stream-Id header to be set")
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", rec.Header().Get("Content-Type"))
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []struct {
		agent string
		kind  domain.FailureType
	}
}

func (f *fakeRecorder) Execute(agent string, kind domain.FailureType, fn func() error) error {
	f.mu.Lock()
	f.calls = append(f.calls, struct {
		agent string
		kind  domain.FailureType
	}{agent, kind})
	f.mu.Unlock()
	return fn()
}

func TestRecordTransportFailureNoopsWithoutBreaker(t *testing.T) {
	h := newHandler()
	h.recordTransportFailure("agent-a", errors.New("boom")) // must not panic
}

func TestRecordTransportFailureRecordsAgainstBreaker(t *testing.T) {
	rec := &fakeRecorder{}
	d := dispatcher.New(nil, nil, healthOK{})
	h := New(d, discardLogger(), nil, WithBreaker(rec))

	h.recordTransportFailure("agent-a", errors.New("broken pipe"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || rec.calls[0].agent != "agent-a" || rec.calls[0].kind != domain.FailureTransport {
		t.Fatalf("calls = %+v, want one FailureTransport call for agent-a", rec.calls)
	}
}

func TestRecordTransportFailureIgnoresNilCause(t *testing.T) {
	rec := &fakeRecorder{}
	d := dispatcher.New(nil, nil, healthOK{})
	h := New(d, discardLogger(), nil, WithBreaker(rec))

	h.recordTransportFailure("agent-a", nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 0 {
		t.Fatalf("calls = %+v, want none for a nil cause", rec.calls)
	}
}

func TestAgentFromRequestExtractsAgentName(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"claim_task","params":{"id":1,"agent_name":"agent-x"}}`)
	if got := agentFromRequest(body); got != "agent-x" {
		t.Fatalf("agentFromRequest = %q, want agent-x", got)
	}
}

func TestAgentFromRequestFallsBackToUnknown(t *testing.T) {
	cases := [][]byte{nil, []byte(`not json`), []byte(`{"jsonrpc":"2.0","method":"health_check"}`)}
	for _, body := range cases {
		if got := agentFromRequest(body); got != "unknown" {
			t.Fatalf("agentFromRequest(%s) = %q, want unknown", body, got)
		}
	}
}

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	h := newHandler()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	h.broadcast([]byte(`{"jsonrpc":"2.0"}`))

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), "jsonrpc") {
			t.Fatalf("unexpected broadcast payload: %s", msg)
		}
	default:
		t.Fatal("expected broadcast to be delivered to subscriber")
	}
}
