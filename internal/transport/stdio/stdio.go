// Package stdio serves the coordination engine's JSON-RPC wire contract
// over stdin/stdout using Content-Length-framed messages (§6.1), one
// request or response per frame — the framing LSP and mcp-go's stdio
// transport both use. Grounded on the teacher's runStdioServer
// (cmd/mcp-server/main.go), which hands stdin/stdout to mcp-go's own
// framed Listen loop; this is the same shape applied directly against
// the Dispatcher instead of an mcp-go server, since §6.1 names a raw
// JSON-RPC byte contract rather than the mcp-go envelope.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/jaakkos/stringwork-coord/internal/dispatcher"
	"github.com/jaakkos/stringwork-coord/internal/domain"
)

// FailureRecorder records a guarded operation's outcome against a
// per-agent circuit breaker (circuitbreaker.Registry implements this).
type FailureRecorder interface {
	Execute(agent string, kind domain.FailureType, fn func() error) error
}

// Server serves one JSON-RPC request per Content-Length-framed message
// read from in, writing the framed response to out.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	logger     *log.Logger
	breaker    FailureRecorder
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithBreaker wires a circuit breaker registry so write failures on this
// transport are recorded as FailureTransport (§4.3).
func WithBreaker(b FailureRecorder) Option {
	return func(s *Server) { s.breaker = b }
}

// New builds a Server.
func New(d *dispatcher.Dispatcher, logger *log.Logger, opts ...Option) *Server {
	s := &Server{dispatcher: d, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recordTransportFailure reports a transport-level write failure against
// agent's breaker, when one is wired.
func (s *Server) recordTransportFailure(agent string, cause error) {
	if s.breaker == nil || cause == nil {
		return
	}
	_ = s.breaker.Execute(agent, domain.FailureTransport, func() error { return cause })
}

// agentFromRequest best-effort extracts params.agent_name from a raw
// JSON-RPC request body, for attributing a transport failure. Returns
// "unknown" when absent or unparseable.
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

// Listen reads frames from in until ctx is cancelled or in reaches EOF,
// dispatching each one and writing its response frame to out. Requests
// are handled sequentially, matching the single-client assumption of
// stdio transport.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	type frame struct {
		body []byte
		err  error
	}
	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			body, err := readFrame(reader)
			frames <- frame{body, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.err != nil {
				if f.err == io.EOF {
					return nil
				}
				return f.err
			}
			resp := s.dispatcher.HandleRaw(f.body)
			if err := writeFrame(out, resp); err != nil {
				s.recordTransportFailure(agentFromRequest(f.body), err)
				return err
			}
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		const prefix = "Content-Length:"
		if strings.HasPrefix(line, prefix) {
			n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
			if err != nil {
				return nil, fmt.Errorf("malformed Content-Length header: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, resp dispatcher.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
