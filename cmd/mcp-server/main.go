// mcp-coordinator is a multi-agent task coordination server speaking
// JSON-RPC 2.0 over stdio or HTTP, fronted additionally by an mcp-go
// tool bridge so mcp-go clients (Cursor, Claude Code) reach the same
// engine as raw JSON-RPC clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/stringwork-coord/internal/circuitbreaker"
	"github.com/jaakkos/stringwork-coord/internal/config"
	"github.com/jaakkos/stringwork-coord/internal/coordinator"
	"github.com/jaakkos/stringwork-coord/internal/dispatcher"
	"github.com/jaakkos/stringwork-coord/internal/messaging"
	"github.com/jaakkos/stringwork-coord/internal/store/sqlite"
	"github.com/jaakkos/stringwork-coord/internal/transport/httpapi"
	"github.com/jaakkos/stringwork-coord/internal/transport/stdio"
	"github.com/jaakkos/stringwork-coord/internal/watchdog"
)

// Exit codes per §6.4: 0 clean shutdown, 1 configuration error, 3
// runtime server error.
const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntimeErr  = 3
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.yaml")
		transport   = flag.String("transport", "stdio", "stdio, http, or mcp")
		databaseURL = flag.String("database-url", "", "override database.url")
		listenAddr  = flag.String("listen-addr", "", "override server.listen_addr")
		port        = flag.Int("port", 0, "override server.port")
	)
	flag.Parse()

	tmpLogger := log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		tmpLogger.Printf("config: %v", err)
		os.Exit(exitConfigError)
	}
	config.ApplyFlags(cfg, *databaseURL, *listenAddr, *port)

	logger := setupLogger(filepath.Join(config.GlobalStateDir(), "coordinator.log"))
	logger.Printf("starting mcp-coordinator, transport=%s", *transport)
	logger.Printf("database: %s", cfg.Database.URL)

	st, err := sqlite.New(sqlite.Config{
		Path:              cfg.Database.URL,
		MaxConnections:    cfg.Database.MaxConnections,
		ConnectionTimeout: time.Duration(cfg.Database.ConnectionTimeout) * time.Second,
	})
	if err != nil {
		logger.Printf("store init: %v", err)
		os.Exit(exitConfigError)
	}
	defer st.Close()

	breakerRegistry := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: uint32(cfg.CircuitBreaker.FailureThreshold),
		WindowPeriod:     time.Duration(cfg.CircuitBreaker.WindowSeconds) * time.Second,
		CooldownPeriod:   time.Duration(cfg.CircuitBreaker.CooldownSeconds) * time.Second,
		HalfOpenMaxCalls: 1,
	}, logger)

	msgr := messaging.New(st, st)
	coord := coordinator.New(st, breakerRegistry, msgr)
	disp := dispatcher.New(coord, msgr, st, dispatcher.WithBreakerStats(breakerRegistry))

	wd := watchdog.New(st, logger, watchdog.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	go wd.Start(ctx)

	switch strings.ToLower(*transport) {
	case "http":
		runHTTP(ctx, cfg, disp, breakerRegistry, logger)
	case "mcp":
		runMCP(ctx, disp, logger)
	default:
		runStdio(ctx, disp, breakerRegistry, logger)
	}

	wd.Stop()
	logger.Println("mcp-coordinator stopped")
	os.Exit(exitOK)
}

func runStdio(ctx context.Context, disp *dispatcher.Dispatcher, breaker *circuitbreaker.Registry, logger *log.Logger) {
	logger.Println("running in stdio mode")
	s := stdio.New(disp, logger, stdio.WithBreaker(breaker))
	if err := s.Listen(ctx, os.Stdin, os.Stdout); err != nil && err != io.EOF {
		logger.Printf("stdio server error: %v", err)
		os.Exit(exitRuntimeErr)
	}
}

func runHTTP(ctx context.Context, cfg *config.Config, disp *dispatcher.Dispatcher, breaker *circuitbreaker.Registry, logger *log.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.Port)
	h := httpapi.New(disp, logger, cfg.Server.AllowedOrigins, httpapi.WithBreaker(breaker))
	h.WatchDatabase(ctx, cfg.Database.URL)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	httpServer := &http.Server{Addr: addr, Handler: mux}
	logger.Printf("running in HTTP mode on %s", addr)
	logger.Printf("  JSON-RPC endpoint: http://%s/mcp/request", addr)
	logger.Printf("  SSE endpoint:      http://%s/mcp/v1", addr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
			os.Exit(exitRuntimeErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown error: %v", err)
	}
}

// runMCP runs the mcp-go tool bridge over stdio, for clients that speak
// the mcp-go tool-call envelope rather than raw JSON-RPC.
func runMCP(ctx context.Context, disp *dispatcher.Dispatcher, logger *log.Logger) {
	logger.Println("running mcp-go tool bridge over stdio")
	mcpServer := server.NewMCPServer("mcp-coordinator", "1.0.0")
	registerBridge(mcpServer, disp)
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("mcp bridge server error: %v", err)
		os.Exit(exitRuntimeErr)
	}
}

// setupLogger writes to a log file, adding stderr only when it's an
// interactive terminal — daemon launchers already redirect stderr to a
// log file, and duplicating lines there is confusing.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			writers = append(writers, f)
			hasLogFile = true
		} else {
			fmt.Fprintf(os.Stderr, "[coordinator] warning: cannot open log file %s: %v\n", logFilePath, err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[coordinator] ", log.LstdFlags)
}
