// Package mcpserver exposes the question pipeline and agent alerts as MCP
// tools, over stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/nl2sql/pkg/pipeline"
	"github.com/malbeclabs/nl2sql/pkg/proactive"
)

const defaultShutdownTimeout = 10 * time.Second

type Asker interface {
	Ask(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

type AlertLister interface {
	ListAlerts(ctx context.Context, f proactive.AlertFilter) ([]*proactive.Alert, error)
}

type Config struct {
	Logger  *slog.Logger
	Version string
	Asker   Asker
	// Alerts is optional; without it the list_alerts tool is not offered.
	Alerts  AlertLister

	// ListenAddr is used by Serve.
	ListenAddr      string
	ShutdownTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Asker == nil {
		return errors.New("asker is required")
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
	mcp *mcp.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mcp server config: %w", err)
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "nl2sql",
		Version: cfg.Version,
	}, nil)

	s := &Server{log: cfg.Logger, cfg: cfg, mcp: mcpServer}

	if err := RegisterAskTool(s.log, mcpServer, cfg.Asker, "ask", `
		Translate a natural-language question about the financial warehouse
		into SQL. Set execute to run the SQL and return up to the first rows of
		the result. Pass the same conversation_id for follow-up questions.
	`); err != nil {
		return nil, fmt.Errorf("failed to create ask tool: %w", err)
	}
	if cfg.Alerts != nil {
		if err := RegisterAlertsTool(s.log, mcpServer, cfg.Alerts, "list_alerts", `
			List alerts raised by proactive monitoring agents, newest first.
			Filter by user_id, agent_id or status (active, acknowledged, resolved).
		`); err != nil {
			return nil, fmt.Errorf("failed to create alerts tool: %w", err)
		}
	}
	return s, nil
}

// Connect serves one session over t and returns without waiting for it.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// RunStdio serves a single client on stdin/stdout until it disconnects or
// ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	s.log.Info("mcp/server: serving on stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	return mux
}

// Serve listens on ListenAddr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()
	s.log.Info("mcp/server: streamable http listening", "listenAddr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("mcp/server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
