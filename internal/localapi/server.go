// Package localapi exposes the agent's Command Manager and State Manager to
// clients on the local network over a small unauthenticated HTTP surface
// (spec.md §1's "local clients over HTTP on LAN", supplemented in place of
// the out-of-scope privet pairing layer).
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gcdcore/agent/internal/command"
	"github.com/gcdcore/agent/internal/registration"
	"github.com/gcdcore/agent/internal/schema"
	"github.com/gcdcore/agent/internal/state"
)

const gracefulShutdownTimeout = 10 * time.Second

// Logger is the minimal logging interface the server accepts.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps holds the dependencies the local API needs. Controller is optional:
// with a nil Controller every /v1/registration endpoint answers 404
// (used by callers exercising only the Command/State Managers in tests).
type Deps struct {
	Address    string
	Logger     Logger
	Commands   *command.Manager
	State      *state.Manager
	Controller *registration.Controller
	Version    string
}

// Server is the local LAN HTTP server.
type Server struct {
	addr       string
	logger     Logger
	commands   *command.Manager
	state      *state.Manager
	controller *registration.Controller
	version    string

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc
}

// New creates a Server. It does not start listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Commands == nil {
		return nil, fmt.Errorf("command manager is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		addr:       deps.Address,
		logger:     logger,
		commands:   deps.Commands,
		state:      deps.State,
		controller: deps.Controller,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections and wires the state Manager's
// changed-callback into the WebSocket hub so every SetProperty call is
// relayed to connected clients in near real time, independent of the cloud
// push loop's own drain of the ChangeQueue.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = newHub(s.logger)
	go s.hub.run(srvCtx)

	s.state.AddChangedCallback(s.broadcastStateChange)

	router := s.buildRouter()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("local API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts the server down, waiting up to
// gracefulShutdownTimeout for in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down local API server: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleGetState)
		r.Post("/commands", s.handlePostCommand)
		r.Get("/commands/{id}", s.handleGetCommand)
		r.Get("/state/stream", s.handleStateStream)
		r.Get("/registration", s.handleGetRegistration)
		r.Post("/registration/start", s.handlePostRegistrationStart)
		r.Post("/registration/finish", s.handlePostRegistrationFinish)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.version})
}

// handleGetRegistration renders the controller's Status: device id, GcdState,
// and access-token expiry, never secrets or tokens themselves.
func (s *Server) handleGetRegistration(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		writeNotFound(w, "registration controller not configured")
		return
	}
	status := s.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":             status.DeviceID,
		"gcdState":             status.GcdState,
		"accessTokenExpiresAt": status.AccessTokenExpiresAt,
	})
}

// broadcastStateChange relays every SetProperty/SetProperties call to
// connected WebSocket clients as it happens, independent of the cloud sync
// loop's own periodic drain of the ChangeQueue (spec.md §4.3 notifies both
// consumers off the same mutation).
func (s *Server) broadcastStateChange(changed map[string]*schema.Value) {
	encoded := make(map[string]json.RawMessage, len(changed))
	for name, v := range changed {
		raw, err := v.ToJSON()
		if err != nil {
			s.logger.Warn("failed to encode state change for broadcast", "property", name, "error", err)
			continue
		}
		encoded[name] = raw
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		s.logger.Warn("failed to encode state change batch for broadcast", "error", err)
		return
	}
	s.hub.Broadcast(payload)
}
