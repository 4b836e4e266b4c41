// Package gateway serves the lottery page API: the projected view, the
// session lifecycle, wallet prompts, round actions and the WebSocket stream.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"

	ws "github.com/marko911/lottery-pulse/internal/delivery/websocket"
	"github.com/marko911/lottery-pulse/internal/session"
	"github.com/marko911/lottery-pulse/internal/ui"
	"github.com/marko911/lottery-pulse/internal/wallet"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// SessionService is the session surface the gateway drives.
type SessionService interface {
	State() session.State
	Connect(ctx context.Context) (session.State, error)
	Disconnect()
	StartRound(ctx context.Context, maxPlayers uint64, entryFee *big.Int) (*types.Receipt, error)
	JoinRound(ctx context.Context, entryFee *big.Int) (*types.Receipt, error)
	Subscribe() (<-chan session.State, func())
}

// ViewSource returns the current reconciled view.
type ViewSource interface {
	View() lottery.GameView
}

// Prompts is the wallet prompt queue answered from the page.
type Prompts interface {
	Pending() []wallet.Request
	Approve(id, passphrase string) error
	Decline(id string) error
	Subscribe() (<-chan wallet.PromptEvent, func())
}

// AccountSelector switches the wallet's active account.
type AccountSelector interface {
	SelectAccount(addr common.Address) error
}

// Config holds HTTP server settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Deps are the components the gateway serves. Prompts, Accounts and Checks
// are optional.
type Deps struct {
	Session  SessionService
	Views    ViewSource
	Prompts  Prompts
	Accounts AccountSelector
	Checks   []Check
}

// Server holds gateway dependencies.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	hub    *ws.Manager
}

// NewServer creates a gateway server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "gateway"),
	}
	s.hub = ws.NewManager(ws.ManagerConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Greeting:       s.greeting,
		Logger:         logger,
	})
	return s
}

// Hub returns the WebSocket connection manager.
func (s *Server) Hub() *ws.Manager {
	return s.hub
}

// Router returns the HTTP handler for the gateway.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/view", s.handleView).Methods(http.MethodGet)
	v1.Handle("/ws", s.hub).Methods(http.MethodGet)

	v1.HandleFunc("/session/connect", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/session/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/session/account", s.handleSelectAccount).Methods(http.MethodPost)

	v1.HandleFunc("/prompts", s.handleListPrompts).Methods(http.MethodGet)
	v1.HandleFunc("/prompts/{id}/approve", s.handleApprovePrompt).Methods(http.MethodPost)
	v1.HandleFunc("/prompts/{id}/decline", s.handleDeclinePrompt).Methods(http.MethodPost)

	v1.HandleFunc("/rounds", s.handleStartRound).Methods(http.MethodPost)
	v1.HandleFunc("/rounds/join", s.handleJoinRound).Methods(http.MethodPost)

	return s.loggingMiddleware(r)
}

// Run serves HTTP and forwards session and prompt changes to pages until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Forward(fwdCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Forward pushes session changes and wallet prompts to pages until ctx is
// cancelled. Session changes also re-project the view, since affordances
// depend on both.
func (s *Server) Forward(ctx context.Context) {
	states, unsubscribe := s.deps.Session.Subscribe()
	defer unsubscribe()

	var prompts <-chan wallet.PromptEvent
	if s.deps.Prompts != nil {
		ch, unsubscribePrompts := s.deps.Prompts.Subscribe()
		defer unsubscribePrompts()
		prompts = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.broadcast(ws.TypeSession, st)
			s.broadcast(ws.TypeView, s.snapshotFor(s.deps.Views.View(), st))
		case ev, ok := <-prompts:
			if !ok {
				prompts = nil
				continue
			}
			s.broadcast(ws.TypePrompt, ev)
		}
	}
}

// ViewSink returns a sink that pushes every installed view to pages.
func (s *Server) ViewSink() *ViewSink {
	return &ViewSink{server: s}
}

// ViewSink broadcasts installed views over the WebSocket hub.
type ViewSink struct {
	server *Server
}

// Name identifies the sink in logs.
func (v *ViewSink) Name() string {
	return "websocket"
}

// Publish projects view under the current session and broadcasts it.
func (v *ViewSink) Publish(ctx context.Context, view lottery.GameView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := v.server.snapshotFor(view, v.server.deps.Session.State())
	return v.server.hub.BroadcastJSON(ws.TypeView, snap)
}

// Snapshot is the page-facing view payload.
type Snapshot struct {
	View        lottery.GameView `json:"view"`
	Session     session.State    `json:"session"`
	Affordances ui.Affordances   `json:"affordances"`
}

func (s *Server) snapshotFor(view lottery.GameView, st session.State) Snapshot {
	return Snapshot{
		View:        view,
		Session:     st,
		Affordances: ui.Project(view, st),
	}
}

func (s *Server) snapshot() Snapshot {
	return s.snapshotFor(s.deps.Views.View(), s.deps.Session.State())
}

func (s *Server) greeting() [][]byte {
	var msgs [][]byte
	snap := s.snapshot()
	if msg, err := ws.Encode(ws.TypeView, snap); err == nil {
		msgs = append(msgs, msg)
	}
	if msg, err := ws.Encode(ws.TypeSession, snap.Session); err == nil {
		msgs = append(msgs, msg)
	}
	if s.deps.Prompts != nil {
		for _, req := range s.deps.Prompts.Pending() {
			if msg, err := ws.Encode(ws.TypePrompt, wallet.PromptEvent{Request: req, Open: true}); err == nil {
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs
}

func (s *Server) broadcast(msgType string, data any) {
	if err := s.hub.BroadcastJSON(msgType, data); err != nil {
		s.logger.Warn("broadcast failed", "type", msgType, "error", err)
	}
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
