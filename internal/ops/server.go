// Package ops serves the operational HTTP surface: health, metrics, and a
// read-only snapshot of the current projection.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/navirec/fleet-streamer/internal/command"
	"github.com/navirec/fleet-streamer/internal/dispatch"
)

// CommandExecutor creates a device command and begins tracking it.
type CommandExecutor interface {
	ExecuteAction(ctx context.Context, vehicleID, actionID uuid.UUID) (command.Handle, error)
}

// AccountView exposes one account's stream status for the debug endpoint.
type AccountView struct {
	AccountID  string
	Phase      func() string
	Dispatcher *dispatch.Dispatcher
	Watermark  func() time.Time
}

type Server struct {
	accounts []AccountView
	commands CommandExecutor
	registry *prometheus.Registry
	logger   *zap.Logger
}

func NewServer(accounts []AccountView, commands CommandExecutor, registry *prometheus.Registry, logger *zap.Logger) *Server {
	return &Server{
		accounts: accounts,
		commands: commands,
		registry: registry,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/debug/state", s.handleDebugState)
	if s.commands != nil {
		r.Post("/commands", s.handleExecuteCommand)
	}

	return r
}

type executeCommandRequest struct {
	VehicleID string `json:"vehicle_id"`
	ActionID  string `json:"action_id"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req executeCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	vehicleID, err := uuid.Parse(req.VehicleID)
	if err != nil {
		http.Error(w, "invalid vehicle_id", http.StatusBadRequest)
		return
	}
	actionID, err := uuid.Parse(req.ActionID)
	if err != nil {
		http.Error(w, "invalid action_id", http.StatusBadRequest)
		return
	}

	handle, err := s.commands.ExecuteAction(r.Context(), vehicleID, actionID)
	if err != nil {
		s.logger.Warn("command execution failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"command_id": handle.CommandID.String(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type accountState struct {
	AccountID string                 `json:"account_id"`
	Phase     string                 `json:"phase"`
	Watermark *time.Time             `json:"watermark,omitempty"`
	Entities  []dispatch.EntityState `json:"entities"`
}

func (s *Server) handleDebugState(w http.ResponseWriter, _ *http.Request) {
	out := make([]accountState, 0, len(s.accounts))
	for _, a := range s.accounts {
		st := accountState{
			AccountID: a.AccountID,
			Phase:     a.Phase(),
			Entities:  a.Dispatcher.Snapshot(),
		}
		if wm := a.Watermark(); !wm.IsZero() {
			st.Watermark = &wm
		}
		out = append(out, st)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Debug("failed to write debug state", zap.Error(err))
	}
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}
