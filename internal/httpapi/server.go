package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/session"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/service"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// Controller is what the HTTP layer drives. *service.Controller satisfies it.
type Controller interface {
	Initialize(ctx context.Context) error
	CreateVehicle(ctx context.Context, vehicleID string) error
	GrantAccess(ctx context.Context, vehicleID string) error
	RevokeAccess(ctx context.Context, vehicleID string) error
	SetVehicleID(vehicleID string)
	View() types.View
	Logs() types.LogView
}

type Dependencies struct {
	Logger     logrus.FieldLogger
	Addr       string
	Controller Controller

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// SessionTimeout bounds POST /v1/session. Defaults to 30s.
	SessionTimeout time.Duration
}

const defaultSessionTimeout = 30 * time.Second

type Server struct {
	httpServer *http.Server
	logger     logrus.FieldLogger
	mux        *http.ServeMux
	controller Controller

	sessionTimeout time.Duration
}

type vehicleRequest struct {
	VehicleID string `json:"vehicle_id"`
}

type logsResponse struct {
	Logs types.LogView `json:"logs"`
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.SessionTimeout <= 0 {
		d.SessionTimeout = defaultSessionTimeout
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:         d.Logger,
		mux:            mux,
		controller:     d.Controller,
		sessionTimeout: d.SessionTimeout,
	}

	mux.HandleFunc("POST /v1/session", s.handleSession)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/logs", s.handleLogs)
	mux.HandleFunc("PUT /v1/vehicle-id", s.handleSetVehicleID)
	mux.HandleFunc("POST /v1/vehicles", s.handleCreateVehicle)
	mux.HandleFunc("POST /v1/vehicles/{id}/grant", s.handleGrant)
	mux.HandleFunc("POST /v1/vehicles/{id}/revoke", s.handleRevoke)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleSession detaches from the client like runAction does, so a hang-up
// cannot leave a half-built binding behind.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.sessionTimeout)
	defer cancel()

	if err := s.controller.Initialize(ctx); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, s.controller.View())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.controller.View())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, logsResponse{Logs: s.controller.Logs()})
}

func (s *Server) handleSetVehicleID(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	s.controller.SetVehicleID(req.VehicleID)
	respond(w, r, http.StatusOK, s.controller.View())
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	s.runAction(w, r, s.controller.CreateVehicle, req.VehicleID)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.controller.GrantAccess, r.PathValue("id"))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.controller.RevokeAccess, r.PathValue("id"))
}

// runAction waits for the action's terminal outcome. A client that hangs up
// does not abandon the confirmation wait; the executor's own timeout bounds
// it.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error, vehicleID string) {
	if err := action(context.WithoutCancel(r.Context()), vehicleID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, s.controller.View())
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidVehicleID):
		writeError(w, r, http.StatusBadRequest, "invalid_vehicle_id", err.Error())
	case errors.Is(err, service.ErrNotReady):
		writeError(w, r, http.StatusServiceUnavailable, "not_ready", err.Error())
	case errors.Is(err, service.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, service.ErrReverted):
		writeError(w, r, http.StatusUnprocessableEntity, "reverted", err.Error())
	case errors.Is(err, service.ErrSubmissionRejected):
		writeError(w, r, http.StatusBadGateway, "submission_rejected", err.Error())
	case errors.Is(err, service.ErrTimeout):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, session.ErrNoProviderInstalled):
		writeError(w, r, http.StatusServiceUnavailable, "no_provider", err.Error())
	case errors.Is(err, session.ErrUserRejected):
		writeError(w, r, http.StatusUnauthorized, "user_rejected", err.Error())
	case errors.Is(err, session.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, service.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
