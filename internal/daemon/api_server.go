package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"accession/internal/api"
	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/status"
)

const defaultAPIUser = "api"

type apiServer struct {
	bind       string
	logger     *slog.Logger
	daemon     *Daemon
	depositSvc *api.DepositService
	handler    http.Handler

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:       strings.TrimSpace(cfg.Paths.APIBind),
		logger:     logging.NewComponentLogger(logger, "api-server"),
		daemon:     d,
		depositSvc: api.NewDepositService(d.store),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(srv.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(strings.TrimSpace(cfg.Paths.APIToken)))
		r.Get("/api/status", srv.handleStatus)
		r.Route("/api/deposits", func(r chi.Router) {
			r.Get("/", srv.handleDeposits)
			r.Post("/", srv.handleRegister)
			r.Get("/{id}", srv.handleDeposit)
			r.Post("/{id}/{action}", srv.handleDepositAction)
		})
		r.Post("/api/pipeline/{action}", srv.handlePipelineAction)
	})
	srv.handler = r

	srv.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled; paths.api_bind is empty")
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.daemon.Status(r.Context())
	if st.Err != nil {
		s.writeError(w, http.StatusServiceUnavailable, st.Err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      st.Running,
		PID:          st.PID,
		WorkerID:     st.WorkerID,
		ActiveJobs:   st.ActiveJobs,
		StoreBackend: st.StoreBackend,
		BusBackend:   st.BusBackend,
		LockFilePath: st.LockFilePath,
		Pipeline:     api.FromSummary(st.Pipeline),
		JobHealth:    api.FromHealth(st.JobHealth),
	})
}

func (s *apiServer) handleDeposits(w http.ResponseWriter, r *http.Request) {
	var states []status.DepositState
	for _, value := range r.URL.Query()["state"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			state, err := status.ParseDepositState(part)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			states = append(states, state)
		}
	}
	deposits, err := s.depositSvc.List(r.Context(), states...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.DepositListResponse{Deposits: deposits})
}

func (s *apiServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	deposit, err := s.depositSvc.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deposit == nil {
		s.writeError(w, http.StatusNotFound, "deposit not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.DepositResponse{Deposit: *deposit})
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.daemon.locations != nil {
		for _, ref := range req.StagedFiles {
			if _, _, err := s.daemon.locations.Resolve(ref); err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	op := messages.Operation{
		Action:    messages.ActionRegister,
		DepositID: id,
		Username:  requestUser(r),
		Body:      req.Body(),
	}
	if err := s.daemon.publisher.Operation(r.Context(), op); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		ID:      id,
		Action:  string(op.Action),
		Message: "deposit registration submitted",
	})
}

// depositCommands are the operations an operator may request over HTTP.
var depositCommands = map[messages.OperationAction]bool{
	messages.ActionPause:   true,
	messages.ActionResume:  true,
	messages.ActionCancel:  true,
	messages.ActionDestroy: true,
}

func (s *apiServer) handleDepositAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action, err := messages.ParseOperationAction(chi.URLParam(r, "action"))
	if err != nil || !depositCommands[action] {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported deposit action %q", chi.URLParam(r, "action")))
		return
	}
	if _, err := s.daemon.store.Deposit(r.Context(), id); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "deposit not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	op := messages.Operation{Action: action, DepositID: id, Username: requestUser(r)}
	if err := s.daemon.publisher.Operation(r.Context(), op); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		ID:      id,
		Action:  string(action),
		Message: fmt.Sprintf("%s requested", strings.ToLower(string(action))),
	})
}

func (s *apiServer) handlePipelineAction(w http.ResponseWriter, r *http.Request) {
	action, err := messages.ParsePipelineAction(chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg := messages.Pipeline{Action: action, Username: requestUser(r)}
	if err := s.daemon.publisher.Pipeline(r.Context(), msg); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		Action:  string(action),
		Message: fmt.Sprintf("pipeline %s requested", strings.ToLower(string(action))),
	})
}

func requestUser(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(api.UserHeader)); user != "" {
		return user
	}
	return defaultAPIUser
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
