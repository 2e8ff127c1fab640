package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
	"github.com/claraverse-space/clara-supervisor/api/pkg/watchdog"
)

// Server is the localhost control surface for the host shell. It binds to
// loopback only; there is no authentication because the socket is never
// exposed beyond the machine.
type Server struct {
	ctrl     *Controller
	watchdog *watchdog.Watchdog
	router   *mux.Router
}

func NewServer(ctrl *Controller, wd *watchdog.Watchdog) *Server {
	s := &Server{
		ctrl:     ctrl,
		watchdog: wd,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/proxy/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/proxy/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/proxy/restart", s.handleRestart).Methods(http.MethodPost)
	api.HandleFunc("/proxy/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/proxy/status/health", s.handleStatusWithHealth).Methods(http.MethodGet)

	api.HandleFunc("/gpu/diagnostics", s.handleGPUDiagnostics).Methods(http.MethodGet)
	api.HandleFunc("/backends", s.handleBackends).Methods(http.MethodGet)
	api.HandleFunc("/backends/override", s.handleSetBackendOverride).Methods(http.MethodPut)

	api.HandleFunc("/models/configurations", s.handleModelConfigurations).Methods(http.MethodGet)
	api.HandleFunc("/models/configurations", s.handleSaveAllModelConfigurations).Methods(http.MethodPut)
	api.HandleFunc("/models/configurations/{name}", s.handleSaveModelConfiguration).Methods(http.MethodPut)

	api.HandleFunc("/mmproj-mappings", s.handleLoadMappings).Methods(http.MethodGet)
	api.HandleFunc("/mmproj-mappings", s.handleSaveMappings).Methods(http.MethodPut)

	api.HandleFunc("/reconfigure", s.handleForceReconfigure).Methods(http.MethodPost)
	api.HandleFunc("/settings/apply", s.handleSaveConfigAndRestart).Methods(http.MethodPost)
	api.HandleFunc("/optimizer/{preset}", s.handleOptimizer).Methods(http.MethodPost)

	api.HandleFunc("/watchdog/services", s.handleWatchdogServices).Methods(http.MethodGet)
	api.HandleFunc("/watchdog/metrics", s.handleWatchdogMetrics).Methods(http.MethodGet)
	api.HandleFunc("/watchdog/setup-complete", s.handleSetupComplete).Methods(http.MethodPost)
}

// ListenAndServe blocks until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding control API: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("control API listening")
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type startRequest struct {
	SkipConfigGeneration bool `json:"skipConfigGeneration"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	decodeOptional(r, &req)
	writeJSON(w, s.ctrl.Start(r.Context(), req.SkipConfigGeneration))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Stop(r.Context()))
}

type restartRequest struct {
	SkipConfigRegeneration bool `json:"skipConfigRegeneration"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	decodeOptional(r, &req)
	writeJSON(w, s.ctrl.Restart(r.Context(), req.SkipConfigRegeneration))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleStatusWithHealth(w http.ResponseWriter, r *http.Request) {
	status, healthy := s.ctrl.StatusWithHealthCheck(r.Context())
	writeJSON(w, map[string]any{"status": status, "healthy": healthy})
}

func (s *Server) handleGPUDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.GPUDiagnostics())
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.AvailableBackends())
}

func (s *Server) handleSetBackendOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackendID string `json:"backendId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SetBackendOverride(req.BackendID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleModelConfigurations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.ModelConfigurations())
}

func (s *Server) handleSaveModelConfiguration(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var override types.PerModelOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SaveModelConfiguration(name, override); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleSaveAllModelConfigurations(w http.ResponseWriter, r *http.Request) {
	var overrides map[string]types.PerModelOverride
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SaveAllModelConfigurations(overrides); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleLoadMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.LoadMmprojMappings())
}

func (s *Server) handleSaveMappings(w http.ResponseWriter, r *http.Request) {
	var mappings types.ProjectionMappings
	if err := json.NewDecoder(r.Body).Decode(&mappings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SaveMmprojMappings(mappings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleForceReconfigure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.ForceReconfigure(r.Context()))
}

func (s *Server) handleSaveConfigAndRestart(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, s.ctrl.SaveConfigAndRestart(r.Context(), raw))
}

func (s *Server) handleOptimizer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.RunLlamaOptimizer(r.Context(), mux.Vars(r)["preset"]))
}

func (s *Server) handleWatchdogServices(w http.ResponseWriter, _ *http.Request) {
	if s.watchdog == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, s.watchdog.Snapshot())
}

func (s *Server) handleWatchdogMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.watchdog == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, s.watchdog.Metrics())
}

func (s *Server) handleSetupComplete(w http.ResponseWriter, _ *http.Request) {
	if s.watchdog != nil {
		s.watchdog.SignalSetupComplete()
	}
	writeJSON(w, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encoding API response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// decodeOptional tolerates an empty body for endpoints whose request
// payload is entirely optional.
func decodeOptional(r *http.Request, out any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(out)
}
