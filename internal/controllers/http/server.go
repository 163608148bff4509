package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/giorgiodidon/controller-forno/internal/adaptive"
	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/ports"
)

type Server struct {
	svc    ports.KilnService
	engine *adaptive.Engine
	srv    *http.Server
	kilnID string
}

// New returns a runnable server. engine may be nil, in which case the
// adaptive endpoints report 404.
func New(svc ports.KilnService, engine *adaptive.Engine, addr string, kilnID string) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, engine: engine, kilnID: kilnID}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Autotune
	mux.HandleFunc("POST /v1/autotune/start", s.handleAutotuneStart)
	mux.HandleFunc("POST /v1/autotune/stop", s.handleAutotuneStop)
	mux.HandleFunc("GET /v1/autotune/status", s.handleAutotuneStatus)
	mux.HandleFunc("GET /v1/autotune/results", s.handleTuningHistory)
	mux.HandleFunc("GET /v1/autotune/results/{id}", s.handleTuningResult)
	mux.HandleFunc("POST /v1/autotune/results/{id}/apply", s.handleTuningApply)

	// PID
	mux.HandleFunc("GET /v1/pid/gains", s.handleGetGains)
	mux.HandleFunc("POST /v1/pid/gains", s.handlePostGains)

	// Program
	mux.HandleFunc("POST /v1/program/start", s.handleProgramStart)
	mux.HandleFunc("POST /v1/program/stop", s.handleProgramStop)

	// Adaptive tuning
	mux.HandleFunc("POST /v1/adaptive/enabled", s.handleAdaptiveEnabled)
	mux.HandleFunc("GET /v1/adaptive/table", s.handleAdaptiveTable)
	mux.HandleFunc("POST /v1/adaptive/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /v1/adaptive/suggestions", s.handleSuggestions)
	mux.HandleFunc("POST /v1/adaptive/suggestions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/adaptive/suggestions/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/adaptive/bands/{band}/rollback", s.handleRollback)

	// Safety
	mux.HandleFunc("POST /v1/safety/reset", s.handleSafetyReset)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	snap := s.svc.Get()
	writeJSON(w, http.StatusOK, struct {
		KilnID string `json:"kiln_id"`
		kiln.Snapshot
	}{KilnID: s.kilnID, Snapshot: snap})
}

type autotuneStartReq struct {
	TestTemperature float64  `json:"test_temperature"`
	RelayHigh       *float64 `json:"relay_high"`
	RelayLow        *float64 `json:"relay_low"`
	Hysteresis      *float64 `json:"hysteresis"`
	MinOscillations *int     `json:"min_oscillations"`
}

func (s *Server) handleAutotuneStart(w http.ResponseWriter, r *http.Request) {
	var req autotuneStartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	params := kiln.DefaultAutotuneParams(req.TestTemperature)
	if req.RelayHigh != nil {
		params.RelayHigh = *req.RelayHigh
	}
	if req.RelayLow != nil {
		params.RelayLow = *req.RelayLow
	}
	if req.Hysteresis != nil {
		params.Hysteresis = *req.Hysteresis
	}
	if req.MinOscillations != nil {
		params.MinOscillations = *req.MinOscillations
	}
	id, err := s.svc.StartAutotune(params)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"test_id": id})
}

func (s *Server) handleAutotuneStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.StopAutotune(); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.AutotuneStatus())
}

func (s *Server) handleAutotuneStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.AutotuneStatus())
}

func (s *Server) handleTuningHistory(w http.ResponseWriter, _ *http.Request) {
	hist, err := s.svc.TuningHistory()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleTuningResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.TuningResult(r.PathValue("id"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type applyReq struct {
	Set string `json:"set"` // "standard" or "conservative" (default)
}

func (s *Server) handleTuningApply(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.TuningResult(r.PathValue("id"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	var req applyReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	g := res.Conservative
	if req.Set == "standard" {
		g = res.Standard
	}
	applied, clamped, err := s.svc.ApplyGains(g)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gainsDTO{Gains: applied, Clamped: clamped})
}

type gainsDTO struct {
	kiln.Gains
	Clamped bool `json:"clamped"`
}

func (s *Server) handleGetGains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Gains())
}

func (s *Server) handlePostGains(w http.ResponseWriter, r *http.Request) {
	var g kiln.Gains
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	applied, clamped, err := s.svc.ApplyGains(g)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gainsDTO{Gains: applied, Clamped: clamped})
}

func (s *Server) handleProgramStart(w http.ResponseWriter, r *http.Request) {
	var spec kiln.ProgramSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := s.svc.StartProgram(spec.Program())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleProgramStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.StopProgram(); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Get())
}

func (s *Server) handleAdaptiveEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}
	s.svc.SetAdaptive(*req.Value)
	writeJSON(w, http.StatusOK, s.svc.Get())
}

func (s *Server) handleAdaptiveTable(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"edges": adaptive.BandEdges,
		"bands": s.engine.Table().Bands(),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	var req struct {
		RunIDs []string `json:"run_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.RunIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "missing field 'run_ids'")
		return
	}
	metrics, suggestions, err := s.engine.Analyze(req.RunIDs...)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":     metrics,
		"suggestions": suggestions,
	})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Suggestions())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	g, err := s.engine.Approve(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	if err := s.engine.Reject(r.PathValue("id")); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeErr(w, http.StatusNotFound, "adaptive tuning disabled")
		return
	}
	band, err := strconv.Atoi(r.PathValue("band"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid band")
		return
	}
	g, err := s.engine.Rollback(band)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSafetyReset(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetEmergency()
	writeJSON(w, http.StatusOK, s.svc.Get())
}

// ---- generic helpers ----

func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kiln.ErrBusy):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, kiln.ErrResultNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, kiln.ErrSafetyAbort):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
