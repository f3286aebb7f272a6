package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/woldeaman/diffusion-df-extraction/internal/config"
	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
	"github.com/woldeaman/diffusion-df-extraction/internal/logging"
	"github.com/woldeaman/diffusion-df-extraction/internal/metrics"
	"github.com/woldeaman/diffusion-df-extraction/internal/store"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Sweep status values.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusCancelling = "cancelling"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
)

// SweepState represents the state of a sweep started by this server.
// It is guarded by Server.sweepsMu.
type SweepState struct {
	ID          string
	Dataset     string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Planned     int
	Completed   int
	Failed      int
	TopPercent  float64
	Error       string
	Estimate    *fit.Estimate
	CancelFunc  context.CancelFunc
}

func (st *SweepState) terminal() bool {
	switch st.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// StartRequest is the body of a sweep start request. Zero values select the
// configured defaults.
type StartRequest struct {
	Dataset    *fit.Dataset `json:"dataset"`
	Runs       int          `json:"runs,omitempty"`
	Workers    int          `json:"workers,omitempty"`
	Seed       uint64       `json:"seed,omitempty"`
	Method     string       `json:"method,omitempty"`
	Sampling   string       `json:"sampling,omitempty"`
	MaxIter    int          `json:"max_iter,omitempty"`
	TopPercent float64      `json:"top_percent,omitempty"`
}

// Server implements the HTTP and JSON-RPC API of the fitting service. It
// runs sweeps in the background and tracks them by ID.
type Server struct {
	cfg     *config.Config
	logger  Logger
	store   store.Store
	metrics *metrics.Collector

	sweeps   map[string]*SweepState
	sweepsMu sync.RWMutex
	wg       sync.WaitGroup
}

// NewServer creates a new server instance. m may be nil.
func NewServer(cfg *config.Config, logger Logger, st store.Store, m *metrics.Collector) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: m,
		sweeps:  make(map[string]*SweepState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1/sweeps", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleStatus)
		r.Delete("/{id}", s.handleCancel)
		r.Get("/{id}/estimate", s.handleEstimate)
		r.Post("/{id}/analyze", s.handleAnalyze)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// startSweep validates req, registers the sweep and runs it in the
// background.
func (s *Server) startSweep(req StartRequest) (*SweepState, error) {
	const op = "server.startSweep"

	if req.Dataset == nil {
		return nil, errors.Precondition(op, "dataset is required")
	}
	p, err := fit.NewProblem(req.Dataset, s.cfg.ProblemOptions())
	if err != nil {
		return nil, err
	}

	opts := s.cfg.DriverOptions()
	if req.Runs > 0 {
		opts.Runs = req.Runs
	}
	if req.Workers > 0 {
		opts.Workers = req.Workers
	}
	if req.Seed != 0 {
		opts.Seed = req.Seed
	}
	if req.MaxIter > 0 {
		opts.Solver.MaxIterations = req.MaxIter
	}
	if req.Method != "" {
		if opts.Solver.Method, err = fit.ParseMethod(req.Method); err != nil {
			return nil, err
		}
	}
	if req.Sampling != "" {
		if opts.Sampling, err = fit.ParseSampling(req.Sampling); err != nil {
			return nil, err
		}
	}
	top := s.cfg.Fit.TopPercent
	if req.TopPercent != 0 {
		top = req.TopPercent
	}
	if top <= 0 || top > 1 {
		return nil, errors.Precondition(op, "top_percent must be in (0, 1], got %g", top)
	}

	now := time.Now()
	state := &SweepState{
		ID:          uuid.New().String(),
		Dataset:     req.Dataset.Name,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		Planned:     opts.Runs,
		TopPercent:  top,
	}
	err = s.store.CreateSweep(context.Background(), store.Sweep{
		ID:      state.ID,
		Dataset: state.Dataset,
		Created: now,
		Data:    req.Dataset,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state.CancelFunc = cancel

	s.sweepsMu.Lock()
	s.sweeps[state.ID] = state
	s.sweepsMu.Unlock()

	s.wg.Add(1)
	go s.runSweep(ctx, state, p, opts)

	return state, nil
}

// runSweep executes the sweep and aggregates whatever completed.
func (s *Server) runSweep(ctx context.Context, state *SweepState, p *fit.Problem, opts fit.DriverOptions) {
	defer s.wg.Done()
	defer state.CancelFunc()

	sweepLogger := s.logger.WithFields(map[string]interface{}{
		"sweep_id": state.ID,
		"dataset":  state.Dataset,
	})

	s.sweepsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.sweepsMu.Unlock()

	opts.OnResult = func(r fit.Result) {
		s.sweepsMu.Lock()
		state.Completed++
		if !r.OK() {
			state.Failed++
		}
		state.LastUpdated = time.Now()
		s.sweepsMu.Unlock()
	}

	driver := fit.NewDriver(opts, logging.NewZapLogger(sweepLogger), store.NewRecorder(s.store, state.ID), s.metrics)
	out, runErr := driver.Run(ctx, p)

	var (
		est    *fit.Estimate
		aggErr error
	)
	if out != nil {
		est, aggErr = fit.Aggregate(out.Results, p, state.TopPercent)
	}

	s.sweepsMu.Lock()
	defer s.sweepsMu.Unlock()

	state.Estimate = est
	switch {
	case runErr != nil:
		state.Status = StatusFailed
		state.Error = runErr.Error()
		sweepLogger.Error("Sweep failed", map[string]interface{}{"error": runErr.Error()})
	case out.Interrupted:
		state.Status = StatusCancelled
		if aggErr != nil {
			state.Error = aggErr.Error()
		}
		sweepLogger.Info("Sweep cancelled, estimate from completed runs", map[string]interface{}{
			"completed": len(out.Results),
			"planned":   out.Starts,
		})
	case aggErr != nil:
		state.Status = StatusFailed
		state.Error = aggErr.Error()
		sweepLogger.Error("Sweep produced no estimate", map[string]interface{}{"error": aggErr.Error()})
	default:
		state.Status = StatusCompleted
		sweepLogger.Info("Sweep completed", map[string]interface{}{
			"runs":      len(out.Results),
			"min_error": est.Errors[0],
		})
	}

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
}

func (s *Server) getSweep(id string) (*SweepState, bool) {
	s.sweepsMu.RLock()
	defer s.sweepsMu.RUnlock()
	st, ok := s.sweeps[id]
	return st, ok
}

// sweepStatus renders the status of a sweep.
func (s *Server) sweepStatus(id string) (map[string]interface{}, error) {
	s.sweepsMu.RLock()
	defer s.sweepsMu.RUnlock()

	state, exists := s.sweeps[id]
	if !exists {
		return nil, errors.Wrapf(store.ErrNotFound, "server.sweepStatus", "sweep %s", id)
	}

	progress := 0.0
	if state.Planned > 0 {
		progress = float64(state.Completed) / float64(state.Planned)
	}
	response := map[string]interface{}{
		"sweep_id":    state.ID,
		"dataset":     state.Dataset,
		"status":      state.Status,
		"progress":    progress,
		"completed":   state.Completed,
		"failed":      state.Failed,
		"planned":     state.Planned,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}

	// Add end time if available
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Estimate != nil {
		response["summary"] = state.Estimate.Summary()
	}

	return response, nil
}

// cancelSweep requests a stop. Runs in flight complete and the sweep is
// aggregated from the completed runs.
func (s *Server) cancelSweep(id string) error {
	const op = "server.cancelSweep"

	s.sweepsMu.Lock()
	defer s.sweepsMu.Unlock()

	state, exists := s.sweeps[id]
	if !exists {
		return errors.Wrapf(store.ErrNotFound, op, "sweep %s", id)
	}
	if state.terminal() {
		return errors.Errorf(errors.KindInterrupted, "cannot cancel sweep with status: %s", state.Status)
	}

	state.CancelFunc()
	state.Status = StatusCancelling
	state.LastUpdated = time.Now()

	s.logger.Info("Sweep cancellation requested", map[string]interface{}{
		"sweep_id": id,
	})
	return nil
}

// sweepEstimate returns the estimate of a finished sweep.
func (s *Server) sweepEstimate(id string) (*fit.Estimate, error) {
	const op = "server.sweepEstimate"

	s.sweepsMu.RLock()
	defer s.sweepsMu.RUnlock()

	state, exists := s.sweeps[id]
	if !exists {
		return nil, errors.Wrapf(store.ErrNotFound, op, "sweep %s", id)
	}
	if state.Estimate == nil {
		if state.terminal() {
			return nil, errors.Precondition(op, "sweep %s finished without an estimate: %s", id, state.Error)
		}
		return nil, errors.Errorf(errors.KindInterrupted, "sweep %s is still %s", id, state.Status)
	}
	return state.Estimate, nil
}

// analyze re-aggregates the persisted results of a sweep, which may have
// been run by an earlier process.
func (s *Server) analyze(ctx context.Context, id string, topPercent float64) (*fit.Estimate, error) {
	sw, err := s.store.GetSweep(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw.Data == nil {
		return nil, errors.Precondition("server.analyze", "sweep %s has no stored dataset", id)
	}
	p, err := fit.NewProblem(sw.Data, s.cfg.ProblemOptions())
	if err != nil {
		return nil, err
	}
	results, err := s.store.Results(ctx, id)
	if err != nil {
		return nil, err
	}
	if topPercent == 0 {
		topPercent = s.cfg.Fit.TopPercent
	}
	return fit.Aggregate(results, p, topPercent)
}

// Close cancels all running sweeps and waits for them to finish.
func (s *Server) Close() error {
	s.sweepsMu.Lock()
	for _, st := range s.sweeps {
		if st.CancelFunc != nil && !st.terminal() {
			st.CancelFunc()
		}
	}
	s.sweepsMu.Unlock()

	s.wg.Wait()
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "sweep.start":
		var req StartRequest
		if err = decodeParams(request.Params, &req); err == nil {
			var state *SweepState
			if state, err = s.startSweep(req); err == nil {
				result = map[string]interface{}{"sweep_id": state.ID, "status": StatusPending}
			}
		}
	case "sweep.status":
		var id string
		if id, err = idParam(request.Params); err == nil {
			result, err = s.sweepStatus(id)
		}
	case "sweep.cancel":
		var id string
		if id, err = idParam(request.Params); err == nil {
			if err = s.cancelSweep(id); err == nil {
				result = map[string]interface{}{"sweep_id": id, "status": StatusCancelling}
			}
		}
	case "sweep.estimate":
		var id string
		if id, err = idParam(request.Params); err == nil {
			result, err = s.sweepEstimate(id)
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := -32000
		if errors.IsKind(err, errors.KindPrecondition) && !errors.Is(err, store.ErrNotFound) {
			code = -32602
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// decodeParams decodes the first positional parameter into v.
func decodeParams(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return errors.Precondition("server.decodeParams", "missing required parameters")
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return errors.Precondition("server.decodeParams", "invalid parameter format: %v", err)
	}
	return nil
}

// idParam extracts {"sweep_id": "..."} from the parameters.
func idParam(params []json.RawMessage) (string, error) {
	var p struct {
		SweepID string `json:"sweep_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.SweepID == "" {
		return "", errors.Precondition("server.idParam", "sweep_id is required")
	}
	return p.SweepID, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to an HTTP status and writes it.
func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
	})
}

// handleStart handles POST /api/v1/sweeps.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	state, err := s.startSweep(req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/sweeps/"+state.ID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sweep_id": state.ID,
		"status":   StatusPending,
		"planned":  state.Planned,
	})
}

// handleList handles GET /api/v1/sweeps and lists persisted sweeps.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.store.ListSweeps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(sweeps))
	for _, sw := range sweeps {
		item := map[string]interface{}{
			"sweep_id": sw.ID,
			"dataset":  sw.Dataset,
			"created":  sw.Created.Format(time.RFC3339),
		}
		if st, ok := s.getSweep(sw.ID); ok {
			s.sweepsMu.RLock()
			item["status"] = st.Status
			s.sweepsMu.RUnlock()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStatus handles GET /api/v1/sweeps/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.sweepStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/sweeps/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cancelSweep(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sweep_id": id,
		"status":   "cancellation requested",
	})
}

// handleEstimate handles GET /api/v1/sweeps/{id}/estimate.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	est, err := s.sweepEstimate(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":  est.Summary(),
		"estimate": est,
	})
}

// handleAnalyze handles POST /api/v1/sweeps/{id}/analyze. The optional body
// {"top_percent": f} overrides the configured fraction.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopPercent float64 `json:"top_percent"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": fmt.Sprintf("Invalid request body: %v", err),
			})
			return
		}
	}

	est, err := s.analyze(r.Context(), chi.URLParam(r, "id"), req.TopPercent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":  est.Summary(),
		"estimate": est,
	})
}
