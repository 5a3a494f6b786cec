// Package api exposes the orchestration engine over a local HTTP
// surface: a JSON read/write API, a websocket stream of run progress,
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/runner"
)

// Server wires the orchestration service and the runner into an HTTP
// handler. All operations act as the configured owner; the API is a
// local surface, not a multi-tenant one.
type Server struct {
	orch     *orchestrator.Service
	runner   *runner.Runner
	owner    string
	log      *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	hub      *hub
}

// NewServer creates the HTTP surface. metrics may be nil, in which case
// a private instrument set is created.
func NewServer(orch *orchestrator.Service, run *runner.Runner, owner string, log *slog.Logger, metrics *Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		orch:    orch,
		runner:  run,
		owner:   owner,
		log:     log,
		metrics: metrics,
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Local-only surface: accept same-host browsers and
				// non-browser clients that omit Origin.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				return origin == "" || strings.Contains(origin, r.Host)
			},
		},
	}
}

// Metrics returns the server's instrument set so other components (the
// sweeper) can report into the same registry.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/v1/plans", s.handleListPlans)
	r.Post("/v1/plans", s.handleCreatePlan)
	r.Get("/v1/plans/{id}", s.handlePlanDetail)
	r.Post("/v1/plans/{id}/steps", s.handleAddStep)
	r.Post("/v1/plans/{id}/generate", s.handleGenerateSteps)
	r.Post("/v1/plans/{id}/status", s.handleUpdateStatus)
	r.Post("/v1/plans/{id}/archive", s.handleArchive)
	r.Post("/v1/plans/{id}/run", s.handleRun)
	r.Post("/v1/plans/{id}/monitor", s.handleScheduleMonitor)
	r.Get("/v1/approvals", s.handleListApprovals)
	r.Post("/v1/approvals/{id}/resolve", s.handleResolveApproval)

	r.Get("/ws/plans/{id}/events", s.handlePlanEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "owner": s.owner})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.orch.GetRecentPlans(r.Context(), s.owner, includeArchived, limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess))
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		Description      string `json:"description"`
		ApprovalPolicy   string `json:"approval_policy"`
		AllowedResources string `json:"allowed_resources"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.orch.CreatePlan(r.Context(), orchestrator.CreatePlanParams{
		Owner:            s.owner,
		Origin:           "api:" + r.RemoteAddr,
		Title:            req.Title,
		Description:      req.Description,
		ApprovalPolicy:   req.ApprovalPolicy,
		AllowedResources: req.AllowedResources,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toSessionJSON(sess))
}

func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.orch.GetPlanDetail(r.Context(), chi.URLParam(r, "id"), s.owner)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toPlanDetailJSON(detail))
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		Description      string `json:"description"`
		RequiresApproval bool   `json:"requires_approval"`
		ToolName         string `json:"tool_name"`
		ToolArgs         string `json:"tool_args"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	step, err := s.orch.AddStep(r.Context(), chi.URLParam(r, "id"), s.owner, orchestrator.AddStepParams{
		Title:            req.Title,
		Description:      req.Description,
		RequiresApproval: req.RequiresApproval,
		ToolName:         req.ToolName,
		ToolArgs:         req.ToolArgs,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toStepJSON(step))
}

func (s *Server) handleGenerateSteps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal             string `json:"goal"`
		MaxSteps         int    `json:"max_steps"`
		RequiresApproval bool   `json:"requires_approval"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	steps, err := s.orch.GenerateSteps(r.Context(), chi.URLParam(r, "id"), s.owner, req.Goal, req.MaxSteps, req.RequiresApproval)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := make([]stepJSON, 0, len(steps))
	for _, st := range steps {
		out = append(out, toStepJSON(st))
	}
	respondJSON(w, http.StatusCreated, map[string]any{"steps": out})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.orch.UpdateSessionStatus(r.Context(), chi.URLParam(r, "id"), s.owner, models.SessionStatus(req.Status), req.Summary)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ArchivePlan(r.Context(), chi.URLParam(r, "id"), s.owner); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"archived": true})
}

func (s *Server) handleScheduleMonitor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type            string `json:"type"`
		Target          string `json:"target"`
		Condition       string `json:"condition"`
		IntervalMinutes int    `json:"interval_minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	m, err := s.orch.ScheduleMonitor(r.Context(), chi.URLParam(r, "id"), s.owner, orchestrator.ScheduleMonitorParams{
		Type:            req.Type,
		Target:          req.Target,
		Condition:       req.Condition,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toMonitorJSON(m))
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.orch.ListPendingApprovals(r.Context(), s.owner)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := make([]approvalJSON, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, toApprovalJSON(a))
	}
	respondJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool   `json:"approved"`
		Notes    string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	a, err := s.orch.ResolveApproval(r.Context(), chi.URLParam(r, "id"), s.owner, req.Approved, req.Notes)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toApprovalJSON(a))
}

// handleRun starts an autonomous run detached from the request. The
// response is 202; progress is observable on the websocket stream.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		AutoApprove bool `json:"auto_approve"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if s.runner.Busy(id) {
		respondError(w, http.StatusConflict, "run_in_progress", "a run is already in progress for this plan")
		return
	}
	// Owner, existence, and emptiness checks up front so the caller
	// gets a real status code instead of a fire-and-forget 202.
	detail, err := s.orch.GetPlanDetail(r.Context(), id, s.owner)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if len(detail.Steps) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "empty_plan", "plan has no steps")
		return
	}

	s.metrics.RunsStarted.Inc()
	go func() {
		err := s.runner.Run(context.Background(), id, s.owner, req.AutoApprove, func(e runner.ProgressEvent) {
			if e.Status == models.StepStatusWaitingApproval {
				s.metrics.ApprovalWaits.Inc()
			}
			s.hub.publish(e)
		})
		switch {
		case err == nil:
			s.metrics.RunsCompleted.Inc()
		case errors.Is(err, runner.ErrRunInProgress):
			// Lost the race to another caller; nothing to record.
		default:
			s.metrics.RunsFailed.Inc()
			s.log.Error("autorun failed", "plan_id", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{"status": "started", "plan_id": id})
}

// handlePlanEvents streams progress events for one plan over a
// websocket until the run's final event or client disconnect.
func (s *Server) handlePlanEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.GetPlanDetail(r.Context(), id, s.owner); err != nil {
		s.respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.hub.subscribe(id)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Reader only watches for the client going away.
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(toProgressJSON(e)); err != nil {
				return
			}
			if e.IsFinal {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
		}
	}
}

// respondServiceError maps the orchestration error taxonomy onto HTTP
// status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var transition *orchestrator.InvalidTransitionError
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, orchestrator.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, orchestrator.ErrEmptyPlan):
		respondError(w, http.StatusUnprocessableEntity, "empty_plan", err.Error())
	case errors.Is(err, orchestrator.ErrPlanFinished):
		respondError(w, http.StatusConflict, "plan_finished", err.Error())
	case errors.As(err, &transition):
		respondError(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error())
	default:
		s.log.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
