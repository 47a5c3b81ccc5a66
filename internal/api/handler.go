package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/loanwatch/internal/datasync"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/escalation"
	"github.com/opensource-finance/loanwatch/internal/task"
)

// Pinger is a dependency that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API exposes. Nil engines disable their routes.
type Deps struct {
	Tasks       *task.Registry
	Escalations *escalation.Engine
	Syncs       *datasync.Engine

	// Health is checked by GET /health, keyed by component name.
	Health map[string]Pinger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	tasks       *task.Registry
	escalations *escalation.Engine
	syncs       *datasync.Engine
	health      map[string]Pinger
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	tasks := deps.Tasks
	if tasks == nil {
		tasks = task.NewRegistry()
	}
	return &Handler{
		tasks:       tasks,
		escalations: deps.Escalations,
		syncs:       deps.Syncs,
		health:      deps.Health,
		version:     version,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.health))

	for name, p := range h.health {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": true,
		"tasks": h.tasks.Types(),
	})
}

// ListTasks handles GET /tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": h.tasks.Types()})
}

// ExecuteTask handles POST /tasks/{type}. The body is a task context; the
// path selects the unit. A failed task is still a 200 with its result.
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "type")
	if _, ok := h.tasks.Get(taskType); !ok {
		writeError(w, http.StatusNotFound, "unknown task type: "+taskType)
		return
	}

	var tc domain.TaskContext
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	tc.Task.Type = taskType
	if tc.Task.ID == "" {
		tc.Task.ID = uuid.New().String()
	}

	res := h.tasks.Execute(r.Context(), &tc)
	writeJSON(w, http.StatusOK, map[string]any{
		"result":    res,
		"variables": tc.Variables,
	})
}

// ListEscalations handles GET /escalations.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	active, err := h.escalations.Active(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": active, "count": len(active)})
}

// EscalationHistory handles GET /escalations/history?trigger=&level=&status=&limit=.
func (h *Handler) EscalationHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EscalationFilter{
		Trigger: q.Get("trigger"),
		Status:  domain.EscalationStatus(q.Get("status")),
	}
	var err error
	if filter.Level, err = intParam(q.Get("level")); err != nil {
		writeError(w, http.StatusBadRequest, "level must be a number")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}

	history, err := h.escalations.History(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": history, "count": len(history)})
}

// GetEscalation handles GET /escalations/{id}.
func (h *Handler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := h.escalations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// AdvanceEscalation handles POST /escalations/{id}/advance.
func (h *Handler) AdvanceEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := h.escalations.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// AcknowledgeRequest is the body of POST /escalations/{id}/acknowledge.
type AcknowledgeRequest struct {
	By   string `json:"acknowledgedBy"`
	Note string `json:"note,omitempty"`
}

// AcknowledgeEscalation handles POST /escalations/{id}/acknowledge.
func (h *Handler) AcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "acknowledgedBy is required")
		return
	}

	esc, err := h.escalations.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.By, req.Note)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// ResolveRequest is the body of POST /escalations/{id}/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveEscalation handles POST /escalations/{id}/resolve.
func (h *Handler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	esc, err := h.escalations.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// ListSyncs handles GET /syncs.
func (h *Handler) ListSyncs(w http.ResponseWriter, r *http.Request) {
	active, err := h.syncs.Active(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncs": active, "count": len(active)})
}

// StartSync handles POST /syncs. The body uses the data_sync task parameters
// and the job runs to completion before the response.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	var req datasync.Request
	if err := task.DecodeMap(body, &req); err != nil {
		writeErr(w, err)
		return
	}

	job, err := h.syncs.Run(r.Context(), &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// SyncHistory handles GET /syncs/history?limit=.
func (h *Handler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	history, err := h.syncs.History(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncs": history, "count": len(history)})
}

// SyncState handles GET /syncs/state.
func (h *Handler) SyncState(w http.ResponseWriter, r *http.Request) {
	state, err := h.syncs.State(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetSync handles GET /syncs/{id}.
func (h *Handler) GetSync(w http.ResponseWriter, r *http.Request) {
	job, err := h.syncs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEscalationNotFound),
		errors.Is(err, domain.ErrSyncNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEscalationResolved),
		errors.Is(err, domain.ErrFinalLevel),
		errors.Is(err, domain.ErrSyncLocked):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidParams),
		errors.Is(err, datasync.ErrInvalidFilter),
		errors.Is(err, domain.ErrReadOnly):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
