// Package api implements the HTTP enqueue and read interface for scan tasks.
//
// All user-scoped routes expect an x-user-id header forwarded by the Gateway.
//
// Routes:
//
//	POST /scan-tasks       → enqueue a scan task
//	GET  /scan-tasks       → list the user's scan tasks, newest first (?status=&limit=)
//	GET  /scan-tasks/{id}  → one scan task
//	GET  /jobs             → list discovered jobs (?enrichmentStatus=&scanTaskId=&limit=)
//	GET  /health           → store connectivity
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"jobmate/scan-worker/internal/model"
	"jobmate/scan-worker/internal/scantask"
	"jobmate/scan-worker/internal/store"
)

const version = "1.0.0"

// Store is what the handlers need from persistence.
type Store interface {
	store.ScanTaskStore
	List(ctx context.Context, f store.JobFilter) ([]model.JobRecord, error)
}

// SourceCatalog reports which sources have a listing template.
type SourceCatalog interface {
	Sources() []string
}

// CreateScanTaskRequest is the POST /scan-tasks body.
type CreateScanTaskRequest struct {
	Source     string `json:"source" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
	MaxRetries *int   `json:"maxRetries" validate:"omitempty,min=0,max=20"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	store    Store
	sources  SourceCatalog
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewHandler returns a configured Handler. sources may be nil, in which case
// any source is accepted and unknown ones fail at processing time.
func NewHandler(s Store, sources SourceCatalog, log *zap.SugaredLogger) *Handler {
	return &Handler{store: s, sources: sources, validate: validator.New(), log: log}
}

// RegisterRoutes mounts all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /scan-tasks", h.createScanTask)
	mux.HandleFunc("GET /scan-tasks", h.listScanTasks)
	mux.HandleFunc("GET /scan-tasks/{id}", h.getScanTask)
	mux.HandleFunc("GET /jobs", h.listJobs)
	mux.HandleFunc("GET /health", h.health)
}

// ─── Individual handlers ─────────────────────────────────────────────────────

func (h *Handler) createScanTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body CreateScanTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	body.Source = strings.ToUpper(strings.TrimSpace(body.Source))
	body.URL = strings.TrimSpace(body.URL)
	if err := h.validate.Struct(body); err != nil {
		jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	if h.sources != nil && !slices.Contains(h.sources.Sources(), body.Source) {
		jsonError(w, fmt.Sprintf("unknown source %q (known: %s)", body.Source, strings.Join(h.sources.Sources(), ", ")),
			http.StatusBadRequest)
		return
	}

	in := model.NewScanTask{UserID: userID, Source: body.Source, URL: body.URL, MaxRetries: body.MaxRetries}
	task, err := h.store.Create(r.Context(), in)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTask) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Errorw("create scan task", "userId", userID, "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	h.log.Infow("scan task enqueued", "taskId", task.ID, "userId", userID, "source", task.Source)
	jsonStatus(w, http.StatusCreated, task)
}

func (h *Handler) listScanTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var status model.ScanStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := scantask.ParseStatus(strings.ToUpper(raw))
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = parsed
	}

	tasks, err := h.store.ListByUser(r.Context(), userID, status, limit)
	if err != nil {
		h.log.Errorw("list scan tasks", "userId", userID, "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.ScanTask{}
	}
	jsonOK(w, tasks)
}

func (h *Handler) getScanTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	task, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.UserID != userID) {
		jsonError(w, "scan task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Errorw("get scan task", "taskId", r.PathValue("id"), "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, task)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	filter := store.JobFilter{
		UserID:     userID,
		ScanTaskID: r.URL.Query().Get("scanTaskId"),
		Limit:      limit,
	}
	if raw := r.URL.Query().Get("enrichmentStatus"); raw != "" {
		status := model.EnrichmentStatus(strings.ToUpper(raw))
		switch status {
		case model.EnrichmentURLExtracted, model.EnrichmentDetailsExtracted, model.EnrichmentFailed:
			filter.EnrichmentStatus = status
		default:
			jsonError(w, fmt.Sprintf("unknown enrichmentStatus %q", raw), http.StatusBadRequest)
			return
		}
	}

	jobs, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.log.Errorw("list jobs", "userId", userID, "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []model.JobRecord{}
	}
	jsonOK(w, jobs)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok", "service": "scan-worker", "version": version}
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warnw("health: store ping failed", "err", err)
		body["status"] = "degraded"
		jsonStatus(w, http.StatusServiceUnavailable, body)
		return
	}
	jsonOK(w, body)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("x-user-id"))
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
