package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
	runsTimeout       = 3 * time.Second
)

// RunRepository reads recent run history.
type RunRepository interface {
	GetRun(ctx context.Context, runID string) (store.Run, error)
	ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error)
	ListSites(ctx context.Context, runID string, limit, offset int) ([]store.SiteStats, error)
	Events(ctx context.Context, runID string) ([]progress.Event, error)
}

// RunsHandler exposes read-only run history endpoints.
type RunsHandler struct {
	repo    RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger.
func NewRunsHandler(repo RunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, or 503 when no
// repository is configured.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := store.ParseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} or 404.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		h.fail(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunSites handles GET /v1/runs/{run_id}/sites?limit=&offset=.
func (h *RunsHandler) ListRunSites(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sites, err := h.repo.ListSites(ctx, runID, limit, offset)
	if err != nil {
		h.fail(w, "list run sites", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": toSiteDTOs(sites)})
}

// ListRunEvents handles GET /v1/runs/{run_id}/events, the run's progress
// trail including every discovery attempt.
func (h *RunsHandler) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.Events(ctx, runID)
	if err != nil {
		h.fail(w, "list run events", err)
		return
	}
	out := make([]eventDTO, 0, len(events))
	for _, evt := range events {
		out = append(out, toEventDTO(evt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *RunsHandler) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return "", false
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return "", false
	}
	return runID, true
}

func (h *RunsHandler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type runDTO struct {
	RunID      string     `json:"run_id"`
	EntryURL   string     `json:"entry_url"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	Pages      int        `json:"pages"`
	Failed     int        `json:"failed"`
	Conflicts  int        `json:"heading_conflicts"`
	Error      string     `json:"error,omitempty"`
}

type siteDTO struct {
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Fetched    int64     `json:"fetched"`
	Failed     int64     `json:"failed"`
	BytesTotal int64     `json:"bytes_total"`
}

type eventDTO struct {
	TS       time.Time `json:"ts"`
	Stage    string    `json:"stage"`
	URL      string    `json:"url,omitempty"`
	Strategy string    `json:"strategy,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Count    int       `json:"count,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Method   string    `json:"method,omitempty"`
	DurMs    int64     `json:"duration_ms,omitempty"`
	Note     string    `json:"note,omitempty"`
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		RunID:      run.RunID,
		EntryURL:   run.EntryURL,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Strategy:   run.Strategy,
		Pages:      run.Pages,
		Failed:     run.Failed,
		Conflicts:  run.Conflicts,
		Error:      run.Error,
	}
}

func toSiteDTOs(in []store.SiteStats) []siteDTO {
	out := make([]siteDTO, 0, len(in))
	for _, s := range in {
		out = append(out, siteDTO{
			Site:       s.Site,
			LastUpdate: s.LastUpdate,
			Fetched:    s.Fetched,
			Failed:     s.Failed,
			BytesTotal: s.BytesTotal,
		})
	}
	return out
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		TS:       evt.TS,
		Stage:    string(evt.Stage),
		URL:      evt.URL,
		Strategy: evt.Strategy,
		Outcome:  evt.Outcome,
		Count:    evt.Count,
		Bytes:    evt.Bytes,
		Method:   evt.Method,
		DurMs:    evt.Dur.Milliseconds(),
		Note:     evt.Note,
	}
}
