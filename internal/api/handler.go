package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// submitCounterKey is the rate limit counter for analysis submissions.
const submitCounterKey = "submit"

var validate = validator.New()

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *analysis.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	metrics *metrics.Metrics
	limits  domain.ServerConfig
	version string
}

// NewHandler creates a new API handler.
func NewHandler(cfg domain.ServerConfig, deps Deps, version string) *Handler {
	return &Handler{
		svc:     deps.Service,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		engine:  deps.Engine,
		metrics: deps.Metrics,
		limits:  cfg,
		version: version,
	}
}

// AnalyzeResponse is the response for POST /analyses.
type AnalyzeResponse struct {
	*domain.AnalysisRecord
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"meta"`
}

// CreateAnalysis handles POST /analyses: the dataset is analyzed before responding.
// The body is either a JSON AnalysisRequest or a CSV file (Content-Type: text/csv).
func (h *Handler) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allow(w, r) {
		return
	}

	req, ok := h.decodeAnalysis(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Analyze(ctx, tenantID, req, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := AnalyzeResponse{AnalysisRecord: rec}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// SubmitAnalysis handles POST /analyses/async: the dataset is queued for a worker.
func (h *Handler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allow(w, r) {
		return
	}

	req, ok := h.decodeAnalysis(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Submit(ctx, tenantID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/analyses/"+rec.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     rec.ID,
		"status": rec.Status,
	})
}

// ListAnalyses returns recent analyses for the tenant.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	list, err := h.svc.List(ctx, GetTenantID(ctx), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": list,
		"count":    len(list),
	})
}

// GetAnalysis retrieves an analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analysisID := chi.URLParam(r, "id")

	rec, err := h.svc.Get(ctx, GetTenantID(ctx), analysisID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListRings returns the rings of an analysis, optionally filtered by ?minRisk=.
func (h *Handler) ListRings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analysisID := chi.URLParam(r, "id")

	minRisk := 0.0
	if raw := r.URL.Query().Get("minRisk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "minRisk must be a number between 0 and 100",
			})
			return
		}
		minRisk = v
	}

	rings, err := h.svc.Rings(ctx, GetTenantID(ctx), analysisID, minRisk)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysisId": analysisID,
		"rings":      rings,
		"count":      len(rings),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	probe := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		probe("repository", h.repo.Ping)
	}
	if h.cache != nil {
		probe("cache", h.cache.Ping)
	}
	if h.bus != nil {
		probe("eventBus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression" validate:"required"`
	Weight      float64 `json:"weight" validate:"gte=0,lte=35"`
	Factor      string  `json:"factor,omitempty"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Weight:      req.Weight,
		Factor:      req.Factor,
		Enabled:     req.Enabled,
	}

	// Compile only; the engine picks it up on reload
	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, domain.GlobalTenantID, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule disables a rule and reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteRuleConfig(ctx, domain.GlobalTenantID, ruleID); err != nil {
		h.writeError(w, r, err)
		return
	}

	count, err := h.reload(ctx)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
	}

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rule deleted and engine reloaded.",
		"count":   count,
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	count, err := h.reload(r.Context())
	if err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reload(ctx context.Context) (int, error) {
	dbRules, err := h.repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
	if err != nil {
		return 0, err
	}
	if err := h.engine.ReloadRules(dbRules); err != nil {
		return 0, err
	}
	return len(dbRules), nil
}

// allow enforces the per-tenant submission rate. Counter failures let the request through.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.cache == nil || h.limits.RateLimit <= 0 {
		return true
	}
	window := h.limits.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	tenantID := GetTenantID(r.Context())
	count, err := h.cache.IncrementCounter(r.Context(), tenantID, submitCounterKey, window)
	if err != nil {
		slog.Warn("rate counter unavailable", "tenant_id", tenantID, "error", err)
		return true
	}
	if count <= int64(h.limits.RateLimit) {
		return true
	}

	if h.metrics != nil {
		h.metrics.RateLimited.Inc()
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": "analysis rate limit exceeded",
	})
	return false
}

func (h *Handler) decodeAnalysis(w http.ResponseWriter, r *http.Request) (*domain.AnalysisRequest, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if limit := h.bodyLimit(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if mediaType == "text/csv" {
		opts := ingest.Options{}
		if h.limits.MaxTransactions > 0 {
			// one past the bound so the service reports the overflow
			opts.Limit = h.limits.MaxTransactions + 1
		}
		txs, stats, err := ingest.ReadAll(r.Context(), r.Body, opts)
		if tooLarge(w, err) {
			return nil, false
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid CSV: " + err.Error(),
			})
			return nil, false
		}
		slog.Debug("csv upload parsed",
			"format", stats.Format,
			"rows", stats.Rows,
			"skipped", stats.Skipped,
		)
		return &domain.AnalysisRequest{
			AnalysisID:   r.URL.Query().Get("analysisId"),
			Transactions: txs,
		}, true
	}

	var req domain.AnalysisRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if tooLarge(w, err) {
		return nil, false
	}
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return nil, false
	}
	return &req, true
}

// bytesPerTransaction is the body allowance per transaction, plus
// bodyOverhead for the envelope.
const (
	bytesPerTransaction = 1024
	bodyOverhead        = 64 << 10
)

// bodyLimit derives the request body cap from MaxTransactions; 0 means none.
func (h *Handler) bodyLimit() int64 {
	if h.limits.MaxTransactions <= 0 {
		return 0
	}
	return int64(h.limits.MaxTransactions)*bytesPerTransaction + bodyOverhead
}

// tooLarge writes 413 when err came from an exhausted body limit.
func tooLarge(w http.ResponseWriter, err error) bool {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return false
	}
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
		"error": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
	})
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, analysis.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrNoTransactions),
		errors.Is(err, repository.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, analysis.ErrTooManyTransactions):
		status, msg = http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, repository.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusServiceUnavailable, "analysis cancelled"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
