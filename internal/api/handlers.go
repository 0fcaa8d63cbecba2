// Package api exposes the portal's REST surface on a chi router.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/api/gateway"
	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/ingestion"
	"github.com/lvonguyen/iocforge/internal/mitre"
	"github.com/lvonguyen/iocforge/internal/pipeline"
	"github.com/lvonguyen/iocforge/internal/repository"
)

// Store is the read side of the repository plus job control.
type Store interface {
	Ping(ctx context.Context) error
	GetIOC(ctx context.Context, id string) (*entity.IOC, error)
	ListIOCs(ctx context.Context, f repository.Filter) (*repository.IOCPage, error)
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	ResetJob(ctx context.Context, id string) (*entity.Job, error)
	Overview(ctx context.Context) (*repository.Overview, error)
	Campaigns(ctx context.Context) ([]repository.CampaignStat, error)
}

// Ingester accepts CSV uploads.
type Ingester interface {
	Ingest(ctx context.Context, req ingestion.Request) (*ingestion.Summary, error)
	Limits() ingestion.Limits
}

// Enricher runs a synchronous enrichment pass.
type Enricher interface {
	Enrich(ctx context.Context, ioc entity.IOC) (*pipeline.Outcome, error)
}

// Queue schedules enrichment jobs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Deps wires the handler. UploadLimiter and Cache may be nil.
type Deps struct {
	Store         Store
	Ingester      Ingester
	Enricher      Enricher
	Queue         Queue
	Registry      *enrichment.Registry
	Cache         cache.Cache
	UploadLimiter *gateway.RateLimiter
	Logger        *zap.Logger
	Version       string
}

// Handler serves the REST API.
type Handler struct {
	store    Store
	ingester Ingester
	enricher Enricher
	queue    Queue
	registry *enrichment.Registry
	cache    cache.Cache
	limiter  *gateway.RateLimiter
	attack   *mitre.Framework
	logger   *zap.Logger
	version  string
}

// New creates a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    d.Store,
		ingester: d.Ingester,
		enricher: d.Enricher,
		queue:    d.Queue,
		registry: d.Registry,
		cache:    d.Cache,
		limiter:  d.UploadLimiter,
		attack:   mitre.NewFramework(),
		logger:   logger.With(zap.String("component", "api")),
		version:  d.Version,
	}
}

// Register mounts health endpoints at the root and the API under /api/v1.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Route("/api/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.With(h.limiter.Middleware).Post("/upload", h.upload)
		} else {
			r.Post("/upload", h.upload)
		}

		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/enrich", h.requeueJob)

		r.Route("/iocs", func(r chi.Router) {
			r.Get("/", h.listIOCs)
			r.Get("/{id}", h.getIOC)
			r.Post("/{id}/enrich", h.enrichIOC)
			r.Get("/{id}/attack", h.attackMappings)
		})

		r.Get("/stats/overview", h.overview)
		r.Get("/stats/campaigns", h.campaigns)
		r.Get("/providers", h.providers)

		r.Get("/cache/ttl", h.getCacheTTL)
		r.Put("/cache/ttl", h.setCacheTTL)
		r.Delete("/cache", h.clearCache)
	})
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": h.version})
}

// ready requires a reachable store and at least one ready provider.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "providers": "ok"}
	ok := true

	if err := h.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		ok = false
	}
	n := len(h.registry.Ready())
	if n == 0 {
		checks["providers"] = pipeline.ErrNoProvidersReady.Error()
		ok = false
	}

	status := http.StatusOK
	state := "ready"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks, "providers_ready": n})
}

// =============================================================================
// Upload and jobs
// =============================================================================

// multipartOverhead leaves room for form boundaries and small fields.
const multipartOverhead = 1 << 20

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	limits := h.ingester.Limits()
	if limits.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBytes+multipartOverhead)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeErr(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required", err.Error())
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "file must be a CSV", header.Filename)
		return
	}

	summary, err := h.ingester.Ingest(r.Context(), ingestion.Request{
		Filename:   filepath.Base(header.Filename),
		UploadedBy: r.FormValue("uploaded_by"),
		MimeType:   header.Header.Get("Content-Type"),
		Size:       header.Size,
		Body:       file,
		CampaignID: strings.TrimSpace(r.FormValue("campaign_id")),
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// jobView adds the derived progress percentage.
type jobView struct {
	*entity.Job
	Progress float64 `json:"progress_percentage"`
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{Job: job, Progress: job.Progress()})
}

// requeueJob forces another run of a job that is not currently running.
func (h *Handler) requeueJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if job.Status == entity.JobStatusRunning {
		writeError(w, http.StatusConflict, "job is already running", nil)
		return
	}

	job, err = h.store.ResetJob(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), id); err != nil {
		h.writeErr(w, r, fmt.Errorf("enqueue job %s: %w", id, err))
		return
	}
	writeJSON(w, http.StatusAccepted, jobView{Job: job, Progress: job.Progress()})
}

// =============================================================================
// IOCs
// =============================================================================

func (h *Handler) listIOCs(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	page, err := h.store.ListIOCs(r.Context(), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func filterFromQuery(r *http.Request) (repository.Filter, error) {
	q := r.URL.Query()
	f := repository.Filter{
		Query:          q.Get("q"),
		Type:           entity.IOCType(q.Get("type")),
		Classification: entity.Classification(q.Get("classification")),
		SourcePlatform: q.Get("source_platform"),
		CampaignID:     q.Get("campaign_id"),
		RiskBand:       entity.RiskBand(q.Get("risk_band")),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("unknown type %q", f.Type)
	}
	if f.Classification != "" && !f.Classification.Valid() {
		return f, fmt.Errorf("unknown classification %q", f.Classification)
	}
	if f.RiskBand != "" && !f.RiskBand.Valid() {
		return f, fmt.Errorf("unknown risk_band %q", f.RiskBand)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"page", &f.Page},
		{"page_size", &f.PageSize},
	}
	for _, p := range ints {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return f, fmt.Errorf("%s must be a positive integer", p.name)
			}
			*p.dst = n
		}
	}
	if v := q.Get("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return f, errors.New("min_score must be an integer between 0 and 100")
		}
		f.MinScore = &n
	}
	return f, nil
}

func (h *Handler) getIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := h.store.GetIOC(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

func (h *Handler) enrichIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := h.store.GetIOC(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	outcome, err := h.enricher.Enrich(r.Context(), *ioc)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) attackMappings(w http.ResponseWriter, r *http.Request) {
	ioc, err := h.store.GetIOC(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	mappings := h.attack.MapIOC(*ioc)
	if mappings == nil {
		mappings = []mitre.Mapping{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ioc_id":   ioc.ID,
		"mappings": mappings,
		"count":    len(mappings),
	})
}

// =============================================================================
// Stats and providers
// =============================================================================

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.Overview(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) campaigns(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Campaigns(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if c == nil {
		c = []repository.CampaignStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": c, "count": len(c)})
}

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	status := h.registry.Status()
	if status == nil {
		status = []enrichment.ProviderStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": status, "count": len(status)})
}

// =============================================================================
// Cache administration
// =============================================================================

type ttlView struct {
	Positive        string `json:"positive"`
	Negative        string `json:"negative"`
	PositiveSeconds int64  `json:"positive_seconds"`
	NegativeSeconds int64  `json:"negative_seconds"`
}

func newTTLView(s cache.TTLSettings) ttlView {
	return ttlView{
		Positive:        s.Positive.String(),
		Negative:        s.Negative.String(),
		PositiveSeconds: int64(s.Positive / time.Second),
		NegativeSeconds: int64(s.Negative / time.Second),
	}
}

// ttlRequest takes Go duration strings; an omitted window keeps its value.
type ttlRequest struct {
	Positive string `json:"positive"`
	Negative string `json:"negative"`
}

func (h *Handler) requireCache(w http.ResponseWriter) bool {
	if h.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "result cache is disabled", nil)
		return false
	}
	return true
}

func (h *Handler) getCacheTTL(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ttl":   newTTLView(h.cache.TTL()),
		"stats": h.cache.Stats(),
	})
}

func (h *Handler) setCacheTTL(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	var req ttlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	current := h.cache.TTL()
	positive, err := parseTTL(req.Positive, current.Positive)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid positive ttl", err.Error())
		return
	}
	negative, err := parseTTL(req.Negative, current.Negative)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid negative ttl", err.Error())
		return
	}

	if err := h.cache.SetTTL(r.Context(), positive, negative); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.logger.Info("Cache TTL updated",
		zap.Duration("positive", positive),
		zap.Duration("negative", negative))
	writeJSON(w, http.StatusOK, map[string]any{"ttl": newTTLView(h.cache.TTL())})
}

func parseTTL(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	if err := h.cache.Clear(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.logger.Info("Result cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
