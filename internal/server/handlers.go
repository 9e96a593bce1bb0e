package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tjddbs0401/nlp-trading-platform/internal/analytics"
	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/ingest"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/worker"
)

const defaultJobListLimit = 50

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Handlers implements the pipeline API endpoints
type Handlers struct {
	jobsDB      *database.DB
	analyticsDB *database.DB
	store       *jobs.Store
	producer    *jobs.Producer
	metrics     *jobs.MetricsTracker
	aggregator  *analytics.Aggregator
	ingest      *ingest.Writer
	startedAt   time.Time
	log         zerolog.Logger
}

// NewHandlers creates the API handlers from server configuration
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		jobsDB:      cfg.JobsDB,
		analyticsDB: cfg.AnalyticsDB,
		store:       cfg.Store,
		producer:    cfg.Producer,
		metrics:     cfg.Metrics,
		aggregator:  cfg.Aggregator,
		ingest:      cfg.Ingest,
		startedAt:   time.Now(),
		log:         cfg.Log.With().Str("component", "handlers").Logger(),
	}
}

// HandleHealth reports service and database health plus host load
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	dbStatus := map[string]string{}
	for name, db := range map[string]*database.DB{"jobs": h.jobsDB, "analytics": h.analyticsDB} {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			dbStatus[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			dbStatus[name] = "ok"
		}
	}

	cpuPct, memPct := hostStats(h.log)
	h.writeJSON(w, code, map[string]any{
		"status":         status,
		"service":        "sentiment-pipeline",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"databases":      dbStatus,
		"cpu_percent":    cpuPct,
		"memory_percent": memPct,
	})
}

// hostStats samples CPU and RAM usage. Short CPU interval so the endpoint
// stays fast for pollers.
func hostStats(log zerolog.Logger) (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// HandleStats reports job state counts and scheduler metrics
// GET /api/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountsByState()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      counts,
		"scheduler": h.metrics.Snapshot(),
	})
}

type objectEventRequest struct {
	Container string `json:"container"`
	Key       string `json:"key"`
}

// HandleObjectEvent accepts an object arrival notification and enqueues the
// processing job for it. Duplicate notifications resolve to the same job.
// POST /api/events
func (h *Handlers) HandleObjectEvent(w http.ResponseWriter, r *http.Request) {
	var req objectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	jobID, created, err := h.producer.Submit(req.Container, req.Key)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	h.writeJSON(w, code, map[string]any{
		"job_id":  jobID,
		"created": created,
	})
}

type ingestRequest struct {
	Records []worker.Record `json:"records"`
}

// HandleIngest lands a batch of texts in raw storage and enqueues its job
// POST /api/ingest
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	jobID, key, err := h.ingest.WriteBatch(r.Context(), req.Records)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":  jobID,
		"key":     key,
		"records": len(req.Records),
	})
}

// HandleListJobs lists jobs in a state, oldest first
// GET /api/jobs?state=PENDING&limit=50
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	state := jobs.State(r.URL.Query().Get("state"))
	if state == "" {
		state = jobs.StatePending
	}
	if !state.Valid() {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid state"))
		return
	}

	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	list, err := h.store.ScanByState(state, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"jobs":  list,
	})
}

// HandleGetJob returns a single job
// GET /api/jobs/{jobID}
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// HandleReprocessJob returns a terminal job to the queue
// POST /api/jobs/{jobID}/reprocess
func (h *Handlers) HandleReprocessJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.producer.Reprocess(jobID); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeError(w, http.StatusConflict, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": "requeued",
	})
}

// HandleGetSummaries returns a date's per-symbol summaries
// GET /api/summaries/{date}
func (h *Handlers) HandleGetSummaries(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !dateRe.MatchString(date) {
		h.writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}

	rows, err := h.aggregator.SummariesForDate(date)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []analytics.SummaryRow{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"date":      date,
		"summaries": rows,
	})
}

// HandleExportSummaries exports a date's summaries as CSV to storage
// POST /api/summaries/{date}/export
func (h *Handlers) HandleExportSummaries(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !dateRe.MatchString(date) {
		h.writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}

	key, err := h.aggregator.ExportDaily(r.Context(), date, time.Now().UTC())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if key == "" {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "no_data", "date": date})
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "exported", "key": key})
}

// HandleRebuildSummaries refolds a date's summaries from curated storage
// POST /api/summaries/{date}/rebuild
func (h *Handlers) HandleRebuildSummaries(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !dateRe.MatchString(date) {
		h.writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}

	if err := h.aggregator.RebuildDate(r.Context(), date); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt", "date": date})
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
