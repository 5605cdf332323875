package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"echovault/server/internal/config"
	"echovault/server/internal/memory"
	"echovault/server/internal/observability"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handlers struct {
	config    *config.Config
	coord     *memory.Coordinator
	lifecycle *memory.Lifecycle
	hub       *observability.EventHub
	logger    zerolog.Logger
}

func NewHandlers(cfg *config.Config, coord *memory.Coordinator, lifecycle *memory.Lifecycle, hub *observability.EventHub, logger zerolog.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		coord:     coord,
		lifecycle: lifecycle,
		hub:       hub,
		logger:    logger.With().Str("component", "web").Logger(),
	}
}

// NewRouter builds the HTTP surface for the memory tools.
func NewRouter(cfg *config.Config, coord *memory.Coordinator, lifecycle *memory.Lifecycle, hub *observability.EventHub, metrics *observability.Metrics, logger zerolog.Logger) *chi.Mux {
	h := NewHandlers(cfg, coord, lifecycle, hub, logger)

	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			h.logger.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	})
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws/events", h.Events)

	r.Route("/api/v1/memories", func(r chi.Router) {
		r.Post("/", h.StoreMemory)
		r.Post("/search", h.SearchMemories)
		r.Get("/tag/{tag}", h.SearchByTag)
		r.Get("/stats", h.GetStats)
		r.Post("/summarize", h.SummarizeOld)
		r.Post("/purge", h.Purge)
		r.Post("/backfill", h.Backfill)
		r.Get("/{id}", h.GetMemory)
		r.Delete("/{id}", h.DeleteMemory)
	})

	return r
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "echovault",
	})
}

// Events upgrades the connection and attaches it to the observability hub.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.Register(uuid.NewString(), conn)
}

type storeRequest struct {
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Importance *float64 `json:"importance"`
}

func (h *Handlers) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}

	id, err := h.coord.Store(r.Context(), req.Content, req.Tags, importance)
	if err != nil {
		h.logger.Error().Err(err).Msg("store failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"memory_id": id,
	})
}

type searchRequest struct {
	Query               string   `json:"query"`
	Limit               int      `json:"limit"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

func (h *Handlers) SearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	threshold := 0.3
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	results, err := h.coord.Search(r.Context(), req.Query, req.Limit, threshold)
	if err != nil {
		if errors.Is(err, memory.ErrEmbeddingUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "similarity search unavailable, use tag search")
			return
		}
		h.logger.Error().Err(err).Msg("search failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	memories := make([]map[string]interface{}, 0, len(results))
	for _, m := range results {
		memories = append(memories, map[string]interface{}{
			"id":         m.ID,
			"content":    m.Content,
			"tags":       m.Tags,
			"importance": m.Importance,
			"created_at": m.CreatedAt,
			"score":      m.Score,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"results_found": len(memories),
		"memories":      memories,
	})
}

func (h *Handlers) SearchByTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := h.coord.SearchByTag(r.Context(), tag, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("tag search failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	memories := make([]map[string]interface{}, 0, len(results))
	for _, m := range results {
		memories = append(memories, map[string]interface{}{
			"id":         m.ID,
			"content":    m.Content,
			"tags":       m.Tags,
			"importance": m.Importance,
			"created_at": m.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"tag":           tag,
		"results_found": len(memories),
		"memories":      memories,
	})
}

func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.coord.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Delete(r.Context(), id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":   false,
				"memory_id": id,
				"message":   "memory not found",
			})
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("delete failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"memory_id": id,
	})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coord.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	health := make(map[string]string, len(stats.BackendHealth))
	for backend, state := range stats.BackendHealth {
		health[backend] = state.String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"record_count":     stats.RecordCount,
		"summary_count":    stats.SummaryCount,
		"pending_backfill": stats.PendingBackfill,
		"orphaned_blobs":   stats.OrphanedBlobs,
		"backend_health":   health,
	})
}

type summarizeRequest struct {
	AgeThresholdDays *int `json:"age_threshold_days"`
}

func (h *Handlers) SummarizeOld(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	days := h.config.Lifecycle.AgeThresholdDays
	if req.AgeThresholdDays != nil {
		days = *req.AgeThresholdDays
	}
	age := time.Duration(days) * 24 * time.Hour

	report, err := h.lifecycle.SummarizeOld(r.Context(), age, h.config.Lifecycle.MinBatch, h.config.Lifecycle.MaxBatch)
	if err != nil {
		h.logger.Error().Err(err).Msg("summarization failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"batches_created": report.BatchesCreated,
		"records_retired": report.RecordsRetired,
		"deferred":        report.Deferred,
	})
}

func (h *Handlers) Purge(w http.ResponseWriter, r *http.Request) {
	purged, err := h.lifecycle.Purge(r.Context(), h.config.Lifecycle.RetentionDays)
	if err != nil {
		h.logger.Error().Err(err).Msg("purge failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"purged":  purged,
	})
}

func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	report, err := h.coord.Backfill(r.Context(), 0)
	if err != nil {
		h.logger.Error().Err(err).Msg("backfill failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"embeddings_filled": report.EmbeddingsFilled,
		"index_repopulated": report.IndexRepopulated,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
