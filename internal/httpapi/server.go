package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerd/internal/manager"
	"peerd/internal/preload"
	"peerd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels(ctx context.Context) ([]types.Model, error)
	ImportModel(ctx context.Context, req types.ImportRequest) (types.Model, error)
	DeleteModel(ctx context.Context, path string) error
	Estimate(ctx context.Context, path string, contextLength int) (types.EstimateResponse, error)
	Status() types.StatusResponse
	Ready() bool

	Load(ctx context.Context, req manager.LoadRequest) (manager.Result, error)
	CancelLoad() bool
	Unload(ctx context.Context) error
	SubscribeProgress() (<-chan manager.Progress, func())

	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error

	Preload(req types.PreloadRequest) (preload.Decision, error)
	PreloadStatus() types.PreloadResponse
	SubscribePreload() (<-chan types.PreloadResponse, func())

	CacheStats() types.CacheStats
	SubscribeCache() (<-chan types.CacheStats, func())
	ForgetConversation(id int64) bool
	ClearCache()
}

var _ Service = (*manager.Manager)(nil)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	// Compression for JSON endpoints only; /generate and /events stream.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/models", h.listModels)
		r.Delete("/models", h.deleteModel)
		r.Post("/models/import", h.importModel)
		r.Get("/models/estimate", h.estimate)
		r.Get("/status", h.status)
		r.Get("/preload", h.preloadStatus)
		r.Get("/cache/stats", h.cacheStats)
	})

	r.Post("/load", h.load)
	r.Post("/load/cancel", h.cancelLoad)
	r.Post("/unload", h.unload)
	r.Get("/events", h.events)
	r.Post("/generate", h.generate)
	r.Post("/preload", h.preload)
	r.Delete("/cache/{id}", h.forgetConversation)
	r.Delete("/cache", h.clearCache)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports whether decoding
// succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; keep the size out of the message.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// @Summary     List models
// @Tags        models
// @Produce     json
// @Success     200 {object} types.ModelsResponse
// @Router      /models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// @Summary     Import a model file
// @Tags        models
// @Accept      json
// @Produce     json
// @Param       body body types.ImportRequest true "model file"
// @Success     201 {object} types.Model
// @Failure     400 {object} types.ErrorResponse
// @Router      /models/import [post]
func (h *handlers) importModel(w http.ResponseWriter, r *http.Request) {
	var req types.ImportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mdl, err := h.svc.ImportModel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mdl)
}

// @Summary     Remove a model from the catalog
// @Tags        models
// @Accept      json
// @Param       body body types.DeleteModelRequest true "model path"
// @Success     204
// @Failure     404 {object} types.ErrorResponse
// @Failure     409 {object} types.ErrorResponse
// @Router      /models [delete]
func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	var req types.DeleteModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.svc.DeleteModel(r.Context(), req.Path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary     Accelerator estimate for a model
// @Tags        models
// @Produce     json
// @Param       path           query string true  "model path"
// @Param       context_length query int    false "context length"
// @Success     200 {object} types.EstimateResponse
// @Failure     404 {object} types.ErrorResponse
// @Router      /models/estimate [get]
func (h *handlers) estimate(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	ctxLen := 0
	if v := r.URL.Query().Get("context_length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid context_length")
			return
		}
		ctxLen = n
	}
	resp, err := h.svc.Estimate(r.Context(), path, ctxLen)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary     Runtime status
// @Tags        runtime
// @Produce     json
// @Success     200 {object} types.StatusResponse
// @Router      /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// @Summary     Load a model
// @Description Runs the load state machine and answers when it ends. Progress is pushed on /events.
// @Tags        runtime
// @Accept      json
// @Produce     json
// @Param       body body types.LoadRequest true "load request"
// @Success     200 {object} types.LoadResponse
// @Failure     400 {object} types.LoadResponse
// @Failure     409 {object} types.ErrorResponse
// @Failure     499 {object} types.LoadResponse
// @Failure     504 {object} types.LoadResponse
// @Router      /load [post]
func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ContextLength < 0 || req.Threads < 0 || (req.AcceleratorLayers != nil && *req.AcceleratorLayers < 0) {
		writeJSONError(w, http.StatusBadRequest, "context_length, threads and accelerator_layers must not be negative")
		return
	}
	// Loads outlive a disconnected client; POST /load/cancel stops them.
	res, err := h.svc.Load(serverBaseCtx, manager.LoadRequest{
		Path:              req.Path,
		ContextLength:     req.ContextLength,
		Threads:           req.Threads,
		AcceleratorLayers: req.AcceleratorLayers,
	})
	if err != nil {
		status := errorStatus(err)
		if res.OperationID == "" {
			writeJSONError(w, status, err.Error())
			return
		}
		zlog.Info().Str("op", res.OperationID).Int("status", status).Err(err).Msg("load_end")
		writeJSON(w, status, manager.ResultDTO(res, err))
		return
	}
	writeJSON(w, http.StatusOK, manager.ResultDTO(res, nil))
}

// @Summary     Cancel the running load
// @Tags        runtime
// @Success     202
// @Failure     409 {object} types.ErrorResponse
// @Router      /load/cancel [post]
func (h *handlers) cancelLoad(w http.ResponseWriter, r *http.Request) {
	if !h.svc.CancelLoad() {
		writeJSONError(w, http.StatusConflict, "no load in progress")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// @Summary     Unload the resident model
// @Tags        runtime
// @Success     204
// @Failure     409 {object} types.ErrorResponse
// @Router      /unload [post]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// countingWriter records whether any byte reached the client.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// @Summary     Stream a completion
// @Description Streams NDJSON: one chunk per token, then a final chunk with done and metrics.
// @Tags        generate
// @Accept      json
// @Produce     application/x-ndjson
// @Param       body body types.GenerateRequest true "generation request"
// @Success     200 {object} types.GenerateChunk
// @Failure     400 {object} types.ErrorResponse
// @Failure     409 {object} types.ErrorResponse
// @Failure     429 {object} types.ErrorResponse
// @Router      /generate [post]
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	start := time.Now()
	rid := middleware.GetReqID(r.Context())
	cw := &countingWriter{w: w}
	writer := io.Writer(cw)
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(cw, &loggingLineWriter{log: zlog, requestID: rid})
	}
	if lvl >= LevelInfo {
		zlog.Info().Str("path", r.URL.Path).Int64("conversation", req.ConversationID).Str("request_id", rid).Msg("generate_start")
	}
	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if generateTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(generateTimeout)*time.Second)
		defer tcancel()
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	err := h.svc.Generate(ctx, req, writer, flush)
	status := http.StatusOK
	if err != nil {
		// If context was canceled (client disconnect), just return.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		status = errorStatus(err)
		if cw.n == 0 {
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("queue")
			}
			writeJSONError(w, status, err.Error())
		}
	}
	if lvl >= LevelInfo || (lvl >= LevelError && err != nil) {
		zlog.Info().Int("status", status).Dur("dur", time.Since(start)).Str("request_id", rid).Err(err).Msg("generate_end")
	}
}

// @Summary     Schedule a background preload
// @Tags        preload
// @Accept      json
// @Produce     json
// @Param       body body types.PreloadRequest true "preload request"
// @Success     202 {object} types.PreloadDecision
// @Success     200 {object} types.PreloadDecision
// @Router      /preload [post]
func (h *handlers) preload(w http.ResponseWriter, r *http.Request) {
	var req types.PreloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.svc.Preload(req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if d.Skipped() {
		status = http.StatusOK
	}
	writeJSON(w, status, types.PreloadDecision{Path: d.Path, Queued: d.Queued, Reason: string(d.Reason)})
}

// @Summary     Preload status
// @Tags        preload
// @Produce     json
// @Success     200 {object} types.PreloadResponse
// @Router      /preload [get]
func (h *handlers) preloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.PreloadStatus())
}

// @Summary     Conversation cache statistics
// @Tags        cache
// @Produce     json
// @Success     200 {object} types.CacheStats
// @Router      /cache/stats [get]
func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CacheStats())
}

// @Summary     Drop one conversation's cached state
// @Tags        cache
// @Param       id path int true "conversation id"
// @Success     204
// @Failure     404 {object} types.ErrorResponse
// @Router      /cache/{id} [delete]
func (h *handlers) forgetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if !h.svc.ForgetConversation(id) {
		writeJSONError(w, http.StatusNotFound, "conversation not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary     Drop every cached conversation state
// @Tags        cache
// @Success     204
// @Router      /cache [delete]
func (h *handlers) clearCache(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
