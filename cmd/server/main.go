// Package main implements the classification API server.
//
// Endpoints:
//
//	POST /api/v1/classify          - submit an image, returns {task_id, status}
//	GET  /api/v1/tasks/{id}        - poll the task status
//	GET  /api/v1/tasks/{id}/events - stream status transitions (SSE)
//	POST /api/v1/tasks/{id}/retry  - retry a failed task, optional new image body
//	GET  /api/v1/stats             - queue depths
//	GET  /healthz                  - liveness
//
// Submissions accept either a multipart form with a "file" field or the
// raw image bytes as the request body. The server only accepts and
// reports work; inference itself runs in the worker binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/config"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/coordinator"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/notify"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/queue"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetLevel(cfg.Server.LogLevel)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	st := store.New(rdb, cfg.Tasks.RecordTTL)
	q := queue.New(rdb, cfg.Tasks.QueueCapacity, cfg.Tasks.LeaseTTL)
	notifier := notify.New(rdb, st)
	coord := coordinator.New(st, q, notifier, cfg.Server.MaxUploadBytes)

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("CLASSIFY_SERVER_API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API authentication enabled.")
	}

	router := setupRouter(coord, cfg.Server.APIKey, cfg.Server.KeepAliveInterval)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Log.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

// setupRouter wires the middleware chain and handlers. Split out so the
// handler tests can drive the router without a listening socket.
func setupRouter(coord *coordinator.Coordinator, apiKey string, keepAlive time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	h := &handlers{coord: coord, keepAlive: keepAlive}

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireAPIKey(apiKey))
		r.Post("/classify", h.submit)
		r.Get("/stats", h.stats)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Get("/events", h.events)
			r.Post("/retry", h.retry)
		})
	})

	return r
}

// requireAPIKey enforces X-API-Key authentication. An empty configured
// key disables the check (dev mode).
func requireAPIKey(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey != "" && r.Header.Get("X-API-Key") != requiredKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds the CORS headers the browser frontend needs and
// short-circuits preflight requests.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type handlers struct {
	coord     *coordinator.Coordinator
	keepAlive time.Duration
}

// submit accepts an image and creates a queued task.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	img, err := readImage(r)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	status, err := h.coord.Submit(r.Context(), img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

// status reports the current task state.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.coord.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// events streams status transitions as server-sent events. The first
// event is the current state; the stream closes itself after a terminal
// event. Keep-alive comments go out on a tick so idle proxies do not
// drop the connection while the task sits in the queue.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	updates, err := h.coord.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case status, open := <-updates:
			if !open {
				return
			}
			data, err := json.Marshal(status)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// retry re-queues a failed task. A non-empty request body replaces the
// stored image; an empty body reuses it. The body is read rather than
// sniffed via Content-Length so chunked requests with nothing in them
// still count as a bare retry.
func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	raw, err := readImage(r)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}
	var img []byte
	if len(raw) > 0 {
		img = raw
	}

	status, err := h.coord.Retry(r.Context(), chi.URLParam(r, "id"), img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// stats returns the current queue depths.
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.QueueDepths(r.Context()))
}

// health pings the store.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readImage extracts the image bytes from either a multipart "file"
// field or the raw request body.
func readImage(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing multipart file field: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
