package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/pkg/version"
)

const contentTypeJSON = "application/json"

// MetricsWriter renders metrics in the Prometheus text format.
type MetricsWriter interface {
	WritePrometheus(w io.Writer)
}

// HTTPServer serves metrics and read-only index status over HTTP.
type HTTPServer struct {
	addr    string
	indexes Indexes
	metrics MetricsWriter
	logger  *slog.Logger
	grace   time.Duration
}

// NewHTTPServer creates the HTTP endpoint. metrics may be nil.
func NewHTTPServer(cfg Config, indexes Indexes, metrics MetricsWriter, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = DefaultConfig().ShutdownGracePeriod
	}
	return &HTTPServer{
		addr:    cfg.HTTPAddr,
		indexes: indexes,
		metrics: metrics,
		logger:  logger,
		grace:   grace,
	}
}

// Handler builds the router.
func (h *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Server", version.UserAgent())
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/health", h.handleHealth)
	r.Get("/metrics", h.handleMetrics)
	r.Route("/indexes", func(r chi.Router) {
		r.Get("/", h.handleIndexes)
		r.Get("/{name}", h.handleIndex)
		r.Get("/{name}/entries/{key}", h.handleEntry)
		r.Get("/{name}/errors", h.handleErrors)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down within
// the grace period.
func (h *HTTPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	h.logger.Info("http_listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Short()})
}

func (h *HTTPServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if h.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.metrics.WritePrometheus(w)
}

func (h *HTTPServer) handleIndexes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.indexes.Statuses(r.Context()))
}

func (h *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	ix, err := h.indexes.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := ix.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPServer) handleEntry(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	ix, err := h.indexes.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	v, ok, err := ix.Query(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, QueryResult{Index: name, Key: key})
		return
	}
	writeJSON(w, http.StatusOK, QueryResult{Index: name, Key: key, Found: true, Value: v})
}

func (h *HTTPServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ix, err := h.indexes.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	itemErrs, err := ix.Errors(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ErrorsResult{Index: name, Errors: itemErrs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps amandb error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch amerrors.GetCode(err) {
	case amerrors.ErrCodeIndexNotFound:
		status = http.StatusNotFound
	case amerrors.ErrCodeIndexState, amerrors.ErrCodeCorruptIndex:
		status = http.StatusConflict
	case amerrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  amerrors.GetCode(err),
	})
}
