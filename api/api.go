// Package api serves the stored records and watcher diagnostics over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dhcgn/espwatch/metrics"
	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/store"
)

const (
	DefaultLimit = store.DefaultLimit
	MaxLimit     = 500
)

// Options configures the router. Store is required.
type Options struct {
	Store          store.Store
	TestAddress    string
	SubjectToken   string
	AllowedOrigins []string
	// Status, when set, backs GET /watcher.
	Status func() any
	Logger *slog.Logger
}

type handler struct {
	store   store.Store
	address string
	token   string
	status  func() any
	logger  *slog.Logger
}

type statsResponse struct {
	Total int64                 `json:"total"`
	ByESP []store.ProviderCount `json:"byEsp"`
}

type testInfoResponse struct {
	TestMailAddress  string `json:"testMailAddress"`
	TestSubjectToken string `json:"testSubjectToken"`
}

type healthResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter returns the HTTP handler. Every route is reachable both at the
// root and below /api.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{
		store:   opts.Store,
		address: opts.TestAddress,
		token:   opts.SubjectToken,
		status:  opts.Status,
		logger:  logger,
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Group(h.routes)
	r.Route("/api", h.routes)
	r.Handle("/metrics", metrics.Handler())

	return r
}

func (h *handler) routes(r chi.Router) {
	r.Get("/emails", h.listEmails)
	r.Get("/emails/{id}", h.getEmail)
	r.Get("/stats", h.stats)
	r.Get("/health", h.health)
	r.Get("/test-info", h.testInfo)
	r.Get("/watcher", h.watcher)
}

func (h *handler) listEmails(w http.ResponseWriter, r *http.Request) {
	limit := ParseLimit(r.URL.Query().Get("limit"))
	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "listing emails", err)
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) getEmail(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "email not found"})
		return
	}
	if err != nil {
		h.fail(w, r, "loading email", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.Count(r.Context())
	if err != nil {
		h.fail(w, r, "counting emails", err)
		return
	}
	byESP, err := h.store.CountByProvider(r.Context())
	if err != nil {
		h.fail(w, r, "grouping emails", err)
		return
	}
	if byESP == nil {
		byESP = []store.ProviderCount{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Total: total, ByESP: byESP})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("storage ping failed", "err", err, "request_id", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (h *handler) testInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, testInfoResponse{TestMailAddress: h.address, TestSubjectToken: h.token})
}

func (h *handler) watcher(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "watcher is not running"})
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	h.logger.Error(what+" failed", "err", err, "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// ParseLimit turns the limit query value into a row count: missing, invalid
// or non-positive values give DefaultLimit and large values are capped at
// MaxLimit.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
