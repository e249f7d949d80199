// Package server exposes the secure prediction pipeline over HTTP and a
// websocket stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/metrics"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/trust"
)

const (
	defaultMaxBody   = 8 << 20
	defaultRecentCap = 100
)

// MetricsInterface defines metrics methods needed by the server
type MetricsInterface interface {
	HTTPRequestsInc(route string, code int)
	StreamConnections() metrics.MetricsGauge
	ErrorsTotal() metrics.MetricsCounter
}

// DecisionReader is the read side of the audit trail.
type DecisionReader interface {
	RecentDecisions(limit int) ([]storage.Decision, error)
	Stats() (storage.DecisionStats, error)
}

// ModelManager swaps artifact bundles in the running dispatcher.
type ModelManager interface {
	Reload() (ml.ArtifactVersion, error)
	Rollback() (ml.ArtifactVersion, error)
	Versions() []ml.ArtifactVersion
}

// SubmitRequest is one signed record plus an optional model id.
type SubmitRequest struct {
	trust.SignedRecord
	Model string `json:"model,omitempty"`
}

// BatchRequest carries several signed records scored by one model.
type BatchRequest struct {
	Records []trust.SignedRecord `json:"records"`
	Model   string               `json:"model,omitempty"`
}

type BatchResponse struct {
	Results []secure.Result `json:"results"`
}

// ModelInfo describes the loaded artifacts.
type ModelInfo struct {
	Version      string                     `json:"version"`
	TrainedAt    time.Time                  `json:"trained_at,omitempty"`
	RawWidth     int                        `json:"raw_width"`
	Indices      []int                      `json:"indices"`
	Features     []string                   `json:"features,omitempty"`
	Models       []string                   `json:"models"`
	DefaultModel string                     `json:"default_model"`
	BestModel    string                     `json:"best_model,omitempty"`
	Comparison   map[string]ml.ModelMetrics `json:"comparison,omitempty"`
}

type Health struct {
	Healthy    bool   `json:"healthy"`
	Version    string `json:"version"`
	Models     int    `json:"models"`
	Identities int    `json:"identities"`
}

type DecisionsResponse struct {
	Stats     storage.DecisionStats `json:"stats"`
	Decisions []storage.Decision    `json:"decisions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes API requests to the secure service. Handlers hold no
// per-request state beyond the request itself.
type Server struct {
	svc      *secure.Service
	store    DecisionReader
	models   ModelManager
	metrics  MetricsInterface
	gatherer prometheus.Gatherer
	timeout  time.Duration
	maxBody  int64
	upgrader websocket.Upgrader
	server   *http.Server
}

type Option func(*Server)

func WithStore(store DecisionReader) Option {
	return func(s *Server) { s.store = store }
}

// WithModelManager enables the versions endpoint and the admin reload and
// rollback endpoints.
func WithModelManager(m ModelManager) Option {
	return func(s *Server) { s.models = m }
}

func WithMetrics(m MetricsInterface) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer selects the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func New(svc *secure.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		gatherer: prometheus.DefaultGatherer,
		timeout:  5 * time.Second,
		maxBody:  defaultMaxBody,
		// A nil CheckOrigin rejects browser requests from other hosts;
		// sensors and the CLI send no Origin header.
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the public API router. It never changes which artifacts
// are served.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/predict", s.handlePredict)
		r.Post("/predict/batch", s.handleBatch)
		r.Get("/model", s.handleModelInfo)
		r.Get("/model/versions", s.handleModelVersions)
		r.Get("/drift", s.handleDrift)
		r.Get("/decisions", s.handleDecisions)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// AdminHandler builds the operator router served on the metrics port. It
// adds artifact reload and rollback, which must not be reachable by
// submitting sensors.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/model/versions", s.handleModelVersions)
		r.Post("/model/reload", s.handleModelReload)
		r.Post("/model/rollback", s.handleModelRollback)
		r.Get("/drift", s.handleDrift)
	})
	return r
}

// Start begins serving HTTP requests
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	log.Info().Str("addr", s.server.Addr).Msg("starting sentinel API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.svc.Submit(ctx, req.SignedRecord, req.Model)
	if err != nil {
		s.countError()
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req.Records) > common.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d exceeds limit %d", len(req.Records), common.MaxBatchSize))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	results := s.svc.BatchSubmit(ctx, req.Records, req.Model)
	if results == nil {
		results = []secure.Result{}
	}
	writeJSON(w, http.StatusOK, BatchResponse{Results: results})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	d := s.svc.Dispatcher()
	a := d.Artifacts()
	writeJSON(w, http.StatusOK, ModelInfo{
		Version:      a.Scaler.Version,
		TrainedAt:    a.Manifest.TrainedAt,
		RawWidth:     a.Scaler.Width(),
		Indices:      a.Mask.Indices,
		Features:     a.Mask.Names,
		Models:       d.Models(),
		DefaultModel: s.svc.DefaultModel(),
		BestModel:    a.Manifest.BestModel,
		Comparison:   a.Comparison,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Version:    s.svc.Dispatcher().Artifacts().Scaler.Version,
		Models:     len(s.svc.Dispatcher().Models()),
		Identities: len(s.svc.Gate().Registry().Identities()),
	}
	h.Healthy = h.Models > 0 && h.Identities > 0

	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	limit := defaultRecentCap
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	stats, err := s.store.Stats()
	if err != nil {
		s.countError()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	decisions, err := s.store.RecentDecisions(limit)
	if err != nil {
		s.countError()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decisions == nil {
		decisions = []storage.Decision{}
	}
	writeJSON(w, http.StatusOK, DecisionsResponse{Stats: stats, Decisions: decisions})
}

func (s *Server) countError() {
	if s.metrics != nil {
		s.metrics.ErrorsTotal().Inc()
	}
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trust.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, ml.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, ml.ErrFeatureCount), errors.Is(err, ml.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.HTTPRequestsInc(route, code)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
