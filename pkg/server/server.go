// Package server serves records over the paged list API consumed by
// store.Remote.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/vulnview/pkg/client"
	"github.com/exploopio/vulnview/pkg/compress"
	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/ingest"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/store"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// Config holds server configuration.
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	Logger  *slog.Logger      `yaml:"-" json:"-"`
	Metrics metrics.Collector `yaml:"-" json:"-"`
}

// DefaultConfig returns default server config.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8787",
		BasePath:          client.DefaultBasePath,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Server answers list, detail and summary requests from the current
// backend. The backend can be swapped while serving.
type Server struct {
	cfg     Config
	mu      sync.RWMutex
	backend store.Backend
	handler http.Handler
}

// New creates a server over b. Zero fields of cfg take their defaults.
func New(b store.Backend, cfg *Config) *Server {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.BasePath == "" {
		c.BasePath = def.BasePath
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Metrics = metrics.OrNop(c.Metrics)

	s := &Server{cfg: c, backend: b}
	s.handler = s.routes()
	return s
}

// Backend returns the backend currently served.
func (s *Server) Backend() store.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// SetBackend replaces the served backend. In-flight requests finish on the
// old one.
func (s *Server) SetBackend(b store.Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	base := s.cfg.BasePath

	s.handle(mux, "GET "+base+"/vulns", "list", s.list)
	s.handle(mux, "GET "+base+"/vulns/{id}", "get", s.get)
	s.handle(mux, "GET "+base+"/summary", "summary", s.summary)
	s.handle(mux, "GET /health", "health", s.health)
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	return mux
}

// handle registers h under pattern, recording request metrics by route.
func (s *Server) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		status := fmt.Sprint(rec.status)
		s.cfg.Metrics.CounterInc(metrics.HTTPRequestsTotal.Name, "route", route, "status", status)
		s.cfg.Metrics.HistogramObserve(metrics.HTTPRequestDuration.Name, time.Since(start).Seconds(), "route", route)
		s.cfg.Logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes data as JSON, compressed with the best encoding the
// request accepts.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	alg := acceptedEncoding(r.Header.Get("Accept-Encoding"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Vary", "Accept-Encoding")
	if enc := alg.ContentEncoding(); enc != "" {
		w.Header().Set("Content-Encoding", enc)
	}
	w.WriteHeader(status)

	zw, err := compress.NewWriter(w, alg, compress.LevelFastest)
	if err != nil {
		return
	}
	_ = json.NewEncoder(zw).Encode(data)
	_ = zw.Close()
}

// acceptedEncoding picks zstd over gzip. Encodings refused with q=0 are
// skipped.
func acceptedEncoding(header string) compress.Algorithm {
	gzip := false
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case compress.AlgorithmZSTD.ContentEncoding():
			return compress.AlgorithmZSTD
		case compress.AlgorithmGzip.ContentEncoding():
			gzip = true
		}
	}
	if gzip {
		return compress.AlgorithmGzip
	}
	return compress.AlgorithmNone
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.IsNotFoundError(err):
		status, msg = http.StatusNotFound, "not found"
	case errors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case errors.IsCanceled(err):
		// Client closed the request.
		status = 499
	default:
		s.cfg.Logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, r, status, errorResponse{Error: msg})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	p, err := client.ParseListParams(r.URL.Query())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	b := s.Backend()
	total, err := b.Count(r.Context(), &p.Filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	results := []vuln.Record{}
	if p.Limit > 0 {
		results, err = b.Query(r.Context(), p.Filters, p.Offset, p.Limit, p.Sort)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	respondJSON(w, r, http.StatusOK, client.ListResponse{Total: total, Results: results})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	g, ok := s.Backend().(store.Getter)
	if !ok {
		s.respondError(w, r, errors.ErrNotFound)
		return
	}
	rec, err := g.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, rec)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Backend().Summarize(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, sum)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

// Load ingests location into a fresh in-memory backend and serves it once
// the run completes. The previous backend keeps serving until then, and
// stays in place if the run fails.
func (s *Server) Load(ctx context.Context, location string, opts ingest.Options) (int, error) {
	if opts.Logger == nil {
		opts.Logger = s.cfg.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = s.cfg.Metrics
	}
	mem := store.NewMemory(store.Options{Logger: opts.Logger, Metrics: opts.Metrics})

	run := ingest.Start(ctx, location, opts)
	defer run.Cancel()
	for m := range run.Messages() {
		switch m.Kind {
		case ingest.KindItems:
			if err := mem.AddMany(ctx, m.Records); err != nil {
				return 0, err
			}
		case ingest.KindError:
			return 0, m.Err
		case ingest.KindDone:
			s.SetBackend(mem)
			s.cfg.Logger.Info("dataset loaded", "location", location, "records", mem.Len(), "strategy", m.Strategy)
			return mem.Len(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, "server.Load")
	}
	return 0, errors.E(errors.KindInternal, "server.Load", "run ended without a result")
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("starting server", "addr", s.cfg.Addr, "base", s.cfg.BasePath)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.cfg.Logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		s.cfg.Logger.Info("server stopped")
		return nil
	}
}
