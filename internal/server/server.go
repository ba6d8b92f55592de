// Package server exposes the dispatcher over HTTP. It adds no behaviour of
// its own: every write goes through the same guardrails as in-process calls.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"erpcore/internal/config"
	"erpcore/internal/core"
	"erpcore/pkg/domain"
)

const maxBodyBytes = 4 << 20

// HealthCheck reports whether the backing store is usable.
type HealthCheck func(ctx context.Context) error

// Server wires the dispatcher, health and metrics endpoints behind a gorilla
// router.
type Server struct {
	Router *mux.Router

	dispatcher *core.Dispatcher
	health     HealthCheck
	gatherer   prometheus.Gatherer
	accessLog  io.Writer
	log        core.Logger
	cfg        config.HTTP
	srv        *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck installs the /healthz probe.
func WithHealthCheck(h HealthCheck) Option {
	return func(s *Server) { s.health = h }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAccessLog directs combined-format access lines to w.
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(l core.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a server for d.
func New(d *core.Dispatcher, cfg config.HTTP, opts ...Option) *Server {
	s := &Server{
		Router:     mux.NewRouter(),
		dispatcher: d,
		gatherer:   prometheus.DefaultGatherer,
		accessLog:  os.Stderr,
		log:        nopLogger{},
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.Router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.Router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.Router.HandleFunc("/{version:v[0-9]+}/operations", s.handleOperations).Methods(http.MethodGet)
	s.Router.HandleFunc("/{version:v[0-9]+}/{aggregate}", s.handleDispatch).Methods(http.MethodPost)
}

// Handler returns the router wrapped in recovery and access logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	return handlers.CombinedLoggingHandler(s.accessLog, h)
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Listen)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()
	s.log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	ops := []core.Operation{}
	for _, op := range s.dispatcher.Operations() {
		if op.Version == version {
			ops = append(ops, op)
		}
	}
	writeJSON(w, http.StatusOK, ops)
}

// handleDispatch decodes the request body and routes it. The path selects
// the aggregate and version; body values for either are ignored.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req core.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		resp := core.Failure(domain.ValidationError{Violations: []domain.Violation{{
			Code:     core.CodePayloadInvalid,
			Severity: domain.SeverityBlock,
			Message:  "request body is not a valid request document",
			Detail:   err.Error(),
		}}}, domain.Result{})
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	req.Aggregate = core.Aggregate(vars["aggregate"])
	req.Version = vars["version"]

	resp := s.dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, StatusFor(resp), resp)
}

// StatusFor maps a dispatch response onto an HTTP status code.
func StatusFor(resp core.Response) int {
	if resp.Success {
		if resp.Data != nil && resp.Data.Created != nil && *resp.Data.Created {
			return http.StatusCreated
		}
		return http.StatusOK
	}
	if resp.ErrorCode == core.CodePayloadInvalid {
		return http.StatusBadRequest
	}
	switch resp.ErrorKind {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindIdentityConflict, domain.KindReferential:
		return http.StatusConflict
	case domain.KindNotFound, domain.KindVersionDrift:
		return http.StatusNotFound
	case domain.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
