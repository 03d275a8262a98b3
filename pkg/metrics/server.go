package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// HealthFunc reports an unhealthy dependency.
type HealthFunc func(ctx context.Context) error

// Server serves /metrics and /healthz.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the listening address once started.
	Addr() string
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	listen     string
	gatherer   prometheus.Gatherer
	health     HealthFunc
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates the metrics server. health may be nil.
func NewServer(log logrus.FieldLogger, listen string, gatherer prometheus.Gatherer, health HealthFunc) Server {
	return &server{
		log:      log.WithField("component", "metrics"),
		listen:   listen,
		gatherer: gatherer,
		health:   health,
	}
}

func (s *server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (s *server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listen, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Metrics server failed")
		}
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("Metrics server started")

	return nil
}

func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("HTTP server shutdown error")
	}

	s.wg.Wait()
	s.log.Info("Metrics server stopped")

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "unhealthy: %v\n", err)

			return
		}
	}

	_, _ = w.Write([]byte("ok\n"))
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}
