// Package main is the entry point for the cryptoinfo service, a shared
// rate-limited polling coordinator that keeps market data for configured
// asset groups cached and serves it over HTTP.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/cryptoinfo/internal/aggregate"
	"github.com/yourorg/cryptoinfo/internal/config"
	"github.com/yourorg/cryptoinfo/internal/fetch"
	"github.com/yourorg/cryptoinfo/internal/health"
	otelpkg "github.com/yourorg/cryptoinfo/internal/otel"
	"github.com/yourorg/cryptoinfo/internal/poll"
	"github.com/yourorg/cryptoinfo/internal/ratelimit"
	"github.com/yourorg/cryptoinfo/internal/view"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server wires the polling jobs, their read views and the HTTP API.
type Server struct {
	cfg config.Config

	limiter *ratelimit.Limiter
	fetcher *fetch.Client

	jobs  []*poll.Job
	views []*view.ResultView

	server    *http.Server
	metrics   *serverMetrics
	rateLimit *rate.Limiter

	shutdownTracer func(context.Context) error
}

// serverMetrics holds the Prometheus metrics for the service
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// registerMetrics sets up Prometheus metrics collection. Gauges over the
// limiter and job caches are registered as functions so scrapes always see
// live values.
func registerMetrics(limiter *ratelimit.Limiter, cachedAssets func() float64) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoinfo_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptoinfo_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	prometheus.MustRegister(
		m.requestCounter,
		m.requestDuration,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cryptoinfo_rate_window_occupancy",
				Help: "Upstream requests counted in the current rate window",
			},
			func() float64 { return float64(limiter.Occupancy()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cryptoinfo_registered_jobs",
				Help: "Polling jobs currently registered with the limiter",
			},
			func() float64 { return float64(limiter.Registered()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cryptoinfo_cached_assets",
				Help: "Market records currently cached across all jobs",
			},
			cachedAssets,
		),
	)

	return m
}

// main is the entry point for the application
func main() {
	// Load .env if present, then configure logging
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded environment from .env file")
	}
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if len(cfg.Jobs) == 0 {
		logrus.Fatal("No polling jobs configured; set CRYPTOINFO_JOBS or CRYPTOINFO_JOBS_FILE")
	}

	shutdownTracer, err := otelpkg.InitTracer(context.Background(), cfg.OtelEndpoint)
	if err != nil {
		logrus.Fatalf("Failed to initialize tracing: %v", err)
	}

	server := NewServer(cfg)
	server.shutdownTracer = shutdownTracer
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer creates the server, registering one polling job per valid job
// definition. Definitions that fail validation are skipped with an error
// log and produce no views; the remaining jobs are unaffected.
func NewServer(cfg config.Config) *Server {
	s := &Server{
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateCeiling, cfg.RateWindow, cfg.StaggerStep),
		fetcher: fetch.NewClient(cfg.Endpoint, cfg.RequestTimeout),
	}

	for _, jc := range cfg.Jobs {
		tracker := health.New(jc.Name, cfg.DegradeThreshold)
		job, err := poll.NewJob(jc, s.limiter, s.fetcher, tracker)
		if err != nil {
			logrus.Errorf("Skipping job: %v", err)
			continue
		}
		views, err := view.BuildViews(job, jc)
		if err != nil {
			logrus.Errorf("Skipping job %q: %v", jc.Name, err)
			job.Stop()
			continue
		}
		s.jobs = append(s.jobs, job)
		s.views = append(s.views, views...)
	}
	if len(s.jobs) == 0 {
		logrus.Fatal("No valid polling jobs; refusing to start")
	}

	if getEnvBool("ENABLE_METRICS", true) {
		s.metrics = registerMetrics(s.limiter, s.cachedAssets)
	}

	requestsPerSecond := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	burstSize := getEnvInt("RATE_LIMIT_BURST", 20)
	s.rateLimit = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)

	logrus.WithFields(logrus.Fields{
		"port":         cfg.Port,
		"endpoint":     cfg.Endpoint,
		"rate_ceiling": cfg.RateCeiling,
		"rate_window":  cfg.RateWindow,
		"stagger_step": cfg.StaggerStep,
		"jobs":         len(s.jobs),
		"views":        len(s.views),
	}).Info("Server initialized")

	return s
}

// cachedAssets sums the cached record counts across all jobs.
func (s *Server) cachedAssets() float64 {
	total := 0
	for _, job := range s.jobs {
		total += len(job.Snapshot())
	}
	return float64(total)
}

// Start launches the polling jobs and the HTTP server, then blocks until a
// shutdown signal arrives and everything is drained.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, job := range s.jobs {
		job.Start(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/values", s.instrument("/values", s.handleValues))
	mux.HandleFunc("/portfolio", s.instrument("/portfolio", s.handlePortfolio))
	mux.HandleFunc("/status", s.instrument("/status", s.handleStatus))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}

	// Stop the polling loops after the HTTP server so in-flight reads
	// still see a consistent cache.
	cancel()
	for _, job := range s.jobs {
		job.Stop()
	}

	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(shutdownCtx); err != nil {
			logrus.Warnf("Tracer shutdown failed: %v", err)
		}
	}

	logrus.Info("Server stopped")
}

// instrument wraps a handler with inbound rate limiting and Prometheus
// accounting.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimit.Allow() {
			if s.metrics != nil {
				s.metrics.requestCounter.WithLabelValues(endpoint, "throttled").Inc()
			}
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		next(w, r)

		if s.metrics != nil {
			s.metrics.requestCounter.WithLabelValues(endpoint, "ok").Inc()
			s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// handleValues returns the attribute set of every view, or of a single view
// when the id query parameter is given.
func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		for _, v := range s.views {
			if v.ID() == id {
				writeJSON(w, http.StatusOK, v.Attributes())
				return
			}
		}
		http.Error(w, "Unknown view id", http.StatusNotFound)
		return
	}

	attrs := make([]view.Attributes, 0, len(s.views))
	for _, v := range s.views {
		attrs = append(attrs, v.Attributes())
	}
	writeJSON(w, http.StatusOK, attrs)
}

// handlePortfolio returns the value-weighted roll-up across all views.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attrs := make([]view.Attributes, 0, len(s.views))
	for _, v := range s.views {
		attrs = append(attrs, v.Attributes())
	}
	writeJSON(w, http.StatusOK, aggregate.Portfolio(attrs))
}

// handleHealth is a simple liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// jobStatus is the per-job block of the status response.
type jobStatus struct {
	Name        string        `json:"name"`
	Assets      int           `json:"assets"`
	Stagger     string        `json:"stagger"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	Cached      int           `json:"cached"`
	Health      health.Status `json:"health"`
}

// handleStatus reports uptime, limiter occupancy and per-job cycle state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobs := make([]jobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := job.Info()
		jobs = append(jobs, jobStatus{
			Name:        job.Name(),
			Assets:      len(job.Assets()),
			Stagger:     s.limiter.StaggerDelay(job.Name()).String(),
			LastAttempt: info.LastAttempt,
			LastSuccess: info.LastSuccess,
			Cached:      info.Assets,
			Health:      job.Health(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "operational",
		"uptime": time.Since(startTime).String(),
		"rate_limiter": map[string]interface{}{
			"ceiling":    s.cfg.RateCeiling,
			"window":     s.cfg.RateWindow.String(),
			"occupancy":  s.limiter.Occupancy(),
			"registered": s.limiter.Registered(),
		},
		"jobs": jobs,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}
