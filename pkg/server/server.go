// Package server hosts a single-group engine instance behind an admin
// HTTP surface: health, stats, the live transaction directory and the
// Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/strategist922/troups/pkg/engine"
	"github.com/strategist922/troups/pkg/kv"
	"github.com/strategist922/troups/pkg/metrics"
	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// Server wires a store, a log, an oracle and an engine together and
// serves the admin surface.
type Server struct {
	config    *Config
	logger    zerolog.Logger
	router    *chi.Mux
	httpSrv   *http.Server
	startTime time.Time

	store   *kv.MemoryStore
	log     txlog.Log
	oracle  tso.Oracle
	engine  *engine.TransactionManager
	metrics *metrics.EngineMetrics
}

// New creates a server instance and its engine stack.
func New(config *Config) (*Server, error) {
	logger, err := newLogger(config)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var logOpts txlog.BoltLogOptions
	if config.ArchiveLog {
		logOpts.ArchiveDir = filepath.Join(config.DataDir, "archive")
	}
	txnLog, err := txlog.OpenBoltLog(filepath.Join(config.DataDir, "txlog.db"), config.Group, logOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}

	store := kv.NewMemoryStore()
	engineMetrics := metrics.New("troups")
	opts := engine.Options{Logger: logger, Recorder: engineMetrics}

	var oracle tso.Oracle
	var eng *engine.TransactionManager
	if config.XA {
		shared, err := tso.OpenBoltSharedOracle(filepath.Join(config.DataDir, "oracle.db"))
		if err != nil {
			txnLog.Close()
			return nil, fmt.Errorf("failed to open shared oracle: %w", err)
		}
		oracle = shared
		eng = engine.NewXATransactionManager(shared, txnLog, store, opts)
	} else {
		oracle = tso.NewLocalOracle()
		eng = engine.NewTransactionManager(oracle, txnLog, store, opts)
	}

	store.SetObserver(eng)
	store.AddLifecycleListener(eng.LifecycleListener())

	srv := &Server{
		config:    config,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    chi.NewRouter(),
		startTime: time.Now(),
		store:     store,
		log:       txnLog,
		oracle:    oracle,
		engine:    eng,
		metrics:   engineMetrics,
	}
	srv.setupMiddleware()
	srv.setupRoutes()

	srv.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      srv.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return srv, nil
}

func newLogger(config *Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	if config.LogJSON {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger(), nil
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger(), nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/transactions", s.handleTransactions)
	s.router.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if !s.engine.Running() {
		status = http.StatusServiceUnavailable
		body["status"] = "stopped"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Engine exposes the hosted engine, for embedding and tests.
func (s *Server) Engine() *engine.TransactionManager {
	return s.engine
}

// Store exposes the hosted store, for embedding and tests.
func (s *Server) Store() *kv.MemoryStore {
	return s.store
}

// Start runs the engine and the HTTP listener, blocking until shutdown.
func (s *Server) Start() error {
	s.store.Start()
	if !s.engine.Running() {
		return fmt.Errorf("engine failed to start")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("admin server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case sig := <-stop:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		s.shutdown()
		return nil
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)

	s.store.Stop()
	if err := s.log.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("log close failed")
	}
	if closer, ok := s.oracle.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("oracle close failed")
		}
	}
}
