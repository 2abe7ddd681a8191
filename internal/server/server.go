// ABOUTME: Process lifecycle shared by every switchboard subcommand
// ABOUTME: Runs the HTTP router, the optional gRPC health service and background tasks until shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/switchboard/internal/config"
)

const shutdownTimeout = 5 * time.Second

type task struct {
	name string
	fn   func(ctx context.Context) error
}

type closer struct {
	label string
	fn    func() error
}

// Server owns the listeners and background tasks of one process
type Server struct {
	cfg        config.ServerConfig
	router     chi.Router
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	tasks   []task
	closers []closer
	taskWG  sync.WaitGroup

	mu       sync.Mutex
	httpAddr string
	grpcAddr string
}

// New creates a server for cfg. Pass nil logger for default.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		router: r,
		httpServer: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}
	r.Get("/health", s.handleHealth)

	if cfg.GRPCAddr != "" {
		s.grpcServer = grpc.NewServer()
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}
	return s
}

// Router is where components mount their HTTP routes
func (s *Server) Router() chi.Router { return s.router }

// Go registers a background task. It runs from Run until shutdown; a task
// returning an error stops the process.
func (s *Server) Go(name string, fn func(ctx context.Context) error) {
	s.tasks = append(s.tasks, task{name: name, fn: fn})
}

// OnShutdown registers a cleanup step run after the servers stop, in
// registration order.
func (s *Server) OnShutdown(label string, fn func() error) {
	s.closers = append(s.closers, closer{label: label, fn: fn})
}

// HTTPAddr returns the bound HTTP address once Run is listening
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address once Run is listening, or ""
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// Run starts everything and blocks until ctx is canceled or a component fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners()
	if err != nil {
		return err
	}

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	errCh := s.startServers(httpLn, grpcLn)
	s.startTasks(taskCtx, errCh)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	cancelTasks()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	s.logger.Info("starting listeners",
		"http_addr", s.cfg.HTTPAddr,
		"grpc_addr", s.cfg.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	s.mu.Lock()
	s.httpAddr = httpLn.Addr().String()
	if grpcLn != nil {
		s.grpcAddr = grpcLn.Addr().String()
	}
	s.mu.Unlock()
	return httpLn, grpcLn, nil
}

// startServers starts the listeners in goroutines, returning the error channel
func (s *Server) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2+len(s.tasks))

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

func (s *Server) startTasks(ctx context.Context, errCh chan error) {
	for _, t := range s.tasks {
		s.taskWG.Add(1)
		go func() {
			defer s.taskWG.Done()
			s.logger.Info("task started", "task", t.name)
			err := t.fn(ctx)
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", t.name, err)
				return
			}
			s.logger.Info("task stopped", "task", t.name)
		}()
	}
}

// waitForShutdownSignal waits for context cancellation or a component error
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel
func (s *Server) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			s.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the servers, waits for tasks and runs the cleanup steps
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if s.grpcServer != nil {
		s.health.Shutdown()
		s.shutdownGRPCServer(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for tasks: %w", ctx.Err()))
	}

	for _, c := range s.closers {
		errs = appendCloseError(errs, c.label, c.fn())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
