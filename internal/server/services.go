package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/collabd/internal/session"
)

// HTTPService serves an http.Handler as a lifecycle Service.
type HTTPService struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPService creates an HTTPService listening on addr.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Service that has not yet bound its listener.
func NewHTTPService(addr string, handler http.Handler, readHeaderTimeout, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Start binds the listener and serves until Stop is called.
//
// Postcondition: Returns nil after a graceful Stop, or the listen/serve error.
func (s *HTTPService) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("http listening", zap.String("addr", ln.Addr().String()))
	return ignoreClosed(s.srv.Serve(ln), http.ErrServerClosed)
}

// Stop shuts the server down, waiting at most the shutdown timeout for open
// requests.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}

// Addr returns the bound address, or "" before Start has bound the listener.
func (s *HTTPService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthService serves the standard gRPC health service as a lifecycle Service.
type HealthService struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthService creates a HealthService listening on addr. The overall
// status starts SERVING.
//
// Precondition: logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthService{addr: addr, srv: srv, health: hs, logger: logger}
}

// SetServing updates the status reported for service; "" is the overall status.
func (s *HealthService) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Start binds the listener and serves until Stop is called.
func (s *HealthService) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.logger.Info("grpc health listening", zap.String("addr", ln.Addr().String()))
	return ignoreClosed(s.srv.Serve(ln), grpc.ErrServerStopped)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthService) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// SessionService holds the session registry open for the life of the
// process. Stopping it evicts every session, so clients get a close frame
// and observers see each user leave.
type SessionService struct {
	registry *session.Registry
	logger   *zap.Logger
	done     chan struct{}
	once     sync.Once
}

// NewSessionService creates a SessionService over registry.
//
// Precondition: registry and logger must be non-nil.
func NewSessionService(registry *session.Registry, logger *zap.Logger) *SessionService {
	return &SessionService{
		registry: registry,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start blocks until Stop is called.
func (s *SessionService) Start() error {
	<-s.done
	return nil
}

// Stop evicts all registered sessions. It is idempotent.
func (s *SessionService) Stop() {
	s.once.Do(func() {
		close(s.done)
		users := s.registry.Users()
		for _, sess := range users {
			s.registry.RemoveUser(sess)
		}
		s.logger.Info("sessions closed", zap.Int("evicted", len(users)))
	})
}
