// Package server runs the long-lived parts of collabd, its HTTP endpoint,
// the gRPC health service and the session registry, under one lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long shutdown waits on any one service.
const DefaultStopTimeout = 30 * time.Second

// Service is a long-running component. Start blocks until the service is
// stopped or fails; Stop makes a running Start return.
type Service interface {
	Start() error
	Stop()
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithSignals replaces the signals that trigger shutdown.
func WithSignals(sigs ...os.Signal) LifecycleOption {
	return func(l *Lifecycle) { l.signals = sigs }
}

// WithStopTimeout sets how long shutdown waits for each service to stop.
func WithStopTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.stopTimeout = d }
}

// Lifecycle starts services in registration order and stops them in reverse.
type Lifecycle struct {
	logger      *zap.Logger
	signals     []os.Signal
	stopTimeout time.Duration

	mu    sync.Mutex
	units []*unit
}

// unit tracks one registered service through a single Run.
type unit struct {
	name   string
	svc    Service
	err    error
	exited chan struct{}
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		logger:      logger,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add registers svc under name.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = append(l.units, &unit{name: name, svc: svc})
}

// Run starts every service and blocks until ctx ends, a shutdown signal
// arrives or a service fails.
//
// Postcondition: Every service has been stopped, or given up on after the
// stop timeout. Returns the first service failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	began := time.Now()
	ctx, stopSignals := signal.NotifyContext(ctx, l.signals...)
	defer stopSignals()

	units := l.prepare()
	failed := make(chan *unit, len(units))
	for _, u := range units {
		go l.serve(u, failed)
	}
	l.logger.Info("lifecycle running", zap.Int("services", len(units)))

	var cause error
	select {
	case <-ctx.Done():
		l.logger.Info("shutdown requested", zap.NamedError("reason", ctx.Err()))
	case u := <-failed:
		cause = fmt.Errorf("service %s: %w", u.name, u.err)
		l.logger.Error("service failed, shutting down", zap.Error(cause))
	}

	for i := len(units) - 1; i >= 0; i-- {
		l.stop(units[i])
	}
	l.logger.Info("lifecycle finished", zap.Duration("uptime", time.Since(began)))
	return cause
}

// prepare snapshots the registered services with fresh per-run state.
func (l *Lifecycle) prepare() []*unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	units := make([]*unit, len(l.units))
	for i, u := range l.units {
		units[i] = &unit{name: u.name, svc: u.svc, exited: make(chan struct{})}
	}
	return units
}

// serve runs Start. A service returning nil before shutdown is not a failure.
func (l *Lifecycle) serve(u *unit, failed chan<- *unit) {
	defer close(u.exited)
	l.logger.Debug("service starting", zap.String("service", u.name))
	if err := u.svc.Start(); err != nil {
		u.err = err
		failed <- u
	}
}

// stop calls Stop and waits for Start to return, each for at most the stop
// timeout.
func (l *Lifecycle) stop(u *unit) {
	began := time.Now()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		u.svc.Stop()
	}()
	if !l.await(u.name, "stop", stopped) || !l.await(u.name, "exit", u.exited) {
		return
	}
	l.logger.Info("service stopped",
		zap.String("service", u.name),
		zap.Duration("elapsed", time.Since(began)),
	)
}

func (l *Lifecycle) await(name, phase string, done <-chan struct{}) bool {
	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		l.logger.Warn("service shutdown timed out",
			zap.String("service", name),
			zap.String("phase", phase),
			zap.Duration("timeout", l.stopTimeout),
		)
		return false
	}
}

// ignoreClosed maps the sentinel a server returns after a graceful stop to nil.
func ignoreClosed(err, closed error) error {
	if errors.Is(err, closed) {
		return nil
	}
	return err
}
