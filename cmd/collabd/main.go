// Package main provides the collaboration server binary: the WebSocket
// session endpoint plus a gRPC health service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/broadcast"
	"github.com/cory-johannsen/collabd/internal/config"
	"github.com/cory-johannsen/collabd/internal/frontend/ws"
	"github.com/cory-johannsen/collabd/internal/hook"
	"github.com/cory-johannsen/collabd/internal/observability"
	"github.com/cory-johannsen/collabd/internal/permission"
	"github.com/cory-johannsen/collabd/internal/server"
	"github.com/cory-johannsen/collabd/internal/session"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and COLLABD_* environment")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	resolver, err := loadResolver(cfg.Session)
	if err != nil {
		logger.Fatal("loading roles", zap.Error(err))
	}
	logger.Info("roles loaded", zap.Strings("roles", resolver.Roles()))

	registry := session.NewRegistry(
		observability.Component(logger, "registry"),
		session.WithGraceWindow(cfg.Session.GraceWindow),
		session.WithVisitor(resolver.Visitor()),
	)
	router := broadcast.NewRouter(registry, observability.Component(logger, "router"),
		broadcast.WithMaxDepth(cfg.Broadcast.MaxDepth),
		broadcast.WithMaxPending(cfg.Broadcast.MaxPending),
		broadcast.WithMaxActive(cfg.Broadcast.MaxActive),
	)

	// The dispatcher needs the router, which needs the registry, so it is
	// installed after construction.
	hookLogger := observability.Component(logger, "hook")
	hooks, presence := hook.Builtins(router, registry, hookLogger)
	dispatcher, err := hook.NewDispatcher(hookLogger, hooks...)
	if err != nil {
		logger.Fatal("building hook dispatcher", zap.Error(err))
	}
	registry.SetDispatcher(dispatcher)
	unsubscribe := registry.Subscribe(presence)
	defer unsubscribe()

	handler := ws.NewHandler(registry, resolver, cfg.Session, cfg.WebSocket, observability.Component(logger, "ws"))
	httpSvc := server.NewHTTPService(cfg.HTTP.Addr(), handler,
		cfg.HTTP.ReadHeaderTimeout, cfg.HTTP.ShutdownTimeout, observability.Component(logger, "http"))
	healthSvc := server.NewHealthService(cfg.Admin.Addr(), observability.Component(logger, "health"))
	healthSvc.SetServing(observability.ServiceName, true)

	lifecycle := server.NewLifecycle(logger, server.WithStopTimeout(cfg.HTTP.ShutdownTimeout+5*time.Second))
	// Added first so it stops last, after HTTP has stopped accepting sockets.
	lifecycle.Add("sessions", server.NewSessionService(registry, observability.Component(logger, "sessions")))
	lifecycle.Add("health", healthSvc)
	lifecycle.Add("http", httpSvc)

	logger.Info("collabd starting",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.Strings("hooks", dispatcher.Names()),
		zap.Duration("grace_window", registry.GraceWindow()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("collabd exited with error", zap.Error(err))
		_ = logger.Sync()
		log.Fatalf("collabd: %v", err)
	}
}

// loadResolver reads the configured roles file, or falls back to the built-in roles.
func loadResolver(cfg config.SessionConfig) (*permission.Resolver, error) {
	var (
		resolver *permission.Resolver
		err      error
	)
	if cfg.RolesFile == "" {
		resolver = permission.DefaultResolver()
	} else if resolver, err = permission.LoadResolver(cfg.RolesFile); err != nil {
		return nil, err
	}
	if _, err := resolver.Resolve(cfg.DefaultRole); err != nil {
		return nil, err
	}
	return resolver, nil
}
