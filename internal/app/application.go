// Package app assembles the relay's components in dependency order and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auditlog"
	"chatrelay/internal/config"
	"chatrelay/internal/media"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	"chatrelay/internal/websocket"
)

// Application coordinates all system components.
// Construction order follows the dependency chain:
// Audit → Registry → Router → Transport → Media → API → HTTP.
type Application struct {
	config     *config.Config
	audit      *auditlog.Logger
	registry   *registry.Registry
	router     *router.Router
	httpServer *http.Server
}

// NewApplication builds a ready-to-start application from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	audit, err := auditlog.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	reg := registry.NewRegistry()
	rt := router.NewRouter(reg, cfg.Typing.QuietPeriod, audit)

	wsHandler := websocket.NewHandler(rt, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBufferSize: cfg.WebSocket.SendBufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.MaxBytes)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	apiServer := api.NewServer(wsHandler.HandleWebSocket, mediaStore, audit, reg,
		cfg.Admin.PasswordHash, cfg.StaticDir)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		audit:      audit,
		registry:   reg,
		router:     rt,
		httpServer: httpServer,
	}, nil
}

// Start launches the HTTP server and returns once it is accepting
// connections or has failed to.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("starting chatrelay on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("chatrelay started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse dependency order:
// HTTP → router (typing timers) → audit log.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("shutting down chatrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	app.router.Close()
	if err := app.audit.Close(); err != nil {
		log.Printf("audit log shutdown error: %v", err)
	}

	log.Printf("chatrelay shutdown complete")
	return nil
}

// Addr returns the server address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
