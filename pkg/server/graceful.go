package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
)

// ConfigReloadFunc is a function that reloads configuration
type ConfigReloadFunc func() error

// GracefulServer wraps the admin HTTP server with graceful shutdown and a
// configuration reload hook.
type GracefulServer struct {
	server       *http.Server
	logger       logging.Logger
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	configReloadFn ConfigReloadFunc
	configMu       sync.RWMutex

	listenerMu sync.Mutex
	listener   net.Listener
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:     logger.With(logging.Component("admin")),
		shutdownCh: make(chan struct{}),
	}
}

// Listen binds the configured address without serving yet.
func (gs *GracefulServer) Listen() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", gs.server.Addr, err)
	}
	gs.listenerMu.Lock()
	gs.listener = ln
	gs.listenerMu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (gs *GracefulServer) Addr() net.Addr {
	gs.listenerMu.Lock()
	defer gs.listenerMu.Unlock()
	if gs.listener == nil {
		return nil
	}
	return gs.listener.Addr()
}

// Start serves until Shutdown, listening first if Listen was not called.
func (gs *GracefulServer) Start() error {
	if gs.Addr() == nil {
		if err := gs.Listen(); err != nil {
			return err
		}
	}
	gs.listenerMu.Lock()
	ln := gs.listener
	gs.listenerMu.Unlock()

	gs.logger.Info("starting admin HTTP server", logging.String("addr", ln.Addr().String()))
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		gs.logger.Info("initiating graceful shutdown")
		if shutdownErr := gs.server.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
			gs.logger.Error("error during shutdown", logging.Error(shutdownErr))
		} else {
			gs.logger.Info("admin server shutdown complete")
		}
	})
	return err
}

// WatchReload calls reload on every SIGHUP until ctx is done.
// Termination signals are left to the process owner.
func WatchReload(ctx context.Context, reload ConfigReloadFunc, logger logging.Logger) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("received signal, reloading configuration", logging.String("signal", sig.String()))
			if err := reload(); err != nil {
				logger.Error("configuration reload error", logging.Error(err))
			}
		}
	}
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the function to call when configuration reload is triggered
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.configMu.Lock()
	defer gs.configMu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig triggers a configuration reload
func (gs *GracefulServer) ReloadConfig() error {
	gs.configMu.RLock()
	reloadFn := gs.configReloadFn
	gs.configMu.RUnlock()

	if reloadFn == nil {
		gs.logger.Warn("configuration reload requested, but no reload function configured")
		return nil
	}

	gs.logger.Info("reloading configuration")
	if err := reloadFn(); err != nil {
		gs.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}

	gs.logger.Info("configuration reload complete")
	return nil
}
