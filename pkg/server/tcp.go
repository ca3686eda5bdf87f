package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/protocol"
)

// Defaults for the protocol listener
const (
	DefaultListenAddress  = "127.0.0.1:9999"
	DefaultMaxConnections = 1024
)

// Config configures the protocol listener and its connections.
type Config struct {
	Addr           string
	MaxLineBytes   int
	IdleTimeout    time.Duration
	MaxConnections int
	// TLS, when set, wraps every accepted connection.
	TLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultListenAddress
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	return c
}

// Server accepts protocol connections and runs one goroutine per client.
type Server struct {
	config  Config
	handler *Handler
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer creates a protocol server for store.
func NewServer(cfg Config, store Store, logger logging.Logger, reg *metrics.Registry) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Server{
		config:  cfg,
		handler: NewHandler(store, cfg, logger, reg),
		logger:  logger.With(logging.Component("server")),
		metrics: reg,
		conns:   make(map[net.Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Listen binds the configured address. It is separate from Serve so callers
// can learn the bound address before accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening",
		logging.String("addr", ln.Addr().String()),
		logging.Bool("tls", s.config.TLS != nil))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown. It returns nil after a
// shutdown and the accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	sem := make(chan struct{}, s.config.MaxConnections)
	var backoff time.Duration

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", logging.Error(err), logging.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		select {
		case sem <- struct{}{}:
		default:
			s.logger.Warn("connection rejected: at capacity",
				logging.Remote(remoteAddr(conn)),
				logging.Count(s.config.MaxConnections))
			s.metrics.RecordProtocolError("too_many_connections")
			io.WriteString(conn, protocol.FormatError("too many connections"))
			conn.Close()
			continue
		}

		if !s.track(conn) {
			<-sem
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			defer s.untrack(conn)
			s.handler.serve(conn, s.stopCh)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// track registers conn with the wait group unless shutdown has begun.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, then wakes every connection blocked on a read
// so it exits after finishing the command it is executing. Connections
// check the stop channel after arming their read deadline, so a deadline
// reset racing with Shutdown cannot keep one alive. If ctx ends
// first the remaining connections are closed outright.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		now := time.Now()
		for conn := range s.conns {
			conn.SetReadDeadline(now)
		}
		active := len(s.conns)
		s.mu.Unlock()

		s.logger.Info("shutting down", logging.Count(active))
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return errors.Join(err, ctx.Err())
	}
}
