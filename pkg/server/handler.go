package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/protocol"
	"github.com/dd0wney/cluso-segkv/pkg/storage"
)

// DefaultMaxLineBytes bounds a command line, newline included.
const DefaultMaxLineBytes = 1 << 20

var errLineTooLong = errors.New("line too long")

// Store is the part of the key-value store a connection needs.
type Store interface {
	Get(key uint64) (string, error)
	Set(key uint64, value string) error
}

// Handler runs the command loop for one client connection at a time.
// A single Handler is shared by every connection of a Server.
type Handler struct {
	store        Store
	logger       logging.Logger
	metrics      *metrics.Registry
	maxLineBytes int
	idleTimeout  time.Duration
}

// NewHandler creates a connection handler. Zero limits in cfg fall back to
// the defaults; a zero IdleTimeout disables the read deadline.
func NewHandler(store Store, cfg Config, logger logging.Logger, reg *metrics.Registry) *Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Handler{
		store:        store,
		logger:       logger.With(logging.Component("conn")),
		metrics:      reg,
		maxLineBytes: cfg.MaxLineBytes,
		idleTimeout:  cfg.IdleTimeout,
	}
}

// ServeConn reads commands from conn until the client goes away, the idle
// timeout expires or a write fails, then closes conn. Malformed lines and
// store errors are answered with an error line and do not end the session.
func (h *Handler) ServeConn(conn net.Conn) {
	h.serve(conn, nil)
}

// serve is ServeConn with a stop channel. Once stop is closed the loop
// exits before its next read.
func (h *Handler) serve(conn net.Conn, stop <-chan struct{}) {
	id := uuid.NewString()
	logger := h.logger.With(logging.ConnID(id), logging.Remote(remoteAddr(conn)))

	h.metrics.ConnectionOpened()
	logger.Debug("connection opened")
	defer func() {
		conn.Close()
		h.metrics.ConnectionClosed()
		logger.Debug("connection closed")
	}()

	reader := bufio.NewReader(conn)
	for {
		if h.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(h.idleTimeout)); err != nil {
				logger.Warn("set read deadline failed", logging.Error(err))
				return
			}
		}
		select {
		case <-stop:
			return
		default:
		}

		line, err := readLine(reader, h.maxLineBytes)
		if errors.Is(err, errLineTooLong) {
			h.metrics.RecordProtocolError("line_too_long")
			if werr := writeReply(conn, protocol.FormatParseError(err)); werr != nil {
				logger.Debug("write failed", logging.Error(werr))
				return
			}
			continue
		}
		if err != nil {
			logReadError(logger, err)
			return
		}

		if err := writeReply(conn, h.handleLine(line, logger)); err != nil {
			logger.Debug("write failed", logging.Error(err))
			return
		}
	}
}

// handleLine executes one command line and returns the reply to send.
func (h *Handler) handleLine(line string, logger logging.Logger) string {
	op, err := protocol.Parse(line)
	if err != nil {
		h.metrics.RecordProtocolError(parseErrorReason(err))
		logger.Debug("parse failed", logging.Error(err))
		return protocol.FormatParseError(err)
	}

	start := time.Now()
	var reply string
	switch op.Kind {
	case protocol.KindGet:
		var value string
		value, err = h.store.Get(op.Key)
		if err == nil {
			reply = protocol.FormatValue(value)
		}
	case protocol.KindSet:
		err = h.store.Set(op.Key, op.Value)
		if err == nil {
			reply = protocol.FormatOK()
		}
	}

	status := metrics.StatusSuccess
	switch {
	case storage.IsNotFound(err):
		status = metrics.StatusNotFound
	case err != nil:
		status = metrics.StatusError
		logger.Warn("command failed", logging.Operation(op.Kind.String()), logging.Key(op.Key), logging.Error(err))
	}
	h.metrics.RecordCommand(op.Kind.String(), status, time.Since(start))

	if err != nil {
		return protocol.FormatError(storage.ClientMessage(err))
	}
	return reply
}

// readLine returns the next line including its newline. A line longer than
// max is drained up to its newline and reported as errLineTooLong so the
// stream stays in sync. A final line without a newline is returned as is.
func readLine(r *bufio.Reader, max int) (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > max {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return "", errLineTooLong
			}
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !tooLong:
			return string(buf), nil
		default:
			return "", err
		}
	}
}

func writeReply(conn net.Conn, reply string) error {
	_, err := io.WriteString(conn, reply)
	return err
}

func logReadError(logger logging.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Debug("connection idle, closing")
	default:
		logger.Warn("read failed", logging.Error(err))
	}
}

func parseErrorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmptyCommand):
		return "empty_command"
	case errors.Is(err, protocol.ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, protocol.ErrMissingKey):
		return "missing_key"
	case errors.Is(err, protocol.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, protocol.ErrMissingValue):
		return "missing_value"
	case errors.Is(err, protocol.ErrUnexpectedArgument):
		return "unexpected_argument"
	default:
		return "other"
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
