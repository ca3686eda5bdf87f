// Package client speaks the segkv line protocol over TCP.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segkv/pkg/protocol"
	"github.com/dd0wney/cluso-segkv/pkg/validation"
)

// DefaultTimeout bounds dialing and each round trip.
const DefaultTimeout = 5 * time.Second

// ReplyError is an error reply from the server.
type ReplyError struct {
	Reply string
}

func (e *ReplyError) Error() string {
	return e.Reply
}

// IsParseError reports whether the server failed to parse the command.
func (e *ReplyError) IsParseError() bool {
	return strings.HasPrefix(e.Reply, protocol.ParseErrorPrefix)
}

// Message is the reply with its error prefix removed.
func (e *ReplyError) Message() string {
	if e.IsParseError() {
		return strings.TrimPrefix(e.Reply, protocol.ParseErrorPrefix)
	}
	return strings.TrimPrefix(e.Reply, protocol.ReplyErrorPrefix)
}

// Client is one connection to a server. Calls are serialized because the
// protocol answers in order with no request IDs.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to addr. A zero timeout uses DefaultTimeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	return DialTLS(ctx, addr, timeout, nil)
}

// DialTLS connects to addr and runs a TLS handshake when cfg is not nil.
func DialTLS(ctx context.Context, addr string, timeout time.Duration, cfg *tls.Config) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nd := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg != nil {
		td := &tls.Dialer{NetDialer: nd, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, timeout), nil
}

// New wraps an established connection.
func New(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
}

// Do sends one raw command line and returns the reply without its newline.
// One trailing "\n" or "\r\n" is dropped, the same framing the server uses.
// Error replies are returned as the reply text with a nil error; only
// transport failures are errors.
func (c *Client) Do(line string) (string, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.ContainsRune(line, '\n') {
		return "", errors.New("command must be a single line")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

// Exec sends a parsed operation and converts error replies into
// *ReplyError.
func (c *Client) Exec(op protocol.Operation) (string, error) {
	reply, err := c.Do(op.String())
	if err != nil {
		return "", err
	}
	if protocol.IsErrorReply(reply) {
		return "", &ReplyError{Reply: reply}
	}
	return reply, nil
}

// Get returns the value stored under key. A stored value that itself starts
// with "Error: " cannot be told apart from an error reply.
func (c *Client) Get(key uint64) (string, error) {
	return c.Exec(protocol.Get(key))
}

// Set stores value under key. Values the server would refuse are rejected
// before anything is sent.
func (c *Client) Set(key uint64, value string) error {
	if err := validation.ValidateValue(value); err != nil {
		return err
	}
	reply, err := c.Exec(protocol.Set(key, value))
	if err != nil {
		return err
	}
	if reply != protocol.ReplyOK {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
