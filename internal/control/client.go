package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
)

// ErrNoHost is returned by Dial when nothing listens on the socket path.
var ErrNoHost = errors.New("no host is running")

// Client talks to a host over its control socket. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the host listening at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w at %s (start one with 'claudio-ide serve'): %v", ErrNoHost, path, err)
	}
	return &Client{conn: conn, reader: newReader(conn)}, nil
}

func newReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, 64*1024)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and waits for its response, bounded by ctx. A failed
// operation is returned as an error that matches the host-side sentinel.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode control request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(DefaultRequestTimeout + WriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write %s request: %w", req.Op, err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Op, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	if err := resp.Err(); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Ping checks the host is alive and returns its pid.
func (c *Client) Ping(ctx context.Context) (int, error) {
	resp, err := c.Call(ctx, Request{Op: OpPing})
	if err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// Create creates (or returns) the session for path.
func (c *Client) Create(ctx context.Context, path string, opts instance.CreateOptions) (*instance.Info, error) {
	resp, err := c.Call(ctx, Request{
		Op:          OpCreate,
		Path:        path,
		LaunchAgent: opts.LaunchAgent,
		Activate:    opts.Activate,
		ParentPort:  opts.ParentPort,
	})
	if err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return &instance.Info{ID: resp.SessionID}, nil
	}
	return resp.Session, nil
}

// List returns every session of the host.
func (c *Client) List(ctx context.Context) ([]instance.Info, error) {
	resp, err := c.Call(ctx, Request{Op: OpList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Kill destroys target (an id, "all", or "" for the active session).
func (c *Client) Kill(ctx context.Context, target string) ([]string, error) {
	resp, err := c.Call(ctx, Request{Op: OpKill, SessionID: target})
	if err != nil {
		return nil, err
	}
	return resp.Killed, nil
}

// Switch makes id the active session.
func (c *Client) Switch(ctx context.Context, id string) error {
	_, err := c.Call(ctx, Request{Op: OpSwitch, SessionID: id})
	return err
}

// Active returns the active session, or nil when there is none.
func (c *Client) Active(ctx context.Context) (*instance.Info, error) {
	resp, err := c.Call(ctx, Request{Op: OpActive})
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, nil
	}
	if resp.Session == nil {
		return &instance.Info{ID: resp.SessionID}, nil
	}
	return resp.Session, nil
}

// Send delivers a notification to every agent attached to id.
func (c *Client) Send(ctx context.Context, id, method string, payload json.RawMessage) (int, error) {
	resp, err := c.Call(ctx, Request{Op: OpSend, SessionID: id, Method: method, Payload: payload})
	if err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// Env returns the agent environment for id.
func (c *Client) Env(ctx context.Context, id string) ([]string, error) {
	resp, err := c.Call(ctx, Request{Op: OpEnv, SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.Env, nil
}

// Launch starts the configured agent for id.
func (c *Client) Launch(ctx context.Context, id string) (string, error) {
	resp, err := c.Call(ctx, Request{Op: OpLaunch, SessionID: id})
	if err != nil {
		return "", err
	}
	return resp.Agent, nil
}

// Lookup returns the session that owns path.
func (c *Client) Lookup(ctx context.Context, path string) (*instance.Info, error) {
	resp, err := c.Call(ctx, Request{Op: OpLookup, Path: path})
	if err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return &instance.Info{ID: resp.SessionID}, nil
	}
	return resp.Session, nil
}

// Sweep asks the host to remove stale discovery records.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	resp, err := c.Call(ctx, Request{Op: OpSweep})
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}
