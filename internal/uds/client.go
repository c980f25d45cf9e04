package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnavailable marks a daemon that could not be reached on its socket.
var ErrUnavailable = errors.New("daemon unavailable")

// Error is a command the daemon answered with a failure.
type Error struct {
	Command string
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed [%s]: %s", e.Command, e.Code, e.Message)
}

// CodeOf returns the daemon error code carried by err, or "" when err did not
// come from the daemon.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Client sends one command per connection to the daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

type ClientOption func(*Client)

// WithTimeout bounds each call, dial included. The default is 30s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(socketPath string, opts ...ClientOption) *Client {
	c := &Client{socketPath: socketPath, timeout: 30 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call sends command with params and decodes the result into out, which may
// be nil. A rejected command returns *Error; an unreachable daemon returns an
// error wrapping ErrUnavailable.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	resp, err := c.Do(ctx, command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		e := &Error{Command: command, Code: ErrCodeInternal, Message: "no error detail"}
		if resp.Error != nil {
			e.Code, e.Message = resp.Error.Code, resp.Error.Message
		}
		return e
	}
	if out == nil {
		return nil
	}
	if err := DecodeData(resp, out); err != nil {
		return fmt.Errorf("decode %s result: %w", command, err)
	}
	return nil
}

// Do performs one request/response exchange and returns the raw response.
// Cancelling ctx aborts a call blocked on the daemon.
func (c *Client) Do(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v (start it with: troupe daemon)", ErrUnavailable, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", command, context.Cause(ctx))
		}
		return nil, fmt.Errorf("read %s response: %w", command, err)
	}
	return &resp, nil
}
