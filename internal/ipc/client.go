package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

var ErrNotRunning = errors.New("treelandd is not running")

// Client sends control requests to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

// WithTimeout returns a copy of c using timeout per request.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// Status fetches the daemon snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	reply, err := c.do(ctx, TypeStatus, nil)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := FromValue(reply.GetFields()["status"], &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// SetEnabled enables or disables the main client socket.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, TypeSetEnabled, map[string]any{"enabled": enabled})
	return err
}

// SetPrimaryOutput changes the primary output.
func (c *Client) SetPrimaryOutput(ctx context.Context, name string) error {
	_, err := c.do(ctx, TypeSetPrimaryOutput, map[string]any{"output": name})
	return err
}

func (c *Client) do(ctx context.Context, typ string, payload map[string]any) (*structpb.Struct, error) {
	req, err := NewRequest(typ, payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	if err := WriteMessage(conn, req); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if got, want := reply.GetFields()["id"].GetStringValue(), req.GetFields()["id"].GetStringValue(); got != want {
		return nil, fmt.Errorf("reply id %q does not match request %q", got, want)
	}
	if err := ReplyError(reply); err != nil {
		return nil, err
	}
	return reply, nil
}
