package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// Client talks to one control server. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to addr. When secret is set, it performs the token
// handshake for camera idx.
func Dial(ctx context.Context, addr, secret string, idx int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	c := &Client{conn: conn}

	if secret != "" {
		token, err := IssueToken(secret, idx, time.Minute)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resp, err := c.roundTrip(ctx, Request{Token: token})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if resp.Reply != ReplyOK {
			conn.Close()
			return nil, ErrUnauthorized
		}
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a raw command and returns the reply.
func (c *Client) Send(ctx context.Context, command string) (Response, error) {
	return c.roundTrip(ctx, Request{Command: command})
}

// Status queries the worker status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.Send(ctx, CmdStatus)
	if err != nil {
		return Status{}, err
	}
	if resp.Status == nil {
		return Status{}, fmt.Errorf("unexpected reply %q", resp.Reply)
	}
	return *resp.Status, nil
}

// Terminate asks the worker to stop.
func (c *Client) Terminate(ctx context.Context) error {
	resp, err := c.Send(ctx, CmdTerminate)
	if err != nil {
		return err
	}
	if resp.Reply != ReplyOK {
		return fmt.Errorf("unexpected reply %q", resp.Reply)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	c.conn.SetDeadline(deadline)

	if err := WriteMessage(c.conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := ReadMessage(c.conn, &resp); err != nil {
		return Response{}, err
	}
	if resp.Reply == ReplyUnauthorized {
		return resp, ErrUnauthorized
	}
	if IsUnknown(resp.Reply) {
		return resp, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}
	return resp, nil
}
