package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to the console control socket.
type Client struct {
	conn      net.Conn
	reader    *bufio.Reader
	requestID int
	timeout   time.Duration
}

// ClientConfig configures the control client.
type ClientConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string
	// Timeout is the connection and request timeout.
	Timeout time.Duration
}

// NewClient connects to the control socket.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket: %w", err)
	}

	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: cfg.Timeout,
	}, nil
}

// Call makes an RPC call and unmarshals the result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.requestID++

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
	}
	id, err := json.Marshal(c.requestID)
	if err != nil {
		return err
	}
	req.ID = id
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = raw
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

// Close closes the control connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status fetches console status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.Call(ctx, "status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NodesList fetches the remote node pools.
func (c *Client) NodesList(ctx context.Context) (*NodesListResult, error) {
	var result NodesListResult
	if err := c.Call(ctx, "nodes.list", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JournalList fetches exposure journal records.
func (c *Client) JournalList(ctx context.Context, unarchivedOnly bool, limit int) (*JournalListResult, error) {
	var result JournalListResult
	params := JournalListParams{UnarchivedOnly: unarchivedOnly, Limit: limit}
	if err := c.Call(ctx, "journal.list", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JournalArchive marks one exposure record as transferred to PACS.
func (c *Client) JournalArchive(ctx context.Context, id string) (*JournalArchiveResult, error) {
	var result JournalArchiveResult
	if err := c.Call(ctx, "journal.archive", JournalArchiveParams{ID: id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SessionReconnect starts manual recovery of a faulted command channel.
func (c *Client) SessionReconnect(ctx context.Context) (*SessionReconnectResult, error) {
	var result SessionReconnectResult
	if err := c.Call(ctx, "session.reconnect", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
