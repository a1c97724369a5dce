package api

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin wrapper over a grpc.ClientConn dialed with Dial, used by
// cmd/fatectl to talk to a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials addr and returns a ready-to-use Client.
func NewClient(addr string) (*Client, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ListTransactions(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	resp := new(ListResponse)
	if err := c.conn.Invoke(ctx, "/fate.Admin/ListTransactions", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetTransaction(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	resp := new(GetResponse)
	if err := c.conn.Invoke(ctx, "/fate.Admin/GetTransaction", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CancelTransaction(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	resp := new(CancelResponse)
	if err := c.conn.Invoke(ctx, "/fate.Admin/CancelTransaction", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) DeleteTransaction(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	resp := new(DeleteResponse)
	if err := c.conn.Invoke(ctx, "/fate.Admin/DeleteTransaction", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	resp := new(HealthResponse)
	if err := c.conn.Invoke(ctx, "/fate.Admin/Health", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
