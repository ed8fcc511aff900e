package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/distributed"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Client submits partials from a worker rank.
type Client struct {
	conn   *grpc.ClientConn
	client ReducerClient
	rank   int
}

// Dial connects to the reducer at addr. The connection is established lazily;
// Submit waits for it to become ready until its context expires.
func Dial(addr string, rank int, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(1 << 30)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, &errdefs.DistributedInitError{Rank: rank, Reason: "dial " + addr, Err: err}
	}
	return &Client{conn: conn, client: NewReducerClient(conn), rank: rank}, nil
}

// Submit sends the partial of p.Rank for passID.
func (c *Client) Submit(ctx context.Context, passID string, world int, p distributed.Partial) error {
	req, err := encodeSubmission(passID, p.Rank, world, p.Stats)
	if err != nil {
		return err
	}
	if _, err := c.client.Submit(ctx, req, grpc.WaitForReady(true)); err != nil {
		return &errdefs.DistributedInitError{Rank: p.Rank, Reason: "submit partial", Err: err}
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ distributed.Submitter = (*Client)(nil)
