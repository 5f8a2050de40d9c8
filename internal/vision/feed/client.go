package feed

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/vision.report/internal/vision"
)

// Client is a subscribed feed consumer. It exists mainly for tooling and
// tests; production renderers speak the wire protocol directly.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// Subscribe dials a feed publisher and opens the bundle stream. The context
// governs the life of the stream, not just the dial.
func Subscribe(ctx context.Context, addr string, req SubscribeRequest) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("feed dial %s: %w", addr, err)
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}
	if err := stream.SendMsg(&req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}

	return &Client{conn: conn, stream: stream}, nil
}

// Recv blocks until the next bundle arrives. It returns io.EOF when the
// publisher closes the stream.
func (c *Client) Recv() (vision.OverlayBundle, error) {
	var bundle vision.OverlayBundle
	if err := c.stream.RecvMsg(&bundle); err != nil {
		return vision.OverlayBundle{}, err
	}
	return bundle, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
