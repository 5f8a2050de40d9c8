package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content-subtype the feed speaks. Registering a JSON
// codec keeps the wire format stub-free: subscribers decode each message as
// an OverlayBundle document.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "vision.DetectionFeed"

// subscribeMethod is the full method path for the Subscribe stream.
const subscribeMethod = "/" + ServiceName + "/Subscribe"

// SubscribeRequest is the first (and only) message a client sends on the
// Subscribe stream. The zero value subscribes to every session.
type SubscribeRequest struct {
	// SessionID, when set, filters the stream to one session's bundles.
	SessionID string `json:"session_id,omitempty"`
}

// feedService is the server-side contract behind the service descriptor.
type feedService interface {
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

// serviceDesc is a hand-rolled descriptor for the feed service. The single
// stream is server-side only: one SubscribeRequest in, bundles out until the
// client hangs up or the publisher stops.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*feedService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	var req SubscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(feedService).Subscribe(&req, stream)
}

// feedServer implements feedService on top of a Publisher.
type feedServer struct {
	pub *Publisher
}

// Subscribe registers the caller with the publisher and forwards bundles
// until the stream context ends or the publisher shuts down.
func (s *feedServer) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if !s.pub.running.Load() {
		return status.Error(codes.Unavailable, "feed is shutting down")
	}

	clientID := fmt.Sprintf("feed-%d", time.Now().UnixNano())
	client := s.pub.addClient(clientID, req)
	defer s.pub.removeClient(clientID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.pub.stopCh:
			return nil
		case bundle := <-client.bundleCh:
			if err := stream.SendMsg(&bundle); err != nil {
				return err
			}
		}
	}
}
