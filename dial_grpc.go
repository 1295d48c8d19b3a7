// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	registerTransport(TransportGRPC, dialGRPC)
}

// GRPCStreamMethod is the bidirectional streaming method carrying frames.
const GRPCStreamMethod = "/remote.v1.Executor/Execute"

// GRPCStreamDesc describes GRPCStreamMethod for clients and servers.
var GRPCStreamDesc = grpc.StreamDesc{
	StreamName:    "Execute",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCCodec passes frames through unchanged; each gRPC message is one frame.
type GRPCCodec struct{}

func (GRPCCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("grpc codec: cannot marshal %T", v)
	}
}

func (GRPCCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc codec: cannot unmarshal into %T", v)
	}
	// grpc may reuse data once Unmarshal returns
	*b = append((*b)[:0], data...)
	return nil
}

func (GRPCCodec) Name() string {
	return "remote-frame"
}

func dialGRPC(ctx context.Context, endpoint *url.URL, o *options) (Transport, error) {
	creds := insecure.NewCredentials()
	if o.tlsConfig != nil {
		creds = credentials.NewTLS(o.tlsConfig)
	}
	conn, err := grpc.NewClient(endpoint.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(GRPCCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &GRPCStreamDesc, GRPCStreamMethod)
	stop()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc stream: %w", err)
	}
	return &grpcTransport{conn: conn, stream: stream, cancel: cancel}, nil
}

type grpcTransport struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (t *grpcTransport) Send(ctx context.Context, frame []byte) error {
	if err := t.stream.SendMsg(frame); err != nil {
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

func (t *grpcTransport) Recv(ctx context.Context) ([]byte, error) {
	var frame []byte
	if err := t.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *grpcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stream.CloseSend()
		t.cancel()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
