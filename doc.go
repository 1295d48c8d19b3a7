// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package remote is a client for executing tensor operations on a remote
// executor. Tensors live on the executor and are referred to locally by
// handles; every operation is one request/response exchange multiplexed over
// a single persistent channel.
//
// # Transport Selection
//
// The endpoint URL scheme picks the transport:
//
//	ws://host:port    websocket, one binary message per frame (default)
//	wss://host:port   websocket over TLS
//	tcp://host:port   length-prefixed frames on a TCP stream
//	tls://host:port   the same over TLS
//	grpc://host:port  bidirectional gRPC stream with a raw frame codec
//
// # Usage
//
//	dev, err := remote.NewDevice(ctx, "ws://localhost:3000")
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	a, err := dev.Ones(ctx, remote.Shape{3, 3}, remote.Float32)
//	b, err := dev.Random(ctx, remote.Shape{3, 3}, remote.Uniform(-1, 1), remote.Float32)
//	c, err := a.MatMul(ctx, b)
//	values, err := c.Float32s(ctx)
//
// Operations are synchronous for the calling goroutine, but any number of
// goroutines may share a Device; their requests are pipelined and responses
// are matched by correlation id in whatever order they arrive.
//
// Tensors are released explicitly. Release frees the remote memory once the
// last reference to a handle is dropped, and Close releases everything left.
//
// # Failure
//
// When the channel is lost every outstanding request fails with
// ErrConnectionLost and every existing tensor becomes stale (ErrStaleHandle).
// The connection reconnects in the background with exponential backoff;
// nothing is retried on the caller's behalf.
//
// # Architecture
//
//   - codec.go, elements.go: frame and message encoding
//   - transport.go, tcp.go, websocket.go, dial_grpc.go: transports
//   - conn.go, dial.go, options.go: connection lifecycle and configuration
//   - dispatch.go, correlator.go: request dispatch and response matching
//   - registry.go: remote handle lifetimes
//   - device.go, tensor.go, backend.go, blobs.go: the tensor device
//   - json.go: JSON-RPC admin queries
package remote
