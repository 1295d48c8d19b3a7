// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"io"
	"net/url"
	"slices"
	"sync"
)

// Transport is one open bidirectional message channel. Every Send carries one
// complete frame and every Recv returns one complete frame. Send is called
// from a single writer goroutine and Recv from a single reader goroutine;
// Close may be called concurrently with both and must unblock them.
type Transport interface {
	io.Closer
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Transport schemes
const (
	TransportTCP       = "tcp"  // length-prefixed frames on a TCP stream
	TransportTLS       = "tls"  // tcp wrapped in TLS
	TransportWebsocket = "ws"   // one binary websocket message per frame
	TransportWSS       = "wss"  // websocket over TLS
	TransportGRPC      = "grpc" // bidirectional gRPC stream
)

// DefaultTransport is used for endpoints given without a scheme.
const DefaultTransport = TransportWebsocket

type dialFunc func(ctx context.Context, endpoint *url.URL, o *options) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]dialFunc{
		TransportTCP:       dialTCP,
		TransportTLS:       dialTCP,
		TransportWebsocket: dialWebsocket,
		TransportWSS:       dialWebsocket,
	}
)

// registerTransport registers a dialer for a URL scheme
func registerTransport(scheme string, dial dialFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = dial
}

func lookupTransport(scheme string) (dialFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	dial, ok := transports[scheme]
	return dial, ok
}

// AvailableTransports returns the registered endpoint schemes, sorted
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport checks if a scheme is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
