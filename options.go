// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"k8s.io/klog/v2"
)

// Defaults for Dial
const (
	DefaultMaxPending          = 256
	DefaultComputeTimeout      = time.Minute
	DefaultTransferTimeout     = 5 * time.Minute
	DefaultControlTimeout      = 30 * time.Second
	DefaultReconnectAttempts   = 5
	DefaultReconnectBackoff    = 100 * time.Millisecond
	DefaultMaxReconnectBackoff = 5 * time.Second
	DefaultDrainTimeout        = 5 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultMaxProtocolErrors   = 3
	DefaultAbandonGrace        = 30 * time.Second
)

// Option configures a connection
type Option func(*options)

type options struct {
	maxPending          int64
	timeouts            [numRequestClasses]time.Duration
	reconnectAttempts   int
	reconnectBackoff    time.Duration
	maxReconnectBackoff time.Duration
	drainTimeout        time.Duration
	handshakeTimeout    time.Duration
	maxProtocolErrors   int
	abandonGrace        time.Duration

	logger    *klog.Logger
	dialer    DialerFunc
	tlsConfig *tls.Config
	headers   http.Header
}

// DialerFunc opens a transport to endpoint, bypassing the scheme registry.
type DialerFunc func(ctx context.Context, endpoint *url.URL) (Transport, error)

func newOptions(opts []Option) *options {
	o := &options{
		maxPending:          DefaultMaxPending,
		reconnectAttempts:   DefaultReconnectAttempts,
		reconnectBackoff:    DefaultReconnectBackoff,
		maxReconnectBackoff: DefaultMaxReconnectBackoff,
		drainTimeout:        DefaultDrainTimeout,
		handshakeTimeout:    DefaultHandshakeTimeout,
		maxProtocolErrors:   DefaultMaxProtocolErrors,
		abandonGrace:        DefaultAbandonGrace,
	}
	o.timeouts[ClassCompute] = DefaultComputeTimeout
	o.timeouts[ClassTransfer] = DefaultTransferTimeout
	o.timeouts[ClassControl] = DefaultControlTimeout
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxPending bounds the number of in-flight requests; Dispatch blocks
// once the bound is reached.
func WithMaxPending(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPending = int64(n)
		}
	}
}

// WithTimeout sets the timeout for a request class. Zero disables it.
func WithTimeout(class RequestClass, d time.Duration) Option {
	return func(o *options) {
		if class < numRequestClasses {
			o.timeouts[class] = d
		}
	}
}

// WithReconnect sets the number of reconnect attempts after a transport
// failure and the backoff between them, which doubles up to max.
// Zero attempts disables reconnection.
func WithReconnect(attempts int, backoff, max time.Duration) Option {
	return func(o *options) {
		o.reconnectAttempts = attempts
		o.reconnectBackoff = backoff
		o.maxReconnectBackoff = max
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight requests.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithHandshakeTimeout bounds dialing plus the hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMaxProtocolErrors sets how many consecutive undecodable frames end a session.
func WithMaxProtocolErrors(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxProtocolErrors = n
		}
	}
}

// WithAbandonGrace sets how long a timed-out or cancelled request keeps its
// pending slot so a late response can still be discarded and its handle
// released. After that the slot is dropped from the table.
func WithAbandonGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.abandonGrace = d
		}
	}
}

// WithLogger overrides the logger taken from the dial context.
func WithLogger(log klog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// WithDialer replaces transport selection by scheme.
func WithDialer(dial DialerFunc) Option {
	return func(o *options) { o.dialer = dial }
}

// WithTLSConfig sets the TLS configuration used by tls, wss and grpc endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithHeaders adds headers to the websocket handshake.
func WithHeaders(h http.Header) Option {
	return func(o *options) { o.headers = h }
}
