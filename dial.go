// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ParseEndpoint validates a URL-style endpoint: scheme, host and port are
// required. An endpoint without a scheme gets DefaultTransport.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrConnection)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = DefaultTransport + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing endpoint %q: %w", ErrConnection, endpoint, err)
	}
	if !HasTransport(u.Scheme) {
		return nil, fmt.Errorf("%w: unknown transport %q (available: %s)", ErrConnection, u.Scheme, strings.Join(AvailableTransports(), ", "))
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q needs host and port: %w", ErrConnection, endpoint, err)
	}
	if host == "" || port == "" {
		return nil, fmt.Errorf("%w: endpoint %q needs host and port", ErrConnection, endpoint)
	}
	return u, nil
}

// Dial connects to the executor at endpoint and completes the protocol
// handshake. The returned Conn reconnects on its own after transport failures.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Conn, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := newConn(ctx, u, newOptions(opts))

	sess, err := c.open(ctx)
	if err != nil {
		c.stop()
		return nil, err
	}
	c.mu.Lock()
	sess.generation = c.registry.Generation()
	c.sess = sess
	c.setStateLocked(stateConnected)
	c.mu.Unlock()
	c.start(sess)

	c.log.Info("connected to remote executor", "endpoint", c.redacted, "session", c.sessionID)
	return c, nil
}
