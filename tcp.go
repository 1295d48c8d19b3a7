// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// tcpTransport carries length-prefixed frames on a stream connection.
type tcpTransport struct {
	conn   net.Conn
	header [frameLenSize]byte
	closed atomic.Bool
}

func dialTCP(ctx context.Context, endpoint *url.URL, o *options) (Transport, error) {
	var (
		conn net.Conn
		err  error
	)
	if endpoint.Scheme == TransportTLS {
		d := &tls.Dialer{Config: o.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", endpoint.Host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", endpoint.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return NewStreamTransport(conn), nil
}

// NewStreamTransport frames messages over an established stream connection.
func NewStreamTransport(conn net.Conn) Transport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *tcpTransport) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	if _, err := io.ReadFull(t.conn, t.header[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(t.header[:])
	// A bad length desynchronises the stream, so it is not recoverable.
	if frameLen == 0 || uint64(frameLen)+frameLenSize > MaxFrameSize {
		return nil, fmt.Errorf("tcp read: frame length %d out of range", frameLen)
	}

	frame := make([]byte, frameLenSize+int(frameLen))
	copy(frame, t.header[:])
	if _, err := io.ReadFull(t.conn, frame[frameLenSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *tcpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
