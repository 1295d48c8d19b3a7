// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when a channel to the endpoint cannot be established.
	ErrConnection = errors.New("remote: cannot connect")

	// ErrConnectionLost is returned to every caller whose request was in flight,
	// or is issued, after the channel died.
	ErrConnectionLost = errors.New("remote: connection lost")

	// ErrProtocol marks a message that could not be decoded.
	ErrProtocol = errors.New("remote: protocol error")

	// ErrIncompleteFrame is returned by DecodeFrame when more bytes are needed.
	ErrIncompleteFrame = errors.New("remote: incomplete frame")

	// ErrVersionMismatch is returned when the server speaks another protocol version.
	ErrVersionMismatch = errors.New("remote: protocol version mismatch")

	ErrShapeMismatch   = errors.New("remote: shape mismatch")
	ErrDtypeMismatch   = errors.New("remote: dtype mismatch")
	ErrInvalidArgument = errors.New("remote: invalid argument")

	// ErrStaleHandle is returned when a tensor is used after a reconnect invalidated it.
	ErrStaleHandle = errors.New("remote: stale handle")

	// ErrReleased is returned when a tensor is used after its last reference was released.
	ErrReleased = errors.New("remote: handle released")

	// ErrWrongDevice is returned when operands live on different devices.
	ErrWrongDevice = errors.New("remote: tensors belong to different devices")

	ErrTimeout          = errors.New("remote: request timeout")
	ErrClosed           = errors.New("remote: connection closed")
	ErrIDSpaceExhausted = errors.New("remote: correlation id space exhausted")

	// ErrRemoteExecution is the sentinel every *RemoteError unwraps to.
	ErrRemoteExecution = errors.New("remote: execution failed")
)

// Error codes carried by Error frames.
const (
	CodeUnknown         uint16 = 0
	CodeInvalidArgument uint16 = 1
	CodeNotFound        uint16 = 2
	CodeNumeric         uint16 = 3
	CodeResource        uint16 = 4
	CodeUnimplemented   uint16 = 5
	CodeCancelled       uint16 = 6
)

// RemoteError is a failure reported by the remote executor for one operation.
type RemoteError struct {
	Op      Opcode
	Code    uint16
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s failed (code %d): %s", e.Op, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteExecution
}

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
