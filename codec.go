// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ProtocolVersion is exchanged in the Hello handshake.
const ProtocolVersion uint16 = 1

// MaxFrameSize caps a single frame, header included.
const MaxFrameSize = 64 * 1024 * 1024

// MessageKind identifies the type of a frame.
type MessageKind uint8

const (
	MsgHello    MessageKind = 0x01
	MsgHelloAck MessageKind = 0x02
	MsgRequest  MessageKind = 0x10
	MsgResponse MessageKind = 0x11
	MsgError    MessageKind = 0x12
	MsgRelease  MessageKind = 0x13
	MsgCancel   MessageKind = 0x14
)

func (k MessageKind) String() string {
	switch k {
	case MsgHello:
		return "hello"
	case MsgHelloAck:
		return "hello-ack"
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgError:
		return "error"
	case MsgRelease:
		return "release"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Frame layout: [4 frameLen][1 kind][4 id][4 payloadLen][payload].
// frameLen counts everything after itself.
const (
	frameLenSize    = 4
	frameHeaderSize = frameLenSize + 1 + 4 + 4
)

// Frame is one message on the wire. ID is the correlation id; it is zero for
// frames that are not tied to a request (hello, release).
type Frame struct {
	Kind    MessageKind
	ID      uint32
	Payload []byte
}

// EncodeFrame returns the wire encoding of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, frameHeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(1+4+4+len(f.Payload)))
	dst = append(dst, byte(f.Kind))
	dst = binary.BigEndian.AppendUint32(dst, f.ID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

// DecodeFrame parses the frame at the start of buf and returns it with the
// number of bytes it occupied. When buf holds only part of a frame it returns
// ErrIncompleteFrame and the total number of bytes needed so far, letting a
// stream reader buffer instead of misparsing. The payload aliases buf.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameLenSize {
		return Frame{}, frameLenSize, ErrIncompleteFrame
	}
	frameLen := binary.BigEndian.Uint32(buf)
	if frameLen < frameHeaderSize-frameLenSize {
		return Frame{}, 0, protocolErrorf("frame length %d shorter than header", frameLen)
	}
	if uint64(frameLen)+frameLenSize > MaxFrameSize {
		return Frame{}, 0, protocolErrorf("frame length %d exceeds limit", frameLen)
	}
	total := frameLenSize + int(frameLen)
	if len(buf) < total {
		return Frame{}, total, ErrIncompleteFrame
	}
	f := Frame{
		Kind: MessageKind(buf[4]),
		ID:   binary.BigEndian.Uint32(buf[5:9]),
	}
	payloadLen := binary.BigEndian.Uint32(buf[9:13])
	if int(payloadLen) != total-frameHeaderSize {
		return f, total, protocolErrorf("payload length %d disagrees with frame length %d", payloadLen, frameLen)
	}
	f.Payload = buf[frameHeaderSize:total]
	return f, total, nil
}

// Field tags. Fields are written in ascending tag order so that encoding is
// deterministic; decoders skip tags they do not know.
const (
	tagInputs  byte = 1
	tagShape   byte = 2
	tagDType   byte = 3
	tagScalars byte = 4
	tagData    byte = 5
	tagHandle  byte = 6
	tagError   byte = 7
)

const fieldHeaderSize = 1 + 4

// Request is the immutable description of one tensor operation. The
// correlation id travels in the frame header, not here.
type Request struct {
	Op      Opcode
	Inputs  []HandleID
	Shape   Shape
	DType   DType
	Scalars []float64
	Data    []byte
}

// Response is the success payload of a request: a new remote handle with its
// metadata, or raw data for reads.
type Response struct {
	Handle HandleID
	Shape  Shape
	DType  DType
	Data   []byte
}

// EncodeRequest serializes r into a request payload.
func EncodeRequest(r *Request) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(r.Op))
	if len(r.Inputs) > 0 {
		b = appendFieldHeader(b, tagInputs, 8*len(r.Inputs))
		for _, id := range r.Inputs {
			b = binary.BigEndian.AppendUint64(b, uint64(id))
		}
	}
	if r.Shape != nil {
		b = appendShape(b, r.Shape)
	}
	if r.DType != InvalidDType {
		b = appendFieldHeader(b, tagDType, 1)
		b = append(b, byte(r.DType))
	}
	if len(r.Scalars) > 0 {
		b = appendFieldHeader(b, tagScalars, 8*len(r.Scalars))
		for _, v := range r.Scalars {
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
		}
	}
	if r.Data != nil {
		b = appendFieldHeader(b, tagData, len(r.Data))
		b = append(b, r.Data...)
	}
	return b
}

// DecodeRequest parses a request payload.
func DecodeRequest(payload []byte) (*Request, error) {
	if len(payload) < 2 {
		return nil, protocolErrorf("request payload of %d bytes has no opcode", len(payload))
	}
	r := &Request{Op: Opcode(binary.BigEndian.Uint16(payload))}
	err := readFields(payload[2:], func(tag byte, v []byte) error {
		switch tag {
		case tagInputs:
			if len(v)%8 != 0 {
				return protocolErrorf("inputs field of %d bytes", len(v))
			}
			r.Inputs = make([]HandleID, len(v)/8)
			for i := range r.Inputs {
				r.Inputs[i] = HandleID(binary.BigEndian.Uint64(v[8*i:]))
			}
		case tagShape:
			shape, err := decodeShape(v)
			if err != nil {
				return err
			}
			r.Shape = shape
		case tagDType:
			if len(v) != 1 {
				return protocolErrorf("dtype field of %d bytes", len(v))
			}
			r.DType = DType(v[0])
		case tagScalars:
			if len(v)%8 != 0 {
				return protocolErrorf("scalars field of %d bytes", len(v))
			}
			r.Scalars = make([]float64, len(v)/8)
			for i := range r.Scalars {
				r.Scalars[i] = math.Float64frombits(binary.BigEndian.Uint64(v[8*i:]))
			}
		case tagData:
			r.Data = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// EncodeResponse serializes r into a response payload.
func EncodeResponse(r *Response) []byte {
	var b []byte
	if r.Shape != nil {
		b = appendShape(b, r.Shape)
	}
	if r.DType != InvalidDType {
		b = appendFieldHeader(b, tagDType, 1)
		b = append(b, byte(r.DType))
	}
	if r.Data != nil {
		b = appendFieldHeader(b, tagData, len(r.Data))
		b = append(b, r.Data...)
	}
	if r.Handle != 0 {
		b = appendFieldHeader(b, tagHandle, 8)
		b = binary.BigEndian.AppendUint64(b, uint64(r.Handle))
	}
	return b
}

// DecodeResponse parses a response payload and checks that any data block
// matches the declared shape and dtype.
func DecodeResponse(payload []byte) (*Response, error) {
	r := &Response{}
	err := readFields(payload, func(tag byte, v []byte) error {
		switch tag {
		case tagShape:
			shape, err := decodeShape(v)
			if err != nil {
				return err
			}
			r.Shape = shape
		case tagDType:
			if len(v) != 1 {
				return protocolErrorf("dtype field of %d bytes", len(v))
			}
			r.DType = DType(v[0])
		case tagData:
			r.Data = v
		case tagHandle:
			if len(v) != 8 {
				return protocolErrorf("handle field of %d bytes", len(v))
			}
			r.Handle = HandleID(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.DType != InvalidDType && !r.DType.Valid() {
		return nil, protocolErrorf("unknown dtype %d", uint8(r.DType))
	}
	if r.Data != nil && r.Shape != nil && r.DType.Valid() {
		if want := ByteSize(r.Shape, r.DType); len(r.Data) != want {
			return nil, protocolErrorf("data block of %d bytes, want %d for %v %s", len(r.Data), want, r.Shape, r.DType)
		}
	}
	return r, nil
}

// EncodeError serializes a failure descriptor.
func EncodeError(code uint16, message string) []byte {
	b := appendFieldHeader(nil, tagError, 2+len(message))
	b = binary.BigEndian.AppendUint16(b, code)
	return append(b, message...)
}

// DecodeError parses a failure descriptor into a RemoteError for op.
func DecodeError(op Opcode, payload []byte) (*RemoteError, error) {
	var remoteErr *RemoteError
	err := readFields(payload, func(tag byte, v []byte) error {
		if tag != tagError {
			return nil
		}
		if len(v) < 2 {
			return protocolErrorf("error field of %d bytes", len(v))
		}
		msg := v[2:]
		if !utf8.Valid(msg) {
			return protocolErrorf("error message is not utf-8")
		}
		remoteErr = &RemoteError{Op: op, Code: binary.BigEndian.Uint16(v), Message: string(msg)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if remoteErr == nil {
		return nil, protocolErrorf("error frame without error field")
	}
	return remoteErr, nil
}

// EncodeHello builds the client's opening payload.
func EncodeHello(version uint16, session uuid.UUID) []byte {
	b := binary.BigEndian.AppendUint16(nil, version)
	return append(b, session[:]...)
}

// DecodeHello parses the client's opening payload.
func DecodeHello(payload []byte) (uint16, uuid.UUID, error) {
	if len(payload) != 2+16 {
		return 0, uuid.Nil, protocolErrorf("hello payload of %d bytes", len(payload))
	}
	session, err := uuid.FromBytes(payload[2:])
	if err != nil {
		return 0, uuid.Nil, protocolErrorf("hello session: %v", err)
	}
	return binary.BigEndian.Uint16(payload), session, nil
}

// EncodeHelloAck builds the server's handshake reply.
func EncodeHelloAck(version uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, version)
}

// DecodeHelloAck parses the server's handshake reply.
func DecodeHelloAck(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, protocolErrorf("hello-ack payload of %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeRelease lists handles the server may free.
func EncodeRelease(ids []HandleID) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(ids)))
	for _, id := range ids {
		b = binary.BigEndian.AppendUint64(b, uint64(id))
	}
	return b
}

// DecodeRelease parses a release payload.
func DecodeRelease(payload []byte) ([]HandleID, error) {
	if len(payload) < 4 {
		return nil, protocolErrorf("release payload of %d bytes", len(payload))
	}
	n := binary.BigEndian.Uint32(payload)
	if uint64(len(payload)-4) != 8*uint64(n) {
		return nil, protocolErrorf("release payload of %d bytes for %d handles", len(payload), n)
	}
	ids := make([]HandleID, n)
	for i := range ids {
		ids[i] = HandleID(binary.BigEndian.Uint64(payload[4+8*i:]))
	}
	return ids, nil
}

func appendFieldHeader(b []byte, tag byte, n int) []byte {
	b = append(b, tag)
	return binary.BigEndian.AppendUint32(b, uint32(n))
}

func appendShape(b []byte, shape Shape) []byte {
	b = appendFieldHeader(b, tagShape, 4+8*len(shape))
	b = binary.BigEndian.AppendUint32(b, uint32(len(shape)))
	for _, d := range shape {
		b = binary.BigEndian.AppendUint64(b, uint64(d))
	}
	return b
}

// Decoded shapes are bounded so NumElements and ByteSize cannot overflow.
const (
	maxDimension = math.MaxInt32
	maxElements  = 1 << 48
)

func decodeShape(v []byte) (Shape, error) {
	if len(v) < 4 {
		return nil, protocolErrorf("shape field of %d bytes", len(v))
	}
	rank := binary.BigEndian.Uint32(v)
	if uint64(len(v)-4) != 8*uint64(rank) {
		return nil, protocolErrorf("shape field of %d bytes for rank %d", len(v), rank)
	}
	shape := make(Shape, rank)
	elements := uint64(1)
	for i := range shape {
		d := binary.BigEndian.Uint64(v[4+8*i:])
		if d > maxDimension {
			return nil, protocolErrorf("dimension %d too large", d)
		}
		if d != 0 && elements > maxElements/d {
			return nil, protocolErrorf("shape has too many elements")
		}
		elements *= d
		shape[i] = int(d)
	}
	return shape, nil
}

func readFields(b []byte, fn func(tag byte, v []byte) error) error {
	for len(b) > 0 {
		if len(b) < fieldHeaderSize {
			return protocolErrorf("truncated field header (%d bytes)", len(b))
		}
		tag := b[0]
		n := binary.BigEndian.Uint32(b[1:fieldHeaderSize])
		if uint64(len(b)-fieldHeaderSize) < uint64(n) {
			return protocolErrorf("field %d truncated: want %d bytes, have %d", tag, n, len(b)-fieldHeaderSize)
		}
		if err := fn(tag, b[fieldHeaderSize:fieldHeaderSize+int(n)]); err != nil {
			return err
		}
		b = b[fieldHeaderSize+int(n):]
	}
	return nil
}
