// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
)

// Device is a remote executor seen as a tensor device. Every operation
// validates its operands locally, dispatches one request and blocks the
// calling goroutine until that request's response arrives; concurrent
// callers do not wait on each other.
type Device struct {
	conn *Conn
}

// NewDevice connects to the executor at endpoint, for example
// "ws://localhost:3000".
func NewDevice(ctx context.Context, endpoint string, opts ...Option) (*Device, error) {
	conn, err := Dial(ctx, endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return &Device{conn: conn}, nil
}

// Conn returns the underlying connection.
func (d *Device) Conn() *Conn {
	return d.conn
}

// Close flushes pending requests, releases every remote handle the device
// owns and closes the connection.
func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) String() string {
	return "remote(" + d.conn.Endpoint() + ")"
}

func (d *Device) Zeros(ctx context.Context, shape Shape, dtype DType) (*Tensor, error) {
	return d.create(ctx, &Request{Op: OpZeros, Shape: shape, DType: dtype})
}

func (d *Device) Ones(ctx context.Context, shape Shape, dtype DType) (*Tensor, error) {
	return d.create(ctx, &Request{Op: OpOnes, Shape: shape, DType: dtype})
}

// Full creates a tensor with every element set to value.
func (d *Device) Full(ctx context.Context, shape Shape, value float64, dtype DType) (*Tensor, error) {
	return d.create(ctx, &Request{Op: OpFull, Shape: shape, DType: dtype, Scalars: []float64{value}})
}

// Random creates a tensor sampled from dist on the executor.
func (d *Device) Random(ctx context.Context, shape Shape, dist Distribution, dtype DType) (*Tensor, error) {
	if err := dist.Validate(dtype); err != nil {
		return nil, fmt.Errorf("%s: %w", OpRandom, err)
	}
	return d.create(ctx, &Request{Op: OpRandom, Shape: shape, DType: dtype, Scalars: dist.scalars()})
}

// Upload copies a host buffer, row-major in dtype's layout, to the executor.
func (d *Device) Upload(ctx context.Context, shape Shape, dtype DType, data []byte) (*Tensor, error) {
	if dtype.Valid() {
		if want := ByteSize(shape, dtype); len(data) != want {
			return nil, fmt.Errorf("%s: %w: %d bytes for %v %s, want %d", OpUpload, ErrShapeMismatch, len(data), shape, dtype, want)
		}
	}
	return d.create(ctx, &Request{Op: OpUpload, Shape: shape, DType: dtype, Data: data})
}

func (d *Device) FromFloat32(ctx context.Context, shape Shape, values []float32) (*Tensor, error) {
	if err := checkLength(shape, len(values)); err != nil {
		return nil, err
	}
	return d.Upload(ctx, shape, Float32, EncodeFloat32s(values))
}

func (d *Device) FromFloat64(ctx context.Context, shape Shape, values []float64) (*Tensor, error) {
	if err := checkLength(shape, len(values)); err != nil {
		return nil, err
	}
	return d.Upload(ctx, shape, Float64, EncodeFloat64s(values))
}

func (d *Device) FromInt32(ctx context.Context, shape Shape, values []int32) (*Tensor, error) {
	if err := checkLength(shape, len(values)); err != nil {
		return nil, err
	}
	return d.Upload(ctx, shape, Int32, EncodeInt32s(values))
}

func (d *Device) FromInt64(ctx context.Context, shape Shape, values []int64) (*Tensor, error) {
	if err := checkLength(shape, len(values)); err != nil {
		return nil, err
	}
	return d.Upload(ctx, shape, Int64, EncodeInt64s(values))
}

func checkLength(shape Shape, n int) error {
	if want := shape.NumElements(); n != want {
		return fmt.Errorf("%s: %w: %d values for shape %v, want %d", OpUpload, ErrShapeMismatch, n, shape, want)
	}
	return nil
}

func (d *Device) create(ctx context.Context, req *Request) (*Tensor, error) {
	if err := req.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	if !req.DType.Valid() {
		return nil, fmt.Errorf("%s: %w: %s", req.Op, ErrDtypeMismatch, req.DType)
	}
	return d.execute(ctx, req, req.Shape, req.DType)
}

func (d *Device) Add(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	return d.elementwise(ctx, OpAdd, a, b)
}

func (d *Device) Sub(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	return d.elementwise(ctx, OpSub, a, b)
}

func (d *Device) Mul(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	return d.elementwise(ctx, OpMul, a, b)
}

func (d *Device) Div(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	return d.elementwise(ctx, OpDiv, a, b)
}

// elementwise requires operands of identical shape and dtype; there is no broadcasting.
func (d *Device) elementwise(ctx context.Context, op Opcode, a, b *Tensor) (*Tensor, error) {
	if err := d.operands(a, b); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if a.DType() != b.DType() {
		return nil, fmt.Errorf("%s: %w: %s and %s", op, ErrDtypeMismatch, a.DType(), b.DType())
	}
	if !a.handle.shape.Equal(b.handle.shape) {
		return nil, fmt.Errorf("%s: %w: %v and %v", op, ErrShapeMismatch, a.handle.shape, b.handle.shape)
	}
	req := &Request{Op: op, Inputs: []HandleID{a.handle.id, b.handle.id}}
	return d.execute(ctx, req, a.handle.shape, a.handle.dtype)
}

// MatMul multiplies [..., m, k] by [..., k, n]; leading batch dimensions must match.
func (d *Device) MatMul(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	if err := d.operands(a, b); err != nil {
		return nil, fmt.Errorf("%s: %w", OpMatMul, err)
	}
	if a.DType() != b.DType() {
		return nil, fmt.Errorf("%s: %w: %s and %s", OpMatMul, ErrDtypeMismatch, a.DType(), b.DType())
	}
	if a.DType() == Bool {
		return nil, fmt.Errorf("%s: %w: %s is not numeric", OpMatMul, ErrDtypeMismatch, Bool)
	}
	out, err := matMulShape(a.handle.shape, b.handle.shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OpMatMul, err)
	}
	req := &Request{Op: OpMatMul, Inputs: []HandleID{a.handle.id, b.handle.id}}
	return d.execute(ctx, req, out, a.handle.dtype)
}

func matMulShape(a, b Shape) (Shape, error) {
	if a.Rank() < 2 || a.Rank() != b.Rank() {
		return nil, fmt.Errorf("%w: cannot multiply %v by %v", ErrShapeMismatch, a, b)
	}
	r := a.Rank()
	if !a[:r-2].Equal(b[:r-2]) {
		return nil, fmt.Errorf("%w: batch dimensions of %v and %v differ", ErrShapeMismatch, a, b)
	}
	if a[r-1] != b[r-2] {
		return nil, fmt.Errorf("%w: inner dimensions of %v and %v differ", ErrShapeMismatch, a, b)
	}
	out := a.Clone()
	out[r-1] = b[r-1]
	return out, nil
}

func (d *Device) AddScalar(ctx context.Context, a *Tensor, value float64) (*Tensor, error) {
	return d.scalarOp(ctx, OpAddScalar, a, value)
}

func (d *Device) MulScalar(ctx context.Context, a *Tensor, value float64) (*Tensor, error) {
	return d.scalarOp(ctx, OpMulScalar, a, value)
}

func (d *Device) scalarOp(ctx context.Context, op Opcode, a *Tensor, value float64) (*Tensor, error) {
	if err := d.operands(a); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req := &Request{Op: op, Inputs: []HandleID{a.handle.id}, Scalars: []float64{value}}
	return d.execute(ctx, req, a.handle.shape, a.handle.dtype)
}

func (d *Device) Neg(ctx context.Context, a *Tensor) (*Tensor, error) {
	if err := d.operands(a); err != nil {
		return nil, fmt.Errorf("%s: %w", OpNeg, err)
	}
	if a.DType() == Bool {
		return nil, fmt.Errorf("%s: %w: %s is not numeric", OpNeg, ErrDtypeMismatch, Bool)
	}
	req := &Request{Op: OpNeg, Inputs: []HandleID{a.handle.id}}
	return d.execute(ctx, req, a.handle.shape, a.handle.dtype)
}

// Transpose swaps the two innermost dimensions.
func (d *Device) Transpose(ctx context.Context, a *Tensor) (*Tensor, error) {
	if err := d.operands(a); err != nil {
		return nil, fmt.Errorf("%s: %w", OpTranspose, err)
	}
	shape := a.handle.shape
	if shape.Rank() < 2 {
		return nil, fmt.Errorf("%s: %w: rank %d", OpTranspose, ErrShapeMismatch, shape.Rank())
	}
	out := shape.Clone()
	r := out.Rank()
	out[r-2], out[r-1] = out[r-1], out[r-2]
	req := &Request{Op: OpTranspose, Inputs: []HandleID{a.handle.id}}
	return d.execute(ctx, req, out, a.handle.dtype)
}

func (d *Device) Reshape(ctx context.Context, a *Tensor, shape Shape) (*Tensor, error) {
	if err := d.operands(a); err != nil {
		return nil, fmt.Errorf("%s: %w", OpReshape, err)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", OpReshape, err)
	}
	if shape.NumElements() != a.handle.shape.NumElements() {
		return nil, fmt.Errorf("%s: %w: %v to %v", OpReshape, ErrShapeMismatch, a.handle.shape, shape)
	}
	req := &Request{Op: OpReshape, Inputs: []HandleID{a.handle.id}, Shape: shape}
	return d.execute(ctx, req, shape, a.handle.dtype)
}

// Sum reduces every element to a rank-0 tensor.
func (d *Device) Sum(ctx context.Context, a *Tensor) (*Tensor, error) {
	if err := d.operands(a); err != nil {
		return nil, fmt.Errorf("%s: %w", OpSum, err)
	}
	req := &Request{Op: OpSum, Inputs: []HandleID{a.handle.id}}
	return d.execute(ctx, req, Shape{}, a.handle.dtype)
}

// Read synchronously downloads the contents of t, row-major in its dtype's layout.
func (d *Device) Read(ctx context.Context, t *Tensor) ([]byte, error) {
	if err := d.operands(t); err != nil {
		return nil, fmt.Errorf("%s: %w", OpRead, err)
	}
	resp, err := d.conn.Call(ctx, &Request{Op: OpRead, Inputs: []HandleID{t.handle.id}})
	if err != nil {
		return nil, err
	}
	if resp.DType != t.handle.dtype {
		return nil, fmt.Errorf("%s: %w: %w: got %s, want %s", OpRead, ErrProtocol, ErrDtypeMismatch, resp.DType, t.handle.dtype)
	}
	if want := ByteSize(t.handle.shape, t.handle.dtype); len(resp.Data) != want {
		return nil, protocolErrorf("%s returned %d bytes, want %d", OpRead, len(resp.Data), want)
	}
	return resp.Data, nil
}

// operands checks that every tensor is usable on d.
func (d *Device) operands(ts ...*Tensor) error {
	for _, t := range ts {
		if t == nil {
			return fmt.Errorf("%w: nil tensor", ErrInvalidArgument)
		}
		if t.device != d {
			return fmt.Errorf("%w: %s and %s", ErrWrongDevice, t.device, d)
		}
		if err := t.check(); err != nil {
			return err
		}
	}
	return nil
}

// execute dispatches req, waits for its response and wraps the new handle.
// The handle's shape and dtype must be the ones computed locally.
func (d *Device) execute(ctx context.Context, req *Request, shape Shape, dtype DType) (*Tensor, error) {
	p, err := d.conn.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}

	h, err := d.conn.registry.registerAt(p.Generation(), resp.Handle, resp.Shape, resp.DType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	if resp.DType != dtype {
		d.conn.registry.Release(h)
		return nil, fmt.Errorf("%s: %w: %w: got %s, want %s", req.Op, ErrProtocol, ErrDtypeMismatch, resp.DType, dtype)
	}
	if !resp.Shape.Equal(shape) {
		d.conn.registry.Release(h)
		return nil, fmt.Errorf("%s: %w: %w: got %v, want %v", req.Op, ErrProtocol, ErrShapeMismatch, resp.Shape, shape)
	}
	if h.State() == HandleInvalid {
		return nil, fmt.Errorf("%s: %w: result belongs to a lost session", req.Op, ErrStaleHandle)
	}
	return &Tensor{device: d, handle: h}, nil
}
