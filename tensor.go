// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Tensor is a local reference to tensor data held by a remote executor.
// Shape and dtype are known locally; reading the data is a round trip.
// A Tensor is not freed implicitly: call Release when done with it.
type Tensor struct {
	device   *Device
	handle   *Handle
	released atomic.Bool
}

func (t *Tensor) Device() *Device {
	return t.device
}

func (t *Tensor) Handle() *Handle {
	return t.handle
}

func (t *Tensor) Shape() Shape {
	return t.handle.Shape()
}

func (t *Tensor) DType() DType {
	return t.handle.dtype
}

func (t *Tensor) check() error {
	if t.released.Load() {
		return fmt.Errorf("%w: tensor %d", ErrReleased, t.handle.id)
	}
	return t.handle.Check()
}

// Clone returns a second reference to the same remote data. Each reference
// must be released on its own.
func (t *Tensor) Clone() (*Tensor, error) {
	if t.released.Load() {
		return nil, fmt.Errorf("%w: tensor %d", ErrReleased, t.handle.id)
	}
	if err := t.handle.Retain(); err != nil {
		return nil, err
	}
	return &Tensor{device: t.device, handle: t.handle}, nil
}

// Release drops this reference. Only the first call on a Tensor has an effect.
func (t *Tensor) Release() {
	if t.released.Swap(true) {
		return
	}
	t.handle.Release()
}

func (t *Tensor) Add(ctx context.Context, other *Tensor) (*Tensor, error) {
	return t.device.Add(ctx, t, other)
}

func (t *Tensor) Sub(ctx context.Context, other *Tensor) (*Tensor, error) {
	return t.device.Sub(ctx, t, other)
}

func (t *Tensor) Mul(ctx context.Context, other *Tensor) (*Tensor, error) {
	return t.device.Mul(ctx, t, other)
}

func (t *Tensor) Div(ctx context.Context, other *Tensor) (*Tensor, error) {
	return t.device.Div(ctx, t, other)
}

func (t *Tensor) MatMul(ctx context.Context, other *Tensor) (*Tensor, error) {
	return t.device.MatMul(ctx, t, other)
}

func (t *Tensor) AddScalar(ctx context.Context, value float64) (*Tensor, error) {
	return t.device.AddScalar(ctx, t, value)
}

func (t *Tensor) MulScalar(ctx context.Context, value float64) (*Tensor, error) {
	return t.device.MulScalar(ctx, t, value)
}

func (t *Tensor) Neg(ctx context.Context) (*Tensor, error) {
	return t.device.Neg(ctx, t)
}

func (t *Tensor) Transpose(ctx context.Context) (*Tensor, error) {
	return t.device.Transpose(ctx, t)
}

func (t *Tensor) Reshape(ctx context.Context, shape Shape) (*Tensor, error) {
	return t.device.Reshape(ctx, t, shape)
}

func (t *Tensor) Sum(ctx context.Context) (*Tensor, error) {
	return t.device.Sum(ctx, t)
}

// Data downloads the raw contents.
func (t *Tensor) Data(ctx context.Context) ([]byte, error) {
	return t.device.Read(ctx, t)
}

func (t *Tensor) Float32s(ctx context.Context) ([]float32, error) {
	if err := t.expect(Float32); err != nil {
		return nil, err
	}
	data, err := t.Data(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeFloat32s(data)
}

func (t *Tensor) Float64s(ctx context.Context) ([]float64, error) {
	if err := t.expect(Float64); err != nil {
		return nil, err
	}
	data, err := t.Data(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeFloat64s(data)
}

func (t *Tensor) Int32s(ctx context.Context) ([]int32, error) {
	if err := t.expect(Int32); err != nil {
		return nil, err
	}
	data, err := t.Data(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeInt32s(data)
}

func (t *Tensor) Int64s(ctx context.Context) ([]int64, error) {
	if err := t.expect(Int64); err != nil {
		return nil, err
	}
	data, err := t.Data(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeInt64s(data)
}

func (t *Tensor) expect(dtype DType) error {
	if t.handle.dtype != dtype {
		return fmt.Errorf("%w: tensor is %s, not %s", ErrDtypeMismatch, t.handle.dtype, dtype)
	}
	return nil
}

// Format downloads the tensor and renders it for debugging, rows nested in
// brackets.
func (t *Tensor) Format(ctx context.Context) (string, error) {
	data, err := t.Data(ctx)
	if err != nil {
		return "", err
	}
	values, err := DecodeAsFloat64s(data, t.handle.dtype)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Tensor {\n  data:\n")
	formatValues(&sb, values, t.handle.shape, t.handle.dtype, 0)
	fmt.Fprintf(&sb, ",\n  shape:  %v,\n  device: %s,\n  dtype:  %s,\n}", t.handle.shape, t.device, t.handle.dtype)
	return sb.String(), nil
}

func formatValues(sb *strings.Builder, values []float64, shape Shape, dtype DType, depth int) {
	if len(shape) == 0 {
		sb.WriteString(formatValue(values[0], dtype))
		return
	}
	n := shape[0]
	if n == 0 {
		sb.WriteString("[]")
		return
	}
	stride := len(values) / n
	sb.WriteByte('[')
	for i := range n {
		if i > 0 {
			sb.WriteByte(',')
			if len(shape) > 1 {
				sb.WriteByte('\n')
				sb.WriteString(strings.Repeat(" ", depth+1))
			} else {
				sb.WriteByte(' ')
			}
		}
		formatValues(sb, values[i*stride:(i+1)*stride], shape[1:], dtype, depth+1)
	}
	sb.WriteByte(']')
}

func formatValue(v float64, dtype DType) string {
	switch dtype {
	case Bool:
		return strconv.FormatBool(v != 0)
	case Int32, Int64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return strconv.FormatFloat(v, 'g', 6, 64)
	}
}

// String describes the tensor without fetching its data.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{id: %d, shape: %v, dtype: %s, state: %s}", t.handle.id, t.handle.shape, t.handle.dtype, t.handle.State())
}
