// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element buffers are little-endian, row-major.

func EncodeFloat32s(values []float32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func DecodeFloat32s(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of f32 elements", ErrDtypeMismatch, len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}

func EncodeFloat64s(values []float64) []byte {
	b := make([]byte, 0, 8*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

func DecodeFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of f64 elements", ErrDtypeMismatch, len(data))
	}
	values := make([]float64, len(data)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return values, nil
}

func EncodeInt32s(values []int32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}

func DecodeInt32s(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of i32 elements", ErrDtypeMismatch, len(data))
	}
	values := make([]int32, len(data)/4)
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}

func EncodeInt64s(values []int64) []byte {
	b := make([]byte, 0, 8*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint64(b, uint64(v))
	}
	return b
}

func DecodeInt64s(data []byte) ([]int64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of i64 elements", ErrDtypeMismatch, len(data))
	}
	values := make([]int64, len(data)/8)
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return values, nil
}

// DecodeAsFloat64s widens any supported element buffer to float64, for display.
func DecodeAsFloat64s(data []byte, dtype DType) ([]float64, error) {
	switch dtype {
	case Float32:
		values, err := DecodeFloat32s(data)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = float64(v)
		}
		return out, nil
	case Float64:
		return DecodeFloat64s(data)
	case Int32:
		values, err := DecodeInt32s(data)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = float64(v)
		}
		return out, nil
	case Int64:
		values, err := DecodeInt64s(data)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = float64(v)
		}
		return out, nil
	case Bool:
		out := make([]float64, len(data))
		for i, v := range data {
			if v != 0 {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot decode %s", ErrDtypeMismatch, dtype)
	}
}

// EncodeFromFloat64s narrows float64 values into an element buffer of dtype.
func EncodeFromFloat64s(values []float64, dtype DType) ([]byte, error) {
	switch dtype {
	case Float32:
		narrowed := make([]float32, len(values))
		for i, v := range values {
			narrowed[i] = float32(v)
		}
		return EncodeFloat32s(narrowed), nil
	case Float64:
		return EncodeFloat64s(values), nil
	case Int32:
		narrowed := make([]int32, len(values))
		for i, v := range values {
			narrowed[i] = int32(v)
		}
		return EncodeInt32s(narrowed), nil
	case Int64:
		narrowed := make([]int64, len(values))
		for i, v := range values {
			narrowed[i] = int64(v)
		}
		return EncodeInt64s(narrowed), nil
	case Bool:
		b := make([]byte, len(values))
		for i, v := range values {
			if v != 0 {
				b[i] = 1
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrDtypeMismatch, dtype)
	}
}
