// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DType is the element type of a remote tensor. Elements are fixed width,
// little-endian and laid out row-major.
type DType uint8

const (
	InvalidDType DType = iota
	Float32
	Float64
	Int32
	Int64
	Bool
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Bool:
		return 1
	default:
		return 0
	}
}

func (d DType) Valid() bool {
	return d.Size() != 0
}

func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Bool:
		return "bool"
	default:
		return "dtype(" + strconv.Itoa(int(d)) + ")"
	}
}

// Shape is the list of dimensions of a tensor, outermost first.
type Shape []int

// NumElements returns the product of the dimensions; a rank-0 shape has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Rank() int {
	return len(s)
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// Validate rejects negative dimensions.
func (s Shape) Validate() error {
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: dimension %d of %v is negative", ErrShapeMismatch, i, s)
		}
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ByteSize is the size of a row-major buffer holding a tensor of this shape and dtype.
func ByteSize(shape Shape, dtype DType) int {
	return shape.NumElements() * dtype.Size()
}
