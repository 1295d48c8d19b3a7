// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
	"math"
)

// Backend is the tensor capability surface a front end programs against.
// *Device is its only implementation, and Tensor calls it directly rather
// than through the interface.
type Backend interface {
	Zeros(ctx context.Context, shape Shape, dtype DType) (*Tensor, error)
	Ones(ctx context.Context, shape Shape, dtype DType) (*Tensor, error)
	Full(ctx context.Context, shape Shape, value float64, dtype DType) (*Tensor, error)
	Random(ctx context.Context, shape Shape, dist Distribution, dtype DType) (*Tensor, error)
	Upload(ctx context.Context, shape Shape, dtype DType, data []byte) (*Tensor, error)

	Add(ctx context.Context, a, b *Tensor) (*Tensor, error)
	Sub(ctx context.Context, a, b *Tensor) (*Tensor, error)
	Mul(ctx context.Context, a, b *Tensor) (*Tensor, error)
	Div(ctx context.Context, a, b *Tensor) (*Tensor, error)
	MatMul(ctx context.Context, a, b *Tensor) (*Tensor, error)

	Read(ctx context.Context, t *Tensor) ([]byte, error)
	Close() error
}

var _ Backend = (*Device)(nil)

// DistributionKind selects how Random samples elements.
type DistributionKind uint8

const (
	DistDefault DistributionKind = iota
	DistUniform
	DistNormal
	DistBernoulli
)

func (k DistributionKind) String() string {
	switch k {
	case DistDefault:
		return "default"
	case DistUniform:
		return "uniform"
	case DistNormal:
		return "normal"
	case DistBernoulli:
		return "bernoulli"
	default:
		return fmt.Sprintf("distribution(%d)", uint8(k))
	}
}

// Distribution parameterises Random. For Uniform A and B are the bounds, for
// Normal the mean and standard deviation, for Bernoulli A is the probability.
type Distribution struct {
	Kind DistributionKind
	A, B float64
}

// DefaultDistribution lets the executor pick, conventionally uniform on [0, 1).
func DefaultDistribution() Distribution {
	return Distribution{Kind: DistDefault}
}

func Uniform(lo, hi float64) Distribution {
	return Distribution{Kind: DistUniform, A: lo, B: hi}
}

func Normal(mean, std float64) Distribution {
	return Distribution{Kind: DistNormal, A: mean, B: std}
}

func Bernoulli(p float64) Distribution {
	return Distribution{Kind: DistBernoulli, A: p}
}

func (d Distribution) String() string {
	switch d.Kind {
	case DistUniform:
		return fmt.Sprintf("uniform(%g, %g)", d.A, d.B)
	case DistNormal:
		return fmt.Sprintf("normal(%g, %g)", d.A, d.B)
	case DistBernoulli:
		return fmt.Sprintf("bernoulli(%g)", d.A)
	default:
		return d.Kind.String()
	}
}

// Validate checks the parameters and their compatibility with dtype.
func (d Distribution) Validate(dtype DType) error {
	if math.IsNaN(d.A) || math.IsNaN(d.B) || math.IsInf(d.A, 0) || math.IsInf(d.B, 0) {
		return fmt.Errorf("%w: %s has non-finite parameters", ErrInvalidArgument, d)
	}
	switch d.Kind {
	case DistDefault:
		return nil
	case DistUniform:
		if !(d.A < d.B) {
			return fmt.Errorf("%w: %s needs lo < hi", ErrInvalidArgument, d)
		}
		return nil
	case DistNormal:
		if !(d.B > 0) {
			return fmt.Errorf("%w: %s needs a positive standard deviation", ErrInvalidArgument, d)
		}
		if !dtype.IsFloat() {
			return fmt.Errorf("%w: %s needs a float dtype, got %s", ErrDtypeMismatch, d, dtype)
		}
		return nil
	case DistBernoulli:
		if d.A < 0 || d.A > 1 {
			return fmt.Errorf("%w: %s needs 0 <= p <= 1", ErrInvalidArgument, d)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown distribution %s", ErrInvalidArgument, d.Kind)
	}
}

func (d Distribution) scalars() []float64 {
	return []float64{float64(d.Kind), d.A, d.B}
}

// DistributionFromScalars decodes the scalars carried by a Random request.
func DistributionFromScalars(scalars []float64) (Distribution, error) {
	if len(scalars) != 3 {
		return Distribution{}, protocolErrorf("random request carries %d scalars, want 3", len(scalars))
	}
	return Distribution{Kind: DistributionKind(scalars[0]), A: scalars[1], B: scalars[2]}, nil
}
