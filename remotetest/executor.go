// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package remotetest provides an in-process tensor executor and protocol
// server for exercising remote clients without real hardware.
package remotetest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"

	"github.com/luxfi/remote"
)

// RecordedRequest is a request as the executor received it, in wire order.
type RecordedRequest struct {
	ID     uint32
	Op     remote.Opcode
	Inputs []remote.HandleID
}

type tensor struct {
	shape  remote.Shape
	dtype  remote.DType
	values []float64
}

// Executor computes tensor operations on float64 storage, narrowing results
// to each tensor's dtype. Random sampling is deterministic for a given seed.
type Executor struct {
	mu         sync.Mutex
	rng        *rand.Rand
	nextHandle remote.HandleID
	tensors    map[remote.HandleID]*tensor
	requests   []RecordedRequest
	released   []remote.HandleID
	cancelled  []uint32
}

func NewExecutor(seed uint64) *Executor {
	return &Executor{
		rng:     rand.New(rand.NewPCG(seed, seed)),
		tensors: make(map[remote.HandleID]*tensor),
	}
}

// Execute runs one request. Failures are returned as *remote.RemoteError.
func (e *Executor) Execute(id uint32, req *remote.Request) (*remote.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, RecordedRequest{ID: id, Op: req.Op, Inputs: slices.Clone(req.Inputs)})

	if req.Op == remote.OpRead {
		t, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		data, err := remote.EncodeFromFloat64s(t.values, t.dtype)
		if err != nil {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "%v", err)
		}
		return &remote.Response{Shape: t.shape, DType: t.dtype, Data: data}, nil
	}

	t, err := e.compute(req)
	if err != nil {
		return nil, err
	}
	e.nextHandle++
	h := e.nextHandle
	e.tensors[h] = t
	return &remote.Response{Handle: h, Shape: t.shape, DType: t.dtype}, nil
}

func fail(op remote.Opcode, code uint16, format string, args ...interface{}) error {
	return &remote.RemoteError{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Executor) input(req *remote.Request, i int) (*tensor, error) {
	if i >= len(req.Inputs) {
		return nil, fail(req.Op, remote.CodeInvalidArgument, "missing operand %d", i)
	}
	t, ok := e.tensors[req.Inputs[i]]
	if !ok {
		return nil, fail(req.Op, remote.CodeNotFound, "no tensor with handle %d", req.Inputs[i])
	}
	return t, nil
}

func newTensor(shape remote.Shape, dtype remote.DType, values []float64) *tensor {
	for i, v := range values {
		values[i] = narrow(v, dtype)
	}
	return &tensor{shape: shape.Clone(), dtype: dtype, values: values}
}

func narrow(v float64, dtype remote.DType) float64 {
	switch dtype {
	case remote.Float32:
		return float64(float32(v))
	case remote.Int32:
		return float64(int32(math.Trunc(v)))
	case remote.Int64:
		return math.Trunc(v)
	case remote.Bool:
		if v != 0 {
			return 1
		}
		return 0
	default:
		return v
	}
}

func (e *Executor) compute(req *remote.Request) (*tensor, error) {
	op := req.Op
	switch op {
	case remote.OpZeros, remote.OpOnes, remote.OpFull, remote.OpRandom, remote.OpUpload:
		if err := req.Shape.Validate(); err != nil {
			return nil, fail(op, remote.CodeInvalidArgument, "%v", err)
		}
		if !req.DType.Valid() {
			return nil, fail(op, remote.CodeInvalidArgument, "invalid dtype %s", req.DType)
		}
		return e.create(req)

	case remote.OpAdd, remote.OpSub, remote.OpMul, remote.OpDiv:
		a, b, err := e.pair(req)
		if err != nil {
			return nil, err
		}
		if !a.shape.Equal(b.shape) {
			return nil, fail(op, remote.CodeInvalidArgument, "shapes %v and %v differ", a.shape, b.shape)
		}
		values := make([]float64, len(a.values))
		for i := range values {
			x, y := a.values[i], b.values[i]
			switch op {
			case remote.OpAdd:
				values[i] = x + y
			case remote.OpSub:
				values[i] = x - y
			case remote.OpMul:
				values[i] = x * y
			case remote.OpDiv:
				if y == 0 && !a.dtype.IsFloat() {
					return nil, fail(op, remote.CodeNumeric, "integer division by zero")
				}
				values[i] = x / y
			}
		}
		return newTensor(a.shape, a.dtype, values), nil

	case remote.OpMatMul:
		a, b, err := e.pair(req)
		if err != nil {
			return nil, err
		}
		return matMul(op, a, b)

	case remote.OpAddScalar, remote.OpMulScalar:
		a, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		if len(req.Scalars) != 1 {
			return nil, fail(op, remote.CodeInvalidArgument, "want 1 scalar, got %d", len(req.Scalars))
		}
		s := req.Scalars[0]
		values := make([]float64, len(a.values))
		for i, v := range a.values {
			if op == remote.OpAddScalar {
				values[i] = v + s
			} else {
				values[i] = v * s
			}
		}
		return newTensor(a.shape, a.dtype, values), nil

	case remote.OpNeg:
		a, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(a.values))
		for i, v := range a.values {
			values[i] = -v
		}
		return newTensor(a.shape, a.dtype, values), nil

	case remote.OpTranspose:
		a, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		return transpose(op, a)

	case remote.OpReshape:
		a, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		if err := req.Shape.Validate(); err != nil || req.Shape.NumElements() != len(a.values) {
			return nil, fail(op, remote.CodeInvalidArgument, "cannot reshape %v to %v", a.shape, req.Shape)
		}
		return newTensor(req.Shape, a.dtype, slices.Clone(a.values)), nil

	case remote.OpSum:
		a, err := e.input(req, 0)
		if err != nil {
			return nil, err
		}
		var sum float64
		for _, v := range a.values {
			sum += v
		}
		return newTensor(remote.Shape{}, a.dtype, []float64{sum}), nil

	default:
		return nil, fail(op, remote.CodeUnimplemented, "unsupported opcode %d", uint16(op))
	}
}

func (e *Executor) create(req *remote.Request) (*tensor, error) {
	n := req.Shape.NumElements()
	values := make([]float64, n)
	switch req.Op {
	case remote.OpOnes:
		for i := range values {
			values[i] = 1
		}
	case remote.OpFull:
		if len(req.Scalars) != 1 {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "want 1 scalar, got %d", len(req.Scalars))
		}
		for i := range values {
			values[i] = req.Scalars[0]
		}
	case remote.OpRandom:
		dist, err := remote.DistributionFromScalars(req.Scalars)
		if err != nil {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "%v", err)
		}
		if err := dist.Validate(req.DType); err != nil {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "%v", err)
		}
		for i := range values {
			values[i] = e.sample(dist)
		}
	case remote.OpUpload:
		decoded, err := remote.DecodeAsFloat64s(req.Data, req.DType)
		if err != nil {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "%v", err)
		}
		if len(decoded) != n {
			return nil, fail(req.Op, remote.CodeInvalidArgument, "%d elements for shape %v", len(decoded), req.Shape)
		}
		values = decoded
	}
	return newTensor(req.Shape, req.DType, values), nil
}

func (e *Executor) sample(dist remote.Distribution) float64 {
	switch dist.Kind {
	case remote.DistUniform:
		return dist.A + (dist.B-dist.A)*e.rng.Float64()
	case remote.DistNormal:
		return dist.A + dist.B*e.rng.NormFloat64()
	case remote.DistBernoulli:
		if e.rng.Float64() < dist.A {
			return 1
		}
		return 0
	default:
		return e.rng.Float64()
	}
}

func (e *Executor) pair(req *remote.Request) (*tensor, *tensor, error) {
	if len(req.Inputs) != 2 {
		return nil, nil, fail(req.Op, remote.CodeInvalidArgument, "want 2 operands, got %d", len(req.Inputs))
	}
	a, err := e.input(req, 0)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.input(req, 1)
	if err != nil {
		return nil, nil, err
	}
	if a.dtype != b.dtype {
		return nil, nil, fail(req.Op, remote.CodeInvalidArgument, "dtypes %s and %s differ", a.dtype, b.dtype)
	}
	return a, b, nil
}

func matMul(op remote.Opcode, a, b *tensor) (*tensor, error) {
	r := a.shape.Rank()
	if r < 2 || b.shape.Rank() != r || !a.shape[:r-2].Equal(b.shape[:r-2]) || a.shape[r-1] != b.shape[r-2] {
		return nil, fail(op, remote.CodeInvalidArgument, "cannot multiply %v by %v", a.shape, b.shape)
	}
	m, k, n := a.shape[r-2], a.shape[r-1], b.shape[r-1]
	batch := a.shape[:r-2].NumElements()

	out := make([]float64, batch*m*n)
	for bi := range batch {
		ao, bo, oo := bi*m*k, bi*k*n, bi*m*n
		for i := range m {
			for j := range n {
				var sum float64
				for p := range k {
					sum += a.values[ao+i*k+p] * b.values[bo+p*n+j]
				}
				out[oo+i*n+j] = sum
			}
		}
	}
	shape := a.shape.Clone()
	shape[r-1] = n
	return newTensor(shape, a.dtype, out), nil
}

func transpose(op remote.Opcode, a *tensor) (*tensor, error) {
	r := a.shape.Rank()
	if r < 2 {
		return nil, fail(op, remote.CodeInvalidArgument, "cannot transpose rank %d", r)
	}
	m, n := a.shape[r-2], a.shape[r-1]
	batch := a.shape[:r-2].NumElements()

	out := make([]float64, len(a.values))
	for bi := range batch {
		off := bi * m * n
		for i := range m {
			for j := range n {
				out[off+j*m+i] = a.values[off+i*n+j]
			}
		}
	}
	shape := a.shape.Clone()
	shape[r-2], shape[r-1] = n, m
	return newTensor(shape, a.dtype, out), nil
}

// Release frees tensors. Unknown ids are ignored.
func (e *Executor) Release(ids []remote.HandleID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.tensors, id)
		e.released = append(e.released, id)
	}
}

// Cancel records a cancellation notice for a correlation id.
func (e *Executor) Cancel(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, id)
}

// Reset drops every stored tensor, as a restarted executor would.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.tensors)
}

// Requests returns every request received so far, in wire order.
func (e *Executor) Requests() []RecordedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.requests)
}

// Computations returns the received requests that consumed existing tensors.
func (e *Executor) Computations() []RecordedRequest {
	var out []RecordedRequest
	for _, r := range e.Requests() {
		if len(r.Inputs) > 0 && r.Op != remote.OpRead {
			out = append(out, r)
		}
	}
	return out
}

func (e *Executor) Released() []remote.HandleID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.released)
}

func (e *Executor) Cancelled() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.cancelled)
}

// Live returns the number of stored tensors.
func (e *Executor) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tensors)
}

// Values returns the stored elements of a tensor.
func (e *Executor) Values(id remote.HandleID) ([]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tensors[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(t.values), true
}

// InfoService exposes an Executor over JSON-RPC as the "Executor" service.
type InfoService struct {
	Version uint16
	Name    string
}

// Info reports the protocol version and the supported opcodes.
func (s *InfoService) Info(_ *http.Request, _ *remote.InfoArgs, reply *remote.ServerInfo) error {
	reply.ProtocolVersion = s.Version
	reply.Server = s.Name
	reply.Devices = []string{"cpu"}
	for _, op := range remote.Opcodes() {
		reply.Opcodes = append(reply.Opcodes, op.String())
	}
	return nil
}
