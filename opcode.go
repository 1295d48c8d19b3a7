// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"slices"
	"strconv"
)

// Opcode identifies a tensor operation on the wire.
type Opcode uint16

const (
	OpZeros     Opcode = 0x0001
	OpOnes      Opcode = 0x0002
	OpFull      Opcode = 0x0003
	OpRandom    Opcode = 0x0004
	OpUpload    Opcode = 0x0005
	OpRead      Opcode = 0x0006
	OpAdd       Opcode = 0x0010
	OpSub       Opcode = 0x0011
	OpMul       Opcode = 0x0012
	OpDiv       Opcode = 0x0013
	OpMatMul    Opcode = 0x0014
	OpAddScalar Opcode = 0x0015
	OpMulScalar Opcode = 0x0016
	OpNeg       Opcode = 0x0017
	OpTranspose Opcode = 0x0018
	OpReshape   Opcode = 0x0019
	OpSum       Opcode = 0x001A
)

var opcodeNames = map[Opcode]string{
	OpZeros:     "zeros",
	OpOnes:      "ones",
	OpFull:      "full",
	OpRandom:    "random",
	OpUpload:    "upload",
	OpRead:      "read",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpMatMul:    "matmul",
	OpAddScalar: "add_scalar",
	OpMulScalar: "mul_scalar",
	OpNeg:       "neg",
	OpTranspose: "transpose",
	OpReshape:   "reshape",
	OpSum:       "sum",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// Opcodes returns every opcode this client can emit.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeNames))
	for op := range opcodeNames {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Class maps the opcode to the request class used to pick its timeout.
func (o Opcode) Class() RequestClass {
	switch o {
	case OpUpload, OpRead:
		return ClassTransfer
	case OpZeros, OpOnes, OpFull, OpRandom, OpReshape:
		return ClassControl
	default:
		return ClassCompute
	}
}

// RequestClass groups operations that share a timeout.
type RequestClass uint8

const (
	ClassCompute RequestClass = iota
	ClassTransfer
	ClassControl
	numRequestClasses
)

func (c RequestClass) String() string {
	switch c {
	case ClassCompute:
		return "compute"
	case ClassTransfer:
		return "transfer"
	case ClassControl:
		return "control"
	default:
		return "class(" + strconv.Itoa(int(c)) + ")"
	}
}
