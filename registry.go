// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"fmt"
	"sync"
)

// HandleID is the server-assigned identifier of a remote tensor. Zero is never a valid id.
type HandleID uint64

// HandleState is the lifecycle state of a Handle. Released and Invalid are terminal.
type HandleState int32

const (
	HandleLive HandleState = iota
	HandleReleased
	HandleInvalid
)

func (s HandleState) String() string {
	switch s {
	case HandleLive:
		return "live"
	case HandleReleased:
		return "released"
	case HandleInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle references tensor data living on the remote executor. It is shared
// by any number of local Tensors; the last Release frees the remote memory.
type Handle struct {
	id         HandleID
	shape      Shape
	dtype      DType
	generation uint64
	registry   *Registry

	// guarded by registry.mu
	refs  int32
	state HandleState
}

func (h *Handle) ID() HandleID {
	return h.id
}

func (h *Handle) Shape() Shape {
	return h.shape.Clone()
}

func (h *Handle) DType() DType {
	return h.dtype
}

// Generation is the connection generation the handle was created in.
func (h *Handle) Generation() uint64 {
	return h.generation
}

func (h *Handle) State() HandleState {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.state
}

// Check returns nil when the handle may be used as an operand.
func (h *Handle) Check() error {
	switch h.State() {
	case HandleLive:
		return nil
	case HandleInvalid:
		return fmt.Errorf("%w: handle %d from connection generation %d", ErrStaleHandle, h.id, h.generation)
	default:
		return fmt.Errorf("%w: handle %d", ErrReleased, h.id)
	}
}

// Retain adds a local reference.
func (h *Handle) Retain() error {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	switch h.state {
	case HandleLive:
		h.refs++
		return nil
	case HandleInvalid:
		return fmt.Errorf("%w: handle %d", ErrStaleHandle, h.id)
	default:
		return fmt.Errorf("%w: handle %d", ErrReleased, h.id)
	}
}

// Release drops a local reference. Dropping the last one frees the handle on
// the remote side. Releasing a handle that is no longer live is a no-op.
func (h *Handle) Release() {
	r := h.registry
	r.mu.Lock()
	if h.state != HandleLive {
		r.mu.Unlock()
		return
	}
	h.refs--
	if h.refs > 0 {
		r.mu.Unlock()
		return
	}
	r.retireLocked(h)
	r.mu.Unlock()

	r.release(h.generation, []HandleID{h.id})
}

// ReleaseFunc delivers a best-effort free instruction for handles created in
// the given connection generation. It must not block on the network.
type ReleaseFunc func(generation uint64, ids []HandleID)

// Registry tracks the live remote handles of one connection.
type Registry struct {
	release ReleaseFunc

	mu         sync.Mutex
	handles    map[HandleID]*Handle
	generation uint64
}

// NewRegistry creates a registry whose releases are sent through release.
func NewRegistry(release ReleaseFunc) *Registry {
	if release == nil {
		release = func(uint64, []HandleID) {}
	}
	return &Registry{
		release:    release,
		handles:    make(map[HandleID]*Handle),
		generation: 1,
	}
}

// Register records a new live handle, created in the current generation, with one reference.
func (r *Registry) Register(id HandleID, shape Shape, dtype DType) (*Handle, error) {
	r.mu.Lock()
	generation := r.generation
	r.mu.Unlock()
	return r.registerAt(generation, id, shape, dtype)
}

// registerAt records a handle produced by a response from the given
// generation. A handle from an older generation is born invalid: the remote
// state it refers to did not survive the reconnect.
func (r *Registry) registerAt(generation uint64, id HandleID, shape Shape, dtype DType) (*Handle, error) {
	if id == 0 {
		return nil, protocolErrorf("response carries no handle")
	}
	h := &Handle{
		id:         id,
		shape:      shape.Clone(),
		dtype:      dtype,
		generation: generation,
		registry:   r,
		refs:       1,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if generation != r.generation {
		h.state = HandleInvalid
		return h, nil
	}
	if _, ok := r.handles[id]; ok {
		return nil, protocolErrorf("handle %d is already live", id)
	}
	r.handles[id] = h
	return h, nil
}

// Release frees h regardless of its reference count. It is idempotent.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	if h.state != HandleLive {
		r.mu.Unlock()
		return
	}
	r.retireLocked(h)
	r.mu.Unlock()

	r.release(h.generation, []HandleID{h.id})
}

func (r *Registry) retireLocked(h *Handle) {
	h.state = HandleReleased
	h.refs = 0
	delete(r.handles, h.id)
}

// ReleaseAll frees every live handle with a single release instruction.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	ids := make([]HandleID, 0, len(r.handles))
	for _, h := range r.handles {
		h.state = HandleReleased
		h.refs = 0
		ids = append(ids, h.id)
	}
	clear(r.handles)
	generation := r.generation
	r.mu.Unlock()

	if len(ids) > 0 {
		r.release(generation, ids)
	}
	return len(ids)
}

// InvalidateAll marks every live handle invalid and starts a new generation.
// No release is sent: the remote state is already gone.
func (r *Registry) InvalidateAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handles)
	for _, h := range r.handles {
		h.state = HandleInvalid
		h.refs = 0
	}
	clear(r.handles)
	r.generation++
	return n
}

// Lookup returns the live handle with the given id.
func (r *Registry) Lookup(id HandleID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Generation returns the current generation.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}
