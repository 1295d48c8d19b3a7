// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	slotWaiting int32 = iota
	slotResolved
	slotAbandoned
)

// slot pairs a correlation id with the delivery point for its response.
type slot struct {
	id         uint32
	op         Opcode
	generation uint64
	deadline   time.Time

	result   chan slotResult
	state    atomic.Int32
	finished atomic.Bool

	reaper *time.Timer // guarded by Conn.mu
}

type slotResult struct {
	resp *Response
	err  error
}

// resolve hands r to the waiter. It reports false when the slot was already
// resolved or abandoned.
func (s *slot) resolve(r slotResult) bool {
	if !s.state.CompareAndSwap(slotWaiting, slotResolved) {
		return false
	}
	s.result <- r
	return true
}

// Pending is the caller's side of one in-flight request.
type Pending struct {
	c    *Conn
	slot *slot

	once sync.Once
	resp *Response
	err  error
}

// ID returns the correlation id of the request.
func (p *Pending) ID() uint32 {
	return p.slot.id
}

// Op returns the opcode of the request.
func (p *Pending) Op() Opcode {
	return p.slot.op
}

// Generation is the connection generation the request was sent on.
func (p *Pending) Generation() uint64 {
	return p.slot.generation
}

// Wait blocks until the response arrives, the request class timeout expires,
// ctx is done or the connection is lost. A request abandoned by timeout or
// cancellation stays in the pending table for the abandon grace period so a
// late response is discarded harmlessly. Wait may be called from several
// goroutines: the first call waits with its own ctx and every call returns
// that outcome.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	p.once.Do(func() {
		p.resp, p.err = p.wait(ctx)
	})
	return p.resp, p.err
}

func (p *Pending) wait(ctx context.Context) (*Response, error) {
	sl := p.slot
	var timeout <-chan time.Time
	if !sl.deadline.IsZero() {
		timer := time.NewTimer(time.Until(sl.deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-sl.result:
		p.c.finish(sl)
		return r.resp, r.err
	case <-timeout:
		return p.c.abandon(sl, fmt.Errorf("%w: %s request %d after %v", ErrTimeout, sl.op, sl.id, p.c.opts.timeouts[sl.op.Class()]))
	case <-ctx.Done():
		return p.c.abandon(sl, ctx.Err())
	}
}

// Dispatch assigns req a correlation id, registers its pending slot and
// queues it for transmission. Requests are transmitted in dispatch order.
// When MaxPending requests are in flight Dispatch blocks until one completes.
func (c *Conn) Dispatch(ctx context.Context, req *Request) (*Pending, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// The id is patched in under the lock so that id order matches queue order.
	frame := EncodeFrame(Frame{Kind: MsgRequest, Payload: EncodeRequest(req)})
	if len(frame) > MaxFrameSize {
		c.slots.Release(1)
		return nil, protocolErrorf("%s request of %d bytes exceeds the frame limit", req.Op, len(frame))
	}
	var deadline time.Time
	if timeout := c.opts.timeouts[req.Op.Class()]; timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		sess, err := c.awaitSession(ctx)
		if err != nil {
			c.slots.Release(1)
			return nil, err
		}

		c.mu.Lock()
		if c.sess != sess {
			c.mu.Unlock()
			continue
		}
		if c.nextID == math.MaxUint32 {
			c.mu.Unlock()
			c.slots.Release(1)
			return nil, ErrIDSpaceExhausted
		}
		c.nextID++
		id := c.nextID
		binary.BigEndian.PutUint32(frame[5:9], id)

		sl := &slot{
			id:         id,
			op:         req.Op,
			generation: sess.generation,
			deadline:   deadline,
			result:     make(chan slotResult, 1),
		}
		c.pending[id] = sl
		c.inflight++
		sess.enqueue(frame)
		c.mu.Unlock()

		c.log.V(4).Info("dispatched request", "id", id, "op", req.Op, "inputs", req.Inputs)
		return &Pending{c: c, slot: sl}, nil
	}
}

// Call dispatches req and waits for its response.
func (c *Conn) Call(ctx context.Context, req *Request) (*Response, error) {
	p, err := c.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// abandon gives up on a waiting slot. If the response won the race it is
// returned instead of cause.
func (c *Conn) abandon(sl *slot, cause error) (*Response, error) {
	if !sl.state.CompareAndSwap(slotWaiting, slotAbandoned) {
		r := <-sl.result
		c.finish(sl)
		return r.resp, r.err
	}
	c.finish(sl)
	c.sendCancel(sl)
	c.scheduleReap(sl)
	c.log.V(2).Info("abandoned request", "id", sl.id, "op", sl.op, "reason", cause.Error())
	return nil, cause
}

// scheduleReap drops an abandoned slot from the table once the grace period
// passes without a late response. A server that honours the cancel never
// answers, so the slot would otherwise stay for the whole session.
func (c *Conn) scheduleReap(sl *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[sl.id] != sl {
		return
	}
	if c.opts.abandonGrace == 0 {
		delete(c.pending, sl.id)
		return
	}
	sl.reaper = time.AfterFunc(c.opts.abandonGrace, func() { c.reap(sl) })
}

func (c *Conn) reap(sl *slot) {
	c.mu.Lock()
	reaped := c.pending[sl.id] == sl
	if reaped {
		delete(c.pending, sl.id)
	}
	c.mu.Unlock()
	if reaped {
		c.log.V(4).Info("reaped abandoned request", "id", sl.id, "op", sl.op)
	}
}

// finish returns the capacity held by sl. It is idempotent.
func (c *Conn) finish(sl *slot) {
	if sl.finished.Swap(true) {
		return
	}
	c.slots.Release(1)

	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	c.mu.Unlock()
}
