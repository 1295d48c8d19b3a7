// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"errors"
	"fmt"
)

// readLoop is the single reader of a session. It matches every inbound frame
// to its pending slot by correlation id; arrival order does not matter.
func (c *Conn) readLoop(s *session) {
	defer c.wg.Done()

	ctx := context.Background()
	consecutive := 0
	var cause error
	for {
		data, err := s.transport.Recv(ctx)
		if err == nil {
			err = c.handleFrame(s, data)
		}
		if err == nil {
			consecutive = 0
			continue
		}
		if !errors.Is(err, ErrProtocol) {
			cause = err
			break
		}
		consecutive++
		c.log.Error(err, "dropping undecodable frame", "endpoint", c.redacted, "consecutive", consecutive)
		if consecutive >= c.opts.maxProtocolErrors {
			cause = fmt.Errorf("%d consecutive undecodable frames: %w", consecutive, err)
			break
		}
	}
	c.sessionLost(s, cause)
}

func (c *Conn) handleFrame(s *session, data []byte) error {
	f, n, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrIncompleteFrame) {
			return protocolErrorf("partial frame of %d bytes, want %d", len(data), n)
		}
		return err
	}
	if n != len(data) {
		return protocolErrorf("%d trailing bytes after frame", len(data)-n)
	}

	switch f.Kind {
	case MsgResponse, MsgError:
		c.deliver(s, f)
		return nil
	default:
		return protocolErrorf("unexpected %s frame from server", f.Kind)
	}
}

func (c *Conn) deliver(s *session, f Frame) {
	c.mu.Lock()
	sl, ok := c.pending[f.ID]
	if ok && sl.generation != s.generation {
		ok = false
	}
	if ok {
		delete(c.pending, f.ID)
		if sl.reaper != nil {
			sl.reaper.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		c.log.V(2).Info("dropping response for unknown correlation id", "id", f.ID, "kind", f.Kind)
		c.releaseOrphan(s, f)
		return
	}

	r := decodeResult(sl, f)
	if sl.resolve(r) {
		c.finish(sl)
		return
	}

	// The caller gave up; free anything the late response allocated.
	if r.resp != nil && r.resp.Handle != 0 {
		c.sendRelease(sl.generation, []HandleID{r.resp.Handle})
	}
	c.log.V(2).Info("discarded late response", "id", f.ID, "op", sl.op)
}

// releaseOrphan frees a handle carried by a response nobody waits for, such
// as one arriving after its abandoned slot was reaped. The handle lives in
// the session the frame arrived on.
func (c *Conn) releaseOrphan(s *session, f Frame) {
	if f.Kind != MsgResponse {
		return
	}
	resp, err := DecodeResponse(f.Payload)
	if err != nil || resp.Handle == 0 {
		return
	}
	c.sendRelease(s.generation, []HandleID{resp.Handle})
}

func decodeResult(sl *slot, f Frame) slotResult {
	if f.Kind == MsgError {
		remoteErr, err := DecodeError(sl.op, f.Payload)
		if err != nil {
			return slotResult{err: fmt.Errorf("decoding %s error %d: %w", sl.op, f.ID, err)}
		}
		return slotResult{err: remoteErr}
	}
	resp, err := DecodeResponse(f.Payload)
	if err != nil {
		return slotResult{err: fmt.Errorf("decoding %s response %d: %w", sl.op, f.ID, err)}
	}
	return slotResult{resp: resp}
}

// sessionLost tears down s. Handles are invalidated first, then every
// pending slot fails, so a caller that sees ErrConnectionLost also sees its
// earlier tensors as stale. Unless the Conn is closing, a reconnect follows.
func (c *Conn) sessionLost(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		s.teardown()
		return
	}
	c.sess = nil
	lost := make([]*slot, 0, len(c.pending))
	for _, sl := range c.pending {
		if sl.reaper != nil {
			sl.reaper.Stop()
		}
		lost = append(lost, sl)
	}
	clear(c.pending)
	closing := c.state == stateClosed
	if !closing {
		c.setStateLocked(stateReconnecting)
	}
	c.mu.Unlock()

	s.teardown()
	invalidated := c.registry.InvalidateAll()

	failure := ErrClosed
	if !closing {
		failure = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	for _, sl := range lost {
		if sl.resolve(slotResult{err: failure}) {
			c.finish(sl)
		}
	}
	if closing {
		return
	}

	c.log.Error(cause, "connection lost", "endpoint", c.redacted, "failedRequests", len(lost), "invalidatedHandles", invalidated)
	c.wg.Add(1)
	go c.reconnect(cause)
}
