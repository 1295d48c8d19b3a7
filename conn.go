// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateReconnecting
	stateFailed
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn multiplexes requests to one remote executor over a single channel.
// At most one session (physical channel) is active at a time; a reconnect
// replaces it and invalidates every handle created on the old one.
type Conn struct {
	endpoint  *url.URL
	redacted  string
	opts      *options
	log       klog.Logger
	sessionID uuid.UUID
	registry  *Registry
	slots     *semaphore.Weighted

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	state    connState
	changed  chan struct{} // closed and replaced on every state change
	failErr  error
	sess     *session
	pending  map[uint32]*slot
	nextID   uint32
	inflight int
	drained  chan struct{}
}

func newConn(ctx context.Context, endpoint *url.URL, o *options) *Conn {
	log := klog.FromContext(ctx)
	if o.logger != nil {
		log = *o.logger
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		endpoint:  endpoint,
		redacted:  endpoint.Redacted(),
		opts:      o,
		log:       log.WithName("remote"),
		sessionID: uuid.New(),
		slots:     semaphore.NewWeighted(o.maxPending),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
		state:     stateConnecting,
		changed:   make(chan struct{}),
		pending:   make(map[uint32]*slot),
	}
	c.registry = NewRegistry(c.sendRelease)
	return c
}

// session is one physical channel plus its FIFO outbound queue.
type session struct {
	transport  Transport
	generation uint64

	queueMu  sync.Mutex
	queue    [][]byte
	draining bool
	wake     chan struct{}

	dead       chan struct{}
	deadOnce   sync.Once
	writerDone chan struct{}
}

func newSession(t Transport) *session {
	return &session{
		transport:  t,
		wake:       make(chan struct{}, 1),
		dead:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// enqueue appends a frame to the outbound queue. It never blocks on the network.
func (s *session) enqueue(frame []byte) {
	s.queueMu.Lock()
	s.queue = append(s.queue, frame)
	s.queueMu.Unlock()
	s.signal()
}

// drain asks the writer to flush what is queued and stop.
func (s *session) drain() {
	s.queueMu.Lock()
	s.draining = true
	s.queueMu.Unlock()
	s.signal()
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) teardown() {
	s.deadOnce.Do(func() {
		close(s.dead)
		s.transport.Close()
	})
}

func (c *Conn) setStateLocked(state connState) {
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

// open dials the endpoint and runs the hello exchange.
func (c *Conn) open(ctx context.Context) (*session, error) {
	dial := c.opts.dialer
	if dial == nil {
		d, ok := lookupTransport(c.endpoint.Scheme)
		if !ok {
			return nil, fmt.Errorf("%w: unknown transport %q", ErrConnection, c.endpoint.Scheme)
		}
		dial = func(ctx context.Context, u *url.URL) (Transport, error) {
			return d(ctx, u, c.opts)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.handshakeTimeout)
	defer cancel()

	t, err := dial(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, c.redacted, err)
	}
	if err := c.handshake(ctx, t); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, c.redacted, err)
	}
	return newSession(t), nil
}

func (c *Conn) handshake(ctx context.Context, t Transport) error {
	hello := EncodeFrame(Frame{Kind: MsgHello, Payload: EncodeHello(ProtocolVersion, c.sessionID)})
	if err := t.Send(ctx, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	type received struct {
		data []byte
		err  error
	}
	ch := make(chan received, 1)
	go func() {
		data, err := t.Recv(ctx)
		ch <- received{data: data, err: err}
	}()

	var r received
	select {
	case r = <-ch:
	case <-ctx.Done():
		// Closing unblocks the pending Recv.
		t.Close()
		return fmt.Errorf("waiting for hello-ack: %w", ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("waiting for hello-ack: %w", r.err)
	}

	f, _, err := DecodeFrame(r.data)
	if err != nil {
		return err
	}
	switch f.Kind {
	case MsgHelloAck:
	case MsgError:
		remoteErr, err := DecodeError(0, f.Payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("server refused session: %s", remoteErr.Message)
	default:
		return protocolErrorf("expected hello-ack, got %s", f.Kind)
	}

	version, err := DecodeHelloAck(f.Payload)
	if err != nil {
		return err
	}
	if version != ProtocolVersion {
		return fmt.Errorf("%w: client speaks %d, server speaks %d", ErrVersionMismatch, ProtocolVersion, version)
	}
	return nil
}

func (c *Conn) start(s *session) {
	c.wg.Add(2)
	go c.writeLoop(s)
	go c.readLoop(s)
}

// writeLoop transmits queued frames in the order they were enqueued.
func (c *Conn) writeLoop(s *session) {
	defer c.wg.Done()
	defer close(s.writerDone)

	for {
		s.queueMu.Lock()
		frames := s.queue
		s.queue = nil
		draining := s.draining
		s.queueMu.Unlock()

		for _, frame := range frames {
			if err := s.transport.Send(context.Background(), frame); err != nil {
				select {
				case <-s.dead:
				default:
					c.log.Error(err, "writing frame", "endpoint", c.redacted)
				}
				// The reader observes the closed transport and handles the loss.
				s.transport.Close()
				return
			}
		}
		if len(frames) > 0 {
			continue
		}
		if draining {
			return
		}
		select {
		case <-s.wake:
		case <-s.dead:
			return
		}
	}
}

// reconnect replaces a lost session, with exponential backoff between
// attempts. When every attempt fails the Conn is failed for good.
func (c *Conn) reconnect(cause error) {
	defer c.wg.Done()

	backoff := c.opts.reconnectBackoff
	for attempt := 1; attempt <= c.opts.reconnectAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-c.bgCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.opts.maxReconnectBackoff {
			backoff = c.opts.maxReconnectBackoff
		}

		sess, err := c.open(c.bgCtx)
		if err != nil {
			c.log.Error(err, "reconnect attempt failed", "endpoint", c.redacted, "attempt", attempt, "maxAttempts", c.opts.reconnectAttempts)
			continue
		}

		c.mu.Lock()
		if c.state != stateReconnecting {
			c.mu.Unlock()
			sess.teardown()
			return
		}
		sess.generation = c.registry.Generation()
		c.sess = sess
		c.setStateLocked(stateConnected)
		c.mu.Unlock()
		c.start(sess)

		c.log.Info("reconnected to remote executor", "endpoint", c.redacted, "attempt", attempt, "generation", sess.generation)
		return
	}

	c.mu.Lock()
	if c.state == stateReconnecting {
		c.failErr = fmt.Errorf("%w: gave up after %d reconnect attempts: %w", ErrConnectionLost, c.opts.reconnectAttempts, cause)
		c.setStateLocked(stateFailed)
	}
	c.mu.Unlock()
	c.log.Error(cause, "connection permanently failed", "endpoint", c.redacted, "attempts", c.opts.reconnectAttempts)
}

// awaitSession returns the active session, waiting out a reconnect.
func (c *Conn) awaitSession(ctx context.Context) (*session, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case stateConnected:
			s := c.sess
			c.mu.Unlock()
			return s, nil
		case stateClosed:
			c.mu.Unlock()
			return nil, ErrClosed
		case stateFailed:
			err := c.failErr
			c.mu.Unlock()
			return nil, err
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sendRelease enqueues a fire-and-forget release for handles of the given
// generation. Handles from an older generation are already gone remotely.
func (c *Conn) sendRelease(generation uint64, ids []HandleID) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || s.generation != generation {
		c.log.V(4).Info("skipping release for lost session", "handles", len(ids), "generation", generation)
		return
	}
	s.enqueue(EncodeFrame(Frame{Kind: MsgRelease, Payload: EncodeRelease(ids)}))
	c.log.V(4).Info("released handles", "handles", ids)
}

func (c *Conn) sendCancel(sl *slot) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || s.generation != sl.generation {
		return
	}
	s.enqueue(EncodeFrame(Frame{Kind: MsgCancel, ID: sl.id}))
}

// Close stops accepting requests, waits up to the drain timeout for
// in-flight requests, releases every live handle, flushes the outbound queue
// and closes the channel. Requests still unanswered fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(stateClosed)
	var drained chan struct{}
	if c.inflight > 0 {
		drained = make(chan struct{})
		c.drained = drained
	}
	c.mu.Unlock()

	if drained != nil {
		timer := time.NewTimer(c.opts.drainTimeout)
		select {
		case <-drained:
		case <-timer.C:
			c.log.Info("closing with requests in flight", "endpoint", c.redacted, "inFlight", c.Stats().InFlight)
		}
		timer.Stop()
	}

	released := c.registry.ReleaseAll()

	c.bgCancel()
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.drain()
		timer := time.NewTimer(c.opts.drainTimeout)
		select {
		case <-s.writerDone:
		case <-timer.C:
		}
		timer.Stop()
		s.teardown()
	}
	c.wg.Wait()

	c.log.Info("closed connection", "endpoint", c.redacted, "releasedHandles", released)
	return nil
}

// stop releases background resources of a Conn that never connected.
func (c *Conn) stop() {
	c.bgCancel()
}

// Registry returns the handle registry of this connection.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// Endpoint returns the endpoint with any password redacted.
func (c *Conn) Endpoint() string {
	return c.redacted
}

// Stats is a point-in-time view of a connection.
type Stats struct {
	State       string
	Generation  uint64
	Pending     int // slots in the table, abandoned ones included
	InFlight    int // requests holding capacity
	LiveHandles int
	NextID      uint32
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		State:    c.state.String(),
		Pending:  len(c.pending),
		InFlight: c.inflight,
		NextID:   c.nextID,
	}
	if c.sess != nil {
		st.Generation = c.sess.generation
	}
	c.mu.Unlock()
	st.LiveHandles = c.registry.Len()
	return st
}
