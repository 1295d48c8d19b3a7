// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"
)

// pipeTransport is one end of an in-memory frame channel.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipeTransport, *pipeTransport) {
	a2b := make(chan []byte, 1024)
	b2a := make(chan []byte, 1024)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeTransport{in: b2a, out: a2b, closed: closed, once: once},
		&pipeTransport{in: a2b, out: b2a, closed: closed, once: once}
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	// Frames sent before Close are still delivered.
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// fakeExecutor answers the handshake on every dialed pipe and hands the
// server ends to the test.
type fakeExecutor struct {
	version  uint16
	refuse   bool
	mu       sync.Mutex
	sessions chan *pipeTransport
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{version: ProtocolVersion, sessions: make(chan *pipeTransport, 16)}
}

func (e *fakeExecutor) setRefuse(refuse bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuse = refuse
}

func (e *fakeExecutor) dial(context.Context, *url.URL) (Transport, error) {
	e.mu.Lock()
	refuse, version := e.refuse, e.version
	e.mu.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}

	client, server := newPipe()
	go func() {
		data, err := server.Recv(context.Background())
		if err != nil {
			return
		}
		f, _, err := DecodeFrame(data)
		if err != nil || f.Kind != MsgHello {
			server.Close()
			return
		}
		ack := EncodeFrame(Frame{Kind: MsgHelloAck, Payload: EncodeHelloAck(version)})
		if err := server.Send(context.Background(), ack); err != nil {
			return
		}
		e.sessions <- server
	}()
	return client, nil
}

func (e *fakeExecutor) accept(t *testing.T) *pipeTransport {
	t.Helper()
	select {
	case s := <-e.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no session established")
		return nil
	}
}

func (e *fakeExecutor) connect(t *testing.T, opts ...Option) (*Conn, *pipeTransport) {
	t.Helper()
	opts = append([]Option{
		WithDialer(e.dial),
		WithReconnect(0, 0, 0),
		WithDrainTimeout(100 * time.Millisecond),
	}, opts...)
	c, err := Dial(context.Background(), "tcp://executor.test:9000", opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, e.accept(t)
}

func readFrame(t *testing.T, s *pipeTransport) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	f, _, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return f
}

func readRequest(t *testing.T, s *pipeTransport) (uint32, *Request) {
	t.Helper()
	f := readFrame(t, s)
	if f.Kind != MsgRequest {
		t.Fatalf("got %s frame, want request", f.Kind)
	}
	req, err := DecodeRequest(f.Payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	return f.ID, req
}

func sendFrame(t *testing.T, s *pipeTransport, f Frame) {
	t.Helper()
	if err := s.Send(context.Background(), EncodeFrame(f)); err != nil {
		t.Fatalf("server Send: %v", err)
	}
}

func respond(t *testing.T, s *pipeTransport, id uint32, handle HandleID) {
	t.Helper()
	resp := &Response{Handle: handle, Shape: Shape{1}, DType: Float32}
	sendFrame(t, s, Frame{Kind: MsgResponse, ID: id, Payload: EncodeResponse(resp)})
}

func marker(i int) *Request {
	return &Request{Op: OpAddScalar, Inputs: []HandleID{1}, Scalars: []float64{float64(i)}}
}

func waitResult(t *testing.T, p *Pending) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func TestRequestsTransmittedInDispatchOrder(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := c.Dispatch(ctx, marker(i)); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	var lastID uint32
	for i := 0; i < n; i++ {
		id, req := readRequest(t, srv)
		if req.Scalars[0] != float64(i) {
			t.Fatalf("frame %d carries request %v", i, req.Scalars[0])
		}
		if id <= lastID {
			t.Fatalf("id %d after %d", id, lastID)
		}
		lastID = id
	}
}

func TestConcurrentDispatchIDsMatchWireOrder(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	ids := make([]uint32, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Dispatch(ctx, marker(i))
			if err != nil {
				t.Errorf("Dispatch: %v", err)
				return
			}
			ids[i] = p.ID()
		}()
	}
	wg.Wait()

	var wire []uint32
	for i := 0; i < n; i++ {
		id, req := readRequest(t, srv)
		if ids[int(req.Scalars[0])] != id {
			t.Fatalf("request %v sent with id %d, dispatched as %d", req.Scalars[0], id, ids[int(req.Scalars[0])])
		}
		wire = append(wire, id)
	}
	if !slices.IsSorted(wire) {
		t.Errorf("wire order %v is not id order", wire)
	}
}

func TestResponsesCorrelatedInAnyOrder(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	const n = 20
	pending := make([]*Pending, n)
	for i := range pending {
		p, err := c.Dispatch(ctx, marker(i))
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		pending[i] = p
	}

	type received struct {
		id     uint32
		marker int
	}
	reqs := make([]received, n)
	for i := range reqs {
		id, req := readRequest(t, srv)
		reqs[i] = received{id: id, marker: int(req.Scalars[0])}
	}
	rng := rand.New(rand.NewPCG(7, 11))
	for _, i := range rng.Perm(n) {
		respond(t, srv, reqs[i].id, HandleID(1000+reqs[i].marker))
	}

	for i, p := range pending {
		resp, err := waitResult(t, p)
		if err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		if resp.Handle != HandleID(1000+i) {
			t.Errorf("request %d got handle %d", i, resp.Handle)
		}
	}
	if st := c.Stats(); st.Pending != 0 || st.InFlight != 0 {
		t.Errorf("stats after completion: %+v", st)
	}
}

func TestUnknownCorrelationIDDropped(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)

	p, err := c.Dispatch(context.Background(), marker(0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	id, _ := readRequest(t, srv)
	respond(t, srv, id+100, 5)
	respond(t, srv, id, 6)

	resp, err := waitResult(t, p)
	if err != nil || resp.Handle != 6 {
		t.Fatalf("Wait: %+v, %v", resp, err)
	}
}

func TestRemoteErrorFailsOneRequest(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	a, _ := c.Dispatch(ctx, marker(0))
	b, _ := c.Dispatch(ctx, marker(1))
	idA, _ := readRequest(t, srv)
	idB, _ := readRequest(t, srv)
	sendFrame(t, srv, Frame{Kind: MsgError, ID: idA, Payload: EncodeError(CodeNotFound, "no such tensor")})
	respond(t, srv, idB, 2)

	_, err := waitResult(t, a)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Code != CodeNotFound || remoteErr.Op != OpAddScalar {
		t.Errorf("got %v, want remote not-found error", err)
	}
	if _, err := waitResult(t, b); err != nil {
		t.Errorf("second request: %v", err)
	}
}

func TestMalformedPayloadFailsOnlyItsRequest(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	a, _ := c.Dispatch(ctx, marker(0))
	b, _ := c.Dispatch(ctx, marker(1))
	idA, _ := readRequest(t, srv)
	idB, _ := readRequest(t, srv)

	// A frame of an unknown kind, then a response with a truncated field.
	sendFrame(t, srv, Frame{Kind: MessageKind(0x7f)})
	sendFrame(t, srv, Frame{Kind: MsgResponse, ID: idA, Payload: []byte{tagHandle, 0, 0, 0, 8, 1}})
	respond(t, srv, idB, 9)

	if _, err := waitResult(t, a); !errors.Is(err, ErrProtocol) {
		t.Errorf("malformed response: got %v, want ErrProtocol", err)
	}
	resp, err := waitResult(t, b)
	if err != nil || resp.Handle != 9 {
		t.Errorf("second request: %+v, %v", resp, err)
	}
	if st := c.Stats(); st.State != "connected" {
		t.Errorf("state %s after isolated errors", st.State)
	}
}

func TestRepeatedProtocolErrorsDropSession(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithMaxProtocolErrors(2))

	p, _ := c.Dispatch(context.Background(), marker(0))
	readRequest(t, srv)
	sendFrame(t, srv, Frame{Kind: MsgHello})
	sendFrame(t, srv, Frame{Kind: MsgHello})

	if _, err := waitResult(t, p); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("got %v, want ErrConnectionLost", err)
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)
	ctx := context.Background()

	p0, _ := c.Dispatch(ctx, marker(0))
	id, _ := readRequest(t, srv)
	respond(t, srv, id, 77)
	resp, err := waitResult(t, p0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	h, err := c.Registry().registerAt(p0.Generation(), resp.Handle, resp.Shape, resp.DType)
	if err != nil {
		t.Fatalf("registerAt: %v", err)
	}

	const n = 10
	pending := make([]*Pending, n)
	for i := range pending {
		if pending[i], err = c.Dispatch(ctx, marker(i)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		readRequest(t, srv)
	}
	start := time.Now()
	srv.Close()

	for i, p := range pending {
		if _, err := waitResult(t, p); !errors.Is(err, ErrConnectionLost) {
			t.Errorf("request %d: got %v, want ErrConnectionLost", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pending requests took %v to fail", elapsed)
	}
	if err := h.Check(); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("handle after loss: got %v, want ErrStaleHandle", err)
	}

	// Without reconnect attempts the connection is failed for good.
	if _, err := c.Dispatch(ctx, marker(0)); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Dispatch after failure: got %v, want ErrConnectionLost", err)
	}
}

func TestReconnectStartsNewGeneration(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithReconnect(3, 10*time.Millisecond, 50*time.Millisecond))
	ctx := context.Background()

	h, err := c.Registry().Register(5, Shape{1}, Float32)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	srv.Close()
	srv = exec.accept(t)

	p, err := c.Dispatch(ctx, marker(1))
	if err != nil {
		t.Fatalf("Dispatch after reconnect: %v", err)
	}
	id, _ := readRequest(t, srv)
	respond(t, srv, id, 5)
	if _, err := waitResult(t, p); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if p.Generation() != 2 || c.Stats().Generation != 2 {
		t.Errorf("generation %d / %d, want 2", p.Generation(), c.Stats().Generation)
	}
	if h.State() != HandleInvalid {
		t.Errorf("old handle %s, want invalid", h.State())
	}
	if id == 0 {
		t.Error("correlation id 0 used")
	}
}

func TestReconnectExhaustion(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithReconnect(2, 5*time.Millisecond, 10*time.Millisecond))

	exec.setRefuse(true)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Depending on whether the reader has seen the drop yet, this request
	// either fails in flight or waits out the reconnect attempts.
	if _, err := c.Call(ctx, marker(0)); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Call: got %v, want ErrConnectionLost", err)
	}

	waitState(t, c, "failed")
	if _, err := c.Dispatch(ctx, marker(1)); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Dispatch after exhaustion: got %v, want ErrConnectionLost", err)
	}
}

func waitState(t *testing.T, c *Conn, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().State != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s", c.Stats().State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackpressure(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithMaxPending(2))
	ctx := context.Background()

	p0, _ := c.Dispatch(ctx, marker(0))
	if _, err := c.Dispatch(ctx, marker(1)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := c.Dispatch(short, marker(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Dispatch: got %v, want DeadlineExceeded", err)
	}

	blocked := make(chan *Pending, 1)
	go func() {
		p, err := c.Dispatch(ctx, marker(3))
		if err != nil {
			t.Errorf("Dispatch: %v", err)
		}
		blocked <- p
	}()
	select {
	case <-blocked:
		t.Fatal("Dispatch did not block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	id, _ := readRequest(t, srv)
	respond(t, srv, id, 1)
	if _, err := waitResult(t, p0); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch still blocked after capacity was freed")
	}
}

func TestIDSpaceExhaustion(t *testing.T) {
	exec := newFakeExecutor()
	c, _ := exec.connect(t)
	ctx := context.Background()

	c.mu.Lock()
	c.nextID = math.MaxUint32 - 1
	c.mu.Unlock()

	p, err := c.Dispatch(ctx, marker(0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p.ID() != math.MaxUint32 {
		t.Errorf("id %d, want %d", p.ID(), uint32(math.MaxUint32))
	}
	if _, err := c.Dispatch(ctx, marker(1)); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("got %v, want ErrIDSpaceExhausted", err)
	}
	if st := c.Stats(); st.InFlight != 1 {
		t.Errorf("%d in flight, want 1", st.InFlight)
	}
}

func TestTimeoutThenLateResponseIsReleased(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithTimeout(ClassCompute, 20*time.Millisecond))

	p, err := c.Dispatch(context.Background(), marker(0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := waitResult(t, p); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if st := c.Stats(); st.InFlight != 0 || st.Pending != 1 {
		t.Errorf("after timeout: %+v", st)
	}

	id, _ := readRequest(t, srv)
	cancelFrame := readFrame(t, srv)
	if cancelFrame.Kind != MsgCancel || cancelFrame.ID != id {
		t.Fatalf("got %s frame for %d, want cancel for %d", cancelFrame.Kind, cancelFrame.ID, id)
	}

	respond(t, srv, id, 321)
	release := readFrame(t, srv)
	if release.Kind != MsgRelease {
		t.Fatalf("got %s frame, want release", release.Kind)
	}
	ids, err := DecodeRelease(release.Payload)
	if err != nil || !slices.Equal(ids, []HandleID{321}) {
		t.Errorf("released %v, %v", ids, err)
	}
	if _, ok := c.Registry().Lookup(321); ok {
		t.Error("late handle was registered")
	}
	if st := c.Stats(); st.Pending != 0 {
		t.Errorf("%d slots left after late response", st.Pending)
	}
}

func TestAbandonedSlotsAreReaped(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t,
		WithTimeout(ClassCompute, 5*time.Millisecond),
		WithAbandonGrace(20*time.Millisecond),
	)
	ctx := context.Background()

	// The executor honours every cancel and never answers.
	const n = 50
	for i := 0; i < n; i++ {
		p, err := c.Dispatch(ctx, marker(i))
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		if _, err := waitResult(t, p); !errors.Is(err, ErrTimeout) {
			t.Fatalf("Wait %d: got %v, want ErrTimeout", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Pending != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d abandoned slots left in the table", c.Stats().Pending)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := c.Stats(); st.InFlight != 0 {
		t.Errorf("%d in flight after reaping", st.InFlight)
	}

	var first uint32
	for i := 0; i < 2*n; i++ {
		f := readFrame(t, srv)
		if f.Kind == MsgRequest && first == 0 {
			first = f.ID
		}
	}

	// A response after the slot is gone is dropped and its handle freed.
	respond(t, srv, first, 444)
	release := readFrame(t, srv)
	ids, err := DecodeRelease(release.Payload)
	if release.Kind != MsgRelease || err != nil || !slices.Equal(ids, []HandleID{444}) {
		t.Errorf("got %s frame with %v, want release of [444]", release.Kind, ids)
	}
	if _, ok := c.Registry().Lookup(444); ok {
		t.Error("orphaned handle was registered")
	}
}

func TestConcurrentWaitSharesOutcome(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t)

	p, err := c.Dispatch(context.Background(), marker(0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	const waiters = 8
	var wg sync.WaitGroup
	handles := make([]HandleID, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := waitResult(t, p)
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			handles[i] = resp.Handle
		}()
	}

	id, _ := readRequest(t, srv)
	respond(t, srv, id, 17)
	wg.Wait()
	for i, h := range handles {
		if h != 17 {
			t.Errorf("waiter %d got handle %d, want 17", i, h)
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	exec := newFakeExecutor()
	c, _ := exec.connect(t)

	p, err := c.Dispatch(context.Background(), marker(0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want Canceled", err)
	}
	// A second Wait reports the same outcome.
	if _, err := p.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("second Wait: got %v, want Canceled", err)
	}
}

func TestVersionMismatch(t *testing.T) {
	exec := newFakeExecutor()
	exec.version = ProtocolVersion + 1

	_, err := Dial(context.Background(), "tcp://executor.test:9000", WithDialer(exec.dial))
	if !errors.Is(err, ErrVersionMismatch) || !errors.Is(err, ErrConnection) {
		t.Errorf("got %v, want ErrVersionMismatch wrapped in ErrConnection", err)
	}
}

func TestDialErrors(t *testing.T) {
	for _, endpoint := range []string{"", "bogus://host:1", "ws://hostonly", "tcp://:9000"} {
		if _, err := Dial(context.Background(), endpoint); !errors.Is(err, ErrConnection) {
			t.Errorf("%q: got %v, want ErrConnection", endpoint, err)
		}
	}

	exec := newFakeExecutor()
	exec.setRefuse(true)
	if _, err := Dial(context.Background(), "tcp://executor.test:9000", WithDialer(exec.dial)); !errors.Is(err, ErrConnection) {
		t.Errorf("refused: got %v, want ErrConnection", err)
	}
}

func TestCloseReleasesHandlesAndFailsPending(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithDrainTimeout(20*time.Millisecond))
	ctx := context.Background()

	if _, err := c.Registry().Register(12, Shape{1}, Float32); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, _ := c.Dispatch(ctx, marker(0))
	readRequest(t, srv)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := waitResult(t, p); !errors.Is(err, ErrClosed) {
		t.Errorf("pending after Close: got %v, want ErrClosed", err)
	}

	release := readFrame(t, srv)
	ids, err := DecodeRelease(release.Payload)
	if release.Kind != MsgRelease || err != nil || !slices.Equal(ids, []HandleID{12}) {
		t.Errorf("got %s frame with %v, want release of [12]", release.Kind, ids)
	}

	if _, err := c.Dispatch(ctx, marker(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close: got %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCloseWaitsForInFlight(t *testing.T) {
	exec := newFakeExecutor()
	c, srv := exec.connect(t, WithDrainTimeout(5*time.Second))

	p, _ := c.Dispatch(context.Background(), marker(0))
	id, _ := readRequest(t, srv)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	respond(t, srv, id, 3)

	resp, err := waitResult(t, p)
	if err != nil || resp.Handle != 3 {
		t.Errorf("in-flight request during Close: %+v, %v", resp, err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
