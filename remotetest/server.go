// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remotetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/luxfi/remote"
)

// Server speaks the executor side of the protocol on any number of
// listeners, backed by one Executor. Responses can be held back and
// released on demand to stage races and reorderings.
type Server struct {
	Executor *Executor

	log klog.Logger

	mu       sync.Mutex
	version  uint16
	paused   bool
	held     []heldResponse
	heldCh   chan struct{} // closed and replaced whenever held grows
	sessions map[*serverSession]struct{}
	closers  []func()
	wg       sync.WaitGroup
}

type heldResponse struct {
	sess  *serverSession
	frame []byte
}

type serverSession struct {
	transport remote.Transport

	writeMu sync.Mutex
}

func (s *serverSession) send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Send(context.Background(), frame)
}

// NewServer creates a server for exec speaking the current protocol version.
func NewServer(exec *Executor) *Server {
	return &Server{
		Executor: exec,
		log:      klog.Background().WithName("remotetest"),
		version:  remote.ProtocolVersion,
		heldCh:   make(chan struct{}),
		sessions: make(map[*serverSession]struct{}),
	}
}

// SetVersion changes the version announced in future hello-acks.
func (s *Server) SetVersion(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// ListenTCP serves length-prefixed frames on a loopback port and returns
// the tcp:// endpoint.
func (s *Server) ListenTCP() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening: %w", err)
	}
	s.addCloser(func() { ln.Close() })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.goServe(remote.NewStreamTransport(conn))
		}
	}()
	return "tcp://" + ln.Addr().String(), nil
}

// ListenWebsocket serves websocket sessions and returns the ws:// endpoint.
func (s *Server) ListenWebsocket() string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error(err, "upgrading websocket")
			return
		}
		s.serve(remote.NewWebsocketTransport(conn))
	}))
	s.addCloser(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

// ListenGRPC serves the frame stream over gRPC and returns the grpc:// endpoint.
func (s *Server) ListenGRPC() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening: %w", err)
	}
	gs := grpc.NewServer(
		grpc.ForceServerCodec(remote.GRPCCodec{}),
		grpc.UnknownServiceHandler(s.handleStream),
	)
	s.addCloser(gs.Stop)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error(err, "serving grpc")
		}
	}()
	return "grpc://" + ln.Addr().String(), nil
}

func (s *Server) handleStream(_ interface{}, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != remote.GRPCStreamMethod {
		return fmt.Errorf("unknown method %q", method)
	}
	t := &grpcServerTransport{stream: stream, done: make(chan struct{})}
	s.goServe(t)
	<-t.done
	return nil
}

// grpcServerTransport adapts a server stream. The stream ends when the
// handler returns, which happens once the transport is closed.
type grpcServerTransport struct {
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (t *grpcServerTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return remote.ErrClosed
	}
	return t.stream.SendMsg(frame)
}

func (t *grpcServerTransport) Recv(context.Context) ([]byte, error) {
	var frame []byte
	if err := t.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *grpcServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// AdminHandler serves the JSON-RPC "Executor" service.
func (s *Server) AdminHandler() (http.Handler, error) {
	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")

	s.mu.Lock()
	svc := &InfoService{Version: s.version, Name: "remotetest"}
	s.mu.Unlock()
	if err := srv.RegisterService(svc, "Executor"); err != nil {
		return nil, fmt.Errorf("registering executor service: %w", err)
	}
	return srv, nil
}

// ListenAdmin serves AdminHandler over HTTP and returns its URL.
func (s *Server) ListenAdmin() (string, error) {
	h, err := s.AdminHandler()
	if err != nil {
		return "", err
	}
	srv := httptest.NewServer(h)
	s.addCloser(srv.Close)
	return srv.URL, nil
}

func (s *Server) addCloser(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Server) goServe(t remote.Transport) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(t)
	}()
}

// serve runs one session until its transport fails.
func (s *Server) serve(t remote.Transport) {
	sess := &serverSession{transport: t}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	version := s.version
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		t.Close()
	}()

	ctx := context.Background()
	if err := s.handshake(ctx, sess, version); err != nil {
		s.log.V(2).Info("handshake failed", "err", err.Error())
		return
	}

	for {
		data, err := t.Recv(ctx)
		if err != nil {
			return
		}
		f, _, err := remote.DecodeFrame(data)
		if err != nil {
			s.log.Error(err, "dropping undecodable frame")
			continue
		}
		switch f.Kind {
		case remote.MsgRequest:
			s.respond(sess, s.execute(f))
		case remote.MsgRelease:
			ids, err := remote.DecodeRelease(f.Payload)
			if err != nil {
				s.log.Error(err, "dropping release")
				continue
			}
			s.Executor.Release(ids)
		case remote.MsgCancel:
			s.Executor.Cancel(f.ID)
		default:
			s.log.Info("ignoring frame", "kind", f.Kind)
		}
	}
}

func (s *Server) handshake(ctx context.Context, sess *serverSession, version uint16) error {
	data, err := sess.transport.Recv(ctx)
	if err != nil {
		return err
	}
	f, _, err := remote.DecodeFrame(data)
	if err != nil {
		return err
	}
	if f.Kind != remote.MsgHello {
		return fmt.Errorf("expected hello, got %s", f.Kind)
	}
	if _, _, err := remote.DecodeHello(f.Payload); err != nil {
		return err
	}
	return sess.send(remote.EncodeFrame(remote.Frame{Kind: remote.MsgHelloAck, Payload: remote.EncodeHelloAck(version)}))
}

func (s *Server) execute(f remote.Frame) []byte {
	req, err := remote.DecodeRequest(f.Payload)
	if err != nil {
		return remote.EncodeFrame(remote.Frame{Kind: remote.MsgError, ID: f.ID, Payload: remote.EncodeError(remote.CodeInvalidArgument, err.Error())})
	}
	resp, err := s.Executor.Execute(f.ID, req)
	if err != nil {
		code := remote.CodeUnknown
		var remoteErr *remote.RemoteError
		if errors.As(err, &remoteErr) {
			code = remoteErr.Code
			err = errors.New(remoteErr.Message)
		}
		return remote.EncodeFrame(remote.Frame{Kind: remote.MsgError, ID: f.ID, Payload: remote.EncodeError(code, err.Error())})
	}
	return remote.EncodeFrame(remote.Frame{Kind: remote.MsgResponse, ID: f.ID, Payload: remote.EncodeResponse(resp)})
}

func (s *Server) respond(sess *serverSession, frame []byte) {
	s.mu.Lock()
	if s.paused {
		s.held = append(s.held, heldResponse{sess: sess, frame: frame})
		close(s.heldCh)
		s.heldCh = make(chan struct{})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := sess.send(frame); err != nil {
		s.log.V(2).Info("sending response", "err", err.Error())
	}
}

// Pause holds back every response until Flush or Resume.
func (s *Server) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume sends everything held, in order, and stops holding.
func (s *Server) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.Flush(-1)
}

// Flush sends the first n held responses, or all of them when n < 0.
func (s *Server) Flush(n int) {
	s.mu.Lock()
	if n < 0 || n > len(s.held) {
		n = len(s.held)
	}
	out := s.held[:n:n]
	s.held = s.held[n:]
	s.mu.Unlock()

	for _, h := range out {
		if err := h.sess.send(h.frame); err != nil {
			s.log.V(2).Info("sending held response", "err", err.Error())
		}
	}
}

// Held returns the number of responses currently held back.
func (s *Server) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// WaitHeld blocks until at least n responses are held back.
func (s *Server) WaitHeld(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		if len(s.held) >= n {
			s.mu.Unlock()
			return nil
		}
		ch := s.heldCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropConnections closes every open session and forgets everything held
// back and stored, as an executor restart would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.held = nil
	s.mu.Unlock()

	s.Executor.Reset()
	for _, sess := range sessions {
		sess.transport.Close()
	}
}

// Close stops every listener and session.
func (s *Server) Close() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
	s.DropConnections()
	s.wg.Wait()
}
