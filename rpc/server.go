package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/wire"
)

// reply is only used internally by the client side (see wait.go); kept
// here so both halves of the package share one definition.
type reply struct {
	op  wire.Opcode
	msg *wire.Message
}

// Server accepts connections on one or more listeners and services
// requests by decoding frames, calling into a Handler, and writing
// replies back on the same connection in arrival order. Each connection
// is serviced by its own goroutine; a worker semaphore bounds how many
// requests execute concurrently.
type Server struct {
	lg      *zap.Logger
	handler Handler
	timeout time.Duration
	sem     chan struct{}

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
	closed    bool
}

// NewServer creates a server bound to handler with the given per-call
// timeout and maximum number of concurrently executing requests
// (64 when maxWorkers <= 0).
func NewServer(lg *zap.Logger, handler Handler, timeout time.Duration, maxWorkers int) *Server {
	if lg == nil {
		lg = zap.NewNop()
	}
	if maxWorkers <= 0 {
		maxWorkers = 64
	}
	return &Server{
		lg:        lg,
		handler:   handler,
		timeout:   timeout,
		sem:       make(chan struct{}, maxWorkers),
		listeners: make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections from l until it is closed or the server is
// shut down. Safe to call concurrently for multiple listeners (one
// bound per /apteryx/sockets/<guid> entry).
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("rpc: server is shut down")
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serviceConn(conn)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown closes every bound listener and waits up to the given delay
// for in-flight connections to drain.
func (s *Server) Shutdown(drain time.Duration) {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		s.lg.Warn("shutdown drain timed out with connections still in flight")
	}
}

func (s *Server) serviceConn(conn net.Conn) {
	defer conn.Close()
	orig := id.NewPeerOriginator()

	for {
		op, msg, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.lg.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		s.sem <- struct{}{}
		replyMsg, err := s.dispatch(op, msg, orig)
		<-s.sem
		if err != nil {
			s.lg.Warn("malformed request; closing connection", zap.Error(err))
			return
		}

		if err := wire.WriteFrame(conn, op, replyMsg); err != nil {
			s.lg.Debug("connection write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(op wire.Opcode, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch op {
	case wire.OpSet:
		return s.handleSet(ctx, msg, orig)
	case wire.OpGet:
		return s.handleGet(ctx, msg, orig)
	case wire.OpSearch:
		return s.handleSearch(ctx, msg, orig)
	case wire.OpTraverse:
		return s.handleTraverse(ctx, msg, orig)
	case wire.OpPrune:
		return s.handlePrune(ctx, msg, orig)
	case wire.OpTimestamp:
		return s.handleTimestamp(ctx, msg, orig)
	case wire.OpFind:
		return s.handleFind(ctx, msg, orig)
	case wire.OpQuery:
		return s.handleQuery(ctx, msg, orig)
	case wire.OpMemuse:
		return s.handleMemuse(ctx, msg, orig)
	case wire.OpTest:
		return s.handleTest(msg)
	default:
		reply := wire.NewMessage()
		status := wire.StatusEINVAL
		reply.PutUint64(uint64(uint32(status)))
		return reply, nil
	}
}

// handleSet decodes repeated (path, value, ts) triples followed by the
// trailing CAS timestamp. A triple needs at least 16 bytes (two empty
// length-prefixed strings plus an 8-byte timestamp), so an exact
// 8-byte remainder at a triple boundary unambiguously marks the
// trailing CAS timestamp rather than the start of another triple.
func (s *Server) handleSet(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	var ops []SetOp
	var expectedTs uint64
	for {
		if msg.Remaining() == 8 {
			ts, err := msg.GetUint64()
			if err != nil {
				return nil, err
			}
			expectedTs = ts
			break
		}
		path, err := msg.GetString()
		if err != nil {
			return nil, err
		}
		value, err := msg.GetBytes()
		if err != nil {
			return nil, err
		}
		ts, err := msg.GetUint64()
		if err != nil {
			return nil, err
		}
		ops = append(ops, SetOp{Path: path, Value: value, Ts: ts})
	}
	reply := wire.NewMessage()
	status := s.handler.Set(ctx, orig, ops, expectedTs)
	reply.PutUint64(uint64(uint32(status)))
	return reply, nil
}

func (s *Server) handleGet(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	path, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	value, found := s.handler.Get(ctx, orig, path)
	reply := wire.NewMessage()
	reply.PutOptionalBytes(value, found)
	return reply, nil
}

func (s *Server) handleSearch(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	prefix, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutStrings(s.handler.Search(ctx, orig, prefix))
	return reply, nil
}

func (s *Server) handleTraverse(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	path, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutLeaves(s.handler.Traverse(ctx, orig, path))
	return reply, nil
}

func (s *Server) handlePrune(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	path, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	ts, err := msg.GetUint64()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	status := s.handler.Prune(ctx, orig, path, ts)
	reply.PutUint64(uint64(uint32(status)))
	return reply, nil
}

func (s *Server) handleTimestamp(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	path, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutUint64(s.handler.Timestamp(ctx, orig, path))
	return reply, nil
}

func (s *Server) handleFind(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	pattern, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	filters, err := msg.GetLeaves()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutStrings(s.handler.Find(ctx, orig, pattern, filters))
	return reply, nil
}

func (s *Server) handleQuery(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	template, err := msg.GetLeaves()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutLeaves(s.handler.Query(ctx, orig, template))
	return reply, nil
}

func (s *Server) handleMemuse(ctx context.Context, msg *wire.Message, orig id.Originator) (*wire.Message, error) {
	path, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutUint64(s.handler.Memuse(ctx, orig, path))
	return reply, nil
}

func (s *Server) handleTest(msg *wire.Message) (*wire.Message, error) {
	mode, err := msg.GetUint8()
	if err != nil {
		return nil, err
	}
	echo, err := msg.GetString()
	if err != nil {
		return nil, err
	}
	reply := wire.NewMessage()
	reply.PutUint8(mode)
	reply.PutString(echo)
	return reply, nil
}
