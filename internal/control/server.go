package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jordanhubbard/shuttle/internal/metrics"
)

// maxRequestBytes bounds one request line.
const maxRequestBytes = 1 << 20

// Handler executes one request and returns data to encode in the response.
type Handler interface {
	Handle(ctx context.Context, req *Request) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// Server accepts control connections on a Unix socket.
type Server struct {
	path    string
	handler Handler
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewServer returns a server for the socket at path.
func NewServer(path string, h Handler) *Server {
	return &Server{path: path, handler: h, metrics: metrics.NewMetrics()}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Listen binds the socket. A leftover socket from a dead daemon is
// replaced; a live one is an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		conn, err := net.DialTimeout("unix", s.path, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return fmt.Errorf("another daemon is listening on %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done, then removes the socket.
// Listen is called first if it has not been.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}
	log.Printf("[Control] Listening on %s", s.path)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				os.Remove(s.path)
				return nil
			}
			log.Printf("[Control] Accept failed: %v", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		// Only reads are cut off, so a response in flight still goes out.
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(ctx, line)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(fmt.Errorf("%w: %v", ErrBadRequest, err))
	}
	data, err := s.handler.Handle(ctx, &req)
	s.metrics.RecordControlRequest(req.Cmd, err == nil)
	if err != nil {
		return errorResponse(err)
	}
	resp := &Response{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errorResponse(fmt.Errorf("encode %s response: %w", req.Cmd, err))
		}
		resp.Data = raw
	}
	return resp
}

func errorResponse(err error) *Response {
	return &Response{Error: err.Error(), Code: codeFor(err)}
}
