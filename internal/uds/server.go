package uds

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/troupe/internal/logging"
)

// HandlerFunc answers one request. A nil response is sent as an empty success.
type HandlerFunc func(req *Request) *Response

// ErrSocketInUse is returned by Start when another daemon still answers on
// the socket.
var ErrSocketInUse = errors.New("socket is served by another daemon")

// Server accepts one request per connection and routes it to the handler
// registered for its command.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	maxConns    int64
	logger      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	conns    *semaphore.Weighted
	wg       sync.WaitGroup
}

type ServerOption func(*Server)

func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = l.With("uds") }
}

// WithConnTimeout bounds how long one connection may take to send its request
// and receive the answer. The default is 30s.
func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connTimeout = d
		}
	}
}

// WithMaxConns caps concurrently served connections. Connections over the cap
// are answered with LIMIT_EXCEEDED. The default is 64.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = int64(n)
		}
	}
}

func NewServer(socketPath string, opts ...ServerOption) *Server {
	s := &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		maxConns:    64,
		logger:      logging.Discard(),
		handlers:    make(map[string]HandlerFunc),
	}
	for _, o := range opts {
		o(s)
	}
	s.conns = semaphore.NewWeighted(s.maxConns)
	return s
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands lists the registered commands in order.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.handlers))
}

// Start listens on the socket with mode 0600. A socket file left behind by a
// dead daemon is replaced.
func (s *Server) Start() error {
	if err := claimSocket(s.socketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Go(s.acceptLoop)
	return nil
}

func claimSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file.
func (s *Server) Stop() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Warnf("accept error=%v", err)
			continue
		}
		if !s.conns.TryAcquire(1) {
			s.wg.Go(func() { s.reject(conn) })
			continue
		}
		s.wg.Go(func() {
			defer s.conns.Release(1)
			s.serve(conn)
		})
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("read request error=%v", err)
		return
	}
	start := time.Now()
	resp := s.dispatch(&req)
	s.logger.Debugf("uds_request command=%s code=%s elapsed=%s", req.Command, codeOf(resp), time.Since(start).Round(time.Microsecond))

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write response command=%s error=%v", req.Command, err)
	}
}

func (s *Server) reject(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	s.logger.Warnf("uds_busy command=%s max_conns=%d", req.Command, s.maxConns)
	msg := fmt.Sprintf("%s: daemon is serving %d connections, retry shortly", req.Command, s.maxConns)
	_ = WriteFrame(conn, ErrorResponse(ErrCodeLimit, msg))
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command %q (known: %s)", req.Command, strings.Join(s.Commands(), ", ")))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("uds_panic command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, req.Command+": internal error")
		}
	}()
	if resp = handler(req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}

func codeOf(resp *Response) string {
	if resp.Error != nil {
		return resp.Error.Code
	}
	return "OK"
}
