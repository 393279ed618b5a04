package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acuray/console/lib/ratelimit"
)

const (
	// MaxRequestSize is the maximum size of a request in bytes (1MB).
	MaxRequestSize = 1024 * 1024

	// ReadTimeout is the timeout for reading requests.
	ReadTimeout = 10 * time.Second

	// WriteTimeout is the timeout for writing responses.
	WriteTimeout = 10 * time.Second

	// methodRate is the per-method request budget, requests per second.
	methodRate = 20
	// methodBurst is the per-method burst allowance.
	methodBurst = 40
)

// Handler is a function that handles an RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server serves the control socket.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	listener net.Listener
	limiter  *connLimiter
	rates    *ratelimit.KeyedLimiter
	running  bool
	wg       sync.WaitGroup
}

// ServerConfig configures the control server.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string
	// MaxConnections is the maximum concurrent connections (0 = default).
	MaxConnections int
}

// NewServer creates a control server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		limiter:  newConnLimiter(cfg.MaxConnections),
		rates:    ratelimit.NewKeyed(methodRate, methodBurst, time.Minute),
	}
}

// RegisterHandler registers a handler for an RPC method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterHandlers registers multiple handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, handler := range handlers {
		s.handlers[method] = handler
	}
}

// Start begins listening on the Unix socket. A stale socket file from a
// previous run is removed.
func (s *Server) Start(ctx context.Context, socketPath string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	os.Remove(socketPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	log.WithField("path", socketPath).Info("control socket listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Error("control socket accept failed")
			}
			return
		}

		if !s.limiter.acquire() {
			log.WithField("active", s.limiter.activeCount()).Warn("control connection rejected")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.release()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := s.readRequest(conn, reader)
		if err != nil {
			return
		}
		if req == nil {
			continue
		}

		if !s.rates.Allow(req.Method) {
			s.sendResponse(conn, NewErrorResponse(req.ID, ErrRateLimited()))
			continue
		}
		s.sendResponse(conn, s.dispatch(ctx, req))
	}
}

// readRequest reads one JSON-RPC request line. A nil request with nil
// error means a malformed line was answered and skipped.
func (s *Server) readRequest(conn net.Conn, reader *bufio.Reader) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		log.WithError(err).Warn("failed to set read deadline")
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
			log.WithError(err).Debug("control socket read failed")
		}
		return nil, err
	}

	if len(line) > MaxRequestSize {
		s.sendResponse(conn, NewErrorResponse(nil, NewError(ErrCodeInvalidRequest, "request too large", len(line))))
		return nil, nil
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendResponse(conn, NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", err.Error())))
		return nil, nil
	}
	if err := ValidateRequest(&req); err != nil {
		s.sendResponse(conn, NewErrorResponse(req.ID, NewError(ErrCodeInvalidRequest, "invalid request", err.Error())))
		return nil, nil
	}
	return &req, nil
}

// dispatch routes a request to its handler.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}

	handlerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, herr := handler(handlerCtx, req.Params)
	if herr != nil {
		return NewErrorResponse(req.ID, herr)
	}
	return NewSuccessResponse(req.ID, result)
}

func (s *Server) sendResponse(conn net.Conn, resp *Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		log.WithError(err).Warn("failed to set write deadline")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("marshaling control response failed")
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		log.WithError(err).Debug("control socket write failed")
	}
}

// Stop closes the listener and waits for active connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	s.rates.Close()

	log.Debug("control socket stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ActiveConnections returns the current number of active connections.
func (s *Server) ActiveConnections() int {
	return s.limiter.activeCount()
}
