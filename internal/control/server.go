package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dj-oyu/netcam/internal/logger"
)

// Callbacks connect the channel to its worker.
type Callbacks struct {
	OnStatus    func() Status
	OnTerminate func()
}

// Server is the control endpoint of one camera.
type Server struct {
	idx    int
	addr   string
	secret string
	cb     Callbacks

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server for camera idx. An empty secret disables the
// token handshake.
func NewServer(idx int, addr, secret string, cb Callbacks) *Server {
	return &Server{
		idx:    idx,
		addr:   addr,
		secret: secret,
		cb:     cb,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logger.Info("Control", "[cam %d] Listening on %s (auth=%v)", s.idx, ln.Addr(), s.secret != "")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Close. Each connection gets its own
// goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control: Serve before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// Close stops accepting, drops open connections and waits for their
// handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Debug("Control", "[cam %d] Closed", s.idx)
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr()
	logger.Debug("Control", "[cam %d] Client connected: %s", s.idx, remote)

	if s.secret != "" && !s.authenticate(conn) {
		return
	}

	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("Control", "[cam %d] Client disconnected: %s", s.idx, remote)
			} else {
				logger.Warn("Control", "[cam %d] Read from %s: %v", s.idx, remote, err)
			}
			return
		}

		resp, terminate := s.dispatch(req.Command)
		if err := WriteMessage(conn, resp); err != nil {
			logger.Warn("Control", "[cam %d] Reply to %s: %v", s.idx, remote, err)
			return
		}

		if terminate {
			logger.Info("Control", "[cam %d] Terminate requested by %s", s.idx, remote)
			if s.cb.OnTerminate != nil {
				// runs the worker shutdown, which closes this server
				go s.cb.OnTerminate()
			}
			return
		}
	}
}

func (s *Server) authenticate(conn net.Conn) bool {
	var hello Request
	if err := ReadMessage(conn, &hello); err != nil {
		logger.Debug("Control", "[cam %d] Handshake read: %v", s.idx, err)
		return false
	}
	if err := VerifyToken(s.secret, s.idx, hello.Token); err != nil {
		logger.Warn("Control", "[cam %d] Rejected %s: %v", s.idx, conn.RemoteAddr(), err)
		if err := WriteMessage(conn, Response{Reply: ReplyUnauthorized}); err != nil {
			logger.Debug("Control", "[cam %d] Unauthorized reply: %v", s.idx, err)
		}
		return false
	}
	return WriteMessage(conn, Response{Reply: ReplyOK}) == nil
}

func (s *Server) dispatch(cmd string) (Response, bool) {
	switch cmd {
	case CmdStatus:
		st := Status{CameraIndex: s.idx}
		if s.cb.OnStatus != nil {
			st = s.cb.OnStatus()
		}
		return Response{Reply: ReplyStatus, Status: &st}, false
	case CmdTerminate:
		return Response{Reply: ReplyOK}, true
	default:
		logger.Debug("Control", "[cam %d] Unknown command %q", s.idx, cmd)
		return Response{Reply: unknownReply(cmd)}, false
	}
}
