package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/sourcegraph/conc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler answers control requests. The returned map becomes the reply
// payload.
type Handler interface {
	HandleControl(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f HandlerFunc) HandleControl(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// SocketServer accepts control connections on a user-only Unix socket.
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	handler    Handler
	log        *log.Logger
	wg         conc.WaitGroup
	cancel     context.CancelFunc
	conns      map[net.Conn]struct{}
	running    bool
}

// NewSocketServer creates a server for path. Nothing is bound until Start.
func NewSocketServer(path string, handler Handler) *SocketServer {
	return &SocketServer{
		socketPath: path,
		handler:    handler,
		log:        logger.With("ipc"),
		conns:      make(map[net.Conn]struct{}),
	}
}

func (s *SocketServer) Path() string {
	return s.socketPath
}

// Start binds the socket and serves connections in the background.
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create control socket dir: %w", err)
	}
	if err := removeStale(s.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close() //nolint:errcheck
		return fmt.Errorf("set control socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Go(func() { s.acceptConnections(ctx) })

	s.log.Info("control socket listening", "path", s.socketPath)
	return nil
}

// removeStale deletes a leftover socket nobody answers on.
func removeStale(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("control socket %s is in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	return nil
}

// Stop closes the listener and every connection, then waits for handlers.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close() //nolint:errcheck
	for c := range s.conns {
		c.Close() //nolint:errcheck
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath) //nolint:errcheck
	s.log.Info("control socket stopped")
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept control connection", "err", err)
			continue
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close() //nolint:errcheck
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Go(func() { s.handleConnection(ctx, conn) })
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close() //nolint:errcheck
	}()

	for ctx.Err() == nil {
		msg, err := ReadMessage(conn)
		if err != nil {
			s.log.Debug("control connection closed", "err", err)
			return
		}
		reply := s.handleMessage(ctx, msg)
		if err := WriteMessage(conn, reply); err != nil {
			s.log.Error("send control reply", "err", err)
			return
		}
	}
}

func (s *SocketServer) handleMessage(ctx context.Context, msg *structpb.Struct) *structpb.Struct {
	req, err := ParseRequest(msg)
	if err != nil {
		return s.reply("", nil, err)
	}
	s.log.Debug("control request", "type", req.Type, "id", req.ID)
	payload, err := s.handler.HandleControl(ctx, req)
	return s.reply(req.ID, payload, err)
}

func (s *SocketServer) reply(id string, payload map[string]any, err error) *structpb.Struct {
	reply, buildErr := NewReply(id, payload, err)
	if buildErr != nil {
		s.log.Error("build control reply", "err", buildErr)
		reply, _ = NewReply(id, nil, buildErr)
	}
	return reply
}
