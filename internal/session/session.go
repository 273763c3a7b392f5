// Package session binds the wire protocol to a single connection: it owns
// the receive buffer, decodes frames as bytes arrive and dispatches each
// command to a handler supplied by the coordinator or the worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

const readChunkSize = 4096

// ErrStop is returned by a handler to end the session cleanly.
var ErrStop = errors.New("session stopped")

// HandlerFunc handles one decoded frame. Returning ErrStop ends Run with a
// nil error; any other error ends Run with that error.
type HandlerFunc func(s *Session, frame protocol.Frame) error

// Handlers is the dispatch table for one session role.
type Handlers map[types.Command]HandlerFunc

// Session is one end of a connection. Frames from the peer are handled in
// the order they arrive.
type Session struct {
	id       string
	conn     net.Conn
	handlers Handlers
	buf      []byte
	logger   *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps conn. The session does not read until Run is called.
func New(conn net.Conn, handlers Handlers, lg *logger.Logger) *Session {
	if lg == nil {
		lg = logger.New("INFO")
	}
	id := "session-" + uuid.New().String()[:8]
	return &Session{
		id:       id,
		conn:     conn,
		handlers: handlers,
		logger:   lg.Named(id),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Session) Logger() *logger.Logger {
	return s.logger
}

// Send encodes and writes one frame. A nil payload sends a frame without
// payload.
func (s *Session) Send(command types.Command, payload interface{}) error {
	data, err := protocol.Encode(command, payload)
	if err != nil {
		s.logger.Error("Failed to encode frame: command=%s err=%v", command, err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}
	s.logger.Debug("Frame sent: command=%s bytes=%d", command, len(data))
	return nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Run reads from the connection until the peer closes it, a handler returns
// ErrStop, a handler fails, a malformed frame arrives or ctx is cancelled.
// The connection is closed when Run returns. A clean end (peer EOF or
// ErrStop) returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			if err := s.drain(); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(readErr, io.EOF) {
				if len(s.buf) > 0 {
					s.logger.Warn("Connection closed with partial frame buffered: bytes=%d", len(s.buf))
				}
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", s.RemoteAddr(), readErr)
		}
	}
}

// drain dispatches every complete frame currently buffered.
func (s *Session) drain() error {
	frames, rest, err := protocol.Decode(s.buf)
	s.buf = append(s.buf[:0], rest...)

	for _, frame := range frames {
		if herr := s.dispatch(frame); herr != nil {
			return herr
		}
	}

	if err != nil {
		s.logger.Error("Protocol error, closing connection: remote=%s err=%v", s.RemoteAddr(), err)
		return fmt.Errorf("protocol error from %s: %w", s.RemoteAddr(), err)
	}
	return nil
}

func (s *Session) dispatch(frame protocol.Frame) error {
	handler, ok := s.handlers[frame.Command]
	if !ok {
		s.logger.Warn("Unknown command received: command=%q", frame.Command)
		return nil
	}
	s.logger.Debug("Frame received: command=%s", frame.Command)
	return handler(s, frame)
}

// Unexpected is a handler for commands that are valid on the wire but never
// sent to this role. They are logged and ignored.
func Unexpected(s *Session, frame protocol.Frame) error {
	s.logger.Warn("Unexpected command for this side: command=%s", frame.Command)
	return nil
}
