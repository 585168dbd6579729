package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-camera-server/internal/collector"
	"github.com/kstaniek/go-camera-server/internal/handlers"
	"github.com/kstaniek/go-camera-server/internal/metrics"
	"github.com/kstaniek/go-camera-server/internal/protocol"
)

var errAlreadyListening = errors.New("server: listener task already running")

// Session owns one client connection: a blocking read loop on its own
// goroutine plus, while a gi/gis stream is active, a detached listener
// goroutine draining the client's frame queue. All socket writes serialize on
// writeMu so frame bursts never interleave with command replies.
type Session struct {
	id     string
	conn   net.Conn
	app    *App
	logger *slog.Logger
	params *handlers.StreamParams

	writeMu sync.Mutex

	listenMu  sync.Mutex
	listening bool
	stopFlag  *atomic.Bool

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, app *App, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		app:    app,
		logger: logger,
		params: handlers.NewStreamParams(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Params() *handlers.StreamParams { return s.params }

// Listening reports whether a listener task is active.
func (s *Session) Listening() bool {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.listening
}

// StartListener spawns the detached frame-listener goroutine. Only one may
// exist per session.
func (s *Session) StartListener(q *collector.FrameQueue, origin protocol.Command) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listening {
		return errAlreadyListening
	}
	s.listening = true
	stop := &atomic.Bool{}
	s.stopFlag = stop
	go s.listen(q, origin, stop)
	return nil
}

// StopListener requests a cooperative stop; the task exits after its current
// queue pop.
func (s *Session) StopListener() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.stopFlag != nil {
		s.stopFlag.Store(true)
	}
}

// listen drains q onto the socket: each frame is emitted as the binary image
// followed by an "isn=<n>" status. Natural completion (producer finished)
// acknowledges the originating command; a stop request exits silently.
func (s *Session) listen(q *collector.FrameQueue, origin protocol.Command, stop *atomic.Bool) {
	defer func() {
		s.listenMu.Lock()
		s.listening = false
		s.stopFlag = nil
		s.listenMu.Unlock()
	}()
	s.logger.Info("listener_started", "command", origin.Identifier)
	isn := 0
	for {
		frame, ok := q.Pop()
		if !ok {
			if stop.Load() {
				s.logger.Info("listener_stopped", "command", origin.Identifier, "frames_sent", isn)
				return
			}
			if err := s.WriteMessage(protocol.SuccessFrom(origin)); err != nil {
				s.logger.Error("listener_ack_write_error", "error", err)
			}
			s.logger.Info("listener_complete", "command", origin.Identifier, "frames_sent", isn)
			return
		}
		if stop.Load() {
			s.logger.Info("listener_stopped", "command", origin.Identifier, "frames_sent", isn)
			return
		}
		err := s.WriteMessages(frame.Image, protocol.Status("isn", protocol.IntValue(isn)))
		if err != nil {
			s.logger.Error("listener_write_error", "error", err, "isn", isn)
			return
		}
		isn++
	}
}

// WriteMessage serializes and writes one message under the socket lock.
func (s *Session) WriteMessage(msg protocol.OutMessage) error {
	return s.WriteMessages(msg)
}

// WriteMessages serializes and writes a batch under one socket lock
// acquisition, preserving order.
func (s *Session) WriteMessages(msgs ...protocol.OutMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, msg := range msgs {
		wire, err := protocol.Serialize(msg)
		if err != nil {
			s.logger.Error("serialize_error", "error", err)
			continue
		}
		if err := s.writeSerializedLocked(wire); err != nil {
			return err
		}
		if _, isImage := msg.(protocol.ImageBinaryData); isImage {
			metrics.IncTxFrame()
		}
	}
	return nil
}

// WriteSerialized writes an already-serialized message under the socket lock;
// broadcasts use it so the payload is rendered once.
func (s *Session) WriteSerialized(wire protocol.SerializedMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeSerializedLocked(wire)
}

// writeSerializedLocked emits header then payload. Callers hold writeMu.
func (s *Session) writeSerializedLocked(wire protocol.SerializedMessage) error {
	if len(wire.Header) > 0 {
		if _, err := io.WriteString(s.conn, wire.Header); err != nil {
			metrics.IncError(metrics.ErrTCPWrite)
			return fmt.Errorf("%w: %v", ErrConnWrite, err)
		}
	}
	if wire.HasPayload() {
		if _, err := s.conn.Write(wire.Payload); err != nil {
			metrics.IncError(metrics.ErrTCPWrite)
			return fmt.Errorf("%w: %v", ErrConnWrite, err)
		}
	}
	metrics.IncTCPTx()
	return nil
}

// run is the session's read loop. It owns the connection: on exit the
// listener is stopped, the client is deregistered everywhere and the socket
// closed.
func (s *Session) run(readTimeout time.Duration) {
	defer s.teardown()
	s.logger.Debug("session_started")

	buf := make([]byte, 1024)
	var pending []byte
	for {
		if readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			pending = s.consume(append(pending, buf[:n]...))
			if n == len(buf) {
				// Reader kept up with a full buffer; give it more room.
				buf = make([]byte, 2*len(buf))
				s.logger.Debug("read_buffer_grown", "size", len(buf))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.logger.Debug("read_timeout")
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("connection_closed_by_client")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.IncError(metrics.ErrTCPRead)
			s.logger.Error("read_error", "error", err)
			return
		}
	}
}

// consume processes every complete line in pending and returns the remainder;
// a trailing partial line is held until more bytes arrive.
func (s *Session) consume(pending []byte) []byte {
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			return pending
		}
		line := string(pending[:idx])
		pending = pending[idx+1:]
		s.processLine(line)
	}
}

func (s *Session) processLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	msg, err := protocol.Parse(line)
	if err != nil {
		metrics.IncParseError()
		metrics.IncError(metrics.ErrParse)
		s.logger.Warn("parse_error", "line", line, "error", err)
		ident := extractIdent(trimmed)
		if ident == "" {
			return
		}
		reply := protocol.Error{Identifier: ident, Source: protocol.KindCommand, Description: "parse"}
		if err := s.WriteMessage(reply); err != nil {
			s.logger.Error("parse_error_reply_failed", "error", err)
		}
		return
	}
	metrics.IncTCPRx()
	replies := s.app.registry.Handle(s.id, msg)
	s.logger.Debug("dispatched", "message", fmt.Sprintf("%v", msg), "replies", len(replies))
	if len(replies) == 0 {
		return
	}
	if err := s.WriteMessages(replies...); err != nil {
		s.logger.Error("reply_write_error", "error", err)
	}
}

// extractIdent recovers the identifier-ish prefix of an unparseable line so
// the error reply can name it.
func extractIdent(line string) string {
	if i := strings.IndexAny(line, "=?"); i >= 0 {
		return strings.TrimSpace(line[:i])
	}
	return ""
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.StopListener()
		s.app.collector.Deregister(s.id)
		s.app.removeSession(s.id)
		_ = s.conn.Close()
		s.logger.Info("session_terminated")
	})
}

// close force-closes the connection; the read loop unwinds and tears down.
func (s *Session) close() { _ = s.conn.Close() }
