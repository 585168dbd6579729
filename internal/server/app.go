// Package server accepts TCP clients and binds them to the camera services:
// each connection becomes a Session dispatching parsed protocol messages
// through the handler registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kstaniek/go-camera-server/internal/camera"
	"github.com/kstaniek/go-camera-server/internal/collector"
	"github.com/kstaniek/go-camera-server/internal/handlers"
	"github.com/kstaniek/go-camera-server/internal/logging"
	"github.com/kstaniek/go-camera-server/internal/metrics"
	"github.com/kstaniek/go-camera-server/internal/protocol"
)

// DefaultPort is the protocol's well-known TCP port.
const DefaultPort = 15099

const (
	defaultAcceptPoll  = 1 * time.Second
	defaultReadTimeout = 60 * time.Second
)

// App owns the acceptor, the session map and the shared services. It wires
// the standard handler set against the camera and the frame collector.
type App struct {
	mu   sync.RWMutex
	addr string

	camera    *camera.Camera
	collector *collector.Collector
	registry  *handlers.Registry
	logger    *slog.Logger

	readTimeout time.Duration
	acceptPoll  time.Duration
	maxClients  int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener   net.Listener
	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	wg         sync.WaitGroup
	stopped    atomic.Bool
	nextConnID uint64
}

type AppOption func(*App)

// NewApp builds an App; WithCamera and WithCollector are required before
// Start.
func NewApp(opts ...AppOption) *App {
	a := &App{
		addr:        fmt.Sprintf(":%d", DefaultPort),
		registry:    handlers.NewRegistry(),
		logger:      logging.L(),
		readTimeout: defaultReadTimeout,
		acceptPoll:  defaultAcceptPoll,
		readyCh:     make(chan struct{}),
		errCh:       make(chan error, 1),
		sessions:    make(map[string]*Session),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func WithListenAddr(addr string) AppOption           { return func(a *App) { a.addr = addr } }
func WithCamera(c *camera.Camera) AppOption          { return func(a *App) { a.camera = c } }
func WithCollector(c *collector.Collector) AppOption { return func(a *App) { a.collector = c } }

func WithRegistry(r *handlers.Registry) AppOption {
	return func(a *App) {
		if r != nil {
			a.registry = r
		}
	}
}

func WithLogger(l *slog.Logger) AppOption {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithReadTimeout bounds each socket read; zero disables the deadline.
func WithReadTimeout(d time.Duration) AppOption {
	return func(a *App) {
		if d >= 0 {
			a.readTimeout = d
		}
	}
}

// WithAcceptPoll bounds how long a stop request may go unobserved by the
// accept loop.
func WithAcceptPoll(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.acceptPoll = d
		}
	}
}

func WithMaxClients(n int) AppOption {
	return func(a *App) {
		if n > 0 {
			a.maxClients = n
		}
	}
}

func (a *App) Addr() string           { a.mu.RLock(); defer a.mu.RUnlock(); return a.addr }
func (a *App) setAddr(addr string)    { a.mu.Lock(); a.addr = addr; a.mu.Unlock() }
func (a *App) Ready() <-chan struct{} { return a.readyCh }
func (a *App) Errors() <-chan error   { return a.errCh }

func (a *App) setError(err error) {
	if err == nil {
		return
	}
	a.lastErrMu.Lock()
	a.lastErr = err
	a.lastErrMu.Unlock()
	select {
	case a.errCh <- err:
	default:
	}
}

func (a *App) LastError() error { a.lastErrMu.Lock(); defer a.lastErrMu.Unlock(); return a.lastErr }

// Registry exposes the handler registry for extension before Start.
func (a *App) Registry() *handlers.Registry { return a.registry }

// Start binds the listener, installs the standard handlers, starts the
// collector and spawns the accept loop.
func (a *App) Start() error {
	if a.camera == nil || a.collector == nil {
		return fmt.Errorf("%w: camera and collector are required", ErrListen)
	}
	if err := handlers.RegisterDefaults(a.registry, &handlers.Context{
		Camera:    a.camera,
		Collector: a.collector,
		GetSession: func(id string) (handlers.Session, bool) {
			s, ok := a.Session(id)
			if !ok {
				return nil, false
			}
			return s, true
		},
		Broadcast: a.Broadcast,
		Logger:    a.logger,
	}); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	ln, err := net.Listen("tcp", a.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		a.setError(wrap)
		return wrap
	}
	a.setAddr(ln.Addr().String())
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.collector.Start()
	a.readyOnce.Do(func() { close(a.readyCh) })
	a.logger.Info("tcp_listen", "addr", a.Addr())
	a.logger.Info("ready")

	a.wg.Add(1)
	go a.acceptLoop(ln)
	return nil
}

// acceptLoop polls Accept with a bounded deadline so a stop request is
// observed within one poll interval even when no client ever connects.
func (a *App) acceptLoop(ln net.Listener) {
	defer a.wg.Done()
	tcpLn, _ := ln.(*net.TCPListener)
	for {
		if a.stopped.Load() {
			return
		}
		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(a.acceptPoll))
		}
		conn, err := ln.Accept()
		if err != nil {
			if a.stopped.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if _, ok := err.(net.Error); ok { // transient
				a.logger.Warn("accept_error", "error", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			a.setError(wrap)
			return
		}
		a.admit(conn)
	}
}

func (a *App) admit(conn net.Conn) {
	if a.stopped.Load() {
		_ = conn.Close()
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	a.sessionsMu.Lock()
	if a.maxClients > 0 && len(a.sessions) >= a.maxClients {
		a.sessionsMu.Unlock()
		metrics.IncSessionReject()
		a.logger.Warn("client_reject_max", "max_clients", a.maxClients, "remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}
	id := uuid.NewString()
	connID := atomic.AddUint64(&a.nextConnID, 1)
	logger := a.logger.With("conn_id", connID, "client_id", id, "remote", conn.RemoteAddr().String())
	s := newSession(id, conn, a, logger)
	a.sessions[id] = s
	n := len(a.sessions)
	a.sessionsMu.Unlock()

	metrics.SetSessions(n)
	logger.Info("client_connected")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		s.run(a.readTimeout)
	}()
}

// Session returns the live session for id.
func (a *App) Session(id string) (*Session, bool) {
	a.sessionsMu.RLock()
	defer a.sessionsMu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

func (a *App) removeSession(id string) {
	a.sessionsMu.Lock()
	_, existed := a.sessions[id]
	delete(a.sessions, id)
	n := len(a.sessions)
	a.sessionsMu.Unlock()
	if existed {
		metrics.SetSessions(n)
	}
}

// Broadcast serializes msg once and writes it to every session except
// exceptID (empty = everyone), each under its own socket lock.
func (a *App) Broadcast(msg protocol.OutMessage, exceptID string) {
	wire, err := protocol.Serialize(msg)
	if err != nil {
		a.logger.Error("broadcast_serialize_error", "error", err)
		return
	}
	a.sessionsMu.RLock()
	targets := make([]*Session, 0, len(a.sessions))
	for id, s := range a.sessions {
		if id == exceptID {
			continue
		}
		targets = append(targets, s)
	}
	a.sessionsMu.RUnlock()
	for _, s := range targets {
		if err := s.WriteSerialized(wire); err != nil {
			s.logger.Warn("broadcast_write_error", "error", err)
		}
	}
	metrics.IncBroadcast()
	a.logger.Debug("broadcast", "header", wire.Header, "targets", len(targets))
}

// Stop closes the listener, stops the collector (finishing every stream
// queue), closes all sessions and waits for their goroutines within ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.stopped.Swap(true) {
		return nil
	}
	a.mu.Lock()
	ln := a.listener
	a.listener = nil
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	a.collector.Stop()

	a.sessionsMu.RLock()
	open := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		open = append(open, s)
	}
	a.sessionsMu.RUnlock()
	for _, s := range open {
		s.StopListener()
		s.close()
	}

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		a.logger.Info("shutdown_complete")
		return nil
	}
}
