// Package handlers routes parsed protocol messages to per-session or global
// actions. A registry keeps one table per message kind; the built-in set
// implements the camera-control surface (fr, isl, it, img_*, gi, gis, abort).
package handlers

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-camera-server/internal/camera"
	"github.com/kstaniek/go-camera-server/internal/collector"
	"github.com/kstaniek/go-camera-server/internal/protocol"
)

// StreamParams holds a session's negotiated streaming parameters.
type StreamParams struct {
	mu        sync.Mutex
	frameRate float64
	seqLength int64
}

// Streaming defaults applied to every new session.
const (
	DefaultFrameRate      = 4.0
	DefaultSequenceLength = 16
)

// NewStreamParams returns parameters at their session defaults.
func NewStreamParams() *StreamParams {
	return &StreamParams{frameRate: DefaultFrameRate, seqLength: DefaultSequenceLength}
}

func (p *StreamParams) FrameRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameRate
}

func (p *StreamParams) SetFrameRate(fps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameRate = fps
}

func (p *StreamParams) SequenceLength() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqLength
}

func (p *StreamParams) SetSequenceLength(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqLength = n
}

// Session is the per-client surface the built-in handlers act on. The server
// package implements it.
type Session interface {
	ID() string
	Params() *StreamParams
	// Listening reports whether a frame listener task is active.
	Listening() bool
	// StartListener spawns the detached listener draining q, emitting frames
	// and finally acknowledging origin. It fails when one is already running.
	StartListener(q *collector.FrameQueue, origin protocol.Command) error
	// StopListener requests a cooperative stop of the active listener.
	StopListener()
}

// Context bundles the shared services handlers operate on.
type Context struct {
	Camera    *camera.Camera
	Collector *collector.Collector
	// GetSession resolves a client id to its live session.
	GetSession func(id string) (Session, bool)
	// Broadcast sends msg to every connected session, skipping exceptID when
	// non-empty.
	Broadcast func(msg protocol.OutMessage, exceptID string)
	Logger    *slog.Logger
}
