// Package collector multiplexes many client frame cadences onto the single
// camera. It is the only component that calls Camera.Capture: one scheduler
// goroutine captures just-in-time when at least one client is due and fans
// the frame out to every due client's queue.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kstaniek/go-camera-server/internal/camera"
	"github.com/kstaniek/go-camera-server/internal/logging"
	"github.com/kstaniek/go-camera-server/internal/metrics"
	"github.com/kstaniek/go-camera-server/internal/protocol"
	"github.com/kstaniek/go-camera-server/internal/queue"
)

// ErrDuplicateClient is returned when a client id is already registered.
var ErrDuplicateClient = errors.New("collector: client already registered")

// Unbounded requests a stream with no frame limit.
const Unbounded int64 = -1

type clientParams struct {
	fps       float64
	interval  int64 // nanoseconds between frames
	nextDue   int64 // unix nanoseconds
	queue     *FrameQueue
	remaining int64 // -1 = unbounded
	immediate bool
}

// Collector owns the camera and the client schedule.
type Collector struct {
	cam    *camera.Camera
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]*clientParams
	schedule scheduleIndex

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Collector around cam. Call Start before registering clients.
func New(cam *camera.Camera, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = logging.L()
	}
	return &Collector{
		cam:      cam,
		logger:   logger,
		clients:  make(map[string]*clientParams),
		schedule: newScheduleIndex(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the scheduler, joins it, and finishes every remaining
// client queue so blocked listeners wake up.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	for id, p := range c.clients {
		p.queue.Finish()
		c.schedule.remove(p.nextDue, id)
		delete(c.clients, id)
	}
	metrics.SetCollectorClients(0)
	c.mu.Unlock()
}

// Busy reports whether any client is registered.
func (c *Collector) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients) > 0
}

// Register admits a client for frameCount frames (Unbounded for no limit)
// delivered into q at fps. A frameCount of 1 with non-positive fps marks an
// immediate client: it is served by the very next scheduler wake.
func (c *Collector) Register(id string, fps float64, q *FrameQueue, frameCount int64) error {
	var interval int64
	immediate := false
	switch {
	case frameCount == 1 && fps <= 0:
		immediate = true
		fps = 0
		interval = int64(time.Microsecond)
	case fps <= 0:
		return fmt.Errorf("collector: fps must be positive, got %g", fps)
	default:
		interval = int64(math.Round(1e6/fps)) * int64(time.Microsecond)
		c.warnOffGridRate(fps)
	}

	now := time.Now().UnixNano()
	next := now + interval
	if immediate {
		next = now
	}

	c.mu.Lock()
	if _, dup := c.clients[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}
	c.clients[id] = &clientParams{
		fps:       fps,
		interval:  interval,
		nextDue:   next,
		queue:     q,
		remaining: frameCount,
		immediate: immediate,
	}
	c.schedule.add(next, id)
	n := len(c.clients)
	c.mu.Unlock()

	metrics.SetCollectorClients(n)
	c.logger.Info("collector_register",
		"client_id", id, "fps", fps, "interval_us", interval/int64(time.Microsecond),
		"frames", frameCount, "immediate", immediate)
	c.notify()
	return nil
}

// Deregister removes a client and finishes its queue so a listener blocked in
// Pop wakes up. Unknown ids are ignored.
func (c *Collector) Deregister(id string) {
	c.mu.Lock()
	p, ok := c.clients[id]
	if ok {
		c.schedule.remove(p.nextDue, id)
		delete(c.clients, id)
	}
	n := len(c.clients)
	c.mu.Unlock()
	if !ok {
		return
	}
	p.queue.Finish()
	metrics.SetCollectorClients(n)
	c.logger.Info("collector_deregister", "client_id", id)
	c.notify()
}

// warnOffGridRate flags rates that do not divide the camera's acquisition
// rate; scheduling stays correct but captures cannot be shared across such
// clients.
func (c *Collector) warnOffGridRate(fps float64) {
	maxFps, err := camera.GetParam[float64](c.cam, camera.ParamFrameRate)
	if err != nil || maxFps <= 0 {
		return
	}
	if r := math.Mod(maxFps, fps); r > 1e-9 && fps-r > 1e-9 {
		c.logger.Warn("collector_rate_off_grid", "fps", fps, "camera_fps", maxFps)
	}
}

// notify nudges the scheduler to re-evaluate the earliest due time.
func (c *Collector) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for c.schedule.empty() {
			c.mu.Unlock()
			select {
			case <-c.stopCh:
				return
			case <-c.wake:
			}
			c.mu.Lock()
		}
		next := c.schedule.min()
		c.mu.Unlock()

		if wait := next - time.Now().UnixNano(); wait > 0 {
			timer := time.NewTimer(time.Duration(wait))
			select {
			case <-c.stopCh:
				timer.Stop()
				return
			case <-c.wake:
				// A registration or deregistration may have moved the
				// earliest due time; re-evaluate.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.collectOnce()
	}
}

// delivery is the per-client outcome of one fan-out round, computed under the
// mutex and executed outside it.
type delivery struct {
	id     string
	queue  *FrameQueue
	finish bool
}

// collectOnce serves every client due now from a single capture.
func (c *Collector) collectOnce() {
	c.mu.Lock()
	now := time.Now().UnixNano()
	ready := c.schedule.popDue(now)
	c.mu.Unlock()
	if len(ready) == 0 {
		return
	}

	start := time.Now()
	img, err := c.cam.Capture(0)
	if err != nil {
		metrics.IncCaptureError()
		metrics.IncError(metrics.ErrCapture)
		c.logger.Error("capture_error", "error", err, "clients", len(ready))
		// Leave the affected clients due at their unchanged times; they are
		// retried on the next wake.
		c.mu.Lock()
		for _, id := range ready {
			if p, ok := c.clients[id]; ok {
				c.schedule.add(p.nextDue, id)
			}
		}
		c.mu.Unlock()
		return
	}
	metrics.IncCapture(time.Since(start).Seconds())
	meta := FrameMetadata{Timestamp: time.Now(), FrameID: img.FrameID}

	c.mu.Lock()
	now = time.Now().UnixNano()
	deliveries := make([]delivery, 0, len(ready))
	maxDepth := 0
	for _, id := range ready {
		p, ok := c.clients[id]
		if !ok {
			// Deregistered while the capture was in flight.
			c.logger.Debug("collector_client_gone", "client_id", id)
			continue
		}
		d := delivery{id: id, queue: p.queue}
		if p.remaining > 0 {
			p.remaining--
		}
		if p.remaining == 0 {
			d.finish = true
			delete(c.clients, id)
		} else {
			// Never schedule into the past: a slow capture advances the
			// phase instead of triggering a catch-up burst.
			p.nextDue = max(now, p.nextDue+p.interval)
			c.schedule.add(p.nextDue, id)
		}
		if depth := p.queue.Size(); depth > maxDepth {
			maxDepth = depth
		}
		deliveries = append(deliveries, d)
	}
	n := len(c.clients)
	c.mu.Unlock()

	metrics.SetCollectorClients(n)
	metrics.SetQueueDepthMax(maxDepth)

	// Pushes happen outside the mutex: a queue filled by a slow consumer
	// stalls only this loop, never Register/Deregister callers.
	for _, d := range deliveries {
		frame := &Frame{Meta: meta, Image: copyImage(img)}
		if err := d.queue.Push(frame); err != nil {
			if errors.Is(err, queue.ErrFinished) {
				c.logger.Debug("collector_push_after_finish", "client_id", d.id)
			} else {
				c.logger.Error("collector_push_error", "client_id", d.id, "error", err)
			}
		} else {
			metrics.AddFanout(1)
		}
		if d.finish {
			d.queue.Finish()
			c.logger.Info("collector_client_complete", "client_id", d.id)
		}
	}
}

// copyImage wraps a fresh pixel-buffer copy so each consumer may mutate its
// frame independently.
func copyImage(img camera.Image) protocol.ImageBinaryData {
	pixels := make([]byte, len(img.Pixels))
	copy(pixels, img.Pixels)
	return protocol.NewImageBinaryData(pixels, img.Height, img.Width, nil)
}
