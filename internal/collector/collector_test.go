package collector

import (
	"testing"
	"time"

	"github.com/kstaniek/go-camera-server/internal/camera"
)

// newTestCollector builds a collector over the simulated device with a very
// short exposure so rate tests stay fast.
func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	dev := camera.NewSim()
	if _, err := dev.SetParam(camera.ParamExposureTime, float64(200)); err != nil {
		t.Fatalf("seed exposure: %v", err)
	}
	if _, err := dev.SetParam(camera.ParamWidth, 32); err != nil {
		t.Fatalf("seed width: %v", err)
	}
	if _, err := dev.SetParam(camera.ParamHeight, 24); err != nil {
		t.Fatalf("seed height: %v", err)
	}
	cam, err := camera.New(dev, nil)
	if err != nil {
		t.Fatalf("camera: %v", err)
	}
	c := New(cam, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

// drain pops until the queue reports done, failing the test on a stall.
func drain(t *testing.T, q *FrameQueue, deadline time.Duration) []*Frame {
	t.Helper()
	var frames []*Frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			f, ok := q.Pop()
			if !ok {
				return
			}
			frames = append(frames, f)
		}
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		t.Fatalf("queue did not finish within %s (got %d frames)", deadline, len(frames))
	}
	return frames
}

func TestCollector_BoundedStreamCompletes(t *testing.T) {
	c := newTestCollector(t)
	q := NewQueue()
	const n = 5
	if err := c.Register("client-a", 50, q, n); err != nil {
		t.Fatalf("register: %v", err)
	}
	frames := drain(t, q, 5*time.Second)
	if len(frames) != n {
		t.Fatalf("received %d frames, want %d", len(frames), n)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Meta.Timestamp.Before(frames[i-1].Meta.Timestamp) {
			t.Fatalf("frame %d timestamp regressed", i)
		}
	}
	for _, f := range frames {
		if f.Image.Shape != [2]int{24, 32} || len(f.Image.Data) != 2*24*32 {
			t.Fatalf("frame shape %v with %d bytes", f.Image.Shape, len(f.Image.Data))
		}
	}
	if c.Busy() {
		t.Fatalf("client still registered after completing its stream")
	}
}

func TestCollector_ImmediateClient(t *testing.T) {
	c := newTestCollector(t)
	q := NewQueue()
	if err := c.Register("oneshot", -1, q, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	frames := drain(t, q, 2*time.Second)
	if len(frames) != 1 {
		t.Fatalf("immediate client received %d frames, want 1", len(frames))
	}
}

func TestCollector_RejectsNonPositiveRate(t *testing.T) {
	c := newTestCollector(t)
	if err := c.Register("bad", 0, NewQueue(), 4); err == nil {
		t.Fatalf("fps=0 with count>1 should be rejected")
	}
}

func TestCollector_DuplicateClient(t *testing.T) {
	c := newTestCollector(t)
	q := NewQueue()
	if err := c.Register("dup", 10, q, Unbounded); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer c.Deregister("dup")
	if err := c.Register("dup", 10, NewQueue(), Unbounded); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestCollector_FrameCopiesAreIndependent(t *testing.T) {
	c := newTestCollector(t)
	qa, qb := NewQueue(), NewQueue()
	if err := c.Register("copy-a", 50, qa, 1); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := c.Register("copy-b", 50, qb, 1); err != nil {
		t.Fatalf("register b: %v", err)
	}
	fa := drain(t, qa, 2*time.Second)
	fb := drain(t, qb, 2*time.Second)
	if len(fa) != 1 || len(fb) != 1 {
		t.Fatalf("got %d/%d frames", len(fa), len(fb))
	}
	if &fa[0].Image.Data[0] == &fb[0].Image.Data[0] {
		t.Fatalf("clients share a pixel buffer")
	}
}

func TestCollector_DeregisterFinishesQueue(t *testing.T) {
	c := newTestCollector(t)
	q := NewQueue()
	if err := c.Register("leaver", 5, q, Unbounded); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Deregister("leaver")
	if !q.Done() {
		t.Fatalf("queue not finished after deregistration")
	}
	if c.Busy() {
		t.Fatalf("collector still busy after deregistration")
	}
}

func TestCollector_TwoRatesRoughProportion(t *testing.T) {
	c := newTestCollector(t)
	fast, slow := NewQueue(), NewQueue()
	if err := c.Register("fast", 40, fast, 8); err != nil {
		t.Fatalf("register fast: %v", err)
	}
	if err := c.Register("slow", 20, slow, 4); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	ff := drain(t, fast, 5*time.Second)
	sf := drain(t, slow, 5*time.Second)
	if len(ff) != 8 || len(sf) != 4 {
		t.Fatalf("got %d fast and %d slow frames", len(ff), len(sf))
	}
	// The slow client's stream spans about twice the interval per frame.
	fastSpan := ff[len(ff)-1].Meta.Timestamp.Sub(ff[0].Meta.Timestamp)
	slowSpan := sf[len(sf)-1].Meta.Timestamp.Sub(sf[0].Meta.Timestamp)
	if slowSpan < fastSpan/2 {
		t.Fatalf("slow stream span %s implausibly short of fast span %s", slowSpan, fastSpan)
	}
}

func TestCollector_StopFinishesAllQueues(t *testing.T) {
	dev := camera.NewSim()
	if _, err := dev.SetParam(camera.ParamExposureTime, float64(200)); err != nil {
		t.Fatalf("seed exposure: %v", err)
	}
	cam, err := camera.New(dev, nil)
	if err != nil {
		t.Fatalf("camera: %v", err)
	}
	c := New(cam, nil)
	c.Start()
	qa, qb := NewQueue(), NewQueue()
	if err := c.Register("a", 2, qa, Unbounded); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := c.Register("b", 2, qb, Unbounded); err != nil {
		t.Fatalf("register b: %v", err)
	}
	c.Stop()
	if !qa.Done() || !qb.Done() {
		t.Fatalf("queues not finished on stop: a=%v b=%v", qa.Done(), qb.Done())
	}
}

func TestScheduleIndex_Basics(t *testing.T) {
	s := newScheduleIndex()
	s.add(30, "c")
	s.add(10, "a")
	s.add(20, "b")
	s.add(10, "a2")
	if s.min() != 10 {
		t.Fatalf("min = %d", s.min())
	}
	due := s.popDue(20)
	if len(due) != 3 || due[0] != "a" || due[1] != "a2" || due[2] != "b" {
		t.Fatalf("popDue(20) = %v", due)
	}
	s.remove(30, "c")
	if !s.empty() {
		t.Fatalf("index should be empty after removing last entry")
	}
	// Removing an absent entry is a no-op.
	s.remove(30, "c")
}
