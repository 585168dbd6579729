package collector

import (
	"time"

	"github.com/kstaniek/go-camera-server/internal/protocol"
	"github.com/kstaniek/go-camera-server/internal/queue"
)

// DefaultQueueSize bounds each client's frame queue. A slow consumer
// backpressures only its own stream.
const DefaultQueueSize = 10

// FrameMetadata describes one capture.
type FrameMetadata struct {
	Timestamp time.Time
	FrameID   uint64
}

// Frame is one captured image on its way to a single client. Each client
// receives its own pixel-buffer copy and may mutate it freely.
type Frame struct {
	Meta  FrameMetadata
	Image protocol.ImageBinaryData
}

// FrameQueue carries frames from the collector to one client's listener.
type FrameQueue = queue.Queue[*Frame]

// NewQueue creates a client frame queue with the default bound.
func NewQueue() *FrameQueue { return queue.New[*Frame](DefaultQueueSize) }
