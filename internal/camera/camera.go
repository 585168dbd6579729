// Package camera wraps a frame-producing device behind a thread-safe facade
// with string-keyed feature access, typed exposure helpers and single-frame
// capture.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-camera-server/internal/logging"
)

// Well-known feature names shared by all devices.
const (
	ParamWidth        = "Width"
	ParamHeight       = "Height"
	ParamOffsetX      = "OffsetX"
	ParamOffsetY      = "OffsetY"
	ParamExposureTime = "ExposureTime" // microseconds
	ParamFrameRate    = "AcquisitionFrameRate"
	ParamAcqMode      = "AcquisitionMode"
	ParamPixelFormat  = "PixelFormat"
)

// Sentinel errors surfaced by devices.
var (
	ErrUnknownParam = errors.New("camera: unknown parameter")
	ErrBadValue     = errors.New("camera: invalid parameter value")
	ErrTimeout      = errors.New("camera: capture timeout")
	ErrDisconnected = errors.New("camera: device disconnected")
)

// Image is one raw capture: 16-bit grayscale pixels in little-endian byte
// order, row major.
type Image struct {
	Width     int
	Height    int
	Pixels    []byte // 2*Width*Height bytes
	FrameID   uint64
	Timestamp time.Time
}

// Device is the raw hardware interface. Parameter values are int, float64 or
// string; SetParam returns the value actually applied after device-side
// coercion (clamping, rounding). Devices need not be safe for concurrent use;
// the facade serializes all access.
type Device interface {
	GetParam(name string) (any, error)
	SetParam(name string, value any) (any, error)
	Capture(timeout time.Duration) (Image, error)
	Close() error
}

// Camera is the thread-safe facade owning the only device handle. All methods
// serialize on an internal mutex; Capture holds it for the full acquisition.
type Camera struct {
	mu             sync.Mutex
	dev            Device
	logger         *slog.Logger
	cachedExposure time.Duration
}

// captureSlack pads the default capture timeout beyond the exposure so a
// frame mid-integration is not cut off.
const captureSlack = 500 * time.Millisecond

// New wraps dev. The current ExposureTime is read once to seed the cached
// default capture timeout.
func New(dev Device, logger *slog.Logger) (*Camera, error) {
	if logger == nil {
		logger = logging.L()
	}
	c := &Camera{dev: dev, logger: logger}
	raw, err := dev.GetParam(ParamExposureTime)
	if err != nil {
		return nil, fmt.Errorf("camera: read initial exposure: %w", err)
	}
	us, ok := toFloat(raw)
	if !ok {
		return nil, fmt.Errorf("%w: ExposureTime %v", ErrBadValue, raw)
	}
	c.cachedExposure = time.Duration(us) * time.Microsecond
	return c, nil
}

// GetParamRaw reads a feature value as its dynamic type.
func (c *Camera) GetParamRaw(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.GetParam(name)
}

// SetParamRaw writes a feature value and returns the applied (coerced) value.
func (c *Camera) SetParamRaw(name string, value any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	applied, err := c.dev.SetParam(name, value)
	if err != nil {
		return nil, err
	}
	if name == ParamExposureTime {
		if us, ok := toFloat(applied); ok {
			c.cachedExposure = time.Duration(us) * time.Microsecond
		}
	}
	c.logger.Debug("camera_set_param", "name", name, "value", value, "applied", applied)
	return applied, nil
}

// SetMultiParam applies a batch of features under one lock acquisition.
// The first failure aborts the batch.
func (c *Camera) SetMultiParam(params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, value := range params {
		applied, err := c.dev.SetParam(name, value)
		if err != nil {
			return fmt.Errorf("camera: set %s: %w", name, err)
		}
		if name == ParamExposureTime {
			if us, ok := toFloat(applied); ok {
				c.cachedExposure = time.Duration(us) * time.Microsecond
			}
		}
	}
	return nil
}

// GetParam reads a feature coerced to T.
func GetParam[T int | int64 | float64 | string](c *Camera, name string) (T, error) {
	var zero T
	raw, err := c.GetParamRaw(name)
	if err != nil {
		return zero, err
	}
	v, ok := coerce[T](raw)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrBadValue, name, raw)
	}
	return v, nil
}

// SetParam writes a feature and returns the applied value coerced to T.
func SetParam[T int | int64 | float64 | string](c *Camera, name string, value T) (T, error) {
	var zero T
	applied, err := c.SetParamRaw(name, value)
	if err != nil {
		return zero, err
	}
	v, ok := coerce[T](applied)
	if !ok {
		return zero, fmt.Errorf("%w: %s applied as %T", ErrBadValue, name, applied)
	}
	return v, nil
}

// Exposure returns the cached exposure time.
func (c *Camera) Exposure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedExposure
}

// SetExposure writes ExposureTime (microsecond granularity) and returns the
// applied duration.
func (c *Camera) SetExposure(d time.Duration) (time.Duration, error) {
	applied, err := c.SetParamRaw(ParamExposureTime, float64(d.Microseconds()))
	if err != nil {
		return 0, err
	}
	us, ok := toFloat(applied)
	if !ok {
		return 0, fmt.Errorf("%w: ExposureTime applied as %T", ErrBadValue, applied)
	}
	return time.Duration(us) * time.Microsecond, nil
}

// Capture acquires one frame, waiting at most timeout. A zero timeout waits
// for the cached exposure plus a fixed slack.
func (c *Camera) Capture(timeout time.Duration) (Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout <= 0 {
		timeout = c.cachedExposure + captureSlack
	}
	img, err := c.dev.Capture(timeout)
	if err != nil {
		return Image{}, err
	}
	return img, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.Close()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func coerce[T int | int64 | float64 | string](raw any) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case string:
		s, ok := raw.(string)
		if !ok {
			return zero, false
		}
		return any(s).(T), true
	case float64:
		f, ok := toFloat(raw)
		if !ok {
			return zero, false
		}
		return any(f).(T), true
	case int:
		f, ok := toFloat(raw)
		if !ok {
			return zero, false
		}
		return any(int(f)).(T), true
	case int64:
		f, ok := toFloat(raw)
		if !ok {
			return zero, false
		}
		return any(int64(f)).(T), true
	}
	return zero, false
}
