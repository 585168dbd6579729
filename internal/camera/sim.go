package camera

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Sensor geometry of the simulated device.
const (
	simSensorWidth  = 1280
	simSensorHeight = 1024
	simMinDim       = 16
)

// SimDevice is a software camera producing deterministic 16-bit gradient
// frames. Capture duration tracks the configured exposure so scheduling
// behaves like a real sensor. It is the default backend and the device used
// throughout the tests.
type SimDevice struct {
	width     int
	height    int
	offsetX   int
	offsetY   int
	exposure  float64 // microseconds
	frameRate float64
	acqMode   string
	pixFormat string
	frameID   uint64
}

// NewSim creates a simulated device with full-sensor ROI and a 5 ms exposure.
func NewSim() *SimDevice {
	return &SimDevice{
		width:     simSensorWidth,
		height:    simSensorHeight,
		exposure:  5000,
		frameRate: 30,
		acqMode:   "Continuous",
		pixFormat: "Mono16",
	}
}

func (d *SimDevice) GetParam(name string) (any, error) {
	switch name {
	case ParamWidth:
		return d.width, nil
	case ParamHeight:
		return d.height, nil
	case ParamOffsetX:
		return d.offsetX, nil
	case ParamOffsetY:
		return d.offsetY, nil
	case ParamExposureTime:
		return d.exposure, nil
	case ParamFrameRate:
		return d.frameRate, nil
	case ParamAcqMode:
		return d.acqMode, nil
	case ParamPixelFormat:
		return d.pixFormat, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
}

func (d *SimDevice) SetParam(name string, value any) (any, error) {
	switch name {
	case ParamWidth:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.width = clamp(int(n), simMinDim, simSensorWidth-d.offsetX)
		return d.width, nil
	case ParamHeight:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.height = clamp(int(n), simMinDim, simSensorHeight-d.offsetY)
		return d.height, nil
	case ParamOffsetX:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.offsetX = clamp(int(n), 0, simSensorWidth-d.width)
		return d.offsetX, nil
	case ParamOffsetY:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.offsetY = clamp(int(n), 0, simSensorHeight-d.height)
		return d.offsetY, nil
	case ParamExposureTime:
		us, ok := toFloat(value)
		if !ok || us <= 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.exposure = us
		return d.exposure, nil
	case ParamFrameRate:
		fps, ok := toFloat(value)
		if !ok || fps <= 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.frameRate = fps
		return d.frameRate, nil
	case ParamAcqMode:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		d.acqMode = s
		return d.acqMode, nil
	case ParamPixelFormat:
		s, ok := value.(string)
		if !ok || s != "Mono16" {
			return nil, fmt.Errorf("%w: %s=%v", ErrBadValue, name, value)
		}
		return d.pixFormat, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
}

// Capture integrates for the configured exposure, or fails with ErrTimeout
// when the deadline is shorter than the exposure.
func (d *SimDevice) Capture(timeout time.Duration) (Image, error) {
	integration := time.Duration(d.exposure) * time.Microsecond
	if timeout > 0 && timeout < integration {
		time.Sleep(timeout)
		return Image{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	time.Sleep(integration)
	d.frameID++
	w, h := d.width, d.height
	pixels := make([]byte, 2*w*h)
	for y := 0; y < h; y++ {
		row := pixels[2*y*w:]
		for x := 0; x < w; x++ {
			// Moving diagonal gradient, 12-bit range like the sensor's Mono16 tap.
			v := uint16((x + d.offsetX + y + d.offsetY + int(d.frameID)) & 0x0FFF)
			binary.LittleEndian.PutUint16(row[2*x:], v)
		}
	}
	return Image{
		Width:     w,
		Height:    h,
		Pixels:    pixels,
		FrameID:   d.frameID,
		Timestamp: time.Now(),
	}, nil
}

func (d *SimDevice) Close() error { return nil }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
