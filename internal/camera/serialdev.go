package camera

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Serial sensor-head wire format. A capture is requested with an ASCII
// command line; the head answers with one framed image:
//
//	5A A5            preamble
//	u16 BE height
//	u16 BE width
//	u32 BE frame id
//	2*h*w bytes      little-endian 16-bit pixels
//	u8 checksum      additive over everything after the preamble
//
// Feature writes are "name=value\n" register commands acked with "ok\n".
const (
	serialPre0 = 0x5A
	serialPre1 = 0xA5

	serialMaxDim = 4096
)

var (
	ErrBadPreamble = errors.New("camera: serial frame preamble mismatch")
	ErrBadShape    = errors.New("camera: serial frame shape out of range")
	ErrChecksum    = errors.New("camera: serial frame checksum mismatch")
)

// SerialConfig selects the UART the sensor head is attached to.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// SerialDevice drives a sensor head over a UART. Register values are cached
// locally so inquiries do not round-trip the link.
type SerialDevice struct {
	port    Port
	timeout time.Duration
	params  map[string]any
}

// OpenSerial opens the UART and seeds the register cache with the head's
// power-on defaults.
func OpenSerial(cfg SerialConfig) (*SerialDevice, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 921600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}
	p, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("camera: open serial %s: %w", cfg.Port, err)
	}
	return newSerialDevice(p, cfg.ReadTimeout), nil
}

func newSerialDevice(p Port, timeout time.Duration) *SerialDevice {
	return &SerialDevice{
		port:    p,
		timeout: timeout,
		params: map[string]any{
			ParamWidth:        640,
			ParamHeight:       480,
			ParamOffsetX:      0,
			ParamOffsetY:      0,
			ParamExposureTime: float64(10000),
			ParamFrameRate:    float64(25),
			ParamAcqMode:      "Continuous",
			ParamPixelFormat:  "Mono16",
		},
	}
}

func (d *SerialDevice) GetParam(name string) (any, error) {
	v, ok := d.params[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	return v, nil
}

func (d *SerialDevice) SetParam(name string, value any) (any, error) {
	if _, ok := d.params[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	cmd := fmt.Sprintf("%s=%v\n", name, value)
	if _, err := d.port.Write([]byte(cmd)); err != nil {
		return nil, fmt.Errorf("%w: write register: %v", ErrDisconnected, err)
	}
	if err := d.readAck(); err != nil {
		return nil, err
	}
	d.params[name] = value
	return value, nil
}

// readAck consumes the head's "ok\n" register acknowledgement.
func (d *SerialDevice) readAck() error {
	var line []byte
	one := make([]byte, 1)
	deadline := time.Now().Add(d.timeout * 10)
	for time.Now().Before(deadline) {
		n, err := d.port.Read(one)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read ack: %v", ErrDisconnected, err)
		}
		if n == 0 {
			continue // read timeout tick
		}
		if one[0] == '\n' {
			if bytes.Equal(line, []byte("ok")) {
				return nil
			}
			return fmt.Errorf("%w: register nack %q", ErrBadValue, line)
		}
		line = append(line, one[0])
	}
	return fmt.Errorf("%w: no register ack", ErrTimeout)
}

// Capture triggers one exposure and decodes the framed image, polling the
// port's short read timeout until the overall deadline expires.
func (d *SerialDevice) Capture(timeout time.Duration) (Image, error) {
	if _, err := d.port.Write([]byte("trigger\n")); err != nil {
		return Image{}, fmt.Errorf("%w: write trigger: %v", ErrDisconnected, err)
	}
	deadline := time.Now().Add(timeout)

	header := make([]byte, 10)
	if err := d.readFull(header, deadline); err != nil {
		return Image{}, err
	}
	if header[0] != serialPre0 || header[1] != serialPre1 {
		return Image{}, fmt.Errorf("%w: % X", ErrBadPreamble, header[:2])
	}
	h := int(binary.BigEndian.Uint16(header[2:4]))
	w := int(binary.BigEndian.Uint16(header[4:6]))
	frameID := binary.BigEndian.Uint32(header[6:10])
	if h == 0 || w == 0 || h > serialMaxDim || w > serialMaxDim {
		return Image{}, fmt.Errorf("%w: [%d,%d]", ErrBadShape, h, w)
	}

	pixels := make([]byte, 2*h*w)
	if err := d.readFull(pixels, deadline); err != nil {
		return Image{}, err
	}
	sum := make([]byte, 1)
	if err := d.readFull(sum, deadline); err != nil {
		return Image{}, err
	}
	var want byte
	for _, b := range header[2:] {
		want += b
	}
	for _, b := range pixels {
		want += b
	}
	if sum[0] != want {
		return Image{}, fmt.Errorf("%w: got %02X want %02X", ErrChecksum, sum[0], want)
	}
	return Image{
		Width:     w,
		Height:    h,
		Pixels:    pixels,
		FrameID:   uint64(frameID),
		Timestamp: time.Now(),
	}, nil
}

// readFull fills buf, tolerating the port's zero-byte read-timeout ticks
// until deadline.
func (d *SerialDevice) readFull(buf []byte, deadline time.Time) error {
	off := 0
	for off < len(buf) {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %d/%d bytes", ErrTimeout, off, len(buf))
		}
		n, err := d.port.Read(buf[off:])
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read frame: %v", ErrDisconnected, err)
		}
		off += n
	}
	return nil
}

func (d *SerialDevice) Close() error { return d.port.Close() }
