package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestSerialize_SuccessForms(t *testing.T) {
	asg := Assignment{Identifier: "it", Value: IntValue(5000)}
	wire, err := Serialize(SuccessFrom(asg))
	if err != nil {
		t.Fatalf("assignment success: %v", err)
	}
	if wire.Header != "it=5000\n" || wire.HasPayload() {
		t.Fatalf("assignment success = %q payload=%d", wire.Header, len(wire.Payload))
	}

	wire, err = Serialize(SuccessFrom(Inquiry{Identifier: "fr"}, DoubleValue(4)))
	if err != nil {
		t.Fatalf("inquiry success: %v", err)
	}
	if wire.Header != "fr=4.0\n" {
		t.Fatalf("inquiry success = %q", wire.Header)
	}

	wire, err = Serialize(SuccessFrom(Inquiry{Identifier: "mode"}))
	if err != nil {
		t.Fatalf("bodyless inquiry success: %v", err)
	}
	if wire.Header != "mode\n" {
		t.Fatalf("bodyless inquiry success = %q", wire.Header)
	}

	wire, err = Serialize(SuccessFrom(Command{Identifier: "gi"}))
	if err != nil {
		t.Fatalf("command success: %v", err)
	}
	if wire.Header != "gi;\n" {
		t.Fatalf("command success = %q", wire.Header)
	}
}

func TestSerialize_Error(t *testing.T) {
	wire, err := Serialize(ErrorFrom(Assignment{Identifier: "fr", Value: IntValue(0)}, "frameRate must be positive."))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if wire.Header != "fr: Error: frameRate must be positive.\n" {
		t.Fatalf("error = %q", wire.Header)
	}
}

func TestSerialize_Status(t *testing.T) {
	wire, err := Serialize(Status("isn", IntValue(3)))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if wire.Header != "isn=3\n" {
		t.Fatalf("status = %q", wire.Header)
	}
}

func TestSerialize_Unsupported(t *testing.T) {
	if _, err := Serialize(BinaryDataBuffer{Data: []byte{1}, Shape: [1]int{1}}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("buffer error = %v, want ErrUnsupported", err)
	}
	if _, err := Serialize(ColorImageBinaryData{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("color error = %v, want ErrUnsupported", err)
	}
}

// decodeImage splits a serialized image frame back into shape and pixel bytes.
func decodeImage(t *testing.T, wire SerializedMessage) (h, w int, pixels []byte) {
	t.Helper()
	header := wire.Header
	if !strings.HasPrefix(header, "img=\x01[") {
		t.Fatalf("header prefix = %q", header[:min(8, len(header))])
	}
	if header[len(header)-1] != STX {
		t.Fatalf("header does not end with STX: %q", header)
	}
	shape := header[len("img=\x01[") : strings.IndexByte(header, ']')]
	parts := strings.SplitN(shape, ",", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		t.Fatalf("bad height %q: %v", parts[0], err)
	}
	w, err = strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("bad width %q: %v", parts[1], err)
	}
	if wire.Payload[len(wire.Payload)-1] != ETX {
		t.Fatalf("payload does not end with ETX")
	}
	return h, w, wire.Payload[:len(wire.Payload)-1]
}

func TestSerialize_ImageRoundTrip(t *testing.T) {
	const height, width = 3, 4
	data := make([]byte, 2*height*width)
	for i := 0; i < height*width; i++ {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(1000+i))
	}
	img := NewImageBinaryData(data, height, width, nil)
	wire, err := Serialize(img)
	if err != nil {
		t.Fatalf("serialize image: %v", err)
	}
	h, w, pixels := decodeImage(t, wire)
	if h != height || w != width {
		t.Fatalf("shape = [%d,%d], want [%d,%d]", h, w, height, width)
	}
	if !bytes.Equal(pixels, data) {
		t.Fatalf("pixel bytes altered in transit")
	}
}

func TestSerialize_ImageAttributes(t *testing.T) {
	img := NewImageBinaryData(make([]byte, 2), 1, 1, []Attribute{
		{Identifier: "fid", Value: IntValue(42)},
		{Identifier: "gain", Value: DoubleValue(1.5)},
	})
	wire, err := Serialize(img)
	if err != nil {
		t.Fatalf("serialize image: %v", err)
	}
	want := "img=\x01[1,1]fid=42,gain=1.5\x02"
	if wire.Header != want {
		t.Fatalf("header = %q, want %q", wire.Header, want)
	}
}

func TestNewImageBinaryData_SizeInvariant(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on size mismatch")
		}
	}()
	NewImageBinaryData(make([]byte, 3), 1, 1, nil)
}

func BenchmarkSerializeImage(b *testing.B) {
	img := NewImageBinaryData(make([]byte, 2*480*640), 480, 640, nil)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Serialize(img)
	}
}
