package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Special framing bytes for binary payloads.
const (
	SOH byte = 0x01 // start of header
	STX byte = 0x02 // start of text (payload follows)
	ETX byte = 0x03 // end of text (payload terminator)
)

// ErrUnsupported is returned for message types without a wire representation.
var ErrUnsupported = errors.New("protocol: serialization unsupported")

// SerializedMessage is the wire form of an outgoing message. Header is always
// written before Payload; Payload already carries any framing terminator, so
// writers emit the two fields back to back and nothing else.
type SerializedMessage struct {
	Header  string
	Payload []byte
}

// HasPayload reports whether a binary payload follows the header.
func (m SerializedMessage) HasPayload() bool { return len(m.Payload) > 0 }

// Serialize renders an outgoing message into its wire form.
//
// Text messages become a single header line:
//
//	Success(assignment)    "<id>=<value>\n"
//	Success(inquiry)       "<id>=<value>\n" or "<id>\n" without body
//	Success(command)       "<id>;\n"
//	Error                  "<id>: Error: <description>\n"
//
// ImageBinaryData becomes "img=" SOH "[H,W]" attrs STX followed by the raw
// little-endian 16-bit pixel payload and a trailing ETX.
func Serialize(msg OutMessage) (SerializedMessage, error) {
	switch m := msg.(type) {
	case Success:
		return serializeSuccess(m), nil
	case Error:
		return SerializedMessage{Header: m.Identifier + ": Error: " + m.Description + "\n"}, nil
	case ImageBinaryData:
		return serializeImage(m), nil
	case BinaryDataBuffer, ColorImageBinaryData:
		return SerializedMessage{}, fmt.Errorf("%w: %T", ErrUnsupported, msg)
	default:
		panic(fmt.Sprintf("protocol: unreachable out message type %T", msg))
	}
}

func serializeSuccess(m Success) SerializedMessage {
	switch m.Source {
	case KindAssignment:
		if m.Body == nil {
			panic("protocol: assignment success without body")
		}
		return SerializedMessage{Header: m.Identifier + "=" + m.Body.String() + "\n"}
	case KindInquiry:
		if m.Body != nil {
			return SerializedMessage{Header: m.Identifier + "=" + m.Body.String() + "\n"}
		}
		return SerializedMessage{Header: m.Identifier + "\n"}
	case KindCommand:
		return SerializedMessage{Header: m.Identifier + ";\n"}
	}
	panic(fmt.Sprintf("protocol: success source kind %d out of range", m.Source))
}

func serializeImage(m ImageBinaryData) SerializedMessage {
	if len(m.Data) != 2*m.Shape[0]*m.Shape[1] {
		panic(fmt.Sprintf("protocol: image data is %d bytes, want 2*%d*%d",
			len(m.Data), m.Shape[0], m.Shape[1]))
	}
	var h strings.Builder
	h.WriteString("img=")
	h.WriteByte(SOH)
	h.WriteByte('[')
	h.WriteString(strconv.Itoa(m.Shape[0]))
	h.WriteByte(',')
	h.WriteString(strconv.Itoa(m.Shape[1]))
	h.WriteByte(']')
	for i, att := range m.Attributes {
		if i > 0 {
			h.WriteByte(',')
		}
		h.WriteString(att.Identifier)
		h.WriteByte('=')
		h.WriteString(att.Value.String())
	}
	h.WriteByte(STX)

	payload := make([]byte, 0, len(m.Data)+1)
	payload = append(payload, m.Data...)
	payload = append(payload, ETX)
	return SerializedMessage{Header: h.String(), Payload: payload}
}
