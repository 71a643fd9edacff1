package livetail

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

// Event-stream framing: a 12-byte prelude (total length, headers length,
// prelude CRC), a headers block of string-typed name/value pairs, the
// payload, and a trailing CRC over the whole message. All integers are
// big-endian; CRCs are CRC32-IEEE.
const (
	preludeLen = 12
	// maxFrameLen bounds a single frame; the service sends update batches
	// far below this.
	maxFrameLen = 16 << 20

	headerTypeString = 7
)

// Well-known frame header names.
const (
	headerEventType   = ":event-type"
	headerMessageType = ":message-type"
	headerContentType = ":content-type"
	headerErrorCode   = ":error-code"
	headerErrorMsg    = ":error-message"
)

// Frame is one decoded event-stream message.
type Frame struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the frame's logical type, e.g. "sessionStart",
// "sessionUpdate".
func (f *Frame) EventType() string { return f.Headers[headerEventType] }

// MessageType returns "event", "exception" or "error".
func (f *Frame) MessageType() string { return f.Headers[headerMessageType] }

// Decoder reads frames off a streaming response body.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads and validates the next frame. It returns io.EOF on a clean
// end of stream and a ProtocolError on checksum or structural failures.
func (d *Decoder) Decode() (*Frame, error) {
	var prelude [preludeLen]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame prelude: %w", err)
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if got := crc32.ChecksumIEEE(prelude[:8]); got != preludeCRC {
		return nil, &cwlogs.ProtocolError{
			Op:     "live tail",
			Detail: fmt.Sprintf("prelude checksum mismatch: got %08x, frame says %08x", got, preludeCRC),
		}
	}
	if totalLen > maxFrameLen || totalLen < preludeLen+4 || headersLen > totalLen-preludeLen-4 {
		return nil, &cwlogs.ProtocolError{
			Op:     "live tail",
			Detail: fmt.Sprintf("implausible frame dimensions: total=%d headers=%d", totalLen, headersLen),
		}
	}

	rest := make([]byte, totalLen-preludeLen)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	msgCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	crc := crc32.NewIEEE()
	crc.Write(prelude[:])
	crc.Write(rest[:len(rest)-4])
	if got := crc.Sum32(); got != msgCRC {
		return nil, &cwlogs.ProtocolError{
			Op:     "live tail",
			Detail: fmt.Sprintf("message checksum mismatch: got %08x, frame says %08x", got, msgCRC),
		}
	}

	headers, err := decodeHeaders(rest[:headersLen])
	if err != nil {
		return nil, err
	}

	return &Frame{
		Headers: headers,
		Payload: rest[headersLen : len(rest)-4],
	}, nil
}

func decodeHeaders(buf []byte) (map[string]string, error) {
	headers := map[string]string{}
	for len(buf) > 0 {
		nameLen := int(buf[0])
		buf = buf[1:]
		if len(buf) < nameLen+1 {
			return nil, &cwlogs.ProtocolError{Op: "live tail", Detail: "truncated header name"}
		}
		name := string(buf[:nameLen])
		valueType := buf[nameLen]
		buf = buf[nameLen+1:]

		// The live-tail stream only carries string headers.
		if valueType != headerTypeString {
			return nil, &cwlogs.ProtocolError{
				Op:     "live tail",
				Detail: fmt.Sprintf("unsupported header value type %d for %q", valueType, name),
			}
		}
		if len(buf) < 2 {
			return nil, &cwlogs.ProtocolError{Op: "live tail", Detail: "truncated header value length"}
		}
		valueLen := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < valueLen {
			return nil, &cwlogs.ProtocolError{Op: "live tail", Detail: "truncated header value"}
		}
		headers[name] = string(buf[:valueLen])
		buf = buf[valueLen:]
	}
	return headers, nil
}

// Encode builds a wire frame from headers and payload, with valid
// checksums. The engine tests and fakes use it to simulate the service.
func Encode(headers map[string]string, payload []byte) []byte {
	var hdr []byte
	for name, value := range headers {
		hdr = append(hdr, byte(len(name)))
		hdr = append(hdr, name...)
		hdr = append(hdr, headerTypeString)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(value)))
		hdr = append(hdr, value...)
	}

	totalLen := preludeLen + len(hdr) + len(payload) + 4
	out := make([]byte, 0, totalLen)
	out = binary.BigEndian.AppendUint32(out, uint32(totalLen))
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[:8]))
	out = append(out, hdr...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out
}
