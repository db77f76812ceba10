package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Reader decodes frames from a byte stream, one at a time. Partial input
// is handled by blocking on the underlying reader, so a frame split
// across TCP segments is reassembled transparently.
type Reader struct {
	r        *bufio.Reader
	frameMax uint32
	header   [protocol.FrameHeaderSize]byte
}

func NewReader(r io.Reader, frameMax uint32) *Reader {
	if frameMax == 0 {
		frameMax = protocol.FrameMinSize
	}
	return &Reader{
		r:        bufio.NewReaderSize(r, int(frameMax)),
		frameMax: frameMax,
	}
}

// Next reads a single frame. Malformed headers, oversized payloads and a
// missing end octet are returned as errors; the stream is not resynchronized
// afterwards, matching the protocol's rule that a framing error is fatal
// to the connection.
func (fr *Reader) Next() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := fr.header[0]
	channelID := binary.BigEndian.Uint16(fr.header[1:3])
	size := binary.BigEndian.Uint32(fr.header[3:7])

	switch frameType {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
	default:
		return nil, fmt.Errorf("invalid frame type %d", frameType)
	}
	if size > fr.frameMax {
		return nil, fmt.Errorf("frame of %d bytes exceeds negotiated max %d", size, fr.frameMax)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("bad frame end octet 0x%02X", end)
	}

	return &Frame{Type: frameType, ChannelID: channelID, Payload: payload}, nil
}

// SetFrameMax raises the accepted frame size after tuning completes.
func (fr *Reader) SetFrameMax(size uint32) {
	if size > 0 {
		fr.frameMax = size
	}
}
