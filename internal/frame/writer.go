package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Writer encodes frames onto a byte stream. It is not safe for
// concurrent use; the outbound controller owns the single writer
// goroutine and decides when to Flush.
type Writer struct {
	w        *bufio.Writer
	frameMax uint32
	scratch  [protocol.FrameHeaderSize]byte
}

func NewWriter(w io.Writer, frameMax uint32) *Writer {
	if frameMax == 0 {
		frameMax = protocol.FrameMinSize
	}
	return &Writer{
		w:        bufio.NewWriterSize(w, int(frameMax)),
		frameMax: frameMax,
	}
}

// WriteFrame buffers one frame. Data reaches the transport on Flush.
func (fw *Writer) WriteFrame(f *Frame) error {
	if uint32(len(f.Payload)) > fw.frameMax {
		return fmt.Errorf("frame of %d bytes exceeds negotiated max %d", len(f.Payload), fw.frameMax)
	}

	fw.scratch[0] = f.Type
	binary.BigEndian.PutUint16(fw.scratch[1:3], f.ChannelID)
	binary.BigEndian.PutUint32(fw.scratch[3:7], uint32(len(f.Payload)))
	if _, err := fw.w.Write(fw.scratch[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := fw.w.Write(f.Payload); err != nil {
			return err
		}
	}
	return fw.w.WriteByte(protocol.FrameEnd)
}

// WriteProtocolHeader emits the AMQP preamble and flushes it; it is the
// first thing on the wire and precedes all framing.
func (fw *Writer) WriteProtocolHeader() error {
	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return err
	}
	return fw.w.Flush()
}

// SetFrameMax raises the accepted frame size after tuning completes.
func (fw *Writer) SetFrameMax(size uint32) {
	if size > 0 {
		fw.frameMax = size
	}
}

func (fw *Writer) Flush() error {
	return fw.w.Flush()
}
