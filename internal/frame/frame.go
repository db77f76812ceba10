// Package frame implements the AMQP 0-9-1 frame codec: an incremental
// reader producing one frame at a time from a byte stream, a writer, and
// helpers for building and parsing method-frame argument payloads.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Frame is one wire frame: a type octet, the channel it belongs to, and
// an opaque payload whose shape depends on the type.
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Method is the decoded payload of a method frame.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// Header is the decoded payload of a content-header frame.
type Header struct {
	ClassID    uint16
	BodySize   uint64
	Properties []byte
}

// NewMethod builds a method frame for the given channel.
func NewMethod(channelID, classID, methodID uint16, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)
	return &Frame{Type: protocol.FrameMethod, ChannelID: channelID, Payload: payload}
}

// NewContentHeader builds a content-header frame announcing bodySize
// bytes of body to follow, with encoded basic properties.
func NewContentHeader(channelID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], protocol.ClassBasic)
	binary.BigEndian.PutUint16(payload[2:4], 0) // weight, unused
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)
	return &Frame{Type: protocol.FrameHeader, ChannelID: channelID, Payload: payload}
}

// NewBody builds a content-body frame carrying one chunk of the body.
func NewBody(channelID uint16, chunk []byte) *Frame {
	return &Frame{Type: protocol.FrameBody, ChannelID: channelID, Payload: chunk}
}

// NewHeartbeat builds a heartbeat frame. Heartbeats travel on channel 0.
func NewHeartbeat() *Frame {
	return &Frame{Type: protocol.FrameHeartbeat}
}

// Method decodes the frame as a method frame.
func (f *Frame) Method() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("frame type %d is not a method frame", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("method frame payload truncated at %d bytes", len(f.Payload))
	}
	return &Method{
		ClassID:  binary.BigEndian.Uint16(f.Payload[0:2]),
		MethodID: binary.BigEndian.Uint16(f.Payload[2:4]),
		Args:     f.Payload[4:],
	}, nil
}

// Header decodes the frame as a content-header frame.
func (f *Frame) Header() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("frame type %d is not a content header", f.Type)
	}
	if len(f.Payload) < 12 {
		return nil, fmt.Errorf("content header truncated at %d bytes", len(f.Payload))
	}
	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

func (f *Frame) String() string {
	var kind string
	switch f.Type {
	case protocol.FrameMethod:
		kind = "method"
	case protocol.FrameHeader:
		kind = "header"
	case protocol.FrameBody:
		kind = "body"
	case protocol.FrameHeartbeat:
		kind = "heartbeat"
	default:
		kind = fmt.Sprintf("unknown(%d)", f.Type)
	}
	return fmt.Sprintf("frame{%s ch=%d len=%d}", kind, f.ChannelID, len(f.Payload))
}
