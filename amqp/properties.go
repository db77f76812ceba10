package amqp

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Delivery modes for Properties.DeliveryMode.
const (
	Transient  uint8 = protocol.Transient
	Persistent uint8 = protocol.Persistent
)

// Properties are the basic-class content properties carried in a content
// header. Zero values are omitted from the wire encoding.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Persistent reports whether the message survives a broker restart
// (given a durable queue).
func (p *Properties) Persistent() bool {
	return p.DeliveryMode == protocol.Persistent
}

// Publishing is an outbound message: properties plus body.
type Publishing struct {
	Properties
	Body []byte
}

// Property presence flags, high bit first, matching the field order in
// the content-header grammar.
const (
	flagContentType     = 1 << 15
	flagContentEncoding = 1 << 14
	flagHeaders         = 1 << 13
	flagDeliveryMode    = 1 << 12
	flagPriority        = 1 << 11
	flagCorrelationID   = 1 << 10
	flagReplyTo         = 1 << 9
	flagExpiration      = 1 << 8
	flagMessageID       = 1 << 7
	flagTimestamp       = 1 << 6
	flagType            = 1 << 5
	flagUserID          = 1 << 4
	flagAppID           = 1 << 3
)

func encodeProperties(p Properties) ([]byte, error) {
	var flags uint16
	set := func(cond bool, flag uint16) {
		if cond {
			flags |= flag
		}
	}
	set(p.ContentType != "", flagContentType)
	set(p.ContentEncoding != "", flagContentEncoding)
	set(len(p.Headers) > 0, flagHeaders)
	set(p.DeliveryMode != 0, flagDeliveryMode)
	set(p.Priority != 0, flagPriority)
	set(p.CorrelationID != "", flagCorrelationID)
	set(p.ReplyTo != "", flagReplyTo)
	set(p.Expiration != "", flagExpiration)
	set(p.MessageID != "", flagMessageID)
	set(!p.Timestamp.IsZero(), flagTimestamp)
	set(p.Type != "", flagType)
	set(p.UserID != "", flagUserID)
	set(p.AppID != "", flagAppID)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, flags)

	var err error
	short := func(flag uint16, s string) {
		if err == nil && flags&flag != 0 {
			err = protocol.WriteShortString(&buf, s)
		}
	}
	short(flagContentType, p.ContentType)
	short(flagContentEncoding, p.ContentEncoding)
	if err == nil && flags&flagHeaders != 0 {
		err = protocol.WriteTable(&buf, p.Headers)
	}
	if err == nil && flags&flagDeliveryMode != 0 {
		err = buf.WriteByte(p.DeliveryMode)
	}
	if err == nil && flags&flagPriority != 0 {
		err = buf.WriteByte(p.Priority)
	}
	short(flagCorrelationID, p.CorrelationID)
	short(flagReplyTo, p.ReplyTo)
	short(flagExpiration, p.Expiration)
	short(flagMessageID, p.MessageID)
	if err == nil && flags&flagTimestamp != 0 {
		err = binary.Write(&buf, binary.BigEndian, uint64(p.Timestamp.Unix()))
	}
	short(flagType, p.Type)
	short(flagUserID, p.UserID)
	short(flagAppID, p.AppID)

	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeProperties(data []byte) (Properties, error) {
	var p Properties
	buf := bytes.NewReader(data)

	var flags uint16
	if err := binary.Read(buf, binary.BigEndian, &flags); err != nil {
		return p, err
	}

	var err error
	short := func(flag uint16) string {
		if err != nil || flags&flag == 0 {
			return ""
		}
		var s string
		s, err = protocol.ReadShortString(buf)
		return s
	}
	p.ContentType = short(flagContentType)
	p.ContentEncoding = short(flagContentEncoding)
	if err == nil && flags&flagHeaders != 0 {
		p.Headers, err = protocol.ReadTable(buf)
	}
	if err == nil && flags&flagDeliveryMode != 0 {
		p.DeliveryMode, err = buf.ReadByte()
	}
	if err == nil && flags&flagPriority != 0 {
		p.Priority, err = buf.ReadByte()
	}
	p.CorrelationID = short(flagCorrelationID)
	p.ReplyTo = short(flagReplyTo)
	p.Expiration = short(flagExpiration)
	p.MessageID = short(flagMessageID)
	if err == nil && flags&flagTimestamp != 0 {
		var ts uint64
		if err = binary.Read(buf, binary.BigEndian, &ts); err == nil {
			p.Timestamp = time.Unix(int64(ts), 0)
		}
	}
	p.Type = short(flagType)
	p.UserID = short(flagUserID)
	p.AppID = short(flagAppID)

	return p, err
}
