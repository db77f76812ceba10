package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// ArgWriter accumulates a method frame's argument payload. Write errors
// are impossible against the in-memory buffer, so the methods chain
// without error returns; Bytes hands back the encoded arguments.
type ArgWriter struct {
	buf bytes.Buffer
}

func NewArgWriter() *ArgWriter {
	return &ArgWriter{}
}

func (aw *ArgWriter) Uint8(v uint8) *ArgWriter {
	aw.buf.WriteByte(v)
	return aw
}

func (aw *ArgWriter) Uint16(v uint16) *ArgWriter {
	binary.Write(&aw.buf, binary.BigEndian, v)
	return aw
}

func (aw *ArgWriter) Uint32(v uint32) *ArgWriter {
	binary.Write(&aw.buf, binary.BigEndian, v)
	return aw
}

func (aw *ArgWriter) Uint64(v uint64) *ArgWriter {
	binary.Write(&aw.buf, binary.BigEndian, v)
	return aw
}

// Bits packs boolean arguments LSB-first, eight to an octet, the way
// consecutive bit fields share bytes in the method grammar.
func (aw *ArgWriter) Bits(flags ...bool) *ArgWriter {
	var packed byte
	var n int
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(n)
		}
		n++
		if n == 8 || i == len(flags)-1 {
			aw.buf.WriteByte(packed)
			packed, n = 0, 0
		}
	}
	return aw
}

func (aw *ArgWriter) ShortString(s string) *ArgWriter {
	protocol.WriteShortString(&aw.buf, s)
	return aw
}

func (aw *ArgWriter) LongString(data []byte) *ArgWriter {
	protocol.WriteLongString(&aw.buf, data)
	return aw
}

func (aw *ArgWriter) Table(t protocol.Table) *ArgWriter {
	protocol.WriteTable(&aw.buf, t)
	return aw
}

func (aw *ArgWriter) Bytes() []byte {
	return aw.buf.Bytes()
}

// ArgReader decodes a method frame's argument payload. Decode failures
// stick: a truncated read surfaces on Err so call sites can decode a
// fixed field list and check once.
type ArgReader struct {
	buf *bytes.Reader
	err error
}

func NewArgReader(args []byte) *ArgReader {
	return &ArgReader{buf: bytes.NewReader(args)}
}

// Err reports the first decode failure, if any.
func (ar *ArgReader) Err() error {
	return ar.err
}

func (ar *ArgReader) Uint8() uint8 {
	var v uint8
	ar.read(&v)
	return v
}

func (ar *ArgReader) Uint16() uint16 {
	var v uint16
	ar.read(&v)
	return v
}

func (ar *ArgReader) Uint32() uint32 {
	var v uint32
	ar.read(&v)
	return v
}

func (ar *ArgReader) Uint64() uint64 {
	var v uint64
	ar.read(&v)
	return v
}

// Bit reads a single boolean from the next flag octet. Call sites that
// need several consecutive bits use Bits instead, matching the packing
// done by ArgWriter.
func (ar *ArgReader) Bit() bool {
	bits := ar.Bits(1)
	return bits[0]
}

func (ar *ArgReader) Bits(n int) []bool {
	flags := make([]bool, n)
	if ar.err != nil {
		return flags
	}
	var packed byte
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			b, err := ar.buf.ReadByte()
			if err != nil {
				ar.err = err
				return flags
			}
			packed = b
		}
		flags[i] = packed&(1<<uint(i%8)) != 0
	}
	return flags
}

func (ar *ArgReader) ShortString() string {
	if ar.err != nil {
		return ""
	}
	s, err := protocol.ReadShortString(ar.buf)
	if err != nil {
		ar.err = err
	}
	return s
}

func (ar *ArgReader) LongString() []byte {
	if ar.err != nil {
		return nil
	}
	data, err := protocol.ReadLongString(ar.buf)
	if err != nil {
		ar.err = err
	}
	return data
}

func (ar *ArgReader) Table() protocol.Table {
	if ar.err != nil {
		return nil
	}
	t, err := protocol.ReadTable(ar.buf)
	if err != nil {
		ar.err = err
	}
	return t
}

func (ar *ArgReader) read(v interface{}) {
	if ar.err != nil {
		return
	}
	ar.err = binary.Read(ar.buf, binary.BigEndian, v)
}
