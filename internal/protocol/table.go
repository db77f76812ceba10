package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Table is an AMQP field table. Values are restricted to the types the
// field-value grammar can carry; WriteTable rejects anything else.
type Table map[string]interface{}

// ReadShortString reads a length-prefixed string of at most 255 bytes.
func ReadShortString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a length-prefixed string of at most 255 bytes.
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string exceeds 255 bytes: %d", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a 32-bit length-prefixed byte string.
func ReadLongString(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a 32-bit length-prefixed byte string.
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads a field table: a 32-bit byte length followed by
// name/value pairs until the length is consumed.
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		name, err := ReadShortString(br)
		if err != nil {
			return nil, fmt.Errorf("table field name: %w", err)
		}
		value, err := readField(br)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes a field table. A nil or empty table encodes as a
// zero-length table, which every broker accepts.
func WriteTable(w io.Writer, table Table) error {
	if len(table) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	var body bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&body, name); err != nil {
			return err
		}
		if err := writeField(&body, value); err != nil {
			return fmt.Errorf("table field %q: %w", name, err)
		}
	}
	return WriteLongString(w, body.Bytes())
}

func readField(r *bytes.Reader) (interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case 't':
		b, err := r.ReadByte()
		return b != 0, err
	case 'b':
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'B':
		var v uint8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 's':
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'u':
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'I':
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'i':
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'l':
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'f':
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'd':
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'S':
		return ReadLongString(r)
	case 'T':
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		return time.Unix(ts, 0), nil
	case 'F':
		return ReadTable(r)
	case 'A':
		return readArray(r)
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", tag)
	}
}

func writeField(w *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		w.WriteByte('t')
		if v {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)
	case int8:
		w.WriteByte('b')
		return binary.Write(w, binary.BigEndian, v)
	case uint8:
		w.WriteByte('B')
		return binary.Write(w, binary.BigEndian, v)
	case int16:
		w.WriteByte('s')
		return binary.Write(w, binary.BigEndian, v)
	case uint16:
		w.WriteByte('u')
		return binary.Write(w, binary.BigEndian, v)
	case int32:
		w.WriteByte('I')
		return binary.Write(w, binary.BigEndian, v)
	case uint32:
		w.WriteByte('i')
		return binary.Write(w, binary.BigEndian, v)
	case int:
		w.WriteByte('l')
		return binary.Write(w, binary.BigEndian, int64(v))
	case int64:
		w.WriteByte('l')
		return binary.Write(w, binary.BigEndian, v)
	case float32:
		w.WriteByte('f')
		return binary.Write(w, binary.BigEndian, v)
	case float64:
		w.WriteByte('d')
		return binary.Write(w, binary.BigEndian, v)
	case string:
		w.WriteByte('S')
		return WriteLongString(w, []byte(v))
	case []byte:
		w.WriteByte('S')
		return WriteLongString(w, v)
	case time.Time:
		w.WriteByte('T')
		return binary.Write(w, binary.BigEndian, v.Unix())
	case Table:
		w.WriteByte('F')
		return WriteTable(w, v)
	case map[string]interface{}:
		w.WriteByte('F')
		return WriteTable(w, Table(v))
	case []interface{}:
		w.WriteByte('A')
		return writeArray(w, v)
	case nil:
		return w.WriteByte('V')
	default:
		return fmt.Errorf("unsupported field value type %T", value)
	}
}

func readArray(r *bytes.Reader) ([]interface{}, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []interface{}{}
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		v, err := readField(br)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func writeArray(w *bytes.Buffer, values []interface{}) error {
	var body bytes.Buffer
	for _, v := range values {
		if err := writeField(&body, v); err != nil {
			return err
		}
	}
	return WriteLongString(w, body.Bytes())
}
