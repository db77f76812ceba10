package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteShortString(&buf, "amq.topic"))

	s, err := ReadShortString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "amq.topic", s)
}

func TestShortStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	long := string(make([]byte, 256))
	require.Error(t, WriteShortString(&buf, long))
}

func TestShortStringTruncated(t *testing.T) {
	// Length octet says 5, only 2 bytes follow.
	r := bytes.NewReader([]byte{5, 'a', 'b'})
	_, err := ReadShortString(r)
	require.Error(t, err)
}

func TestTableRoundTrip(t *testing.T) {
	in := Table{
		"x-bool":    true,
		"x-int8":    int8(-5),
		"x-uint8":   uint8(200),
		"x-int16":   int16(-3000),
		"x-uint16":  uint16(60000),
		"x-int32":   int32(-2000000),
		"x-uint32":  uint32(4000000000),
		"x-int64":   int64(1) << 40,
		"x-float32": float32(1.5),
		"x-float64": 2.25,
		"x-string":  "queue-name",
		"x-time":    time.Unix(1700000000, 0),
		"x-void":    nil,
		"x-nested": Table{
			"depth": int32(2),
		},
		"x-array": []interface{}{int32(1), "two"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, in))

	out, err := ReadTable(&buf)
	require.NoError(t, err)

	assert.Equal(t, true, out["x-bool"])
	assert.Equal(t, int8(-5), out["x-int8"])
	assert.Equal(t, uint8(200), out["x-uint8"])
	assert.Equal(t, int16(-3000), out["x-int16"])
	assert.Equal(t, uint16(60000), out["x-uint16"])
	assert.Equal(t, int32(-2000000), out["x-int32"])
	assert.Equal(t, uint32(4000000000), out["x-uint32"])
	assert.Equal(t, int64(1)<<40, out["x-int64"])
	assert.Equal(t, float32(1.5), out["x-float32"])
	assert.Equal(t, 2.25, out["x-float64"])
	// Long strings come back as raw bytes; the grammar does not
	// distinguish text from binary.
	assert.Equal(t, []byte("queue-name"), out["x-string"])
	assert.Equal(t, time.Unix(1700000000, 0), out["x-time"])
	assert.Nil(t, out["x-void"])

	nested, ok := out["x-nested"].(Table)
	require.True(t, ok)
	assert.Equal(t, int32(2), nested["depth"])

	arr, ok := out["x-array"].([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 2)
	assert.Equal(t, int32(1), arr[0])
	assert.Equal(t, []byte("two"), arr[1])
}

func TestTableGoIntsEncodeAsLongLong(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, Table{"x-count": 42}))

	out, err := ReadTable(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["x-count"])
}

func TestEmptyTableEncodesAsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, nil))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	out, err := ReadTable(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTableRejectsUnsupportedType(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTable(&buf, Table{"x-chan": make(chan int)})
	require.Error(t, err)
}

func TestTableUnknownFieldTag(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, WriteShortString(&body, "weird"))
	body.WriteByte('Z')

	var buf bytes.Buffer
	require.NoError(t, WriteLongString(&buf, body.Bytes()))

	_, err := ReadTable(&buf)
	require.Error(t, err)
}
