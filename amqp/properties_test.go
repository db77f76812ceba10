package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

func TestPropertiesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		props Properties
	}{
		{
			name:  "empty",
			props: Properties{},
		},
		{
			name: "content type only",
			props: Properties{
				ContentType: "application/json",
			},
		},
		{
			name: "persistent with priority",
			props: Properties{
				DeliveryMode: protocol.Persistent,
				Priority:     5,
			},
		},
		{
			name: "rpc style",
			props: Properties{
				CorrelationID: "req-42",
				ReplyTo:       "amq.gen-reply",
				Expiration:    "30000",
			},
		},
		{
			name: "everything",
			props: Properties{
				ContentType:     "text/plain",
				ContentEncoding: "utf-8",
				Headers:         Table{"x-origin": "billing"},
				DeliveryMode:    protocol.Persistent,
				Priority:        9,
				CorrelationID:   "corr-1",
				ReplyTo:         "replies",
				Expiration:      "60000",
				MessageID:       "msg-7",
				Timestamp:       time.Unix(1700000000, 0),
				Type:            "invoice.created",
				UserID:          "guest",
				AppID:           "billing-svc",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := encodeProperties(tt.props)
			require.NoError(t, err)

			got, err := decodeProperties(encoded)
			require.NoError(t, err)

			want := tt.props
			if len(want.Headers) > 0 {
				// Header string values surface as raw bytes after the
				// table round trip.
				gotOrigin, ok := got.Headers["x-origin"].([]byte)
				require.True(t, ok)
				assert.Equal(t, "billing", string(gotOrigin))
				want.Headers, got.Headers = nil, nil
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestPropertiesOmitZeroValues(t *testing.T) {
	encoded, err := encodeProperties(Properties{})
	require.NoError(t, err)
	// Just the two flag octets, all bits clear.
	assert.Equal(t, []byte{0, 0}, encoded)
}

func TestPersistentHelper(t *testing.T) {
	p := Properties{DeliveryMode: protocol.Persistent}
	assert.True(t, p.Persistent())

	p.DeliveryMode = protocol.Transient
	assert.False(t, p.Persistent())

	p.DeliveryMode = 0
	assert.False(t, p.Persistent())
}

func TestDecodePropertiesTruncated(t *testing.T) {
	// Flags claim a content-type but no string follows.
	_, err := decodeProperties([]byte{0x80, 0x00})
	require.Error(t, err)
}
