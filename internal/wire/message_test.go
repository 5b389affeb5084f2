package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessageJSONRoundTrip(t *testing.T) {
	msg := ClientMessage{
		Type:        MessageTypeText,
		TimestampMs: 1700000000000,
		Payload:     TextPayload{Text: "Hello from Alice!"},
	}

	raw, err := msg.MarshalJSON()
	require.NoError(t, err)

	var decoded ClientMessage
	require.NoError(t, decoded.UnmarshalJSON(raw))

	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.TimestampMs, decoded.TimestampMs)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestClientMessageDeviceAnnounceRoundTrip(t *testing.T) {
	msg := ClientMessage{
		Type:        MessageTypeDeviceAnnounce,
		TimestampMs: 42,
		Payload: DeviceAnnouncePayload{
			Devices:      []DeviceInfo{{ServerUserID: "u1", DeviceUUID: "d1"}},
			TimestampMs:  42,
			IsRevocation: true,
			Signature:    bytes.Repeat([]byte{0xAB}, 64),
		},
	}
	raw, err := msg.MarshalJSON()
	require.NoError(t, err)

	var decoded ClientMessage
	require.NoError(t, decoded.UnmarshalJSON(raw))
	payload, ok := decoded.Payload.(DeviceAnnouncePayload)
	require.True(t, ok)
	assert.True(t, payload.IsRevocation)
	assert.Len(t, payload.Signature, 64)
}

func TestLengthDelimitedCodec(t *testing.T) {
	var buf bytes.Buffer
	msg := EncryptedMessage{Type: SessionMessagePreKey, Content: []byte{1, 2, 3}}
	require.NoError(t, EncodeLengthDelimited(&buf, msg))

	var decoded EncryptedMessage
	require.NoError(t, DecodeLengthDelimited(&buf, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	var decoded ClientMessage
	err := decoded.UnmarshalJSON([]byte(`{"type":999,"timestamp":0,"payload":{"x":1}}`))
	assert.Error(t, err)
}
