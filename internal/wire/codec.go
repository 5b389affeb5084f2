package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// EncryptedMessage is the session-layer envelope body: an opaque
// ciphertext tagged with its Double-Ratchet message type. This is what
// Transport posts to a user and what the gateway delivers in an Envelope.
type EncryptedMessage struct {
	Type    SessionMessageType `json:"type"`
	Content []byte             `json:"content"`
}

// EncodeLengthDelimited writes a 4-byte big-endian length prefix followed
// by the JSON encoding of v — the "length-delimited encoding consistent
// across peers" spec.md §6 requires for ClientMessage and the REST
// envelope body alike.
func EncodeLengthDelimited(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

const maxFrameBytes = 16 * 1024 * 1024

// DecodeLengthDelimited reads one length-prefixed JSON frame into v.
func DecodeLengthDelimited(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

// GatewayFrameKind distinguishes the two gateway frame shapes.
type GatewayFrameKind string

const (
	GatewayFrameEnvelope GatewayFrameKind = "envelope"
	GatewayFrameAck      GatewayFrameKind = "ack"
)

// GatewayEnvelope is a server -> client frame carrying an inbound
// message (spec.md §4.3).
type GatewayEnvelope struct {
	ID           string           `json:"id"`
	SourceUserID string           `json:"source_user_id"`
	Message      EncryptedMessage `json:"message"`
}

// GatewayAck is sent client -> server once an envelope has been
// successfully routed and persisted.
type GatewayAck struct {
	MessageID string `json:"message_id"`
}

// GatewayFrame is the tagged union of the two frame kinds flowing over
// the bidirectional gateway connection.
type GatewayFrame struct {
	Kind     GatewayFrameKind `json:"kind"`
	Envelope *GatewayEnvelope `json:"envelope,omitempty"`
	Ack      *GatewayAck      `json:"ack,omitempty"`
}
