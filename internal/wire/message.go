package wire

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every per-variant ClientMessage body. It
// exists only to give the compiler something to hang the sum type on —
// callers always type-switch on ClientMessage.Type first and then assert
// to the concrete payload type.
type Payload interface {
	messageType() MessageType
}

type TextPayload struct {
	Text string `json:"text"`
}

func (TextPayload) messageType() MessageType { return MessageTypeText }

type ImagePayload struct {
	Ref               ContentReference `json:"ref"`
	DisplayDurationMs *int64           `json:"display_duration_ms,omitempty"`
}

func (ImagePayload) messageType() MessageType { return MessageTypeImage }

type FriendRequestPayload struct {
	Username string       `json:"username"`
	Devices  []DeviceInfo `json:"devices"`
}

func (FriendRequestPayload) messageType() MessageType { return MessageTypeFriendRequest }

type FriendResponsePayload struct {
	Accepted bool         `json:"accepted"`
	Devices  []DeviceInfo `json:"devices"`
}

func (FriendResponsePayload) messageType() MessageType { return MessageTypeFriendResponse }

type SessionResetPayload struct {
	Reason string `json:"reset_reason"`
}

func (SessionResetPayload) messageType() MessageType { return MessageTypeSessionReset }

type DeviceLinkApprovalPayload struct {
	P2PPublicKey      []byte       `json:"p2p_public_key"`
	P2PPrivateKey     []byte       `json:"p2p_private_key,omitempty"`
	RecoveryPublicKey []byte       `json:"recovery_public_key"`
	ChallengeResponse []byte       `json:"challenge_response"`
	OwnDevices        []DeviceInfo `json:"own_devices"`
	FriendsExport     []byte       `json:"friends_export"`
	SessionsExport    []byte       `json:"sessions_export"`
	TrustedIDsExport  []byte       `json:"trusted_ids_export"`
}

func (DeviceLinkApprovalPayload) messageType() MessageType { return MessageTypeDeviceLinkApproval }

type DeviceAnnouncePayload struct {
	Devices      []DeviceInfo `json:"devices"`
	TimestampMs  int64        `json:"timestamp"`
	IsRevocation bool         `json:"is_revocation"`
	Signature    []byte       `json:"signature"` // 64 bytes
}

func (DeviceAnnouncePayload) messageType() MessageType { return MessageTypeDeviceAnnounce }

type SentSyncPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	TimestampMs    int64  `json:"timestamp"`
	Content        []byte `json:"content"`
}

func (SentSyncPayload) messageType() MessageType { return MessageTypeSentSync }

type SyncBlobPayload struct {
	CompressedData []byte `json:"compressed_data"`
}

func (SyncBlobPayload) messageType() MessageType { return MessageTypeSyncBlob }

type ModelSyncPayload struct {
	Model          string  `json:"model"`
	ID             string  `json:"id"`
	Op             ModelOp `json:"op"`
	TimestampMs    int64   `json:"timestamp"`
	Data           []byte  `json:"data"`
	Signature      []byte  `json:"signature"`
	AuthorDeviceID string  `json:"author_device_id"`
}

func (ModelSyncPayload) messageType() MessageType { return MessageTypeModelSync }

type ContentReferencePayload struct {
	Ref ContentReference `json:"ref"`
}

func (ContentReferencePayload) messageType() MessageType { return MessageTypeContentReference }

// RawPayload carries a wire tag that has a stable numeric slot (spec.md
// §6: HISTORY_CHUNK, SETTINGS_SYNC, READ_SYNC) but no further-specified
// payload shape (see DESIGN.md). Decoding it does not fail just because
// nothing interprets it yet; Dispatcher persists it generically instead
// of rejecting a legitimately-tagged message.
type RawPayload struct {
	Type MessageType
	Raw  json.RawMessage
}

func (p RawPayload) messageType() MessageType { return p.Type }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// ClientMessage is the decrypted payload carried inside a session
// envelope. Type selects which concrete Payload is present.
type ClientMessage struct {
	Type        MessageType
	TimestampMs int64
	Payload     Payload
}

// clientMessageWire is the JSON-on-the-wire shape: a tag, a timestamp,
// and the variant payload's own JSON under "payload". This is what
// actually gets length-delimited and sent over Transport.
type clientMessageWire struct {
	Type        MessageType     `json:"type"`
	TimestampMs int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	if m.Payload != nil {
		raw, err = json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal payload: %w", err)
		}
	}
	return json.Marshal(clientMessageWire{
		Type:        m.Type,
		TimestampMs: m.TimestampMs,
		Payload:     raw,
	})
}

func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	var w clientMessageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	m.Type = w.Type
	m.TimestampMs = w.TimestampMs

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	m.Payload = payload
	return nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch t {
	case MessageTypeHistoryChunk, MessageTypeSettingsSync, MessageTypeReadSync:
		return RawPayload{Type: t, Raw: append(json.RawMessage{}, raw...)}, nil
	}

	var p Payload
	switch t {
	case MessageTypeText:
		p = &TextPayload{}
	case MessageTypeImage:
		p = &ImagePayload{}
	case MessageTypeFriendRequest:
		p = &FriendRequestPayload{}
	case MessageTypeFriendResponse:
		p = &FriendResponsePayload{}
	case MessageTypeSessionReset:
		p = &SessionResetPayload{}
	case MessageTypeDeviceLinkApproval:
		p = &DeviceLinkApprovalPayload{}
	case MessageTypeDeviceAnnounce:
		p = &DeviceAnnouncePayload{}
	case MessageTypeSentSync:
		p = &SentSyncPayload{}
	case MessageTypeSyncBlob:
		p = &SyncBlobPayload{}
	case MessageTypeModelSync:
		p = &ModelSyncPayload{}
	case MessageTypeContentReference:
		p = &ContentReferencePayload{}
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("wire: unmarshal %s payload: %w", t, err)
	}
	return derefPayload(p), nil
}

// derefPayload hands back the value (not pointer) form of each payload so
// callers can type-switch on the same concrete types used to construct
// messages (e.g. wire.TextPayload{...}) rather than their pointer twins.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *TextPayload:
		return *v
	case *ImagePayload:
		return *v
	case *FriendRequestPayload:
		return *v
	case *FriendResponsePayload:
		return *v
	case *SessionResetPayload:
		return *v
	case *DeviceLinkApprovalPayload:
		return *v
	case *DeviceAnnouncePayload:
		return *v
	case *SentSyncPayload:
		return *v
	case *SyncBlobPayload:
		return *v
	case *ModelSyncPayload:
		return *v
	case *ContentReferencePayload:
		return *v
	default:
		return p
	}
}
