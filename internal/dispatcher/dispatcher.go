// Package dispatcher implements Dispatcher (spec.md §4.5): the inbound
// envelope router and outbound fan-out/self-sync path sitting on top of
// SessionEngine, Transport, DeviceGraph, and ModelStore. Grounded on the
// teacher's internal/handlers message-routing switch (one case per
// wire.MessageType) and internal/inbox's offline-delivery bookkeeping,
// generalized from a server's per-connection routing loop into a
// client-side library call invoked once per inbound gateway envelope.
package dispatcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/devicegraph"
	"github.com/obscura-chat/core/internal/metrics"
	"github.com/obscura-chat/core/internal/model"
	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/storage"
	"github.com/obscura-chat/core/internal/wire"
)

// EnvelopeSender posts an encrypted envelope to one recipient device's
// server_user_id. transport.RESTClient.PostEncryptedEnvelope satisfies
// this; defined here so Dispatcher does not import transport directly.
type EnvelopeSender interface {
	PostEncryptedEnvelope(ctx context.Context, recipientUserID string, msg wire.EncryptedMessage) error
}

// Acker acknowledges a successfully routed inbound envelope.
// transport.GatewayClient.Ack satisfies this.
type Acker interface {
	Ack(ctx context.Context, messageID string)
}

// Compress is the injected compression capability SYNC_BLOB payloads
// flow through (Design Notes §9: "explicit injection of the Storage
// capability and a Compress capability at Core construction; no
// conditional branching on runtime"). The default implementation
// (see core.go) wraps compress/gzip, matching SPEC_FULL.md §6.
type Compress interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// FanOutReport collects the per-recipient-device outcome of one
// outbound send (Design Notes §9: "per-recipient result variants
// collected into a FanOutReport; the outer call returns the count of
// successes/failures").
type FanOutReport struct {
	Sent   []string
	Failed map[string]error
}

func newFanOutReport() FanOutReport {
	return FanOutReport{Failed: make(map[string]error)}
}

// SuccessCount returns how many target devices were sent to successfully.
func (r FanOutReport) SuccessCount() int { return len(r.Sent) }

// FailureCount returns how many target devices failed.
func (r FanOutReport) FailureCount() int { return len(r.Failed) }

// OK reports whether every target device succeeded (true for a fan-out
// with zero targets, e.g. a friend with no devices yet).
func (r FanOutReport) OK() bool { return len(r.Failed) == 0 }

// MessageEvent is emitted for every locally-persisted conversation
// message, inbound or outbound.
type MessageEvent struct {
	ConversationID string
	PeerUsername   string
	Direction      MessageDirection
	Message        StoredMessage
}

// FriendRequestEvent is emitted when a FRIEND_REQUEST arrives.
type FriendRequestEvent struct {
	Username     string
	ServerUserID string
}

// FriendStatusEvent is emitted when a friend relationship changes status.
type FriendStatusEvent struct {
	Username string
	Status   FriendStatus
}

// DeviceAnnounceEvent is emitted when a friend's device list changes.
// An empty FriendUsername means the announce was about this account's
// own other devices.
type DeviceAnnounceEvent struct {
	FriendUsername             string
	AcceptedWithoutRecoveryKey bool
}

// ModelSyncEvent is emitted for every applied inbound MODEL_SYNC merge.
type ModelSyncEvent struct {
	Model    string
	Entry    model.Entry
	Verified bool
}

// DeviceLinkApprovalEvent carries a DEVICE_LINK_APPROVAL's key material
// and export blobs (spec.md §4.6's device-link bootstrap). Dispatcher
// applies everything it owns directly: OwnDevices through
// devicegraph.Graph and FriendsExport through its own FriendStore (see
// handleDeviceLinkApproval). SessionsExport/TrustedIDsExport stay
// opaque here — they belong to session.Engine's ratchet state and
// keystore's trust store, neither of which Dispatcher holds a
// reference to — so they are still carried on this event for whatever
// layer composes those stores to import.
type DeviceLinkApprovalEvent struct {
	P2PPublicKey      []byte
	P2PPrivateKey     []byte
	RecoveryPublicKey []byte
	FriendsExport     []byte
	SessionsExport    []byte
	TrustedIDsExport  []byte
}

// SyncBlobEvent is emitted after a SYNC_BLOB's friends and messages
// have already been merged into FriendStore/Inbox by handleSyncBlob.
// Data is the full decompressed {friends, messages, settings} document;
// it is carried here only so a host application can apply the
// settings half, since Dispatcher has no local settings store of its
// own to merge it into.
type SyncBlobEvent struct {
	Data []byte
}

// Events is the narrow set of typed output channels a host application
// observes instead of an untyped on('event', ...) dispatch (Design
// Notes §9). Each channel is buffered; HandleEnvelope drops and logs
// rather than blocking the read pump if a consumer falls behind.
type Events struct {
	Messages            chan MessageEvent
	FriendRequests       chan FriendRequestEvent
	FriendStatuses       chan FriendStatusEvent
	DeviceAnnounces      chan DeviceAnnounceEvent
	ModelSyncs           chan ModelSyncEvent
	DeviceLinkApprovals  chan DeviceLinkApprovalEvent
	SyncBlobs            chan SyncBlobEvent
}

const eventChannelBuffer = 64

func newEvents() Events {
	return Events{
		Messages:            make(chan MessageEvent, eventChannelBuffer),
		FriendRequests:      make(chan FriendRequestEvent, eventChannelBuffer),
		FriendStatuses:      make(chan FriendStatusEvent, eventChannelBuffer),
		DeviceAnnounces:     make(chan DeviceAnnounceEvent, eventChannelBuffer),
		ModelSyncs:          make(chan ModelSyncEvent, eventChannelBuffer),
		DeviceLinkApprovals: make(chan DeviceLinkApprovalEvent, eventChannelBuffer),
		SyncBlobs:           make(chan SyncBlobEvent, eventChannelBuffer),
	}
}

// Dispatcher routes inbound gateway envelopes and drives outbound
// fan-out, composing SessionEngine, Transport, DeviceGraph, ModelStore,
// FriendStore, and Inbox (spec.md §4.5).
type Dispatcher struct {
	engine   *session.Engine
	sender   EnvelopeSender
	acker    Acker
	graph    *devicegraph.Graph
	models   *model.Store
	compress Compress
	metrics  *metrics.Metrics
	log      *logrus.Entry

	friends *FriendStore
	inbox   *Inbox

	selfUsername     string
	selfServerUserID string
	selfDeviceUUID   string

	events Events
}

// New builds a Dispatcher over store-backed FriendStore/Inbox
// collections. models must already exist; the caller wires models'
// TargetResolver/Broadcaster back to this same Dispatcher once New
// returns (model.Store is constructed before Dispatcher in Core's
// wiring order, so the two reference each other after the fact — see
// core.go). selfUsername is carried in outbound FRIEND_REQUESTs so the
// recipient learns who is asking, since the wire envelope itself only
// names a server_user_id.
func New(
	store storage.Store,
	engine *session.Engine,
	sender EnvelopeSender,
	acker Acker,
	graph *devicegraph.Graph,
	models *model.Store,
	compress Compress,
	m *metrics.Metrics,
	log *logrus.Entry,
	selfUsername, selfServerUserID, selfDeviceUUID string,
) *Dispatcher {
	return &Dispatcher{
		engine:           engine,
		sender:           sender,
		acker:            acker,
		graph:            graph,
		models:           models,
		compress:         compress,
		metrics:          m,
		log:              log,
		friends:          newFriendStore(store),
		inbox:            newInbox(store),
		selfUsername:     selfUsername,
		selfServerUserID: selfServerUserID,
		selfDeviceUUID:   selfDeviceUUID,
		events:           newEvents(),
	}
}

// Events returns the typed output channels a host application ranges
// over to observe inbound activity.
func (d *Dispatcher) Events() *Events { return &d.events }

// Friends returns the friend status/identity store.
func (d *Dispatcher) Friends() *FriendStore { return d.friends }

// Inbox returns the local per-conversation message history.
func (d *Dispatcher) Inbox() *Inbox { return d.inbox }

// SelfUsername returns this account's own username.
func (d *Dispatcher) SelfUsername() string { return d.selfUsername }

// SelfServerUserID returns this device's own server_user_id, the
// address peers use to reach it.
func (d *Dispatcher) SelfServerUserID() string { return d.selfServerUserID }

// SelfDeviceUUID returns this device's own device_uuid.
func (d *Dispatcher) SelfDeviceUUID() string { return d.selfDeviceUUID }

// DeviceGraph returns the underlying device topology store.
func (d *Dispatcher) DeviceGraph() *devicegraph.Graph { return d.graph }

// Models returns the underlying CRDT model store.
func (d *Dispatcher) Models() *model.Store { return d.models }

// conversationIDForFriend derives a stable, device-independent
// conversation id from a friend's username, so messages from any of a
// friend's several devices land in the same local history (spec.md §3's
// Conversation is keyed by participant identity, not by session address).
func conversationIDForFriend(peerUsername string) string {
	return "dm:" + peerUsername
}

func usernameFromConversationID(conversationID string) string {
	return strings.TrimPrefix(conversationID, "dm:")
}

func newMessageID(now time.Time) (string, error) {
	randBytes, err := cryptoutil.RandomBytes(8)
	if err != nil {
		return "", fmt.Errorf("dispatcher: generate message id: %w", err)
	}
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), hex.EncodeToString(randBytes)), nil
}

func encodePayload(p wire.Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode payload: %w", err)
	}
	return raw, nil
}

func (d *Dispatcher) friendByServerUserID(ctx context.Context, serverUserID string) (Friend, bool, error) {
	all, err := d.friends.All(ctx)
	if err != nil {
		return Friend{}, false, err
	}
	for _, friend := range all {
		if friend.ServerUserID == serverUserID {
			return friend, true, nil
		}
	}
	return Friend{}, false, nil
}

func (d *Dispatcher) sendMessageEvent(e MessageEvent) {
	select {
	case d.events.Messages <- e:
	default:
		d.log.Warn("dispatcher: Messages event channel full, dropping")
	}
}

func (d *Dispatcher) sendFriendRequestEvent(e FriendRequestEvent) {
	select {
	case d.events.FriendRequests <- e:
	default:
		d.log.Warn("dispatcher: FriendRequests event channel full, dropping")
	}
}

func (d *Dispatcher) sendFriendStatusEvent(e FriendStatusEvent) {
	select {
	case d.events.FriendStatuses <- e:
	default:
		d.log.Warn("dispatcher: FriendStatuses event channel full, dropping")
	}
}

func (d *Dispatcher) sendDeviceAnnounceEvent(e DeviceAnnounceEvent) {
	select {
	case d.events.DeviceAnnounces <- e:
	default:
		d.log.Warn("dispatcher: DeviceAnnounces event channel full, dropping")
	}
}

func (d *Dispatcher) sendModelSyncEvent(e ModelSyncEvent) {
	select {
	case d.events.ModelSyncs <- e:
	default:
		d.log.Warn("dispatcher: ModelSyncs event channel full, dropping")
	}
}

func (d *Dispatcher) sendDeviceLinkApprovalEvent(e DeviceLinkApprovalEvent) {
	select {
	case d.events.DeviceLinkApprovals <- e:
	default:
		d.log.Warn("dispatcher: DeviceLinkApprovals event channel full, dropping")
	}
}

func (d *Dispatcher) sendSyncBlobEvent(e SyncBlobEvent) {
	select {
	case d.events.SyncBlobs <- e:
	default:
		d.log.Warn("dispatcher: SyncBlobs event channel full, dropping")
	}
}

// HandleEnvelope is the single inbound entry point (spec.md §4.5):
// decrypt, decode, route by MessageType, ack only on success. A replay
// or out-of-order ratchet message (session.ErrMessageCounter) is
// dropped silently — no error, no ack — since the sender will not
// retransmit and acking it would be a lie.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env wire.GatewayEnvelope) error {
	start := time.Now()
	plaintext, err := d.engine.Decrypt(ctx, env.SourceUserID, env.Message.Type, env.Message.Content)
	d.metrics.ObserveDecryptDuration(time.Since(start).Seconds())

	if errors.Is(err, session.ErrMessageCounter) {
		d.metrics.RecordEnvelopeAck("dropped_replay")
		d.log.WithField("source_user_id", env.SourceUserID).Warn("dispatcher: dropping replayed or out-of-order message, no ack")
		return nil
	}
	if err != nil {
		d.metrics.RecordEnvelopeAck("error_no_ack")
		return fmt.Errorf("dispatcher: decrypt envelope %s: %w", env.ID, err)
	}

	var msg wire.ClientMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		d.metrics.RecordEnvelopeAck("error_no_ack")
		return fmt.Errorf("dispatcher: decode client message: %w", err)
	}

	if err := d.routeInbound(ctx, env.SourceUserID, msg); err != nil {
		d.metrics.RecordEnvelopeAck("error_no_ack")
		return fmt.Errorf("dispatcher: route %s: %w", msg.Type, err)
	}

	d.acker.Ack(ctx, env.ID)
	d.metrics.RecordEnvelopeAck("acked")
	return nil
}

// routeInbound implements spec.md §4.5's routing table.
func (d *Dispatcher) routeInbound(ctx context.Context, sourceUserID string, msg wire.ClientMessage) error {
	switch payload := msg.Payload.(type) {
	case wire.FriendRequestPayload:
		if err := d.friends.RecordIncomingRequest(ctx, payload.Username, sourceUserID); err != nil {
			return err
		}
		if _, err := d.graph.ApplyAnnounce(ctx, payload.Username, wire.DeviceAnnouncePayload{Devices: payload.Devices, TimestampMs: time.Now().UnixMilli()}); err != nil {
			return err
		}
		d.sendFriendRequestEvent(FriendRequestEvent{Username: payload.Username, ServerUserID: sourceUserID})
		return nil

	case wire.FriendResponsePayload:
		return d.handleFriendResponse(ctx, sourceUserID, payload)

	case wire.DeviceAnnouncePayload:
		return d.handleDeviceAnnounce(ctx, sourceUserID, payload)

	case wire.DeviceLinkApprovalPayload:
		return d.handleDeviceLinkApproval(ctx, payload)

	case wire.SessionResetPayload:
		return d.engine.Reset(ctx, sourceUserID)

	case wire.SentSyncPayload:
		return d.handleSentSync(ctx, payload)

	case wire.SyncBlobPayload:
		return d.handleSyncBlob(ctx, payload)

	case wire.ModelSyncPayload:
		return d.handleModelSync(ctx, payload)

	case wire.ContentReferencePayload:
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		return d.persistInbound(ctx, sourceUserID, msg.Type, msg.TimestampMs, encoded)

	case wire.TextPayload:
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		return d.persistInbound(ctx, sourceUserID, msg.Type, msg.TimestampMs, encoded)

	case wire.ImagePayload:
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		return d.persistInbound(ctx, sourceUserID, msg.Type, msg.TimestampMs, encoded)

	case wire.RawPayload:
		// HISTORY_CHUNK/SETTINGS_SYNC/READ_SYNC carry a stable wire tag
		// but no interpreted shape yet (see DESIGN.md). Persist the raw
		// bytes rather than dropping a legitimately-tagged message.
		return d.persistInbound(ctx, sourceUserID, msg.Type, msg.TimestampMs, payload.Raw)

	default:
		return fmt.Errorf("dispatcher: no route for message type %s", msg.Type)
	}
}

// persistInbound appends a received message to the peer's conversation
// and emits a MessageEvent. The conversation is resolved by friend
// username when sourceUserID is a known friend device; otherwise the
// raw server_user_id stands in (e.g. a message from a not-yet-accepted
// friend request sender).
func (d *Dispatcher) persistInbound(ctx context.Context, sourceUserID string, msgType wire.MessageType, timestampMs int64, encoded json.RawMessage) error {
	peerUsername := sourceUserID
	if friend, found, err := d.friendByServerUserID(ctx, sourceUserID); err != nil {
		return err
	} else if found {
		peerUsername = friend.Username
	}

	messageID, err := newMessageID(time.Now())
	if err != nil {
		return err
	}
	conversationID := conversationIDForFriend(peerUsername)
	stored := StoredMessage{
		ConversationID: conversationID,
		MessageID:      messageID,
		PeerUsername:   peerUsername,
		Direction:      DirectionInbound,
		TimestampMs:    timestampMs,
		Type:           msgType.String(),
		Payload:        encoded,
	}
	if err := d.inbox.Append(ctx, stored); err != nil {
		return err
	}
	d.sendMessageEvent(MessageEvent{ConversationID: conversationID, PeerUsername: peerUsername, Direction: DirectionInbound, Message: stored})
	return nil
}

func (d *Dispatcher) handleFriendResponse(ctx context.Context, sourceUserID string, payload wire.FriendResponsePayload) error {
	friend, found, err := d.friendByServerUserID(ctx, sourceUserID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dispatcher: friend response from unknown server_user_id %s", sourceUserID)
	}
	if !payload.Accepted {
		d.sendFriendStatusEvent(FriendStatusEvent{Username: friend.Username, Status: friend.Status})
		return nil
	}
	if err := d.friends.Accept(ctx, friend.Username, sourceUserID); err != nil {
		return err
	}
	if _, err := d.graph.ApplyAnnounce(ctx, friend.Username, wire.DeviceAnnouncePayload{Devices: payload.Devices, TimestampMs: time.Now().UnixMilli()}); err != nil {
		return err
	}
	d.sendFriendStatusEvent(FriendStatusEvent{Username: friend.Username, Status: FriendAccepted})
	return nil
}

func (d *Dispatcher) handleDeviceAnnounce(ctx context.Context, sourceUserID string, payload wire.DeviceAnnouncePayload) error {
	ownDevices, err := d.graph.OwnDevices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range ownDevices {
		if dev.ServerUserID == sourceUserID {
			devices := payload.Devices
			if payload.IsRevocation {
				selfListed := false
				for _, listed := range payload.Devices {
					if listed.ServerUserID == d.selfServerUserID {
						selfListed = true
					}
				}
				if !selfListed {
					// This device was revoked out of its own account.
					devices = nil
				}
			}
			if err := d.graph.SetOwnDevices(ctx, devices); err != nil {
				return err
			}
			d.sendDeviceAnnounceEvent(DeviceAnnounceEvent{})
			return nil
		}
	}

	friend, found, err := d.friendByServerUserID(ctx, sourceUserID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dispatcher: device announce from unknown server_user_id %s", sourceUserID)
	}
	acceptedWithoutRecoveryKey, err := d.graph.ApplyAnnounce(ctx, friend.Username, payload)
	if err != nil {
		return err
	}
	d.sendDeviceAnnounceEvent(DeviceAnnounceEvent{FriendUsername: friend.Username, AcceptedWithoutRecoveryKey: acceptedWithoutRecoveryKey})
	return nil
}

func (d *Dispatcher) handleDeviceLinkApproval(ctx context.Context, payload wire.DeviceLinkApprovalPayload) error {
	if err := d.graph.SetOwnDevices(ctx, payload.OwnDevices); err != nil {
		return err
	}
	if len(payload.FriendsExport) > 0 {
		if err := d.mergeFriendsExport(ctx, payload.FriendsExport); err != nil {
			return err
		}
	}
	d.sendDeviceLinkApprovalEvent(DeviceLinkApprovalEvent{
		P2PPublicKey:      payload.P2PPublicKey,
		P2PPrivateKey:     payload.P2PPrivateKey,
		RecoveryPublicKey: payload.RecoveryPublicKey,
		FriendsExport:     payload.FriendsExport,
		SessionsExport:    payload.SessionsExport,
		TrustedIDsExport:  payload.TrustedIDsExport,
	})
	return nil
}

// handleSentSync applies a SENT_SYNC arriving from one of this
// account's other devices, echoing a message it just sent so every
// device's local history agrees (spec.md §4.5).
func (d *Dispatcher) handleSentSync(ctx context.Context, payload wire.SentSyncPayload) error {
	stored := StoredMessage{
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
		PeerUsername:   usernameFromConversationID(payload.ConversationID),
		Direction:      DirectionOutbound,
		TimestampMs:    payload.TimestampMs,
		Type:           "sent_sync",
		Payload:        payload.Content,
	}
	if err := d.inbox.Append(ctx, stored); err != nil {
		return err
	}
	d.sendMessageEvent(MessageEvent{ConversationID: stored.ConversationID, PeerUsername: stored.PeerUsername, Direction: DirectionOutbound, Message: stored})
	return nil
}

// handleSyncBlob applies a SYNC_BLOB's {friends, messages, settings}
// document (spec.md §4.5/§4.6) against the state Dispatcher owns
// directly: every friend is upserted into FriendStore and every
// message is appended to Inbox, the same stores handleFriendResponse
// and persistInbound already write through. The document need not
// carry all three fields — a SYNC_BLOB sent purely to push settings
// carries none of "friends"/"messages", for instance.
func (d *Dispatcher) handleSyncBlob(ctx context.Context, payload wire.SyncBlobPayload) error {
	if d.compress == nil {
		return fmt.Errorf("dispatcher: sync blob received, no Compress capability configured")
	}
	decompressed, err := d.compress.Decompress(payload.CompressedData)
	if err != nil {
		return fmt.Errorf("dispatcher: decompress sync blob: %w", err)
	}

	var state SyncBlobState
	if err := json.Unmarshal(decompressed, &state); err != nil {
		return fmt.Errorf("dispatcher: decode sync blob state: %w", err)
	}
	for _, friend := range state.Friends {
		if err := d.friends.Put(ctx, friend); err != nil {
			return fmt.Errorf("dispatcher: merge sync blob friend %q: %w", friend.Username, err)
		}
	}
	for _, msg := range state.Messages {
		if err := d.inbox.Append(ctx, msg); err != nil {
			return fmt.Errorf("dispatcher: merge sync blob message %q: %w", msg.MessageID, err)
		}
	}

	d.sendSyncBlobEvent(SyncBlobEvent{Data: decompressed})
	return nil
}

// mergeFriendsExport upserts a DEVICE_LINK_APPROVAL's friends_export
// (the same JSON-encoded []Friend shape SYNC_BLOB's "friends" field
// carries) into FriendStore.
func (d *Dispatcher) mergeFriendsExport(ctx context.Context, friendsExport []byte) error {
	var friends []Friend
	if err := json.Unmarshal(friendsExport, &friends); err != nil {
		return fmt.Errorf("dispatcher: decode device link friends export: %w", err)
	}
	for _, friend := range friends {
		if err := d.friends.Put(ctx, friend); err != nil {
			return fmt.Errorf("dispatcher: merge device link friend %q: %w", friend.Username, err)
		}
	}
	return nil
}

// SyncBlobState is the JSON document a SYNC_BLOB carries once
// decompressed (spec.md §4.6: "a gzip-compressed SYNC_BLOB of
// {friends, messages, settings}"). Settings has no fixed shape at this
// layer — Dispatcher holds no settings store of its own — so it stays
// a raw JSON value for the host application to interpret.
type SyncBlobState struct {
	Friends  []Friend        `json:"friends,omitempty"`
	Messages []StoredMessage `json:"messages,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

func (d *Dispatcher) handleModelSync(ctx context.Context, payload wire.ModelSyncPayload) error {
	var data map[string]any
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return fmt.Errorf("dispatcher: decode model_sync data: %w", err)
	}
	entry := model.Entry{
		ID:             payload.ID,
		Model:          payload.Model,
		Data:           data,
		TimestampMs:    payload.TimestampMs,
		AuthorDeviceID: payload.AuthorDeviceID,
		Signature:      payload.Signature,
	}
	merged, verified, err := d.models.HandleSync(ctx, payload.Model, entry)
	d.metrics.RecordModelSync(payload.Model, merged != nil)
	if err != nil {
		return err
	}
	if merged == nil {
		return nil
	}
	d.sendModelSyncEvent(ModelSyncEvent{Model: payload.Model, Entry: *merged, Verified: verified})
	return nil
}

// fanOut encrypts msg once per target device's own server_user_id and
// posts it, collecting a FanOutReport. A per-target failure does not
// abort the remaining targets.
func (d *Dispatcher) fanOut(ctx context.Context, targetUserIDs []string, msg wire.ClientMessage) FanOutReport {
	report := newFanOutReport()
	plaintext, err := json.Marshal(msg)
	if err != nil {
		for _, target := range targetUserIDs {
			report.Failed[target] = err
		}
		return report
	}

	for _, target := range targetUserIDs {
		start := time.Now()
		encrypted, err := d.engine.Encrypt(ctx, target, plaintext)
		d.metrics.ObserveEncryptDuration(time.Since(start).Seconds())
		if err != nil {
			report.Failed[target] = err
			d.metrics.RecordFanOutTarget(false)
			continue
		}
		if err := d.sender.PostEncryptedEnvelope(ctx, target, encrypted); err != nil {
			report.Failed[target] = err
			d.metrics.RecordFanOutTarget(false)
			continue
		}
		report.Sent = append(report.Sent, target)
		d.metrics.RecordFanOutTarget(true)
	}
	return report
}

// SendText encrypts and fans out a TEXT message to every device of an
// accepted friend, persists it locally, and SENT_SYNCs it to this
// account's other devices (spec.md §4.5's outbound path).
func (d *Dispatcher) SendText(ctx context.Context, peerUsername, text string) (FanOutReport, error) {
	payload := wire.TextPayload{Text: text}
	return d.sendToFriend(ctx, peerUsername, wire.MessageTypeText, payload)
}

// SendContentReference fans out a CONTENT_REFERENCE pointing at an
// already-uploaded attachment (spec.md §4.4/§4.5). Uploading the blob
// itself is AttachmentCodec's job, not Dispatcher's.
func (d *Dispatcher) SendContentReference(ctx context.Context, peerUsername string, ref wire.ContentReference) (FanOutReport, error) {
	payload := wire.ContentReferencePayload{Ref: ref}
	return d.sendToFriend(ctx, peerUsername, wire.MessageTypeContentReference, payload)
}

func (d *Dispatcher) sendToFriend(ctx context.Context, peerUsername string, msgType wire.MessageType, payload wire.Payload) (FanOutReport, error) {
	friend, found, err := d.friends.Get(ctx, peerUsername)
	if err != nil {
		return FanOutReport{}, err
	}
	if !found || friend.Status != FriendAccepted {
		return FanOutReport{}, fmt.Errorf("dispatcher: %s is not an accepted friend", peerUsername)
	}

	targets, err := d.FriendDeviceUserIDs(ctx, peerUsername)
	if err != nil {
		return FanOutReport{}, err
	}

	now := time.Now()
	msg := wire.ClientMessage{Type: msgType, TimestampMs: now.UnixMilli(), Payload: payload}
	report := d.fanOut(ctx, targets, msg)

	messageID, err := newMessageID(now)
	if err != nil {
		return report, err
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return report, err
	}
	conversationID := conversationIDForFriend(peerUsername)
	stored := StoredMessage{
		ConversationID: conversationID,
		MessageID:      messageID,
		PeerUsername:   peerUsername,
		Direction:      DirectionOutbound,
		TimestampMs:    now.UnixMilli(),
		Type:           msgType.String(),
		Payload:        encoded,
	}
	if err := d.inbox.Append(ctx, stored); err != nil {
		return report, err
	}
	d.sendMessageEvent(MessageEvent{ConversationID: conversationID, PeerUsername: peerUsername, Direction: DirectionOutbound, Message: stored})

	selfTargets, err := d.SelfDeviceUserIDs(ctx)
	if err == nil && len(selfTargets) > 0 {
		sentSync := wire.SentSyncPayload{ConversationID: conversationID, MessageID: messageID, TimestampMs: now.UnixMilli(), Content: encoded}
		syncMsg := wire.ClientMessage{Type: wire.MessageTypeSentSync, TimestampMs: now.UnixMilli(), Payload: sentSync}
		d.fanOut(ctx, selfTargets, syncMsg) // best-effort: self-sync failure must not fail the primary send
	}

	return report, nil
}

// SendFriendRequest fans out a FRIEND_REQUEST to peerServerUserID and
// records the relationship as pending_outgoing. The payload carries
// this account's own username (not peerUsername), since the recipient
// needs to learn who is requesting; the envelope's source_user_id
// alone is just an opaque server id.
func (d *Dispatcher) SendFriendRequest(ctx context.Context, peerUsername, peerServerUserID string) error {
	if err := d.friends.RecordOutgoingRequest(ctx, peerUsername, peerServerUserID); err != nil {
		return err
	}
	devices, err := d.ownDevicesIncludingSelf(ctx)
	if err != nil {
		return err
	}
	payload := wire.FriendRequestPayload{Username: d.selfUsername, Devices: devices}
	msg := wire.ClientMessage{Type: wire.MessageTypeFriendRequest, TimestampMs: time.Now().UnixMilli(), Payload: payload}
	report := d.fanOut(ctx, []string{peerServerUserID}, msg)
	if !report.OK() {
		return fmt.Errorf("dispatcher: send friend request to %s: %w", peerUsername, report.Failed[peerServerUserID])
	}
	return nil
}

// SendDeviceLinkApproval fans out a DEVICE_LINK_APPROVAL to the new
// device's server_user_id, completing the link protocol's approving
// side (spec.md §4.6): the approving device has already parsed and
// verified the new device's link code (Graph.ParseAndVerifyLinkCode)
// before this runs, so sending here is unconditional.
func (d *Dispatcher) SendDeviceLinkApproval(ctx context.Context, targetUserID string, payload wire.DeviceLinkApprovalPayload) error {
	msg := wire.ClientMessage{Type: wire.MessageTypeDeviceLinkApproval, TimestampMs: time.Now().UnixMilli(), Payload: payload}
	report := d.fanOut(ctx, []string{targetUserID}, msg)
	if !report.OK() {
		return fmt.Errorf("dispatcher: send device link approval to %s: %w", targetUserID, report.Failed[targetUserID])
	}
	return nil
}

// SendSyncBlob fans out a gzip-compressed SYNC_BLOB to targetUserID,
// the device-link protocol's second message (spec.md §4.6: "follows
// with a gzip-compressed SYNC_BLOB of {friends, messages, settings}").
func (d *Dispatcher) SendSyncBlob(ctx context.Context, targetUserID string, plaintext []byte) error {
	if d.compress == nil {
		return fmt.Errorf("dispatcher: send sync blob, no Compress capability configured")
	}
	compressed, err := d.compress.Compress(plaintext)
	if err != nil {
		return fmt.Errorf("dispatcher: compress sync blob: %w", err)
	}
	payload := wire.SyncBlobPayload{CompressedData: compressed}
	msg := wire.ClientMessage{Type: wire.MessageTypeSyncBlob, TimestampMs: time.Now().UnixMilli(), Payload: payload}
	report := d.fanOut(ctx, []string{targetUserID}, msg)
	if !report.OK() {
		return fmt.Errorf("dispatcher: send sync blob to %s: %w", targetUserID, report.Failed[targetUserID])
	}
	return nil
}

// SendDeviceAnnounce fans out a DEVICE_ANNOUNCE (ordinary or
// revocation) to every given target (spec.md §4.6): own-devices for a
// link/unlink update, or every friend device for a revocation.
func (d *Dispatcher) SendDeviceAnnounce(ctx context.Context, targetUserIDs []string, announce wire.DeviceAnnouncePayload) error {
	msg := wire.ClientMessage{Type: wire.MessageTypeDeviceAnnounce, TimestampMs: announce.TimestampMs, Payload: announce}
	report := d.fanOut(ctx, targetUserIDs, msg)
	if !report.OK() {
		d.log.WithField("failures", report.FailureCount()).Warn("dispatcher: device announce broadcast had per-target failures")
	}
	return nil
}

// AcceptFriendRequest marks a pending_incoming friend accepted locally
// and fans out a FRIEND_RESPONSE carrying this account's own devices.
func (d *Dispatcher) AcceptFriendRequest(ctx context.Context, peerUsername string) error {
	friend, found, err := d.friends.Get(ctx, peerUsername)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dispatcher: no pending friend request from %s", peerUsername)
	}
	if err := d.friends.Accept(ctx, peerUsername, friend.ServerUserID); err != nil {
		return err
	}
	ownDevices, err := d.ownDevicesIncludingSelf(ctx)
	if err != nil {
		return err
	}
	payload := wire.FriendResponsePayload{Accepted: true, Devices: ownDevices}
	msg := wire.ClientMessage{Type: wire.MessageTypeFriendResponse, TimestampMs: time.Now().UnixMilli(), Payload: payload}
	d.fanOut(ctx, []string{friend.ServerUserID}, msg) // best-effort; the relationship is already accepted locally
	return nil
}

// SelfDeviceUserIDs implements model.TargetResolver.
func (d *Dispatcher) SelfDeviceUserIDs(ctx context.Context) ([]string, error) {
	ownDevices, err := d.graph.OwnDevices(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ownDevices))
	for _, dev := range ownDevices {
		ids = append(ids, dev.ServerUserID)
	}
	return ids, nil
}

// ownDevicesIncludingSelf returns this device's own address prepended to
// d.graph.OwnDevices, which by design tracks only the account's *other*
// devices. FRIEND_REQUEST/FRIEND_RESPONSE payloads need the full set so the
// peer's devicegraph learns about this device too, not just siblings.
func (d *Dispatcher) ownDevicesIncludingSelf(ctx context.Context) ([]wire.DeviceInfo, error) {
	others, err := d.graph.OwnDevices(ctx)
	if err != nil {
		return nil, err
	}
	self := wire.DeviceInfo{ServerUserID: d.selfServerUserID, DeviceUUID: d.selfDeviceUUID}
	return append([]wire.DeviceInfo{self}, others...), nil
}

// GroupMemberUsernames implements model.TargetResolver. It looks up
// parentModel/parentID directly through the same ModelStore, reading
// its `members` field as a JSON-encoded array of usernames (spec.md
// §4.7 step 3: "resolve that parent's members (JSON-encoded array of
// usernames)") — a plain FieldString on the declared model, since the
// declared field type system has no native array type.
func (d *Dispatcher) GroupMemberUsernames(ctx context.Context, parentModel, parentID string) ([]string, error) {
	entry, found, err := d.models.Find(ctx, parentModel, parentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	raw, ok := entry.Data["members"]
	if !ok {
		return nil, nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, nil
	}
	var usernames []string
	if err := json.Unmarshal([]byte(encoded), &usernames); err != nil {
		return nil, fmt.Errorf("dispatcher: decode members for %s/%s: %w", parentModel, parentID, err)
	}
	return usernames, nil
}

// FriendDeviceUserIDs implements model.TargetResolver.
func (d *Dispatcher) FriendDeviceUserIDs(ctx context.Context, username string) ([]string, error) {
	rec, err := d.graph.FriendDevices(ctx, username)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rec.Devices))
	for _, dev := range rec.Devices {
		ids = append(ids, dev.ServerUserID)
	}
	return ids, nil
}

// AllAcceptedFriendsDeviceUserIDs implements model.TargetResolver.
func (d *Dispatcher) AllAcceptedFriendsDeviceUserIDs(ctx context.Context) ([]string, error) {
	usernames, err := d.friends.AcceptedUsernames(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, username := range usernames {
		deviceIDs, err := d.FriendDeviceUserIDs(ctx, username)
		if err != nil {
			return nil, err
		}
		ids = append(ids, deviceIDs...)
	}
	return ids, nil
}

// BroadcastModelEntry implements model.Broadcaster: encode entry as a
// MODEL_SYNC ClientMessage and fan it out to targetUserIDs. Per-target
// failures are logged, not returned, since a CRDT entry is already
// durably committed locally before broadcast runs — a peer that missed
// this fan-out catches up on its next sync rather than the write failing.
func (d *Dispatcher) BroadcastModelEntry(ctx context.Context, targetUserIDs []string, modelName string, entry model.Entry) error {
	dataBytes, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("dispatcher: encode model entry data: %w", err)
	}
	payload := wire.ModelSyncPayload{
		Model:          modelName,
		ID:             entry.ID,
		Op:             wire.ModelOpCreate,
		TimestampMs:    entry.TimestampMs,
		Data:           dataBytes,
		Signature:      entry.Signature,
		AuthorDeviceID: entry.AuthorDeviceID,
	}
	msg := wire.ClientMessage{Type: wire.MessageTypeModelSync, TimestampMs: entry.TimestampMs, Payload: payload}
	report := d.fanOut(ctx, targetUserIDs, msg)
	if !report.OK() {
		d.log.WithFields(logrus.Fields{"model": modelName, "entry_id": entry.ID, "failures": report.FailureCount()}).Warn("dispatcher: model sync broadcast had per-target failures")
	}
	return nil
}
