package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/obscura-chat/core/internal/storage"
)

const collectionConversationMessages = "CONVERSATION_MESSAGES"

// MessageDirection distinguishes a locally-sent message from a received one.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// StoredMessage is one entry in a conversation's local history. This
// generalizes the teacher's redis_inbox.go InboxMessage (message_id,
// sender_id, ciphertext, timestamp) from a multi-user server-side
// offline queue keyed by recipient into a single-device local
// conversation log keyed by conversation id, since Dispatcher here
// always already holds the plaintext ClientMessage it is persisting
// (it decrypted it, or is about to encrypt it) rather than a blob still
// queued for delivery.
type StoredMessage struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	PeerUsername   string           `json:"peer_username"`
	Direction      MessageDirection `json:"direction"`
	TimestampMs    int64            `json:"timestamp"`
	Type           string           `json:"type"`
	Payload        json.RawMessage  `json:"payload"`
}

// Inbox persists a flat per-conversation message history, keyed
// `{conversationId}\x00{messageId}` within one collection so a
// conversation's messages can be prefix-scanned (same scan idiom as
// internal/model's association index).
type Inbox struct {
	store storage.Store
}

func newInbox(store storage.Store) *Inbox {
	return &Inbox{store: store}
}

func conversationMessageKey(conversationID, messageID string) string {
	return conversationID + "\x00" + messageID
}

// Append records one message under conversationID.
func (i *Inbox) Append(ctx context.Context, msg StoredMessage) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatcher: encode stored message: %w", err)
	}
	return i.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionConversationMessages, conversationMessageKey(msg.ConversationID, msg.MessageID), encoded)
	})
}

// All returns every stored message across every conversation, for
// account export (spec.md §4.9 step 1: "all messages").
func (i *Inbox) All(ctx context.Context) ([]StoredMessage, error) {
	var messages []StoredMessage
	err := i.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionConversationMessages, func(key string, value []byte) error {
			var msg StoredMessage
			if err := json.Unmarshal(value, &msg); err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: iterate all messages: %w", err)
	}
	return messages, nil
}

// Conversation returns every message stored under conversationID, in
// unspecified order (callers that need chronological order sort by
// TimestampMs; history is expected to be small enough per conversation
// that this is not worth a secondary timestamp index).
func (i *Inbox) Conversation(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	prefix := conversationID + "\x00"
	var messages []StoredMessage
	err := i.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionConversationMessages, func(key string, value []byte) error {
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			var msg StoredMessage
			if err := json.Unmarshal(value, &msg); err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: scan conversation %s: %w", conversationID, err)
	}
	return messages, nil
}
