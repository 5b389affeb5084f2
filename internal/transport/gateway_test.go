package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/transport"
	"github.com/obscura-chat/core/internal/wire"
)

func TestGatewayClientDeliversEnvelopeAndAcks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ackCh := make(chan wire.GatewayAck, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		env := wire.GatewayFrame{
			Kind: wire.GatewayFrameEnvelope,
			Envelope: &wire.GatewayEnvelope{
				ID:           "msg-1",
				SourceUserID: "alice",
				Message:      wire.EncryptedMessage{Type: wire.SessionMessageEncrypted, Content: []byte("hi")},
			},
		}
		require.NoError(t, conn.WriteJSON(env))

		var frame wire.GatewayFrame
		if err := conn.ReadJSON(&frame); err == nil && frame.Kind == wire.GatewayFrameAck {
			ackCh <- *frame.Ack
		}

		// keep the connection open briefly so the client's Run loop has
		// time to process before the test tears everything down
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var received *wire.GatewayEnvelope
	handler := func(ctx context.Context, env wire.GatewayEnvelope) {
		mu.Lock()
		received = &env
		mu.Unlock()
	}

	client := transport.NewGatewayClient(
		transport.NewStaticCredentialProvider("tok"),
		transport.NewStaticServerLocator(srv.URL),
		handler,
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go client.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "msg-1", received.ID)
	assert.Equal(t, "alice", received.SourceUserID)
	mu.Unlock()

	client.Ack(ctx, "msg-1")

	select {
	case ack := <-ackCh:
		assert.Equal(t, "msg-1", ack.MessageID)
	case <-time.After(time.Second):
		t.Fatal("ack was not received by server")
	}

	require.NoError(t, client.Close())
}
