package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/obscura-chat/core/internal/wire"
)

const (
	gatewayWriteWait  = 10 * time.Second
	gatewayPongWait   = 60 * time.Second
	gatewayPingPeriod = (gatewayPongWait * 9) / 10
	gatewayMaxFrame   = 16 * 1024 * 1024

	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// GatewayClient is the bidirectional half of Transport (spec.md §4.3):
// it maintains a single websocket connection to the gateway, delivers
// inbound GatewayEnvelope frames to a handler, accepts ACKs for
// successfully-routed envelopes, and reconnects with exponential
// backoff on any connection loss. Grounded on the teacher's
// internal/websocket/client.go read/write pump split and ping/pong
// keepalive, adapted from server-side hub fan-out to a single
// client-side connection with its own reconnect loop.
type GatewayClient struct {
	creds   CredentialProvider
	locator ServerLocator
	handler func(ctx context.Context, env wire.GatewayEnvelope)
	log     *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	sendCh   chan wire.GatewayFrame
	closeOne sync.Once
}

// NewGatewayClient builds a client. handler is invoked for every
// inbound envelope frame; it runs on the client's read goroutine, so
// callers that need to do slow work should hand off asynchronously.
func NewGatewayClient(creds CredentialProvider, locator ServerLocator, handler func(ctx context.Context, env wire.GatewayEnvelope), log *logrus.Entry) *GatewayClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GatewayClient{
		creds:   creds,
		locator: locator,
		handler: handler,
		log:     log,
		sendCh:  make(chan wire.GatewayFrame, 100),
	}
}

// Run connects and services the connection until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
func (g *GatewayClient) Run(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := g.runOnce(ctx); err != nil {
			g.log.WithError(err).WithField("retry_in", delay).Warn("gateway connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (g *GatewayClient) runOnce(ctx context.Context) error {
	addr, err := g.locator.ResolveServerAddr(ctx)
	if err != nil {
		return fmt.Errorf("gateway: resolve server: %w", err)
	}
	token, err := g.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("gateway: credentials: %w", err)
	}

	scheme, host := "wss", addr
	if parsed, perr := url.Parse(addr); perr == nil && parsed.Scheme != "" {
		host = parsed.Host
		switch parsed.Scheme {
		case "http", "ws":
			scheme = "ws"
		default:
			scheme = "wss"
		}
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/v1/gateway"}
	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}
	conn.SetReadLimit(gatewayMaxFrame)

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() {
		conn.Close()
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go g.readPump(runCtx, conn, errCh)
	go g.writePump(runCtx, conn, errCh)

	select {
	case <-runCtx.Done():
		return runCtx.Err()
	case err := <-errCh:
		return err
	}
}

func (g *GatewayClient) readPump(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- fmt.Errorf("gateway: read: %w", err):
			default:
			}
			return
		}
		var frame wire.GatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.log.WithError(err).Warn("gateway: dropping malformed frame")
			continue
		}
		if frame.Kind == wire.GatewayFrameEnvelope && frame.Envelope != nil {
			g.handler(ctx, *frame.Envelope)
		}
	}
}

func (g *GatewayClient) writePump(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(gatewayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-g.sendCh:
			conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				select {
				case errCh <- fmt.Errorf("gateway: write: %w", err):
				default:
				}
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				select {
				case errCh <- fmt.Errorf("gateway: ping: %w", err):
				default:
				}
				return
			}
		}
	}
}

// Ack reports that an inbound envelope has been successfully routed
// and persisted, per spec.md §4.3's ACK-only-on-success contract. It is
// best-effort: the ack is queued on the client's send buffer for the
// write pump; if that buffer is full (or ctx is already done) the ack
// is dropped and the server's redelivery policy resends the envelope.
func (g *GatewayClient) Ack(ctx context.Context, messageID string) {
	frame := wire.GatewayFrame{Kind: wire.GatewayFrameAck, Ack: &wire.GatewayAck{MessageID: messageID}}
	select {
	case g.sendCh <- frame:
	case <-ctx.Done():
	default:
		g.log.WithField("message_id", messageID).Warn("gateway: ack dropped, send buffer full")
	}
}

// Close closes the underlying connection, if any, unblocking Run's
// current iteration so it can exit on context cancellation.
func (g *GatewayClient) Close() error {
	var err error
	g.closeOne.Do(func() {
		g.mu.Lock()
		if g.conn != nil {
			err = g.conn.Close()
		}
		g.mu.Unlock()
	})
	return err
}
