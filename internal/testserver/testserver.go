// Package testserver implements an in-process fake REST + gateway
// fixture for the end-to-end scenarios in spec.md §8 (S1-S6). It is
// grounded on the teacher's cmd/chatserver route registration
// (gorilla/mux + rs/cors) and internal/websocket/hub.go's
// register/unregister/per-connection-send-channel shape, trimmed from
// a multi-tenant production hub down to the handful of endpoints
// transport.RESTClient and transport.GatewayClient actually call.
//
// Authentication here is deliberately the simplest possible test
// double, not a deployable scheme: the bearer token IS the caller's
// server_user_id. A real server's auth (JWT issuance/rotation,
// password/TOTP, refresh tokens — the teacher's internal/auth) has no
// place in a fixture whose only job is to let two or more in-process
// Core instances exchange real envelopes over a real loopback
// connection.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/obscura-chat/core/internal/wire"
)

type signedPreKeyDTO struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type oneTimePreKeyDTO struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

type prekeyBundleDTO struct {
	IdentityKey        []byte            `json:"identity_key"`
	IdentitySigningKey []byte            `json:"identity_signing_key"`
	RegistrationID     uint32            `json:"registration_id"`
	SignedPreKey       signedPreKeyDTO   `json:"signed_pre_key"`
	PreKey             *oneTimePreKeyDTO `json:"pre_key,omitempty"`
}

type uploadPrekeysDTO struct {
	IdentityKey        []byte             `json:"identity_key"`
	IdentitySigningKey []byte             `json:"identity_signing_key"`
	RegistrationID     uint32             `json:"registration_id"`
	SignedPreKey       signedPreKeyDTO    `json:"signed_pre_key"`
	OneTimePreKeys     []oneTimePreKeyDTO `json:"one_time_pre_keys"`
}

type attachmentPutResponse struct {
	ID        string `json:"id"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

type prekeyState struct {
	mu         sync.Mutex
	bundle     uploadPrekeysDTO
	oneTimeIdx int
}

// connection is one user's live gateway websocket, with its own
// buffered outbound channel so a slow reader cannot block delivery to
// other users (same shape as the teacher's per-client send channel in
// internal/websocket/client.go).
type connection struct {
	send chan wire.GatewayFrame
	done chan struct{}
}

// Server is the fake server fixture. One Server instance stands in for
// an entire deployment: every Core under test points its
// ServerLocator at the same Server.URL.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader
	log        *logrus.Entry

	mu          sync.Mutex
	prekeys     map[string]*prekeyState
	conns       map[string][]*connection
	offline     map[string][]wire.GatewayEnvelope
	attachments map[string][]byte
}

// New starts a Server listening on a loopback port. Callers point a
// transport.StaticServerLocator (or any ServerLocator) at srv.URL().
func New(log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	srv := &Server{
		log:         log,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		prekeys:     make(map[string]*prekeyState),
		conns:       make(map[string][]*connection),
		offline:     make(map[string][]wire.GatewayEnvelope),
		attachments: make(map[string][]byte),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/prekeys", srv.handleUploadPrekeys).Methods(http.MethodPost)
	router.HandleFunc("/v1/users/{id}/prekey-bundle", srv.handleFetchPrekeyBundle).Methods(http.MethodGet)
	router.HandleFunc("/v1/users/{id}/messages", srv.handlePostMessage).Methods(http.MethodPost)
	router.HandleFunc("/v1/attachments", srv.handlePutAttachment).Methods(http.MethodPut)
	router.HandleFunc("/v1/attachments/{id}", srv.handleGetAttachment).Methods(http.MethodGet)
	router.HandleFunc("/v1/gateway", srv.handleGateway).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)

	srv.httpServer = httptest.NewServer(handler)
	return srv
}

// URL returns the base address (http://127.0.0.1:PORT) a Core's
// transport.ServerLocator resolves to; GatewayClient derives its own
// ws://.../v1/gateway address from the same scheme+host.
func (s *Server) URL() string { return s.httpServer.URL }

// HasConnection reports whether userID currently has at least one live
// gateway connection. Test-only: callers use this to avoid a race
// between dialing the gateway and posting the first message meant for
// it, rather than expecting the fixture to queue everything unconditionally.
func (s *Server) HasConnection(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID]) > 0
}

// Close shuts down the listener and every open gateway connection.
func (s *Server) Close() {
	s.mu.Lock()
	for _, conns := range s.conns {
		for _, c := range conns {
			close(c.done)
		}
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

func bearerUserID(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", fmt.Errorf("testserver: missing bearer token")
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("testserver: empty bearer token")
	}
	return token, nil
}

func (s *Server) handleUploadPrekeys(w http.ResponseWriter, r *http.Request) {
	userID, err := bearerUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var dto uploadPrekeysDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.prekeys[userID] = &prekeyState{bundle: dto}
	s.mu.Unlock()

	s.log.WithField("user_id", userID).Debug("testserver: prekeys uploaded")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFetchPrekeyBundle(w http.ResponseWriter, r *http.Request) {
	if _, err := bearerUserID(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	targetID := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.prekeys[targetID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no prekeys for user", http.StatusNotFound)
		return
	}

	state.mu.Lock()
	resp := prekeyBundleDTO{
		IdentityKey:        state.bundle.IdentityKey,
		IdentitySigningKey: state.bundle.IdentitySigningKey,
		RegistrationID:     state.bundle.RegistrationID,
		SignedPreKey:       state.bundle.SignedPreKey,
	}
	if state.oneTimeIdx < len(state.bundle.OneTimePreKeys) {
		otk := state.bundle.OneTimePreKeys[state.oneTimeIdx]
		resp.PreKey = &oneTimePreKeyDTO{KeyID: otk.KeyID, PublicKey: otk.PublicKey}
		state.oneTimeIdx++
	}
	state.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sourceUserID, err := bearerUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	recipientUserID := mux.Vars(r)["id"]

	var msg wire.EncryptedMessage
	if err := wire.DecodeLengthDelimited(r.Body, &msg); err != nil {
		http.Error(w, "bad envelope body", http.StatusBadRequest)
		return
	}

	envelope := wire.GatewayEnvelope{
		ID:           uuid.NewString(),
		SourceUserID: sourceUserID,
		Message:      msg,
	}
	s.deliver(recipientUserID, envelope)
	w.WriteHeader(http.StatusAccepted)
}

// deliver fans the envelope out to every one of the recipient's
// currently-connected devices, or queues it for delivery on next
// connect if none are online (spec.md §4.3's offline-delivery
// expectation, trimmed from the teacher's Redis ZSET inbox to a plain
// in-memory slice since this fixture never restarts mid-test).
func (s *Server) deliver(userID string, envelope wire.GatewayEnvelope) {
	s.mu.Lock()
	conns := append([]*connection(nil), s.conns[userID]...)
	if len(conns) == 0 {
		s.offline[userID] = append(s.offline[userID], envelope)
	}
	s.mu.Unlock()

	frame := wire.GatewayFrame{Kind: wire.GatewayFrameEnvelope, Envelope: &envelope}
	for _, c := range conns {
		select {
		case c.send <- frame:
		case <-c.done:
		default:
			s.log.WithField("user_id", userID).Warn("testserver: connection send buffer full, dropping")
		}
	}
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	if _, err := bearerUserID(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.attachments[id] = blob
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(attachmentPutResponse{ID: id})
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	if _, err := bearerUserID(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	blob, ok := s.attachments[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	userID, err := bearerUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("testserver: websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{send: make(chan wire.GatewayFrame, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.conns[userID] = append(s.conns[userID], c)
	queued := s.offline[userID]
	delete(s.offline, userID)
	s.mu.Unlock()

	for _, env := range queued {
		c.send <- wire.GatewayFrame{Kind: wire.GatewayFrameEnvelope, Envelope: &env}
	}

	defer s.removeConnection(userID, c)

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			var frame wire.GatewayFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			// Acks are accepted and ignored: this fixture has no
			// redelivery policy for the test scenarios to exercise.
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-readErrCh:
			return
		case frame := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeConnection(userID string, target *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.conns[userID]
	for i, c := range conns {
		if c == target {
			s.conns[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}
