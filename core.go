// Package obscura implements Core (spec.md §9): the explicit handle a
// host application constructs once per signed-in device, replacing the
// teacher's scattered global singletons (key cache, logger, per-process
// server state) with one owned object whose lifecycle is
// Open -> use -> Close, and into which the Storage and Compress
// capabilities are injected explicitly rather than detected at
// runtime (see internal/config's environment-auto-detection Design
// Note in DESIGN.md).
package obscura

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/obscura-chat/core/internal/attachment"
	"github.com/obscura-chat/core/internal/attachment/rediscache"
	"github.com/obscura-chat/core/internal/config"
	"github.com/obscura-chat/core/internal/coreerr"
	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/devicegraph"
	"github.com/obscura-chat/core/internal/dispatcher"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/metrics"
	"github.com/obscura-chat/core/internal/model"
	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/storage"
	"github.com/obscura-chat/core/internal/storage/badgerstore"
	"github.com/obscura-chat/core/internal/storage/sqlstore"
	"github.com/obscura-chat/core/internal/transport"
	"github.com/obscura-chat/core/internal/transport/attachmentstore"
	"github.com/obscura-chat/core/internal/transport/consuldiscovery"
	"github.com/obscura-chat/core/internal/transport/vaultcred"
	"github.com/obscura-chat/core/internal/wire"

	"github.com/redis/go-redis/v9"
)

// gzipCompress is the stdlib-backed dispatcher.Compress implementation
// SYNC_BLOB payloads flow through (SPEC_FULL.md §6: "gzip-compressed
// JSON... no ecosystem gzip library is needed or used elsewhere in the
// pack"). This is the one ambient concern in this build that is
// deliberately stdlib, not a gap in dependency coverage.
type gzipCompress struct{}

func (gzipCompress) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("obscura: gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("obscura: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompress) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("obscura: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("obscura: gzip decompress: %w", err)
	}
	return out, nil
}

// envelopeRouter breaks the construction cycle between GatewayClient
// (which needs its inbound handler at construction) and Dispatcher
// (which needs the GatewayClient as its Acker and must itself exist
// before it can handle anything). The same two-phase idea as
// model.Store.SetResolver/SetBroadcaster, applied to a plain func
// since GatewayClient has no setter of its own.
type envelopeRouter struct {
	mu      sync.RWMutex
	handler func(ctx context.Context, env wire.GatewayEnvelope)
}

func (r *envelopeRouter) set(h func(ctx context.Context, env wire.GatewayEnvelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *envelopeRouter) route(ctx context.Context, env wire.GatewayEnvelope) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h(ctx, env)
}

// Core is the top-level handle a host application owns for the
// lifetime of one signed-in device. Every component it wires together
// is reachable through an accessor rather than exported as a bare
// field, so Close (the documented clear-on-logout point, spec.md §9)
// has one place to scrub key material from memory.
type Core struct {
	cfg     *config.Config
	log     *logrus.Entry
	store   storage.Store
	metrics *metrics.Metrics

	keys    *keystore.KeyStore
	graph   *devicegraph.Graph
	engine  *session.Engine
	models  *model.Store
	dp      *dispatcher.Dispatcher
	codec   *attachment.Codec

	rest    *transport.RESTClient
	gateway *transport.GatewayClient
	router  *envelopeRouter

	redisClient *redis.Client

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// Open constructs a Core from cfg: opens storage, builds every
// capability cfg selects a concrete implementation for (credentials,
// server locator, attachment backend/cache), and wires
// KeyStore/SessionEngine/DeviceGraph/ModelStore/Dispatcher together.
// selfUsername/selfServerUserID/selfDeviceUUID identify this signed-in
// device; callers that have not yet registered a device call Register
// first against a Core built with empty device identity (Dispatcher
// only needs these three strings to address outbound FRIEND_REQUESTs
// and is otherwise usable before a DeviceIdentityRecord exists).
func Open(ctx context.Context, cfg *config.Config, selfUsername, selfServerUserID, selfDeviceUUID string) (*Core, error) {
	logger := cfg.NewLogger()
	log := logrus.NewEntry(logger).WithField("component", "core")

	store, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("obscura: open storage: %w", err)
	}

	keys := keystore.New(store)
	if err := keys.Open(ctx); err != nil {
		return nil, fmt.Errorf("obscura: open keystore: %w", err)
	}
	graph := devicegraph.New(store)
	if err := graph.Open(ctx); err != nil {
		return nil, fmt.Errorf("obscura: open devicegraph: %w", err)
	}

	creds, err := openCredentialProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("obscura: credential provider: %w", err)
	}
	locator, err := openServerLocator(cfg)
	if err != nil {
		return nil, fmt.Errorf("obscura: server locator: %w", err)
	}

	rest := transport.NewRESTClient(nil, creds, locator)
	engine := session.New(keys, rest, log.WithField("component", "session"))

	m := metrics.New()

	router := &envelopeRouter{}
	gateway := transport.NewGatewayClient(creds, locator, router.route, log.WithField("component", "gateway"))

	models := model.New(store, nil, nil, selfDeviceUUID, currentSigningPrivate(ctx, keys))

	dp := dispatcher.New(store, engine, rest, gateway, graph, models, gzipCompress{}, m, log.WithField("component", "dispatcher"), selfUsername, selfServerUserID, selfDeviceUUID)
	models.SetResolver(dp)
	models.SetBroadcaster(dp)
	router.set(func(ctx context.Context, env wire.GatewayEnvelope) {
		// dp.HandleEnvelope already suppresses MessageCounter
		// (spec.md §7) and returns nil for it; anything reaching here
		// is a surfaced failure, classified for the log line only.
		if err := dp.HandleEnvelope(ctx, env); err != nil {
			ce := coreerr.Classify(err)
			log.WithError(ce).WithField("kind", ce.Kind).Warn("obscura: dropping inbound envelope")
		}
	})

	backend, cache, redisClient, err := openAttachmentCapabilities(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obscura: attachment capabilities: %w", err)
	}
	codec := attachment.New(backend, cache, cfg.AttachmentChunksPerSecond)

	return &Core{
		cfg:         cfg,
		log:         log,
		store:       store,
		metrics:     m,
		keys:        keys,
		graph:       graph,
		engine:      engine,
		models:      models,
		dp:          dp,
		codec:       codec,
		rest:        rest,
		gateway:     gateway,
		router:      router,
		redisClient: redisClient,
	}, nil
}

// currentSigningPrivate returns the Ed25519 private key bytes signing
// this device's own model entries, or nil if no identity has been
// created yet (a brand new device, pre-Register).
func currentSigningPrivate(ctx context.Context, keys *keystore.KeyStore) []byte {
	identity, err := keys.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil
	}
	return identity.Signing.Private
}

func openStorage(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendSQL:
		return sqlstore.Open(cfg.SQLDriver, cfg.SQLDSN)
	default:
		return badgerstore.Open(cfg.BadgerPath)
	}
}

func openCredentialProvider(cfg *config.Config) (transport.CredentialProvider, error) {
	switch cfg.CredentialMode {
	case config.CredentialModeVault:
		return vaultcred.New(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMountPath, cfg.VaultSecretPath, cfg.VaultTokenKey)
	default:
		return transport.NewStaticCredentialProvider(cfg.StaticToken), nil
	}
}

func openServerLocator(cfg *config.Config) (transport.ServerLocator, error) {
	switch cfg.ServerLocatorMode {
	case config.ServerLocatorModeConsul:
		return consuldiscovery.New(cfg.ConsulAddr, cfg.ConsulServiceName)
	default:
		return transport.NewStaticServerLocator(cfg.RESTBaseURL), nil
	}
}

func openAttachmentCapabilities(ctx context.Context, cfg *config.Config) (attachment.Backend, attachment.Cache, *redis.Client, error) {
	backend, err := attachmentstore.New(ctx, cfg.AttachmentEndpoint, cfg.AttachmentAccessKey, cfg.AttachmentSecretKey, cfg.AttachmentBucket, cfg.AttachmentUseSSL)
	if err != nil {
		return nil, nil, nil, err
	}

	switch cfg.AttachmentCacheMode {
	case config.AttachmentCacheModeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		return backend, rediscache.New(client, "obscura-attachments:", cfg.AttachmentCacheTTL), client, nil
	default:
		return backend, attachment.NewMemoryCache(), nil, nil
	}
}

// Register bootstraps a brand-new device identity (spec.md §4.1/§4.2's
// implicit precondition that a ratchet identity and a published
// prekey bundle exist before any session can be created): generates
// the X25519 ECDH identity key and Ed25519 signing key, a random
// registration id, a signed prekey, and a batch of one-time prekeys,
// stores them all locally, and uploads the public halves through
// Transport so peers can fetch a prekey bundle for this device.
// isFirstDevice controls the DeviceIdentityRecord flag consumed by
// backup/device-link flows; recoveryPub is the account's recovery
// keypair public half (internal/cryptoutil.GenerateRecoveryPhrase +
// DeriveRecoveryKeyPair, run once at account creation and never again
// stored on any device).
func (c *Core) Register(ctx context.Context, oneTimePreKeyCount int, isFirstDevice bool, recoveryPub [32]byte) error {
	ecdh, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("obscura: generate identity ecdh key: %w", err)
	}
	signing, err := cryptoutil.GenerateEd25519KeyPair()
	if err != nil {
		return fmt.Errorf("obscura: generate identity signing key: %w", err)
	}
	registrationID, err := randomRegistrationID()
	if err != nil {
		return fmt.Errorf("obscura: generate registration id: %w", err)
	}

	identity := &keystore.IdentityKeyPair{ECDH: *ecdh, Signing: *signing, RegistrationID: registrationID}
	if err := c.keys.StorePlaintextIdentity(ctx, identity); err != nil {
		return fmt.Errorf("obscura: store identity: %w", err)
	}
	c.keys.PopulateKeyCache(identity)

	signedPreKeyPair, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("obscura: generate signed prekey: %w", err)
	}
	signedPreKey := &keystore.SignedPreKeyRecord{
		KeyID:     1,
		KeyPair:   *signedPreKeyPair,
		Signature: cryptoutil.Sign(signing.Private, signedPreKeyPair.Public[:]),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := c.keys.StoreSignedPreKey(ctx, signedPreKey); err != nil {
		return fmt.Errorf("obscura: store signed prekey: %w", err)
	}

	upload := session.UploadBundle{
		IdentityKey:        ecdh.Public,
		IdentitySigningKey: signing.Public,
		RegistrationID:     registrationID,
		SignedPreKey: session.SignedPreKeyUpload{
			KeyID:     signedPreKey.KeyID,
			Public:    signedPreKeyPair.Public,
			Signature: signedPreKey.Signature,
		},
	}
	for i := 0; i < oneTimePreKeyCount; i++ {
		oneTime, err := cryptoutil.GenerateX25519KeyPair()
		if err != nil {
			return fmt.Errorf("obscura: generate one-time prekey %d: %w", i, err)
		}
		keyID := uint32(i + 1)
		if err := c.keys.StorePreKey(ctx, &keystore.PreKeyRecord{KeyID: keyID, KeyPair: *oneTime}); err != nil {
			return fmt.Errorf("obscura: store one-time prekey %d: %w", i, err)
		}
		upload.OneTimePreKeys = append(upload.OneTimePreKeys, session.OneTimePreKeyUpload{KeyID: keyID, Public: oneTime.Public})
	}
	if err := c.rest.UploadPrekeys(ctx, upload); err != nil {
		return fmt.Errorf("obscura: upload prekeys: %w", err)
	}

	p2p, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("obscura: generate device p2p key: %w", err)
	}
	if err := c.keys.StoreDeviceIdentity(ctx, &keystore.DeviceIdentityRecord{
		CoreUsername:      c.dp.SelfUsername(),
		DeviceUUID:        c.dp.SelfDeviceUUID(),
		DeviceUsername:    c.dp.SelfDeviceUUID(),
		P2PKeyPair:        *p2p,
		RecoveryPublicKey: recoveryPub[:],
		IsFirstDevice:     isFirstDevice,
	}); err != nil {
		return fmt.Errorf("obscura: store device identity: %w", err)
	}

	c.models.SetIdentityPriv(signing.Private)
	return nil
}

func randomRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]) % 16380, nil
}

// Run starts the gateway read/reconnect loop in a background goroutine
// and returns immediately, without waiting for a connection to be
// established; call Close to stop it.
func (c *Core) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		if err := c.gateway.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.WithError(err).Error("obscura: gateway run loop exited")
		}
	}()
}

// Dispatcher returns the message router/fan-out facade.
func (c *Core) Dispatcher() *dispatcher.Dispatcher { return c.dp }

// Models returns the CRDT model store.
func (c *Core) Models() *model.Store { return c.models }

// Attachments returns the attachment encode/decode codec.
func (c *Core) Attachments() *attachment.Codec { return c.codec }

// KeyStore returns the local key material store.
func (c *Core) KeyStore() *keystore.KeyStore { return c.keys }

// DeviceGraph returns the own-device/friend-device topology store.
func (c *Core) DeviceGraph() *devicegraph.Graph { return c.graph }

// Metrics returns this Core instance's Prometheus collectors.
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// Close is the documented clear-on-logout point (spec.md §9): it stops
// the gateway run loop, scrubs the in-memory identity key cache, and
// closes the storage handle. A Core must not be used after Close.
func (c *Core) Close() error {
	if c.runCancel != nil {
		c.runCancel()
		<-c.runDone
	}
	_ = c.gateway.Close()
	c.keys.ClearKeyCache()
	if c.redisClient != nil {
		_ = c.redisClient.Close()
	}
	return c.store.Close()
}
