// Package config implements environment-driven bootstrap for a host
// application constructing a Core (core.go), generalized from the
// teacher's config.Config (server connection strings, JWT secret
// rotation, Vault-backed secrets, rate limits) into a client core's
// equivalent bootstrap surface: where this device persists state, how
// it reaches the server, and how it authenticates to it. The env-file
// cascading and getEnv/getEnvInt64 helper shape is kept identical to
// the teacher's; the fields they populate are not.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// loadEnvFiles loads environment files in the same base -> per-env ->
// local-override order the teacher's config.go used, renamed from
// NODE_ENV to APP_ENV since this is a Go core, not a Node-flavored
// server.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("APP_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// MustGetEnv reads a required environment variable, the same
// fail-fast-on-missing-secret idiom the teacher's config.go used for
// JWT_SECRET.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		logrus.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return value
}

// StorageBackend selects which storage.Store implementation core.go
// wires up (spec.md §4.1's "Storage capability... treated as an
// external collaborator").
type StorageBackend string

const (
	StorageBackendBadger StorageBackend = "badger"
	StorageBackendSQL    StorageBackend = "sql"
)

// ServerLocatorMode selects which transport.ServerLocator core.go wires
// up (Design Notes §9's environment auto-detection: a fixed endpoint
// for a single-server deployment, or Consul health-check discovery for
// one running its own server federation).
type ServerLocatorMode string

const (
	ServerLocatorModeStatic ServerLocatorMode = "static"
	ServerLocatorModeConsul ServerLocatorMode = "consul"
)

// CredentialMode selects which transport.CredentialProvider core.go
// wires up.
type CredentialMode string

const (
	CredentialModeStatic CredentialMode = "static"
	CredentialModeVault  CredentialMode = "vault"
)

// AttachmentCacheMode selects which attachment.Cache core.go wires up.
type AttachmentCacheMode string

const (
	AttachmentCacheModeMemory AttachmentCacheMode = "memory"
	AttachmentCacheModeRedis  AttachmentCacheMode = "redis"
)

// Config is everything core.go's bootstrap needs to assemble a Core
// from environment variables. Every field has a workable local-dev
// default (badger on disk, a static token, a static single-server
// locator, an in-memory attachment cache) so Load never fails in the
// absence of any environment at all; a deployment opts into Vault,
// Consul or Redis explicitly by setting the corresponding *_MODE
// variable, and into Postgres/sqlite by setting STORAGE_BACKEND=sql.
type Config struct {
	LogLevel  logrus.Level
	LogJSON   bool

	StorageBackend StorageBackend
	BadgerPath     string
	SQLDriver      string
	SQLDSN         string

	ServerLocatorMode    ServerLocatorMode
	RESTBaseURL          string
	GatewayURL           string
	ConsulAddr           string
	ConsulServiceName    string

	CredentialMode  CredentialMode
	StaticToken     string
	VaultAddr       string
	VaultToken      string
	VaultMountPath  string
	VaultSecretPath string
	VaultTokenKey   string

	AttachmentEndpoint  string
	AttachmentAccessKey string
	AttachmentSecretKey string
	AttachmentBucket    string
	AttachmentUseSSL    bool
	AttachmentCacheMode AttachmentCacheMode
	RedisURL            string
	AttachmentCacheTTL  time.Duration

	// AttachmentChunksPerSecond configures AttachmentCodec's upload
	// pacing (spec.md §4.4: "1050/N ms spacing"); 0 means unlimited.
	AttachmentChunksPerSecond int
}

// Load reads Config from the environment, cascading .env files first
// (mirrors the teacher's config.Load order: load env files, then read
// variables with defaults, then fail fast on anything required but
// missing).
func Load() *Config {
	loadEnvFiles()

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}

	cfg := &Config{
		LogLevel: level,
		LogJSON:  getEnvBool("LOG_JSON", false),

		StorageBackend: StorageBackend(getEnv("STORAGE_BACKEND", string(StorageBackendBadger))),
		BadgerPath:     getEnv("BADGER_PATH", "./obscura-data"),
		SQLDriver:      getEnv("SQL_DRIVER", "sqlite3"),
		SQLDSN:         getEnv("SQL_DSN", "./obscura-data.sqlite3"),

		ServerLocatorMode: ServerLocatorMode(getEnv("SERVER_LOCATOR_MODE", string(ServerLocatorModeStatic))),
		RESTBaseURL:       getEnv("REST_BASE_URL", "http://localhost:8080"),
		GatewayURL:        getEnv("GATEWAY_URL", "ws://localhost:8080/ws"),
		ConsulAddr:        getEnv("CONSUL_ADDR", "localhost:8500"),
		ConsulServiceName: getEnv("CONSUL_SERVICE_NAME", "obscura-gateway"),

		CredentialMode:  CredentialMode(getEnv("CREDENTIAL_MODE", string(CredentialModeStatic))),
		StaticToken:     os.Getenv("STATIC_TOKEN"),
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "obscura-core"),
		VaultTokenKey:   getEnv("VAULT_TOKEN_KEY", "bearer_token"),

		AttachmentEndpoint:  getEnv("ATTACHMENT_ENDPOINT", "localhost:9000"),
		AttachmentAccessKey: getEnv("ATTACHMENT_ACCESS_KEY", "minioadmin"),
		AttachmentSecretKey: getEnv("ATTACHMENT_SECRET_KEY", "minioadmin123"),
		AttachmentBucket:    getEnv("ATTACHMENT_BUCKET", "obscura-attachments"),
		AttachmentUseSSL:    getEnvBool("ATTACHMENT_USE_SSL", false),
		AttachmentCacheMode: AttachmentCacheMode(getEnv("ATTACHMENT_CACHE_MODE", string(AttachmentCacheModeMemory))),
		RedisURL:            getEnv("REDIS_URL", "localhost:6379"),
		AttachmentCacheTTL:  time.Duration(getEnvInt64("ATTACHMENT_CACHE_TTL_SECONDS", 3600)) * time.Second,

		AttachmentChunksPerSecond: int(getEnvInt64("ATTACHMENT_CHUNKS_PER_SECOND", 1)),
	}

	if err := cfg.validate(); err != nil {
		logrus.Fatalf("FATAL: configuration validation failed: %v", err)
	}

	return cfg
}

// validate catches the misconfigurations that would otherwise surface
// much later as a confusing nil-pointer or connection-refused error
// deep inside core.go's wiring (e.g. CREDENTIAL_MODE=vault with no
// VAULT_ADDR set).
func (c *Config) validate() error {
	switch c.StorageBackend {
	case StorageBackendBadger, StorageBackendSQL:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.ServerLocatorMode {
	case ServerLocatorModeStatic:
	case ServerLocatorModeConsul:
		if c.ConsulAddr == "" {
			return fmt.Errorf("SERVER_LOCATOR_MODE=consul requires CONSUL_ADDR")
		}
	default:
		return fmt.Errorf("unknown SERVER_LOCATOR_MODE %q", c.ServerLocatorMode)
	}
	switch c.CredentialMode {
	case CredentialModeStatic:
	case CredentialModeVault:
		if c.VaultAddr == "" || c.VaultToken == "" {
			return fmt.Errorf("CREDENTIAL_MODE=vault requires VAULT_ADDR and VAULT_TOKEN")
		}
	default:
		return fmt.Errorf("unknown CREDENTIAL_MODE %q", c.CredentialMode)
	}
	switch c.AttachmentCacheMode {
	case AttachmentCacheModeMemory, AttachmentCacheModeRedis:
	default:
		return fmt.Errorf("unknown ATTACHMENT_CACHE_MODE %q", c.AttachmentCacheMode)
	}
	return nil
}

// NewLogger builds the root logrus.Logger core.go derives every
// component's *logrus.Entry from (WithField("component", ...)), so log
// level/format are configured in exactly one place rather than each
// component reaching into a package-global logrus instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
