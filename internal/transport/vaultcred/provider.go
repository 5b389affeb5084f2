// Package vaultcred implements transport.CredentialProvider against
// HashiCorp Vault's KV v2 engine. Grounded on
// internal/config/config.go's GetSecretFromVault (same
// client.KVv2(mountPath).Get(ctx, secretPath) call, same "initialize
// once, read per-call" shape), adapted from "read the server's JWT
// signing secret" to "read the bearer token this client presents to
// the server".
package vaultcred

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// Provider reads a bearer token from a Vault KV v2 secret on every
// call. Vault's own token lease/renewal handles rotation; this layer
// just re-reads the secret, so a rotated token is picked up on the
// next request without restarting the core.
type Provider struct {
	client     *api.Client
	mountPath  string
	secretPath string
	tokenKey   string
}

// New builds a Provider. addr and vaultToken configure the Vault API
// client itself (the *Vault* auth token, distinct from the secret this
// Provider reads); mountPath/secretPath/tokenKey locate the KV v2
// entry holding the bearer token this client presents to the core's
// own server.
func New(addr, vaultToken, mountPath, secretPath, tokenKey string) (*Provider, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vaultcred: new client: %w", err)
	}
	client.SetToken(vaultToken)
	return &Provider{client: client, mountPath: mountPath, secretPath: secretPath, tokenKey: tokenKey}, nil
}

// Token implements transport.CredentialProvider.
func (p *Provider) Token(ctx context.Context) (string, error) {
	secret, err := p.client.KVv2(p.mountPath).Get(ctx, p.secretPath)
	if err != nil {
		return "", fmt.Errorf("vaultcred: get secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vaultcred: secret not found at %s/%s", p.mountPath, p.secretPath)
	}
	raw, ok := secret.Data[p.tokenKey]
	if !ok {
		return "", fmt.Errorf("vaultcred: key %q not present in secret", p.tokenKey)
	}
	token, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vaultcred: key %q is not a string", p.tokenKey)
	}
	return token, nil
}
