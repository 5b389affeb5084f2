package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/wire"
)

// maxAttachmentBytes matches spec.md §4.3's single-blob cap.
const maxAttachmentBytes = 950 * 1024

// ErrTransportIO wraps a non-2xx HTTP response or a network-level
// request failure (spec.md §7's TransportIO kind), carrying the status
// code so callers can branch on it ("surface with status code").
// StatusCode is 0 for a failure that never reached the server.
type ErrTransportIO struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ErrTransportIO) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: request failed: %v", e.Err)
	}
	return fmt.Sprintf("transport: server returned %d: %s", e.StatusCode, e.Body)
}

func (e *ErrTransportIO) Unwrap() error { return e.Err }

// RESTClient implements the REST-style half of Transport (spec.md
// §4.3): bearer-token-authenticated prekey bundle fetch/upload,
// encrypted envelope post, and single-blob attachment PUT/GET.
type RESTClient struct {
	httpClient *http.Client
	creds      CredentialProvider
	locator    ServerLocator
}

// NewRESTClient builds a RESTClient. httpClient may be nil, in which
// case a client with a sane default timeout is used.
func NewRESTClient(httpClient *http.Client, creds CredentialProvider, locator ServerLocator) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTClient{httpClient: httpClient, creds: creds, locator: locator}
}

func (c *RESTClient) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	addr, err := c.locator.ResolveServerAddr(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve server: %w", err)
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, addr+path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *RESTClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ErrTransportIO{Err: err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ErrTransportIO{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// --- prekey bundle wire DTOs --------------------------------------------

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

// FetchPrekeyBundle implements session.PrekeySource.
func (c *RESTClient) FetchPrekeyBundle(ctx context.Context, peerUserID string) (*session.PrekeyBundle, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/v1/users/"+peerUserID+"/prekey-bundle", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dto prekeyBundleDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("transport: decode prekey bundle: %w", err)
	}

	bundle := &session.PrekeyBundle{
		RegistrationID:        dto.RegistrationID,
		SignedPreKeyID:        dto.SignedPreKey.KeyID,
		SignedPreKeySignature: dto.SignedPreKey.Signature,
	}
	copy(bundle.IdentityKey[:], dto.IdentityKey)
	copy(bundle.IdentitySigningKey[:], dto.IdentitySigningKey)
	copy(bundle.SignedPreKeyPublic[:], dto.SignedPreKey.PublicKey)
	if dto.PreKey != nil {
		id := dto.PreKey.KeyID
		var pub [32]byte
		copy(pub[:], dto.PreKey.PublicKey)
		bundle.OneTimePreKeyID = &id
		bundle.OneTimePreKeyPublic = &pub
	}
	return bundle, nil
}

// UploadPrekeys implements session.PrekeySource.
func (c *RESTClient) UploadPrekeys(ctx context.Context, bundle session.UploadBundle) error {
	dto := uploadPrekeysDTO{
		IdentityKey:        bundle.IdentityKey[:],
		IdentitySigningKey: bundle.IdentitySigningKey[:],
		RegistrationID:     bundle.RegistrationID,
		SignedPreKey: signedPreKeyDTO{
			KeyID:     bundle.SignedPreKey.KeyID,
			PublicKey: bundle.SignedPreKey.Public[:],
			Signature: bundle.SignedPreKey.Signature,
		},
	}
	for _, otk := range bundle.OneTimePreKeys {
		dto.OneTimePreKeys = append(dto.OneTimePreKeys, oneTimePreKeyDTO{KeyID: otk.KeyID, PublicKey: otk.Public[:]})
	}
	payload, err := json.Marshal(dto)
	if err != nil {
		return fmt.Errorf("transport: encode prekey upload: %w", err)
	}
	req, err := c.authedRequest(ctx, http.MethodPost, "/v1/prekeys", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// PostEncryptedEnvelope posts a length-delimited EncryptedMessage to
// the given recipient user id (spec.md §4.3).
func (c *RESTClient) PostEncryptedEnvelope(ctx context.Context, recipientUserID string, msg wire.EncryptedMessage) error {
	var buf bytes.Buffer
	if err := wire.EncodeLengthDelimited(&buf, msg); err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	req, err := c.authedRequest(ctx, http.MethodPost, "/v1/users/"+recipientUserID+"/messages", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

type attachmentPutResponse struct {
	ID        string `json:"id"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// PutAttachment uploads opaque encrypted bytes, implementing the
// attachment.Backend contract via the REST surface (spec.md §4.3).
func (c *RESTClient) PutAttachment(ctx context.Context, blob []byte) (string, *int64, error) {
	if len(blob) > maxAttachmentBytes {
		return "", nil, fmt.Errorf("transport: attachment exceeds %d bytes", maxAttachmentBytes)
	}
	req, err := c.authedRequest(ctx, http.MethodPut, "/v1/attachments", bytes.NewReader(blob))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var parsed attachmentPutResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, fmt.Errorf("transport: decode attachment response: %w", err)
	}
	return parsed.ID, parsed.ExpiresAt, nil
}

// GetAttachment downloads opaque bytes by id.
func (c *RESTClient) GetAttachment(ctx context.Context, id string) ([]byte, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/v1/attachments/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read attachment body: %w", err)
	}
	return data, nil
}
