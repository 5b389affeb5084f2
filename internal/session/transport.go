package session

import "context"

// PrekeyBundle is the responder's published key material (spec.md §4.3
// "Fetch prekey bundle"). Key fields are opaque byte arrays on the
// wire; here they're fixed-size arrays since every key in this system
// is X25519 or its signature is Ed25519-sized.
// IdentitySigningKey is carried alongside IdentityKey rather than
// folded into one opaque field: this implementation keeps the ECDH
// and Ed25519 halves of RatchetIdentity as distinct keys (see
// keystore.IdentityKeyPair) instead of converting one Curve25519 key
// back and forth between DH and signature use (XEdDSA), so the
// signed-prekey signature verifies against it directly.
type PrekeyBundle struct {
	IdentityKey           [32]byte
	IdentitySigningKey    [32]byte
	RegistrationID        uint32
	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySignature []byte
	OneTimePreKeyID       *uint32
	OneTimePreKeyPublic   *[32]byte
}

// UploadBundle is what Engine pushes back through Transport after
// prekey replenishment (spec.md §4.3 "Upload prekeys").
type UploadBundle struct {
	IdentityKey        [32]byte
	IdentitySigningKey [32]byte
	RegistrationID     uint32
	SignedPreKey       SignedPreKeyUpload
	OneTimePreKeys     []OneTimePreKeyUpload
}

type SignedPreKeyUpload struct {
	KeyID     uint32
	Public    [32]byte
	Signature []byte
}

type OneTimePreKeyUpload struct {
	KeyID  uint32
	Public [32]byte
}

// PrekeySource is the slice of Transport that SessionEngine depends on.
// Defined here (rather than depended on from internal/transport) so
// this package stays a leaf; internal/transport implements it.
type PrekeySource interface {
	FetchPrekeyBundle(ctx context.Context, peerUserID string) (*PrekeyBundle, error)
	UploadPrekeys(ctx context.Context, bundle UploadBundle) error
}
