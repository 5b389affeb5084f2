// Package coreerr implements the Go error taxonomy SPEC_FULL.md §7
// calls for: each error kind in spec.md §7's table becomes a sentinel
// in its owning component package (session.ErrMessageCounter,
// keystore.ErrNotInitialized, ...), and CoreError wraps whichever
// sentinel actually occurred in a {Kind, Err} pair so a caller at the
// Core boundary can switch on Kind without importing every component
// package's error type individually — the same organizing idea as the
// teacher's auth.ErrInvalidToken/ErrTokenExpired/... sentinel cluster,
// generalized to span all seven components behind one dispatch type.
package coreerr

import (
	"errors"
	"fmt"

	"github.com/obscura-chat/core/internal/attachment"
	"github.com/obscura-chat/core/internal/backup"
	"github.com/obscura-chat/core/internal/devicegraph"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/model"
	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/transport"
)

// Kind names one row of spec.md §7's error table. Kind is a string
// enum (not an int) so it prints legibly in logs without a String
// method, matching the teacher's preference for descriptive sentinel
// messages over opaque codes.
type Kind string

const (
	KindIdentityMismatch         Kind = "identity_mismatch"
	KindSessionNotEstablished    Kind = "session_not_established"
	KindMessageCounter           Kind = "message_counter"
	KindDecryptAuth              Kind = "decrypt_auth"
	KindIntegrityFail            Kind = "integrity_fail"
	KindTransportIO              Kind = "transport_io"
	KindStorageIO                Kind = "storage_io"
	KindValidation               Kind = "validation"
	KindLinkExpired              Kind = "link_expired"
	KindLinkReplayed             Kind = "link_replayed"
	KindLinkBadSignature         Kind = "link_bad_signature"
	KindUnsupportedBackupVersion Kind = "unsupported_backup_version"
	KindBackupDecrypt            Kind = "backup_decrypt"
	KindUnknownModel             Kind = "unknown_model"
	KindUnknown                  Kind = "unknown"
)

// CoreError pairs a Kind with the underlying error so callers can use
// either errors.Is against the wrapped sentinel (unchanged behavior
// for existing tests) or a Kind switch against CoreError itself.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("obscura: %s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// classification is ordered narrowest-sentinel-first; Classify returns
// on the first errors.Is match.
var classification = []struct {
	kind Kind
	err  error
}{
	{KindIdentityMismatch, session.ErrIdentityMismatch},
	{KindSessionNotEstablished, session.ErrSessionNotEstablished},
	{KindMessageCounter, session.ErrMessageCounter},
	{KindDecryptAuth, session.ErrDecryptAuth},
	{KindIntegrityFail, attachment.ErrIntegrityFail},
	{KindStorageIO, keystore.ErrNotInitialized},
	{KindStorageIO, keystore.ErrIdentityLocked},
	{KindLinkExpired, devicegraph.ErrLinkCodeExpired},
	{KindLinkReplayed, devicegraph.ErrLinkCodeReplayed},
	{KindLinkBadSignature, devicegraph.ErrLinkCodeSignature},
	{KindLinkBadSignature, devicegraph.ErrRevocationSignature},
	{KindUnsupportedBackupVersion, backup.ErrUnsupportedVersion},
	{KindBackupDecrypt, backup.ErrDecrypt},
	{KindValidation, model.ErrValidation},
	{KindUnknownModel, model.ErrUnknownModel},
}

// Classify wraps err in a *CoreError carrying the spec.md §7 Kind it
// matches. Unwrap preserves the original sentinel, so existing
// errors.Is(err, session.ErrX) call sites keep working unchanged even
// after their error has passed through Classify. Nil in, nil out.
func Classify(err error) *CoreError {
	if err == nil {
		return nil
	}
	var storageIO *keystore.ErrStorageIO
	if errors.As(err, &storageIO) {
		return &CoreError{Kind: KindStorageIO, Err: err}
	}
	var transportIO *transport.ErrTransportIO
	if errors.As(err, &transportIO) {
		return &CoreError{Kind: KindTransportIO, Err: err}
	}
	for _, c := range classification {
		if errors.Is(err, c.err) {
			return &CoreError{Kind: c.kind, Err: err}
		}
	}
	return &CoreError{Kind: KindUnknown, Err: err}
}

// Is reports whether err classifies as kind, looking through any
// wrapping (fmt.Errorf("...: %w", ...) chains included).
func Is(err error, kind Kind) bool {
	return Classify(err).Kind == kind
}
