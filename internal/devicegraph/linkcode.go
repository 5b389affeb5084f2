package devicegraph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obscura-chat/core/internal/cryptoutil"
)

// GenerateLinkCode builds the code a new device displays for an
// existing device to scan (spec.md §4.6): a random 16-byte challenge
// signed with the new device's ratchet identity private key, base64
// of its JSON encoding.
func GenerateLinkCode(serverUserID, deviceUsername string, identityPub, identityPriv []byte, now time.Time) (string, error) {
	challenge, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return "", fmt.Errorf("devicegraph: generate challenge: %w", err)
	}
	signature := cryptoutil.Sign(identityPriv, challenge)
	code := LinkCode{
		ServerUserID:   serverUserID,
		DeviceUsername: deviceUsername,
		IdentityPub:    identityPub,
		Challenge:      challenge,
		Signature:      signature,
		ExpiresAt:      now.Add(linkChallengeTTL).Unix(),
	}
	raw, err := json.Marshal(code)
	if err != nil {
		return "", fmt.Errorf("devicegraph: encode link code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseAndVerifyLinkCode decodes code, enforces expiry, enforces
// one-shot use of its challenge (in-memory set on g), and verifies the
// signature over the challenge using the embedded identity public key.
func (g *Graph) ParseAndVerifyLinkCode(code string, now time.Time) (LinkCode, error) {
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return LinkCode{}, fmt.Errorf("devicegraph: decode link code: %w", err)
	}
	var parsed LinkCode
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return LinkCode{}, fmt.Errorf("devicegraph: unmarshal link code: %w", err)
	}

	if now.Unix() > parsed.ExpiresAt {
		return LinkCode{}, ErrLinkCodeExpired
	}

	challengeKey := base64.StdEncoding.EncodeToString(parsed.Challenge)
	g.challengeMu.Lock()
	_, alreadyUsed := g.seenOnce[challengeKey]
	if !alreadyUsed {
		g.seenOnce[challengeKey] = struct{}{}
	}
	g.challengeMu.Unlock()
	if alreadyUsed {
		return LinkCode{}, ErrLinkCodeReplayed
	}

	if !cryptoutil.Verify(parsed.IdentityPub, parsed.Challenge, parsed.Signature) {
		return LinkCode{}, ErrLinkCodeSignature
	}
	return parsed, nil
}
