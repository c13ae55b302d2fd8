// Package signing binds moderation actions to a shared secret with
// HMAC-SHA256 so a peer cannot be written to by anyone without the secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"example.com/moderationbridge/internal/domain"
)

var (
	ErrMissingSignature  = errors.New("signature is missing")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Signer signs and verifies actions. Safe for concurrent use.
type Signer struct {
	secret []byte
}

// NewSigner panics on an empty secret; an unsigned bridge would accept
// writes from anyone.
func NewSigner(secret string) *Signer {
	if secret == "" {
		panic("signing: secret is required")
	}
	return &Signer{secret: []byte(secret)}
}

// Canonical is the byte form that gets signed. encoding/json emits
// struct fields in declaration order, so equal actions always produce
// equal bytes.
func Canonical(a domain.ModerationAction) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("canonical action: %w", err)
	}
	return b, nil
}

// Sign returns the lowercase hex HMAC of the canonical action.
func (s *Signer) Sign(a domain.ModerationAction) (string, error) {
	body, err := Canonical(a)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(s.mac(body)), nil
}

// Verify recomputes the signature for a and compares it to signature.
// A "sha256=" prefix is tolerated.
func (s *Signer) Verify(a domain.ModerationAction, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrSignatureMismatch)
	}
	body, err := Canonical(a)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(s.mac(body), got) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyPayload checks a received envelope. headerSig is authoritative;
// a signature embedded in the body, when present, must agree with it.
func (s *Signer) VerifyPayload(p domain.WebhookPayload, headerSig string) (domain.ModerationAction, error) {
	if headerSig == "" {
		headerSig = p.Signature
	}
	if headerSig == "" {
		return domain.ModerationAction{}, ErrMissingSignature
	}
	if p.Signature != "" && !hmac.Equal([]byte(p.Signature), []byte(headerSig)) {
		return domain.ModerationAction{}, fmt.Errorf("%w: header and body disagree", ErrSignatureMismatch)
	}
	a, err := p.Moderation()
	if err != nil {
		return a, err
	}
	if err := s.Verify(a, headerSig); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Signer) mac(body []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	return m.Sum(nil)
}
