package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"example.com/moderationbridge/internal/domain"
)

// DeriveKey returns a stable key for a moderation action. Two payloads
// carrying the same (id, contentType, action, timestamp) collapse to
// the same key regardless of reason or moderator.
// The key is a hex-encoded SHA-256 to guarantee fixed length.
func DeriveKey(a *domain.ModerationAction) string {
	composite := fmt.Sprintf("%s|%s|%s|%s", a.ContentType, a.ID, a.Action, a.Timestamp)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
