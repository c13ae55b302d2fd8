package domain

import (
	"encoding/json"
	"fmt"
)

// EventType tags the variant carried by a WebhookPayload.
type EventType string

const EventModerationAction EventType = "moderation_action"

// WebhookPayload is the wire envelope. Data stays raw until the type tag
// has been checked; use Moderation to decode the moderation_action variant.
type WebhookPayload struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// NewModerationPayload wraps a signed action in an envelope.
func NewModerationPayload(a ModerationAction, signature string) (WebhookPayload, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return WebhookPayload{}, fmt.Errorf("marshal action: %w", err)
	}
	return WebhookPayload{Type: EventModerationAction, Data: raw, Signature: signature}, nil
}

// Moderation decodes Data as a ModerationAction. It fails for any other variant.
func (p WebhookPayload) Moderation() (ModerationAction, error) {
	var a ModerationAction
	if p.Type != EventModerationAction {
		return a, fmt.Errorf("unsupported payload type %q", p.Type)
	}
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return a, fmt.Errorf("data: required")
	}
	if err := json.Unmarshal(p.Data, &a); err != nil {
		return a, fmt.Errorf("decode data: %w", err)
	}
	return a, nil
}
