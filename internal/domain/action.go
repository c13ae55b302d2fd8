package domain

import (
	"errors"
	"time"
)

// ContentType tags the namespace a moderated record lives in.
type ContentType string

const (
	ContentEvent          ContentType = "event"
	ContentArticle        ContentType = "article"
	ContentCommunityStory ContentType = "community_story"
)

var knownContentTypes = map[ContentType]struct{}{
	ContentEvent:          {},
	ContentArticle:        {},
	ContentCommunityStory: {},
}

// Valid reports whether ct is a content type the bridge moderates.
func (ct ContentType) Valid() bool {
	_, ok := knownContentTypes[ct]
	return ok
}

// Action is a moderation decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

func (a Action) Valid() bool { return a == ActionApprove || a == ActionReject }

// Status is the value of a content record's status field.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s reflects a completed moderation decision.
func (s Status) Terminal() bool {
	switch s {
	case StatusPublished, StatusArchived, StatusRejected:
		return true
	}
	return false
}

// StatusFor maps a decision to the terminal status written locally.
func StatusFor(a Action) Status {
	if a == ActionApprove {
		return StatusPublished
	}
	return StatusArchived
}

// ActionFor maps a terminal status back to the decision it expresses.
func ActionFor(s Status) Action {
	if s == StatusPublished {
		return ActionApprove
	}
	return ActionReject
}

// SourceSystem identifies the deployed instance that originated an action.
// Only used for loop prevention.
type SourceSystem string

const (
	SourcePlatformAdmin   SourceSystem = "platform-admin"
	SourceEventsAdmin     SourceSystem = "events-admin"
	SourceChromeExtension SourceSystem = "chrome-extension"
)

// ModerationAction is the unit of synchronization. Field order is the
// signing order; do not reorder.
type ModerationAction struct {
	ID           string       `json:"id"`
	ContentType  ContentType  `json:"contentType"`
	Action       Action       `json:"action"`
	Reason       string       `json:"reason,omitempty"`
	ModeratorID  string       `json:"moderatorId,omitempty"`
	SourceSystem SourceSystem `json:"sourceSystem"`
	Timestamp    string       `json:"timestamp"`
}

// Time parses the ISO-8601 timestamp.
func (a ModerationAction) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, a.Timestamp)
}

// FormatTimestamp renders t the way actions carry it on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Record is the slice of a content record the bridge reads and writes.
type Record struct {
	ID               string      `json:"id"`
	ContentType      ContentType `json:"content_type"`
	Title            string      `json:"title,omitempty"`
	Status           Status      `json:"status"`
	ModerationReason string      `json:"moderation_reason,omitempty"`
	SyncedFrom       string      `json:"synced_from,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Transition is a before/after pair observed on the content store.
type Transition struct {
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// Decision is a single-record status write performed by the bridge.
// SyncedFrom is empty for locally originated decisions.
type Decision struct {
	ID          string
	ContentType ContentType
	Status      Status
	Reason      string
	SyncedFrom  SourceSystem
}

// StatusCount is one row of the moderation summary.
type StatusCount struct {
	ContentType ContentType `json:"contentType"`
	Status      Status      `json:"status"`
	Count       int64       `json:"count"`
}

var (
	ErrNotFound           = errors.New("content record not found")
	ErrUnknownContentType = errors.New("unknown content type")
	ErrInvalidAction      = errors.New("invalid moderation action")
)

// Identity headers shared by both ends of the bridge.
const (
	UserAgentProduct = "ModerationBridge"
	Version          = "1.0"
	SignatureHeader  = "X-Webhook-Signature"
	DeliveryHeader   = "X-Webhook-Delivery"
)

// UserAgent is the outbound agent string for the given local system.
func UserAgent(system SourceSystem) string {
	return UserAgentProduct + "/" + Version + " (" + string(system) + ")"
}
