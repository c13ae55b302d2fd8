package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAction() ModerationAction {
	return ModerationAction{
		ID:           "evt-42",
		ContentType:  ContentEvent,
		Action:       ActionApprove,
		Reason:       "meets guidelines",
		SourceSystem: SourcePlatformAdmin,
		Timestamp:    "2026-10-19T12:00:00.000Z",
	}
}

func TestValidateAction(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *ModerationAction)
		fields []string
	}{
		{name: "valid", mutate: func(a *ModerationAction) {}},
		{name: "missing id", mutate: func(a *ModerationAction) { a.ID = "" }, fields: []string{"data.id"}},
		{name: "missing content type", mutate: func(a *ModerationAction) { a.ContentType = "" }, fields: []string{"data.contentType"}},
		{name: "unknown content type", mutate: func(a *ModerationAction) { a.ContentType = "podcast" }, fields: []string{"data.contentType"}},
		{name: "bad action", mutate: func(a *ModerationAction) { a.Action = "delete" }, fields: []string{"data.action"}},
		{name: "missing source system", mutate: func(a *ModerationAction) { a.SourceSystem = "" }, fields: []string{"data.sourceSystem"}},
		{name: "bad timestamp", mutate: func(a *ModerationAction) { a.Timestamp = "yesterday" }, fields: []string{"data.timestamp"}},
		{
			name:   "several",
			mutate: func(a *ModerationAction) { a.ID = ""; a.Action = "" },
			fields: []string{"data.id", "data.action"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAction()
			tt.mutate(&a)
			errs := ValidateAction(&a)
			var got []string
			for _, fe := range errs {
				got = append(got, fe.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, StatusPublished, StatusFor(ActionApprove))
	assert.Equal(t, StatusArchived, StatusFor(ActionReject))
	assert.Equal(t, ActionApprove, ActionFor(StatusPublished))
	assert.Equal(t, ActionReject, ActionFor(StatusArchived))
	assert.Equal(t, ActionReject, ActionFor(StatusRejected))

	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	a := validAction()

	require.NoError(t, CheckFreshness(&a, now.Add(time.Minute), 5*time.Minute, time.Minute))
	assert.Error(t, CheckFreshness(&a, now.Add(10*time.Minute), 5*time.Minute, time.Minute))
	assert.Error(t, CheckFreshness(&a, now.Add(-10*time.Minute), 5*time.Minute, time.Minute))
}

func TestPayloadModeration(t *testing.T) {
	p, err := NewModerationPayload(validAction(), "abc")
	require.NoError(t, err)

	got, err := p.Moderation()
	require.NoError(t, err)
	assert.Equal(t, validAction(), got)

	p.Type = "user_banned"
	_, err = p.Moderation()
	assert.Error(t, err)

	_, err = WebhookPayload{Type: EventModerationAction}.Moderation()
	assert.Error(t, err)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 10, 19, 12, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2026-10-19T11:00:00.000Z", FormatTimestamp(ts))
}
