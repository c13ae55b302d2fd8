// Package detector turns content status transitions into moderation
// actions. It never writes to the store.
package detector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/metrics"
)

// DefaultReason is used when the record carries no moderation_reason.
const DefaultReason = "Status changed in content store"

// Observer maps a before/after pair to an action, or reports false
// when the pair is not a moderation event.
type Observer interface {
	Observe(before, after domain.Record) (domain.ModerationAction, bool)
}

// Feed is a source of status transitions: a database notification
// stream, a poller, or the in-memory store.
type Feed interface {
	Transitions(ctx context.Context) (<-chan domain.Transition, error)
}

// Detector is the default Observer.
type Detector struct {
	System domain.SourceSystem
	Now    func() time.Time
}

func New(system domain.SourceSystem) *Detector {
	return &Detector{System: system, Now: time.Now}
}

// Observe fires only when the status changed and the new status is
// terminal. Published means approve; every other terminal status means
// reject.
func (d *Detector) Observe(before, after domain.Record) (domain.ModerationAction, bool) {
	if after.Status == before.Status || !after.Status.Terminal() {
		return domain.ModerationAction{}, false
	}
	reason := after.ModerationReason
	if reason == "" {
		reason = DefaultReason
	}
	return domain.ModerationAction{
		ID:           after.ID,
		ContentType:  after.ContentType,
		Action:       domain.ActionFor(after.Status),
		Reason:       reason,
		SourceSystem: d.System,
		Timestamp:    domain.FormatTimestamp(d.Now()),
	}, true
}

// Watch feeds every transition from feed through obs and hands detected
// actions to sink until ctx is done or the feed closes.
func Watch(ctx context.Context, feed Feed, obs Observer, sink func(domain.ModerationAction), log *zap.Logger) error {
	ch, err := feed.Transitions(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-ch:
			if !ok {
				return nil
			}
			a, ok := obs.Observe(tr.Before, tr.After)
			if !ok {
				metrics.DetectedTransitionsTotal.WithLabelValues("ignored").Inc()
				continue
			}
			metrics.DetectedTransitionsTotal.WithLabelValues("detected").Inc()
			log.Info("moderation transition detected",
				zap.String("id", a.ID),
				zap.String("content_type", string(a.ContentType)),
				zap.String("from", string(tr.Before.Status)),
				zap.String("to", string(tr.After.Status)),
			)
			sink(a)
		}
	}
}
