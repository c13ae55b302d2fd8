// Package bridge applies moderation decisions locally and keeps peer
// systems in step: local decisions are written then broadcast, inbound
// decisions are verified then written without being broadcast again.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/moderationbridge/internal/broadcast"
	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/idempotency"
	"example.com/moderationbridge/internal/metrics"
	"example.com/moderationbridge/internal/replay"
	"example.com/moderationbridge/internal/signing"
)

// Store is the content store as the bridge sees it. ApplyDecision must
// not surface on the change feed.
type Store interface {
	ApplyDecision(ctx context.Context, d domain.Decision) (domain.Record, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, a domain.ModerationAction) (broadcast.Report, error)
}

type Options struct {
	System domain.SourceSystem
	// ReplayWindow > 0 enables timestamp freshness checks and duplicate
	// suppression for inbound actions.
	ReplayWindow time.Duration
	ClockSkew    time.Duration
	Guard        replay.Guard
	Now          func() time.Time
}

type Bridge struct {
	store       Store
	broadcaster Broadcaster
	signer      *signing.Signer
	log         *zap.Logger
	opts        Options
}

func New(store Store, b Broadcaster, signer *signing.Signer, log *zap.Logger, opts Options) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplayWindow > 0 && opts.Guard == nil {
		opts.Guard = replay.NewMemoryGuard()
	}
	return &Bridge{store: store, broadcaster: b, signer: signer, log: log.Named("bridge"), opts: opts}
}

// System is the local identity tag.
func (b *Bridge) System() domain.SourceSystem { return b.opts.System }

// TriggerRequest is a locally initiated moderation decision.
type TriggerRequest struct {
	ID           string              `json:"id"`
	ContentType  domain.ContentType  `json:"contentType"`
	Action       domain.Action       `json:"action"`
	Reason       string              `json:"reason,omitempty"`
	ModeratorID  string              `json:"moderatorId,omitempty"`
	SourceSystem domain.SourceSystem `json:"sourceSystem,omitempty"`
}

// TriggerResult is what moderation UIs receive.
type TriggerResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Trigger commits the decision locally, then broadcasts it. A returned
// error means the local write did not happen and nothing was sent.
// Delivery failures are only reflected in the report and the logs.
func (b *Bridge) Trigger(ctx context.Context, req TriggerRequest) (domain.Record, broadcast.Report, error) {
	source := req.SourceSystem
	if source == "" {
		source = b.opts.System
	}
	a := domain.ModerationAction{
		ID:           req.ID,
		ContentType:  req.ContentType,
		Action:       req.Action,
		Reason:       req.Reason,
		ModeratorID:  req.ModeratorID,
		SourceSystem: source,
		Timestamp:    domain.FormatTimestamp(b.opts.Now()),
	}
	if errs := domain.ValidateAction(&a); len(errs) > 0 {
		metrics.LocalActionsTotal.WithLabelValues(string(req.Action), "invalid").Inc()
		return domain.Record{}, broadcast.Report{}, &ValidationError{Msg: "invalid moderation action", Fields: errs}
	}

	rec, err := b.store.ApplyDecision(ctx, domain.Decision{
		ID:          a.ID,
		ContentType: a.ContentType,
		Status:      domain.StatusFor(a.Action),
		Reason:      a.Reason,
	})
	if err != nil {
		metrics.LocalActionsTotal.WithLabelValues(string(a.Action), "failed").Inc()
		b.log.Error("local moderation write failed",
			zap.String("id", a.ID),
			zap.String("content_type", string(a.ContentType)),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Record{}, broadcast.Report{}, err
		}
		return domain.Record{}, broadcast.Report{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	metrics.LocalActionsTotal.WithLabelValues(string(a.Action), "applied").Inc()

	report, err := b.broadcaster.Broadcast(ctx, a)
	if err != nil {
		b.log.Error("broadcast not attempted", zap.String("id", a.ID), zap.Error(err))
	} else if report.Failed() > 0 {
		b.log.Warn("moderation applied locally, sync partially failed",
			zap.String("id", a.ID),
			zap.Int("failed", report.Failed()),
			zap.Int("succeeded", report.Succeeded()),
		)
	}
	return rec, report, nil
}

// TriggerModerationAction is the result-shaped form of Trigger used by
// moderation UIs.
func (b *Bridge) TriggerModerationAction(ctx context.Context, req TriggerRequest) TriggerResult {
	_, _, err := b.Trigger(ctx, req)
	if err != nil {
		return TriggerResult{Success: false, Error: err.Error()}
	}
	return TriggerResult{Success: true, Message: SuccessMessage(req.Action)}
}

// SuccessMessage confirms an applied local action.
func SuccessMessage(action domain.Action) string {
	verb := "approved"
	if action == domain.ActionReject {
		verb = "rejected"
	}
	return fmt.Sprintf("Content %s successfully", verb)
}

// Outcome says what an inbound payload did to the local store.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeSelfEcho  Outcome = "ignored_same_source"
	OutcomeDuplicate Outcome = "ignored_duplicate"
)

// InboundResult reports a successfully handled inbound payload.
type InboundResult struct {
	Outcome Outcome
	Action  domain.ModerationAction
	Record  domain.Record
}

// Message is the human readable confirmation for the response body.
func (r InboundResult) Message() string {
	switch r.Outcome {
	case OutcomeSelfEcho:
		return "Ignored - same source system"
	case OutcomeDuplicate:
		return "Ignored - duplicate delivery"
	}
	return fmt.Sprintf("Moderation action %s applied to %s %s", r.Action.Action, r.Action.ContentType, r.Action.ID)
}

// ApplyInbound runs a received payload through validation, signature
// and origin checks, then writes the decision without broadcasting it.
func (b *Bridge) ApplyInbound(ctx context.Context, p domain.WebhookPayload, signature string) (InboundResult, error) {
	res, err := b.applyInbound(ctx, p, signature)
	outcome := string(res.Outcome)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrStorage):
		outcome = "storage_error"
	default:
		outcome = "invalid"
	}
	metrics.InboundTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (b *Bridge) applyInbound(ctx context.Context, p domain.WebhookPayload, signature string) (InboundResult, error) {
	if p.Type == "" {
		return InboundResult{}, &ValidationError{Msg: "invalid payload", Fields: []domain.FieldError{{Field: "type", Msg: "required"}}}
	}
	if p.Type != domain.EventModerationAction {
		return InboundResult{}, &ValidationError{Msg: "invalid payload", Fields: []domain.FieldError{{Field: "type", Msg: fmt.Sprintf("unsupported type %q", p.Type)}}}
	}
	a, err := p.Moderation()
	if err != nil {
		return InboundResult{}, &ValidationError{Msg: "invalid payload", Fields: []domain.FieldError{{Field: "data", Msg: err.Error()}}}
	}
	if errs := domain.ValidateAction(&a); len(errs) > 0 {
		return InboundResult{}, &ValidationError{Msg: "invalid payload", Fields: errs}
	}

	if _, err := b.signer.VerifyPayload(p, signature); err != nil {
		b.log.Warn("inbound signature rejected",
			zap.String("id", a.ID),
			zap.String("source", string(a.SourceSystem)),
			zap.Error(err),
		)
		return InboundResult{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	res := InboundResult{Action: a}
	if a.SourceSystem == b.opts.System {
		b.log.Info("ignoring self-echo",
			zap.String("id", a.ID),
			zap.String("content_type", string(a.ContentType)),
		)
		res.Outcome = OutcomeSelfEcho
		return res, nil
	}

	var claimed string
	if b.opts.ReplayWindow > 0 {
		if err := domain.CheckFreshness(&a, b.opts.Now(), b.opts.ReplayWindow, b.opts.ClockSkew); err != nil {
			b.log.Warn("inbound action outside replay window", zap.String("id", a.ID), zap.Error(err))
			return InboundResult{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		key := idempotency.DeriveKey(&a)
		fresh, err := b.opts.Guard.Claim(ctx, key, b.opts.ReplayWindow+b.opts.ClockSkew)
		if err != nil {
			return InboundResult{}, fmt.Errorf("%w: replay guard: %v", ErrStorage, err)
		}
		if !fresh {
			b.log.Info("ignoring duplicate delivery", zap.String("id", a.ID))
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		claimed = key
	}

	reason := a.Reason
	if reason == "" {
		reason = fmt.Sprintf("Synced from %s", a.SourceSystem)
	}
	rec, err := b.store.ApplyDecision(ctx, domain.Decision{
		ID:          a.ID,
		ContentType: a.ContentType,
		Status:      domain.StatusFor(a.Action),
		Reason:      reason,
		SyncedFrom:  a.SourceSystem,
	})
	if err != nil {
		if claimed != "" {
			if rerr := b.opts.Guard.Release(ctx, claimed); rerr != nil {
				b.log.Warn("replay guard release failed", zap.Error(rerr))
			}
		}
		b.log.Error("inbound moderation write failed",
			zap.String("id", a.ID),
			zap.String("content_type", string(a.ContentType)),
			zap.String("source", string(a.SourceSystem)),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrNotFound) {
			return InboundResult{}, err
		}
		return InboundResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	b.log.Info("synced moderation action applied",
		zap.String("id", a.ID),
		zap.String("content_type", string(a.ContentType)),
		zap.String("action", string(a.Action)),
		zap.String("source", string(a.SourceSystem)),
	)
	res.Outcome = OutcomeApplied
	res.Record = rec
	return res, nil
}
