// Package broadcast fans a signed moderation action out to every active
// sync target. One target's failure never blocks or cancels another.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/metrics"
	"example.com/moderationbridge/internal/registry"
	"example.com/moderationbridge/internal/signing"
)

const (
	DefaultTimeout     = 10 * time.Second
	maxResponseDrained = 64 << 10
)

// Result is the outcome of one delivery attempt.
type Result struct {
	TargetName string        `json:"targetName"`
	URL        string        `json:"url"`
	DeliveryID string        `json:"deliveryId"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Report gathers every target's Result for one action.
type Report struct {
	Action  domain.ModerationAction `json:"action"`
	Results []Result                `json:"results"`
}

func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return len(r.Results) - r.Succeeded() }

// Options tunes delivery. Zero values fall back to defaults; a zero
// BreakerMaxFailures disables circuit breaking.
type Options struct {
	System             domain.SourceSystem
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	Client             *http.Client
}

type Broadcaster struct {
	registry *registry.Registry
	signer   *signing.Signer
	client   *http.Client
	log      *zap.Logger
	opts     Options
	newID    func() string

	mu       sync.Mutex
	breakers map[string]*targetBreaker
}

type targetBreaker struct {
	url string
	cb  *gobreaker.CircuitBreaker
}

func New(reg *registry.Registry, signer *signing.Signer, log *zap.Logger, opts Options) *Broadcaster {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &Broadcaster{
		registry: reg,
		signer:   signer,
		client:   client,
		log:      log.Named("broadcast"),
		opts:     opts,
		newID:    func() string { return uuid.NewString() },
		breakers: make(map[string]*targetBreaker),
	}
}

// Broadcast signs a once and POSTs it to every active target
// concurrently, returning after all attempts settle. The only error is
// a failure to build the payload; delivery failures live in the Report.
// Deliveries are not cancelled when ctx is; each is bounded by its own
// timeout instead.
func (b *Broadcaster) Broadcast(ctx context.Context, a domain.ModerationAction) (Report, error) {
	report := Report{Action: a}

	targets := b.registry.ActiveTargets()
	if len(targets) == 0 {
		b.log.Debug("no active sync targets", zap.String("id", a.ID))
		return report, nil
	}

	sig, err := b.signer.Sign(a)
	if err != nil {
		return report, fmt.Errorf("sign action: %w", err)
	}
	payload, err := domain.NewModerationPayload(a, sig)
	if err != nil {
		return report, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("marshal payload: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	report.Results = make([]Result, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			report.Results[i] = b.deliver(ctx, t, body, sig)
			return nil
		})
	}
	_ = g.Wait()

	b.log.Info("broadcast settled",
		zap.String("id", a.ID),
		zap.String("content_type", string(a.ContentType)),
		zap.String("action", string(a.Action)),
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("failed", report.Failed()),
	)
	return report, nil
}

func (b *Broadcaster) deliver(ctx context.Context, t registry.SyncTarget, body []byte, sig string) Result {
	res := Result{TargetName: t.Name, URL: t.URL, DeliveryID: b.newID()}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	status, err := b.execute(t, func() (int, error) { return b.post(ctx, t.URL, body, sig, res.DeliveryID) })
	res.Duration = time.Since(start)
	res.StatusCode = status
	metrics.DeliveryDuration.WithLabelValues(t.Name).Observe(res.Duration.Seconds())

	if err != nil {
		res.Error = err.Error()
		outcome := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.DeliveriesTotal.WithLabelValues(t.Name, outcome).Inc()
		b.log.Warn("sync delivery failed",
			zap.String("target", t.Name),
			zap.String("url", t.URL),
			zap.String("delivery_id", res.DeliveryID),
			zap.Int("status", status),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
		return res
	}
	res.Success = true
	metrics.DeliveriesTotal.WithLabelValues(t.Name, "success").Inc()
	return res
}

func (b *Broadcaster) post(ctx context.Context, url string, body []byte, sig, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(domain.SignatureHeader, sig)
	req.Header.Set(domain.DeliveryHeader, deliveryID)
	req.Header.Set("User-Agent", domain.UserAgent(b.opts.System))

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrained))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// execute runs fn through the target's circuit breaker, if enabled.
func (b *Broadcaster) execute(t registry.SyncTarget, fn func() (int, error)) (int, error) {
	cb := b.breaker(t)
	if cb == nil {
		return fn()
	}
	var status int
	_, err := cb.Execute(func() (interface{}, error) {
		var err error
		status, err = fn()
		return nil, err
	})
	return status, err
}

// breaker returns the breaker for t, replacing it when t's URL changed.
func (b *Broadcaster) breaker(t registry.SyncTarget) *gobreaker.CircuitBreaker {
	if b.opts.BreakerMaxFailures == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, ok := b.breakers[t.Name]; ok && tb.url == t.URL {
		return tb.cb
	}
	maxFailures := b.opts.BreakerMaxFailures
	log := b.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    t.Name,
		Timeout: b.opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("sync target breaker state changed",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	b.breakers[t.Name] = &targetBreaker{url: t.URL, cb: cb}
	return cb
}
