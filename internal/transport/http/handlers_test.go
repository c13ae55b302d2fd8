package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"example.com/moderationbridge/internal/bridge"
	"example.com/moderationbridge/internal/broadcast"
	"example.com/moderationbridge/internal/config"
	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/registry"
	"example.com/moderationbridge/internal/signing"
	"example.com/moderationbridge/internal/storage/memory"
)

const secret = "handler-secret"

var now = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

type harness struct {
	store  *memory.Store
	reg    *registry.Registry
	signer *signing.Signer
	srv    http.Handler
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg config.Config, targets ...registry.SyncTarget) *harness {
	t.Helper()
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	store := memory.New()
	store.Put(domain.Record{ID: "evt-1", ContentType: domain.ContentEvent, Title: "Jazz night", Status: domain.StatusPending})

	reg := registry.MustNew(targets...)
	signer := signing.NewSigner(secret)
	b := broadcast.New(reg, signer, log, broadcast.Options{System: domain.SourcePlatformAdmin, Timeout: time.Second})
	br := bridge.New(store, b, signer, log, bridge.Options{
		System: domain.SourcePlatformAdmin,
		Now:    func() time.Time { return now },
	})
	deps := &ServerDeps{
		Cfg:      cfg,
		Bridge:   br,
		Registry: reg,
		Store:    store,
		Log:      log,
		Now:      func() time.Time { return now },
	}
	return &harness{store: store, reg: reg, signer: signer, srv: deps.Router(), logs: logs}
}

func (h *harness) signedPayload(t *testing.T, a domain.ModerationAction) ([]byte, string) {
	t.Helper()
	sig, err := h.signer.Sign(a)
	require.NoError(t, err)
	p, err := domain.NewModerationPayload(a, sig)
	require.NoError(t, err)
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return body, sig
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func webhookRequest(body []byte, sig, agent string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if agent != "" {
		req.Header.Set("User-Agent", agent)
	}
	if sig != "" {
		req.Header.Set(domain.SignatureHeader, sig)
	}
	return req
}

func remoteAction(action domain.Action) domain.ModerationAction {
	return domain.ModerationAction{
		ID:           "evt-1",
		ContentType:  domain.ContentEvent,
		Action:       action,
		Reason:       "spam",
		SourceSystem: domain.SourceEventsAdmin,
		Timestamp:    domain.FormatTimestamp(now),
	}
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func storedStatus(t *testing.T, s *memory.Store) domain.Status {
	t.Helper()
	rec, err := s.Get(context.Background(), domain.ContentEvent, "evt-1")
	require.NoError(t, err)
	return rec.Status
}

func TestWebhookAppliesSignedAction(t *testing.T) {
	h := newHarness(t, config.Config{})
	body, sig := h.signedPayload(t, remoteAction(domain.ActionReject))

	rec := h.do(webhookRequest(body, sig, domain.UserAgent(domain.SourceEventsAdmin)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decodeMap(t, rec)
	assert.Equal(t, true, m["success"])
	assert.NotEmpty(t, m["message"])
	assert.Equal(t, domain.FormatTimestamp(now), m["timestamp"])

	stored, err := h.store.Get(context.Background(), domain.ContentEvent, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, stored.Status)
	assert.Equal(t, "spam", stored.ModerationReason)
	assert.Equal(t, string(domain.SourceEventsAdmin), stored.SyncedFrom)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h := newHarness(t, config.Config{})
	body, _ := h.signedPayload(t, remoteAction(domain.ActionApprove))

	rec := h.do(webhookRequest(body, "", domain.UserAgent(domain.SourceEventsAdmin)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeMap(t, rec), "timestamp")
	assert.Equal(t, domain.StatusPending, storedStatus(t, h.store))
	assert.Zero(t, h.store.Writes())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, config.Config{})
	a := remoteAction(domain.ActionApprove)
	body, _ := h.signedPayload(t, a)
	forged, err := signing.NewSigner("other-secret").Sign(a)
	require.NoError(t, err)

	req := webhookRequest(body, forged, domain.UserAgent(domain.SourceEventsAdmin))
	req.RemoteAddr = "203.0.113.7:41000"
	req.Header.Set(domain.DeliveryHeader, "d-1")
	rec := h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.StatusPending, storedStatus(t, h.store))

	rejected := h.logs.FilterMessage("webhook rejected").All()
	require.Len(t, rejected, 1)
	fields := rejected[0].ContextMap()
	assert.Equal(t, "203.0.113.7:41000", fields["remote_addr"])
	assert.Equal(t, domain.UserAgent(domain.SourceEventsAdmin), fields["user_agent"])
	assert.Equal(t, "d-1", fields["delivery_id"])
}

func TestWebhookRejectsUnknownAgent(t *testing.T) {
	h := newHarness(t, config.Config{})
	body, sig := h.signedPayload(t, remoteAction(domain.ActionApprove))

	for _, agent := range []string{"", "curl/8.5.0", "moderationbridge/1.0"} {
		rec := h.do(webhookRequest(body, sig, agent))
		assert.Equal(t, http.StatusForbidden, rec.Code, "agent %q", agent)
	}
	assert.Zero(t, h.store.Writes())
}

func TestWebhookIgnoresOwnActions(t *testing.T) {
	h := newHarness(t, config.Config{})
	a := remoteAction(domain.ActionApprove)
	a.SourceSystem = domain.SourcePlatformAdmin
	body, sig := h.signedPayload(t, a)

	rec := h.do(webhookRequest(body, sig, domain.UserAgent(domain.SourcePlatformAdmin)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ignored - same source system", decodeMap(t, rec)["message"])
	assert.Zero(t, h.store.Writes())
}

func TestWebhookValidationAndLookupErrors(t *testing.T) {
	h := newHarness(t, config.Config{})

	bad := remoteAction(domain.ActionApprove)
	bad.Action = "delete"
	body, sig := h.signedPayload(t, bad)
	rec := h.do(webhookRequest(body, sig, domain.UserAgent(domain.SourceEventsAdmin)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeMap(t, rec), "fields")

	anonymous := remoteAction(domain.ActionApprove)
	anonymous.SourceSystem = ""
	body, sig = h.signedPayload(t, anonymous)
	rec = h.do(webhookRequest(body, sig, domain.UserAgent(domain.SourceEventsAdmin)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeMap(t, rec)["fields"], "data.sourceSystem")
	assert.Equal(t, domain.StatusPending, storedStatus(t, h.store))

	missing := remoteAction(domain.ActionApprove)
	missing.ID = "evt-404"
	body, sig = h.signedPayload(t, missing)
	rec = h.do(webhookRequest(body, sig, domain.UserAgent(domain.SourceEventsAdmin)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(webhookRequest([]byte(`{"type":`), "abc", domain.UserAgent(domain.SourceEventsAdmin)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookStatus(t *testing.T) {
	h := newHarness(t, config.Config{},
		registry.SyncTarget{Name: "events-admin", URL: "http://events.local/hook", Active: true},
		registry.SyncTarget{Name: "extension", URL: "http://ext.local/hook", Active: true},
		registry.SyncTarget{Name: "legacy", URL: "http://legacy.local/hook", Active: false},
	)

	rec := h.do(httptest.NewRequest(http.MethodGet, WebhookPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	m := decodeMap(t, rec)
	assert.Equal(t, "healthy", m["status"])
	assert.Equal(t, "moderation-webhook", m["service"])
	assert.EqualValues(t, 2, m["syncTargets"])
}

func TestTriggerAppliesAndBroadcasts(t *testing.T) {
	var hits atomic.Int32
	var got domain.WebhookPayload
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	h := newHarness(t, config.Config{APIKeys: []string{"k1"}},
		registry.SyncTarget{Name: "events-admin", URL: target.URL, Active: true})

	body := []byte(`{"id":"evt-1","contentType":"event","action":"approve","moderatorId":"mod-7"}`)
	req := httptest.NewRequest(http.MethodPost, ActionsPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "k1")
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decodeMap(t, rec)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "Content approved successfully", m["message"])
	assert.Equal(t, domain.StatusPublished, storedStatus(t, h.store))
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, domain.EventModerationAction, got.Type)
}

func TestTriggerFailures(t *testing.T) {
	h := newHarness(t, config.Config{APIKeys: []string{"k1"}})

	post := func(body, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, ActionsPath, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		return h.do(req)
	}

	assert.Equal(t, http.StatusUnauthorized, post(`{"id":"evt-1","contentType":"event","action":"approve"}`, "").Code)

	rec := post(`{"id":"evt-1","contentType":"podcast","action":"approve"}`, "k1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decodeMap(t, rec)["success"])

	rec = post(`{"id":"nope","contentType":"event","action":"reject"}`, "k1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.store.FailWith(assert.AnError)
	rec = post(`{"id":"evt-1","contentType":"event","action":"reject"}`, "k1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, decodeMap(t, rec)["error"])
}

func TestSyncTargetsUpsert(t *testing.T) {
	h := newHarness(t, config.Config{})

	req := httptest.NewRequest(http.MethodPut, SyncTargetsPath,
		bytes.NewReader([]byte(`{"name":"extension","url":"https://ext.example.org/hook"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, h.reg.ActiveCount())

	req = httptest.NewRequest(http.MethodPut, SyncTargetsPath,
		bytes.NewReader([]byte(`{"name":"extension","url":"https://ext.example.org/hook","active":false}`)))
	req.Header.Set("Content-Type", "application/json")
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.reg.ActiveCount())
	assert.Len(t, h.reg.List(), 1)

	req = httptest.NewRequest(http.MethodPut, SyncTargetsPath,
		bytes.NewReader([]byte(`{"name":"broken","url":"not a url"}`)))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestSummaryAndHealthEndpoints(t *testing.T) {
	h := newHarness(t, config.Config{})

	rec := h.do(httptest.NewRequest(http.MethodGet, SummaryPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	m := decodeMap(t, rec)
	assert.Equal(t, string(domain.SourcePlatformAdmin), m["system"])
	assert.Len(t, m["counts"], 1)

	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
}

func TestRateLimitOnlyThrottlesPosts(t *testing.T) {
	h := newHarness(t, config.Config{WebhookRateLimit: 1})
	body, sig := h.signedPayload(t, remoteAction(domain.ActionApprove))
	agent := domain.UserAgent(domain.SourceEventsAdmin)

	assert.Equal(t, http.StatusOK, h.do(webhookRequest(body, sig, agent)).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(webhookRequest(body, sig, agent)).Code)
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, WebhookPath, nil)).Code)
}

func TestAPIKeyAuthAcceptsBearerToken(t *testing.T) {
	h := newHarness(t, config.Config{APIKeys: []string{"k1", "k2"}})

	req := httptest.NewRequest(http.MethodGet, SummaryPath, nil)
	req.Header.Set("Authorization", "Bearer k2")
	assert.Equal(t, http.StatusOK, h.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, SummaryPath, nil)
	req.Header.Set("X-API-Key", "k3")
	assert.Equal(t, http.StatusUnauthorized, h.do(req).Code)
}

func TestRateLimitIsPerClient(t *testing.T) {
	h := newHarness(t, config.Config{WebhookRateLimit: 1})
	body, sig := h.signedPayload(t, remoteAction(domain.ActionApprove))
	agent := domain.UserAgent(domain.SourceEventsAdmin)

	first := webhookRequest(body, sig, agent)
	first.RemoteAddr = "10.0.0.1:5000"
	second := webhookRequest(body, sig, agent)
	second.RemoteAddr = "10.0.0.2:5000"

	assert.Equal(t, http.StatusOK, h.do(first).Code)
	assert.Equal(t, http.StatusOK, h.do(second).Code)
}
