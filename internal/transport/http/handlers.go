package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/moderationbridge/internal/bridge"
	"example.com/moderationbridge/internal/config"
	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/registry"
)

const (
	WebhookPath     = "/api/webhook/moderation"
	ActionsPath     = "/api/moderation/actions"
	SummaryPath     = "/api/moderation/summary"
	SyncTargetsPath = "/api/sync-targets"

	webhookService = "moderation-webhook"
)

// Store is what the HTTP layer reads directly from the content store.
type Store interface {
	Ready(ctx context.Context) error
	StatusCounts(ctx context.Context) ([]domain.StatusCount, error)
}

type ServerDeps struct {
	Cfg      config.Config
	Bridge   *bridge.Bridge
	Registry *registry.Registry
	Store    Store
	Log      *zap.Logger
	Now      func() time.Time
}

func (d *ServerDeps) timestamp() string { return domain.FormatTimestamp(d.Now()) }

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ready(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "not ready", "content store not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Inbound webhook ---

type webhookOK struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type webhookStatus struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	SyncTargets int    `json:"syncTargets"`
	Timestamp   string `json:"timestamp"`
}

// recognizedAgent accepts any version of the bridge client.
func recognizedAgent(ua string) bool {
	return strings.HasPrefix(ua, domain.UserAgentProduct+"/")
}

func (d *ServerDeps) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d.handleWebhookStatus(w, r)
	case http.MethodPost:
		d.handleWebhookPost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (d *ServerDeps) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, webhookStatus{
		Status:      "healthy",
		Service:     webhookService,
		SyncTargets: d.Registry.ActiveCount(),
		Timestamp:   d.timestamp(),
	})
}

func (d *ServerDeps) handleWebhookPost(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	ua := r.Header.Get("User-Agent")
	if !recognizedAgent(ua) {
		d.Log.Warn("webhook from unrecognized agent", zap.String("user_agent", ua), zap.String("remote_addr", r.RemoteAddr))
		WriteError(w, http.StatusForbidden, "Unrecognized client", "", nil)
		return
	}
	sig := r.Header.Get(domain.SignatureHeader)
	if sig == "" {
		d.Log.Warn("webhook without signature", zap.String("remote_addr", r.RemoteAddr))
		WriteError(w, http.StatusUnauthorized, "Missing signature", "", nil)
		return
	}

	var p domain.WebhookPayload
	if err := decodeJSONStrict(r, &p); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON payload", err.Error(), nil)
		return
	}

	res, err := d.Bridge.ApplyInbound(r.Context(), p, sig)
	if err != nil {
		d.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookOK{Success: true, Message: res.Message(), Timestamp: d.timestamp()})
}

func (d *ServerDeps) writeBridgeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *bridge.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, verr.Msg, "", verr.FieldMap())
	case errors.Is(err, bridge.ErrUnauthorized):
		d.Log.Warn("webhook rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
			zap.String("delivery_id", r.Header.Get(domain.DeliveryHeader)),
			zap.Error(err),
		)
		WriteError(w, http.StatusUnauthorized, "Invalid signature", "", nil)
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Content not found", err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, "Internal server error", err.Error(), nil)
	}
}

// --- Local action trigger ---

func (d *ServerDeps) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req bridge.TriggerRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		writeTriggerFailure(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}

	_, _, err := d.Bridge.Trigger(r.Context(), req)
	if err != nil {
		var verr *bridge.ValidationError
		switch {
		case errors.As(err, &verr):
			writeTriggerFailure(w, http.StatusBadRequest, verr.Msg, verr.FieldMap())
		case errors.Is(err, domain.ErrNotFound):
			writeTriggerFailure(w, http.StatusNotFound, err.Error(), nil)
		default:
			writeTriggerFailure(w, http.StatusInternalServerError, err.Error(), nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, bridge.TriggerResult{Success: true, Message: bridge.SuccessMessage(req.Action)})
}

func writeTriggerFailure(w http.ResponseWriter, status int, msg string, fields map[string][]string) {
	failed := false
	writeJSON(w, status, ErrorBody{
		Success:   &failed,
		Error:     msg,
		Fields:    fields,
		Timestamp: domain.FormatTimestamp(time.Now()),
	})
}

// --- Sync targets ---

type upsertTargetReq struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active *bool  `json:"active,omitempty"`
}

func (d *ServerDeps) HandleSyncTargets(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var req upsertTargetReq
		if err := decodeJSONStrict(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		if err := d.Registry.Upsert(req.Name, req.URL, active); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid sync target", err.Error(), nil)
			return
		}
		d.Log.Info("sync target upserted", zap.String("target", req.Name), zap.String("url", req.URL), zap.Bool("active", active))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": d.Registry.List()})
}

// --- Summary ---

func (d *ServerDeps) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts, err := d.Store.StatusCounts(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query error", err.Error(), nil)
		return
	}
	if counts == nil {
		counts = []domain.StatusCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system":      d.Bridge.System(),
		"syncTargets": d.Registry.ActiveCount(),
		"counts":      counts,
		"timestamp":   d.timestamp(),
	})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", Instrument("healthz", http.HandlerFunc(d.HandleHealthz)))
	mux.Handle("/readyz", Instrument("readyz", http.HandlerFunc(d.HandleReadyz)))
	mux.Handle("/metrics", promhttp.Handler())

	keys := d.Cfg.APIKeySet()
	limit := BodyLimit(d.Cfg.MaxBodyBytes)

	mux.Handle(WebhookPath, Instrument("webhook", Chain(http.HandlerFunc(d.HandleWebhook),
		RateLimitPerMinute(d.Cfg.WebhookRateLimit, d.Now), RequireJSON, limit)))
	mux.Handle(ActionsPath, Instrument("actions", Chain(http.HandlerFunc(d.HandleTrigger),
		APIKeyAuth(keys), RequireJSON, limit)))
	mux.Handle(SyncTargetsPath, Instrument("sync_targets", Chain(http.HandlerFunc(d.HandleSyncTargets),
		APIKeyAuth(keys), RequireJSON, limit)))
	mux.Handle(SummaryPath, Instrument("summary", Chain(http.HandlerFunc(d.HandleSummary),
		APIKeyAuth(keys))))

	return mux
}
