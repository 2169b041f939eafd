package api

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/dealrecon/internal/domain"
	"github.com/punchamoorthee/dealrecon/internal/engine"
	"github.com/punchamoorthee/dealrecon/internal/lock"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealrecon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealrecon_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine        *engine.Engine
	webhookSecret string
	log           *slog.Logger
}

func NewHandler(eng *engine.Engine, webhookSecret string, log *slog.Logger) *Handler {
	return &Handler{engine: eng, webhookSecret: webhookSecret, log: log}
}

// GatewayWebhook ingests a checkout event. Replays are safe: the store
// upserts on session id, so a redelivered event never double-counts.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/webhooks/gateway"))
	defer timer.ObserveDuration()

	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		h.respondError(w, http.StatusUnauthorized, "Invalid webhook secret", "POST", "/webhooks/gateway")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/webhooks/gateway")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	hash := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(hash[:])

	var ev domain.GatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/webhooks/gateway")
		return
	}

	// Validation
	if ev.SessionID == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "session_id is required", "POST", "/webhooks/gateway")
		return
	}
	if ev.DealID <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "deal_id is required", "POST", "/webhooks/gateway")
		return
	}
	if ev.AmountMinorUnits < 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "amount must not be negative", "POST", "/webhooks/gateway")
		return
	}

	h.log.Info("webhook received", "session_id", ev.SessionID, "deal_id", ev.DealID, "body_sha256", bodyHash)

	report, err := h.engine.ProcessGatewayEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			// Another process holds the deal; the gateway will redeliver.
			h.respondError(w, http.StatusConflict, "Deal is being processed, retry later", "POST", "/webhooks/gateway")
			return
		}
		h.log.Error("webhook processing failed", "session_id", ev.SessionID, "deal_id", ev.DealID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/webhooks/gateway")
		return
	}

	h.respondJSON(w, http.StatusOK, report, "POST", "/webhooks/gateway")
}

// DealReport runs a lock-free diagnostic pass and returns the report.
func (h *Handler) DealReport(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", "/deals/{id}/report"))
	defer timer.ObserveDuration()

	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid deal id", "GET", "/deals/{id}/report")
		return
	}

	report, err := h.engine.ReconcileDeal(r.Context(), id)
	if err != nil {
		h.log.Error("deal report failed", "deal_id", id, "error", err)
		h.respondError(w, http.StatusBadGateway, "Reconciliation failed", "GET", "/deals/{id}/report")
		return
	}

	h.respondJSON(w, http.StatusOK, report, "GET", "/deals/{id}/report")
}

// Sweep runs a full batch reconciliation synchronously and returns the
// summary. Operator-triggered; scheduled runs use cmd/sweeper.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	concurrency := 4
	if v := r.URL.Query().Get("concurrency"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 32 {
			concurrency = n
		}
	}

	summary, err := h.engine.SweepAll(r.Context(), concurrency)
	if err != nil {
		h.log.Error("sweep failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Sweep failed", "POST", "/sweep")
		return
	}

	h.respondJSON(w, http.StatusOK, summary, "POST", "/sweep")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
