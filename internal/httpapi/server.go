// ABOUTME: HTTP boundary: webhook ingestion, SSE dashboard stream, health, metrics
// ABOUTME: chi router with CORS for dashboard origins; responses are plain JSON

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/broadcast"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/gateway"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/metrics"
)

// sseKeepAlive is how often an idle event stream gets a comment line so
// proxies do not cut the connection.
const sseKeepAlive = 15 * time.Second

// Server exposes the engine over HTTP.
type Server struct {
	gateway         *gateway.Gateway
	broadcaster     *broadcast.Broadcaster
	requestDeadline time.Duration
	logger          *slog.Logger
	router          chi.Router
}

// New builds the HTTP server. allowedOrigins feeds the CORS policy for
// dashboard browsers; empty means same-origin only.
func New(gw *gateway.Gateway, b *broadcast.Broadcaster, requestDeadline time.Duration, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gateway:         gw,
		broadcaster:     b,
		requestDeadline: requestDeadline,
		logger:          logger.With("component", "httpapi"),
	}

	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Post("/webhook/{channel}", s.handleWebhook)
	r.Get("/api/tenants/{tenantID}/events", s.handleEventStream)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// webhookPayload is the provider-neutral inbound message shape after the
// channel provider's framing has been unwrapped upstream.
type webhookPayload struct {
	TenantID string `json:"tenant_id"`
	From     string `json:"from"`
	Text     string `json:"text"`
}

// webhookResponse carries the engine reply back to the provider adapter.
type webhookResponse struct {
	Reply   string `json:"reply,omitempty"`
	NoReply bool   `json:"no_reply,omitempty"`
}

// handleWebhook handles POST /webhook/{channel}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := flow.Channel(chi.URLParam(r, "channel"))

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.TenantID == "" || payload.From == "" || payload.Text == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id, from and text are required")
		return
	}

	ctx := r.Context()
	if s.requestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestDeadline)
		defer cancel()
	}

	reply, err := s.gateway.HandleInbound(ctx, &gateway.InboundMessage{
		TenantID: payload.TenantID,
		Channel:  channel,
		From:     payload.From,
		Text:     payload.Text,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrTenantNotFound) {
			s.writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		s.logger.Error("webhook processing failed",
			"tenant_id", payload.TenantID,
			"channel", string(channel),
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(webhookResponse{Reply: reply.Text, NoReply: reply.NoReply})
}

// handleEventStream handles GET /api/tenants/{tenantID}/events as SSE.
// client_id identifies the logical dashboard tab so a reconnect replaces
// the previous subscription instead of stacking a new one.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := s.broadcaster.Subscribe(ctx, tenantID, clientID)
	defer s.broadcaster.Unsubscribe(tenantID, subID)

	metrics.DashboardSubscribers.Inc()
	defer metrics.DashboardSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				// Subscription replaced by a reconnect or broadcaster closed.
				return
			}
			s.writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames one dashboard event as SSE.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event *broadcast.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encoding event", "type", string(event.Type), "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError sends a JSON error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
