// Package gateway implements the HTTP surface (§6): a thin translation
// layer between HTTP requests and Bus signals. Every handler emits an
// api.* signal and, except for the event stream, blocks for a matching
// outbound message on "outbound.api" up to a configurable wait window
// before returning a pending response.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/senses"
	"github.com/basket/nervecore/internal/store"
)

// outboundAPITopic is where handle_status/handle_timed_signals/
// handle_incoming_message publish replies addressed to channel "api".
const outboundAPITopic = "outbound.api"

// Config wires a Server's dependencies.
type Config struct {
	Store       *store.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	AuthToken   string
	WaitTimeout time.Duration // API_MESSAGE_WAIT_SECONDS, default 20s
	CORS        CORSConfig
	RateLimit   RateLimitConfig
}

// Server is the HTTP gateway.
type Server struct {
	store       *store.Store
	busB        *bus.Bus
	logger      *slog.Logger
	pub         *senses.Publisher
	waitTimeout time.Duration

	auth      *AuthMiddleware
	cors      func(http.Handler) http.Handler
	rateLimit *RateLimitMiddleware
}

// NewServer builds a Server from cfg.
func NewServer(cfg Config) *Server {
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = 20 * time.Second
	}
	return &Server{
		store:       cfg.Store,
		busB:        cfg.Bus,
		logger:      cfg.Logger,
		pub:         &senses.Publisher{Store: cfg.Store, Bus: cfg.Bus},
		waitTimeout: wait,
		auth:        NewAuthMiddleware(cfg.AuthToken),
		cors:        NewCORSMiddleware(cfg.CORS),
		rateLimit:   NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// Handler builds the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("POST /timed-signals", s.handleTimedSignals)

	var h http.Handler = mux
	h = s.rateLimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = s.cors(h)
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type messageRequest struct {
	Channel       string            `json:"channel"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata"`
	CorrelationID string            `json:"correlation_id"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	sub := s.busB.Subscribe(outboundAPITopic)
	defer s.busB.Unsubscribe(sub)

	inbound := senses.InboundMessage{
		Text:          req.Text,
		ChannelType:   "api",
		ChannelTarget: req.Channel,
		UserID:        "api",
		UserName:      "api",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	}
	if err := s.pub.PublishInbound(r.Context(), "api-msg-"+req.CorrelationID, "api.message_received", "api", inbound); err != nil {
		s.logger.Error("gateway: publish api.message_received failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	s.awaitReply(w, r, sub, req.CorrelationID)
}

type statusRequest struct {
	Target        string `json:"target"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	target := req.Target
	if target == "" {
		target = req.CorrelationID
	}

	sub := s.busB.Subscribe(outboundAPITopic)
	defer s.busB.Unsubscribe(sub)

	payload, err := json.Marshal(map[string]string{"channel": "api", "target": target})
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	if err := s.store.EnqueueSignal(r.Context(), store.QueuedSignal{
		ID: "api-status-" + req.CorrelationID, Type: "api.status_requested", Source: "api",
		Payload: string(payload), CorrelationID: req.CorrelationID,
	}); err != nil {
		s.logger.Error("gateway: enqueue api.status_requested failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	if err := s.busB.PublishCtx(r.Context(), "api.status_requested", bus.Signal{
		ID: "api-status-" + req.CorrelationID, Type: "api.status_requested", Source: "api",
		Payload: string(payload), CorrelationID: req.CorrelationID, Durable: true,
	}); err != nil {
		s.logger.Error("gateway: publish api.status_requested failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	s.awaitReply(w, r, sub, req.CorrelationID)
}

type timedSignalsRequest struct {
	Target        string `json:"target"`
	TriggerAt     string `json:"trigger_at"`
	SignalType    string `json:"signal_type"`
	SignalPayload string `json:"signal_payload"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleTimedSignals(w http.ResponseWriter, r *http.Request) {
	var req timedSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.SignalType == "" {
		http.Error(w, `{"error":"signal_type is required"}`, http.StatusBadRequest)
		return
	}

	sub := s.busB.Subscribe(outboundAPITopic)
	defer s.busB.Unsubscribe(sub)

	payload, err := json.Marshal(map[string]string{
		"channel": "api", "target": req.Target, "trigger_at": req.TriggerAt,
		"signal_type": req.SignalType, "signal_payload": req.SignalPayload,
	})
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	if err := s.store.EnqueueSignal(r.Context(), store.QueuedSignal{
		ID: "api-timed-" + req.CorrelationID, Type: "api.timed_signals_requested", Source: "api",
		Payload: string(payload), CorrelationID: req.CorrelationID,
	}); err != nil {
		s.logger.Error("gateway: enqueue api.timed_signals_requested failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	if err := s.busB.PublishCtx(r.Context(), "api.timed_signals_requested", bus.Signal{
		ID: "api-timed-" + req.CorrelationID, Type: "api.timed_signals_requested", Source: "api",
		Payload: string(payload), CorrelationID: req.CorrelationID, Durable: true,
	}); err != nil {
		s.logger.Error("gateway: publish api.timed_signals_requested failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	s.awaitReply(w, r, sub, req.CorrelationID)
}

// awaitReply blocks on sub for an outbound.api message matching
// correlationID up to the configured wait window, then writes it as the
// response body; on timeout it returns 202 with a pending marker so the
// caller can poll GET /events instead.
func (s *Server) awaitReply(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()

	for {
		select {
		case sig, ok := <-sub.Ch():
			if !ok {
				s.writePending(w, correlationID)
				return
			}
			om, ok := sig.Payload.(fsm.OutboundMessage)
			if !ok || om.CorrelationID != correlationID {
				continue
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprint(w, om.Text)
			return
		case <-ctx.Done():
			s.writePending(w, correlationID)
			return
		}
	}
}

func (s *Server) writePending(w http.ResponseWriter, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	body, _ := json.Marshal(map[string]string{"status": "pending", "correlation_id": correlationID})
	_, _ = w.Write(body)
}

// handleEvents streams newline-delimited JSON outbound messages addressed
// to channel_target as they arrive on the bus, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("channel_target")
	if target == "" {
		http.Error(w, `{"error":"channel_target is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sub := s.busB.Subscribe("outbound.")
	defer s.busB.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case sig, ok := <-sub.Ch():
			if !ok {
				return
			}
			om, ok := sig.Payload.(fsm.OutboundMessage)
			if !ok || om.Target != target {
				continue
			}
			if err := enc.Encode(om); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
