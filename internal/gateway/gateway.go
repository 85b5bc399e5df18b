// Package gateway is the operator-facing HTTP surface (spec §6): health and
// readiness probes, a config-refresh trigger, and the signed-webhook
// delivery route QueueBus's HTTPSink calls back into. Routing follows the
// teacher's internal/gateway.Server plain net/http.ServeMux shape, narrowed
// to this spec's exact route list and stripped of the teacher's JSON-RPC
// agent protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/media-orchestrator/internal/bus"
	"github.com/basket/media-orchestrator/internal/config"
	"github.com/basket/media-orchestrator/internal/kvstore"
	"github.com/basket/media-orchestrator/internal/scheduler"
)

const maxWebhookBodyBytes = 4 << 20 // 4 MiB

// webhookTopics lists the topics POST /api/v2/tasks/{topic} accepts (spec
// §6).
var webhookTopics = map[string]bool{
	bus.TopicDownload:     true,
	bus.TopicUpload:       true,
	bus.TopicSystemEvents: true,
	bus.TopicMediaBatch:   true,
}

// Config bundles the Server's collaborators.
type Config struct {
	Scheduler *scheduler.Scheduler
	KV        kvstore.Store

	// ConfigSnapshot is swapped atomically by the caller on every reload;
	// the gateway only ever reads the current value (SPEC_FULL §2
	// "Configuration").
	ConfigSnapshot *atomic.Pointer[config.Config]

	// Reload rebuilds the snapshot from disk and swaps it into
	// ConfigSnapshot. Required for POST /api/v2/config/refresh to do
	// anything; if nil, that route always reports failure.
	Reload func(ctx context.Context) (config.Config, error)

	// Ready is set true once the replica's startup sequence has completed
	// (spec §6 "GET|HEAD /ready"). A nil Ready reports always-ready.
	Ready *atomic.Bool

	// Mirror is the in-process pub/sub bus the optional operator websocket
	// (GET /api/v2/events) streams from. Nil disables that route with 404.
	Mirror *bus.Bus

	Validator *bus.PayloadValidator // nil disables schema validation (fail-open)

	Logger *slog.Logger
}

// Server implements spec §6's external HTTP interface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool
}

// New builds a Server. Scheduler, KV, and ConfigSnapshot are required.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "gateway")}
	if cfg.Ready == nil {
		s.ready.Store(true)
	}
	return s
}

// Handler builds the net/http.Handler exposing every route in spec §6.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/v2/config/refresh", s.handleConfigRefresh)
	mux.HandleFunc("/api/v2/tasks/", s.handleWebhook)
	if s.cfg.Mirror != nil {
		mux.HandleFunc("/api/v2/events", s.handleEvents)
	}
	return mux
}

// handleHealth implements "GET|HEAD /health, /healthz: always 200 OK once
// process started" (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		io.WriteString(w, "OK")
	}
}

func (s *Server) isReady() bool {
	if s.cfg.Ready != nil {
		return s.cfg.Ready.Load()
	}
	return s.ready.Load()
}

// handleReady implements "GET|HEAD /ready: 200 OK after the replica's
// startup sequence set the ready flag; 503 Not Ready before" (spec §6).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.isReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.Method == http.MethodGet {
			io.WriteString(w, "Not Ready")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		io.WriteString(w, "OK")
	}
}

type refreshResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleConfigRefresh implements "POST /api/v2/config/refresh: triggers a
// configuration reload; returns 200 {success:true,message} or 500 with
// {success:false,message}. Non-POST methods fall through to webhook
// handling" (spec §6) — the fallthrough mirrors a single shared router
// function in the original system; here it is simply a call into the same
// webhook dispatcher, which will 404 on this path's unrecognized topic.
func (s *Server) handleConfigRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if s.cfg.Reload == nil || s.cfg.ConfigSnapshot == nil {
		s.writeRefreshResult(w, http.StatusInternalServerError, refreshResponse{Success: false, Message: "config reload not configured"})
		return
	}
	next, err := s.cfg.Reload(r.Context())
	if err != nil {
		s.logger.Error("config refresh failed", slog.Any("error", err))
		s.writeRefreshResult(w, http.StatusInternalServerError, refreshResponse{Success: false, Message: err.Error()})
		return
	}
	s.cfg.ConfigSnapshot.Store(&next)
	s.writeRefreshResult(w, http.StatusOK, refreshResponse{Success: true, Message: "reloaded"})
}

func (s *Server) writeRefreshResult(w http.ResponseWriter, status int, body refreshResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// webhookEnvelope matches the wire shape bus.HTTPSink delivers (payload plus
// metadata); only Payload is needed at this layer.
type webhookEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// msgIDOnly extracts just the dedup key from a webhook body without
// committing to the rest of its shape.
type msgIDOnly struct {
	MsgID int64 `json:"msg_id"`
}

// handleWebhook implements "POST /api/v2/tasks/{topic}: signed webhook
// delivery ... upstash-signature header must verify against current+next
// signing keys. On failure: 401. On valid signature: dispatch to the
// handler for the topic" (spec §6), plus the dedup round-trip law (§8
// "publishing the same message twice within the dedup window: second result
// reports {duplicate: true}") applied at the ProcessedMessageTag layer (§3).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimPrefix(r.URL.Path, "/api/v2/tasks/")
	if topic == r.URL.Path || topic == "" || strings.Contains(topic, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !webhookTopics[topic] {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(bus.SigningHeader)
	snapshot := s.currentConfig()
	if !bus.Verify(snapshot.QueueBus.SigningKeyCurrent, snapshot.QueueBus.SigningKeyNext, body, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var env webhookEnvelope
	payload := json.RawMessage(body)
	if err := json.Unmarshal(body, &env); err == nil && len(env.Payload) > 0 {
		payload = env.Payload
	}

	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(topic, payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if duplicate := s.checkAndMarkProcessed(r.Context(), topic, payload); duplicate {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "skipped_by_dedup")
		return
	}

	statusCode, handlerErr := s.dispatchTopic(r.Context(), topic, payload)
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	if statusCode >= 200 && statusCode < 300 {
		io.WriteString(w, "processed")
	} else if handlerErr != nil {
		io.WriteString(w, handlerErr.Error())
	} else {
		io.WriteString(w, "error")
	}
}

func (s *Server) currentConfig() config.Config {
	if s.cfg.ConfigSnapshot != nil {
		if c := s.cfg.ConfigSnapshot.Load(); c != nil {
			return *c
		}
	}
	return config.Config{}
}

// checkAndMarkProcessed reports whether (topic, msg_id) was already seen.
// A missing or zero msg_id always reports false (not a duplicate): "null/
// undefined/zero msg_id always returns processed" (spec §8 scenario 6).
func (s *Server) checkAndMarkProcessed(ctx context.Context, topic string, payload json.RawMessage) bool {
	if s.cfg.KV == nil {
		return false
	}
	var ids msgIDOnly
	if err := json.Unmarshal(payload, &ids); err != nil || ids.MsgID == 0 {
		return false
	}
	key := "task:processed:" + topic + ":" + strconv.FormatInt(ids.MsgID, 10)
	stamp := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	ok, err := s.cfg.KV.CompareAndSwap(ctx, key, nil, stamp, 15*time.Minute)
	if err != nil {
		s.logger.Warn("dedup check failed, proceeding without it", slog.Any("error", err))
		return false
	}
	return !ok
}

func (s *Server) dispatchTopic(ctx context.Context, topic string, payload json.RawMessage) (int, error) {
	switch topic {
	case bus.TopicDownload:
		return s.handleDownloadTopic(ctx, payload)
	case bus.TopicUpload:
		return s.handleUploadTopic(ctx, payload)
	case bus.TopicMediaBatch:
		return s.handleMediaBatchTopic(ctx, payload)
	case bus.TopicSystemEvents:
		return s.handleSystemEventsTopic(ctx, payload)
	default:
		return http.StatusNotFound, errors.New("gateway: unknown topic")
	}
}

type downloadTopicPayload struct {
	TaskID    string `json:"task_id"`
	SourceRef string `json:"source_ref"`
}

func (s *Server) handleDownloadTopic(ctx context.Context, raw json.RawMessage) (int, error) {
	var p downloadTopicPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return http.StatusBadRequest, fmt.Errorf("gateway: invalid download payload: %w", err)
	}
	if err := s.cfg.Scheduler.RedispatchDownload(ctx, p.TaskID, p.SourceRef); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

type uploadTopicPayload struct {
	TaskID    string `json:"task_id"`
	LocalPath string `json:"local_path"`
}

func (s *Server) handleUploadTopic(ctx context.Context, raw json.RawMessage) (int, error) {
	var p uploadTopicPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return http.StatusBadRequest, fmt.Errorf("gateway: invalid upload payload: %w", err)
	}
	if err := s.cfg.Scheduler.RedispatchUpload(ctx, p.TaskID, p.LocalPath); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

type mediaBatchTopicPayload struct {
	UserID string                `json:"user_id"`
	ChatID string                `json:"chat_id"`
	Items  []scheduler.BatchItem `json:"items"`
}

func (s *Server) handleMediaBatchTopic(ctx context.Context, raw json.RawMessage) (int, error) {
	var p mediaBatchTopicPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" || p.ChatID == "" || len(p.Items) == 0 {
		return http.StatusBadRequest, fmt.Errorf("gateway: invalid media-batch payload: %w", err)
	}
	_, err := s.cfg.Scheduler.AddBatchTasks(ctx, scheduler.AddBatchTasksRequest{
		UserID: p.UserID,
		ChatID: p.ChatID,
		Items:  p.Items,
	})
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

// handleSystemEventsTopic just re-announces the delivered event on the
// operator mirror; it never affects task semantics.
func (s *Server) handleSystemEventsTopic(_ context.Context, raw json.RawMessage) (int, error) {
	if s.cfg.Mirror != nil {
		var evt map[string]any
		if err := json.Unmarshal(raw, &evt); err == nil {
			s.cfg.Mirror.Publish(bus.TopicSystemEvents, evt)
		}
	}
	return http.StatusOK, nil
}

// handleEvents is the best-effort operator console stream (SPEC_FULL §4.12):
// a read-only mirror of Scheduler/QueueBus bus events, grounded on the
// teacher's handleWS accept/loop shape minus its JSON-RPC protocol.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snapshot := s.currentConfig()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: snapshot.AllowOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Mirror.Subscribe("")
	defer s.cfg.Mirror.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}
