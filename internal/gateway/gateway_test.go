package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/bus"
	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/config"
	"github.com/basket/media-orchestrator/internal/kvstore"
	"github.com/basket/media-orchestrator/internal/scheduler"
	"github.com/basket/media-orchestrator/internal/taskstore"
	"github.com/basket/media-orchestrator/internal/transfer"
	"github.com/basket/media-orchestrator/internal/uichannel"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeChannel) SendMessage(context.Context, string, uichannel.Outbound) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return int64(f.sent), nil
}

func (f *fakeChannel) EditMessage(context.Context, string, int64, uichannel.Outbound) error {
	return nil
}

type fakeTransfer struct{}

func (fakeTransfer) Download(context.Context, string, string, string, transfer.ProgressFunc) error {
	return nil
}

func (fakeTransfer) GetRemoteFileInfo(context.Context, string, string, string) (*transfer.FileInfo, error) {
	return nil, nil
}

func (fakeTransfer) UploadFile(_ context.Context, req transfer.UploadRequest, _ transfer.ProgressFunc) transfer.UploadResult {
	return transfer.UploadResult{TaskID: req.TaskID, Success: true}
}

func (f fakeTransfer) UploadBatch(ctx context.Context, reqs []transfer.UploadRequest, progress transfer.ProgressFunc) []transfer.UploadResult {
	out := make([]transfer.UploadResult, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, f.UploadFile(ctx, r, progress))
	}
	return out
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := taskstore.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fc := clock.NewFake(time.Unix(0, 0))
	notifier := uichannel.New(&fakeChannel{}, uichannel.NewThrottle(time.Millisecond, fc), store, nil)
	return scheduler.New(scheduler.Deps{
		Store:    store,
		Transfer: fakeTransfer{},
		Notifier: notifier,
		Clock:    fc,
	}, scheduler.Config{DownloadDir: t.TempDir()})
}

func newTestServer(t *testing.T, kv kvstore.Store, validator *bus.PayloadValidator) (*Server, *atomic.Pointer[config.Config]) {
	t.Helper()
	snap := &atomic.Pointer[config.Config]{}
	cfg := config.Config{}
	cfg.QueueBus.SigningKeyCurrent = "cur-key"
	cfg.QueueBus.SigningKeyNext = "next-key"
	snap.Store(&cfg)

	s := New(Config{
		Scheduler:      newTestScheduler(t),
		KV:             kv,
		ConfigSnapshot: snap,
		Validator:      validator,
		Reload: func(context.Context) (config.Config, error) {
			next := cfg
			next.LogLevel = "debug"
			return next, nil
		},
	})
	return s, snap
}

func TestHealthAlwaysOK(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	for _, path := range []string{"/health", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestReadyReflectsFlag(t *testing.T) {
	ready := &atomic.Bool{}
	s := New(Config{Scheduler: newTestScheduler(t), KV: kvstore.NewMemoryStore(nil), Ready: ready})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready.Store(true)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestConfigRefreshSwapsSnapshotOnSuccess(t *testing.T) {
	s, snap := newTestServer(t, kvstore.NewMemoryStore(nil), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/config/refresh", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp refreshResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, "debug", snap.Load().LogLevel)
}

func TestConfigRefreshNonPostFallsThroughToWebhookAndFails(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/config/refresh", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code, "non-POST falls to the webhook dispatcher, which 404s on this path")
}

func signedRequest(t *testing.T, path, key string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set(bus.SigningHeader, bus.Sign(key, body))
	return req
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	body := []byte(`{"task_id":"t1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v2/tasks/download", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	body := []byte(`{"task_id":"t1"}`)
	req := signedRequest(t, "/api/v2/tasks/download", "wrong-key", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookUnknownTopicNotFound(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	body := []byte(`{}`)
	req := signedRequest(t, "/api/v2/tasks/bogus", "cur-key", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookDownloadTopicDispatchesAndReturnsProcessed(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	sched := s.cfg.Scheduler
	id, err := sched.AddTask(context.Background(), scheduler.AddTaskRequest{UserID: "u1", ChatID: "123", FileName: "a.mkv"})
	require.NoError(t, err)

	body := []byte(`{"task_id":"` + id + `","source_ref":"ref"}`)
	req := signedRequest(t, "/api/v2/tasks/download", "cur-key", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "processed", w.Body.String())
}

func TestWebhookDedupSkipsSecondDeliveryOfSameMsgID(t *testing.T) {
	kv := kvstore.NewMemoryStore(nil)
	s, _ := newTestServer(t, kv, nil)
	sched := s.cfg.Scheduler
	id, err := sched.AddTask(context.Background(), scheduler.AddTaskRequest{UserID: "u1", ChatID: "123", FileName: "a.mkv"})
	require.NoError(t, err)

	body := []byte(`{"task_id":"` + id + `","msg_id":100}`)

	req1 := signedRequest(t, "/api/v2/tasks/download", "cur-key", body)
	w1 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)
	require.Equal(t, "processed", w1.Body.String())

	req2 := signedRequest(t, "/api/v2/tasks/download", "cur-key", body)
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Equal(t, "skipped_by_dedup", w2.Body.String())
}

func TestWebhookZeroMsgIDNeverDedups(t *testing.T) {
	kv := kvstore.NewMemoryStore(nil)
	s, _ := newTestServer(t, kv, nil)
	sched := s.cfg.Scheduler
	id, err := sched.AddTask(context.Background(), scheduler.AddTaskRequest{UserID: "u1", ChatID: "123", FileName: "a.mkv"})
	require.NoError(t, err)

	body := []byte(`{"task_id":"` + id + `"}`)
	for i := 0; i < 2; i++ {
		req := signedRequest(t, "/api/v2/tasks/download", "cur-key", body)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, "processed", w.Body.String(), "iteration %d", i)
	}
}

func TestWebhookSchemaValidationRejectsMalformedPayload(t *testing.T) {
	validator, err := bus.NewPayloadValidator()
	require.NoError(t, err)
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), validator)

	body := []byte(`{"source_ref":"ref"}`) // missing required task_id
	req := signedRequest(t, "/api/v2/tasks/download", "cur-key", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMediaBatchTopicDispatches(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	body := []byte(`{"user_id":"u1","chat_id":"123","items":[{"source_msg_id":1,"source_ref":"r1","file_name":"a.mkv"}]}`)
	req := signedRequest(t, "/api/v2/tasks/media-batch", "cur-key", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "processed", w.Body.String())
}

func TestEventsRouteAbsentWithoutMirror(t *testing.T) {
	s, _ := newTestServer(t, kvstore.NewMemoryStore(nil), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v2/events", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
