package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/transfer"
)

var errBatchEntryMissingResult = errors.New("scheduler: upload batch flush returned no result for this entry")

// resultRegistry is a small mutex-protected lookup from task id to the
// channel Await should receive on, kept separate from pendingBatch so a
// flushed batch's entries remain reachable by Await even after the batch
// itself has been removed from UploadBatcher.batches.
type resultRegistry struct {
	mu   sync.Mutex
	byID map[string]chan transfer.UploadResult
}

func newResultRegistry() *resultRegistry {
	return &resultRegistry{byID: make(map[string]chan transfer.UploadResult)}
}

func (r *resultRegistry) store(id string, ch chan transfer.UploadResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = ch
}

func (r *resultRegistry) load(id string) (chan transfer.UploadResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[id]
	return ch, ok
}

func (r *resultRegistry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// BatcherConfig tunes the UploadBatcher (spec §4.5).
type BatcherConfig struct {
	MaxSize int           // entries per batch before a size-triggered flush
	MaxAge  time.Duration // age before a time-triggered flush
}

func (c BatcherConfig) normalized() BatcherConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 5
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 3 * time.Second
	}
	return c
}

type batchEntry struct {
	req      transfer.UploadRequest
	progress transfer.ProgressFunc
	resultCh chan transfer.UploadResult
}

type pendingBatch struct {
	entries []batchEntry
	timer   clock.Timer
}

// UploadBatcher coalesces uploads destined for the same (user, prefix) into
// one transfer-tool invocation. Only callers that know siblings are likely
// (runUpload, for tasks sharing an AddBatchTasks group_id) go through Offer;
// everything else takes the single-file path directly (spec §4.4 "otherwise
// the single-file path is used").
type UploadBatcher struct {
	cfg    BatcherConfig
	client transfer.Client
	clock  clock.Source
	logger *slog.Logger

	mu             sync.Mutex
	batches        map[string]*pendingBatch
	pendingResults *resultRegistry
}

// NewUploadBatcher wires a batcher. client delivers the coalesced flush via
// UploadBatch.
func NewUploadBatcher(cfg BatcherConfig, client transfer.Client, src clock.Source, logger *slog.Logger) *UploadBatcher {
	if src == nil {
		src = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadBatcher{
		cfg:            cfg.normalized(),
		client:         client,
		clock:          src,
		logger:         logger.With("component", "scheduler/upload_batcher"),
		batches:        make(map[string]*pendingBatch),
		pendingResults: newResultRegistry(),
	}
}

func batchKey(user, fileName string) string {
	return user + ":" + path.Dir(fileName)
}

// Offer enqueues req into the batch for (user, destination prefix) and
// always returns true; Await must then be called with req.TaskID to obtain
// the result once the batch flushes.
func (b *UploadBatcher) Offer(user, fileName string, req transfer.UploadRequest, progress transfer.ProgressFunc) bool {
	key := batchKey(user, fileName)
	entry := batchEntry{req: req, progress: progress, resultCh: make(chan transfer.UploadResult, 1)}
	b.pendingResults.store(req.TaskID, entry.resultCh)

	b.mu.Lock()
	pb, ok := b.batches[key]
	if !ok {
		pb = &pendingBatch{}
		b.batches[key] = pb
		pb.timer = b.clock.NewTimer(b.cfg.MaxAge)
		go b.awaitFlush(key, pb.timer)
	}
	pb.entries = append(pb.entries, entry)
	flushNow := len(pb.entries) >= b.cfg.MaxSize
	if flushNow {
		delete(b.batches, key)
	}
	b.mu.Unlock()

	if flushNow {
		pb.timer.Stop()
		b.flush(key, pb.entries)
	}

	return true
}

func (b *UploadBatcher) awaitFlush(key string, timer clock.Timer) {
	<-timer.C()
	b.mu.Lock()
	pb, ok := b.batches[key]
	if ok {
		delete(b.batches, key)
	}
	b.mu.Unlock()
	if ok {
		b.flush(key, pb.entries)
	}
}

// flush dispatches every pending entry's callback exactly once (spec §4.5):
// on a client-level error every entry resolves to a failure value rather
// than being retried implicitly.
func (b *UploadBatcher) flush(key string, entries []batchEntry) {
	if len(entries) == 0 {
		return
	}
	reqs := make([]transfer.UploadRequest, len(entries))
	byID := make(map[string]batchEntry, len(entries))
	for i, e := range entries {
		reqs[i] = e.req
		byID[e.req.TaskID] = e
	}

	var progress transfer.ProgressFunc
	if len(entries) == 1 && entries[0].progress != nil {
		progress = entries[0].progress
	}

	results := b.client.UploadBatch(context.Background(), reqs, progress)
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.TaskID] = true
		if e, ok := byID[r.TaskID]; ok {
			e.resultCh <- r
		}
	}
	for id, e := range byID {
		if !seen[id] {
			e.resultCh <- transfer.UploadResult{TaskID: id, Success: false, Err: errBatchEntryMissingResult}
		}
	}
}

// Await blocks until req.TaskID's batch flush resolves, or ctx is done.
func (b *UploadBatcher) Await(ctx context.Context, taskID string) transfer.UploadResult {
	ch, ok := b.pendingResults.load(taskID)
	if !ok {
		return transfer.UploadResult{TaskID: taskID, Success: false, Err: errBatchEntryMissingResult}
	}
	defer b.pendingResults.delete(taskID)
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return transfer.UploadResult{TaskID: taskID, Success: false, Err: ctx.Err()}
	}
}
