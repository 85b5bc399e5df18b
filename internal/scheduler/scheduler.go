// Package scheduler owns the lifecycle of every Task on this replica (spec
// §4.1): AddTask/AddBatchTasks/CancelTask/Init, the download/upload worker
// pools, the activeWorkers re-entry guard, the pendingUpdates coalescing
// buffer, and the UI-update refresh loop. Its goroutine-pool/timer-loop
// shape is grounded on the teacher's internal/cron.Scheduler and
// internal/engine heartbeat/loop idiom.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/media-orchestrator/internal/bus"
	"github.com/basket/media-orchestrator/internal/clock"
	orchotel "github.com/basket/media-orchestrator/internal/otel"
	"github.com/basket/media-orchestrator/internal/statemachine"
	"github.com/basket/media-orchestrator/internal/taskstore"
	"github.com/basket/media-orchestrator/internal/transfer"
	"github.com/basket/media-orchestrator/internal/uichannel"
)

// TelegramSource is the subset of spec §6's TelegramSource collaborator the
// Scheduler itself needs: validating that a stalled task's source message
// still exists before re-enqueueing it (Init).
type TelegramSource interface {
	MessageExists(ctx context.Context, peer string, sourceMsgID int64) (bool, error)
}

// LeaderChecker gates the periodic stalled-task sweep so only one replica
// performs it at a time (spec §4.8 "leader-only duties"). Satisfied by
// *coordinator.Coordinator; nil means every replica runs the sweep, the
// correct behavior for a single-instance deployment.
type LeaderChecker interface {
	IsLeader(ctx context.Context) bool
}

// LockAcquirer backs the stalled sweep with an advisory lock in addition to
// LeaderChecker (spec §1 "distributed locks", §4.8): IsLeader's view can lag
// an in-flight leadership handoff by one heartbeat, so the lock is what
// actually keeps two replicas from running the sweep at once. Satisfied by
// *coordinator.Coordinator; nil skips the lock and relies on LeaderChecker
// alone.
type LockAcquirer interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// stalledSweepLockKey names the advisory lock guarding runStalledSweep.
const stalledSweepLockKey = "scheduler:stalled-sweep"

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the teacher's internal/cron.cronParser.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// AddTaskRequest is AddTask's input (spec §4.1).
type AddTaskRequest struct {
	UserID      string
	ChatID      string
	SourceMsgID int64
	SourceRef   string // opaque reference TransferClient.Download resolves
	FileName    string
	FileSize    int64
}

// AddBatchTasksRequest is AddBatchTasks's input: one progress message, many
// media items sharing a group_id.
type AddBatchTasksRequest struct {
	UserID string
	ChatID string
	Items  []BatchItem
}

// BatchItem is one media reference within an AddBatchTasksRequest.
type BatchItem struct {
	SourceMsgID int64  `json:"source_msg_id"`
	SourceRef   string `json:"source_ref"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
}

type inFlightTask struct {
	task      taskstore.Task
	progress  uichannel.Progress
	sourceRef string
	localPath string
	cancelled bool
}

// Scheduler is the spec §2 #9 top-level component.
type Scheduler struct {
	store      *taskstore.Store
	transfer   transfer.Client
	notifier   *uichannel.Notifier
	bus        *bus.QueueBus // optional; nil disables system-events publishing
	telegram   TelegramSource // optional; nil disables Init's existence check
	leader     LeaderChecker  // optional; nil means every replica runs the stalled sweep
	locker     LockAcquirer   // optional; nil skips the advisory lock around the sweep
	clock      clock.Source
	logger     *slog.Logger
	cfg        Config
	batcher    *UploadBatcher
	instanceID string // this replica's identity, stamped into claimed_by
	metrics    *orchotel.Metrics // optional: nil leaves task/download/upload instruments unrecorded
	tracer     trace.Tracer      // optional: nil leaves download/upload spans unstarted

	mu            sync.Mutex
	activeWorkers map[string]struct{}
	inFlight      map[string]*inFlightTask
	pending       map[string]taskstore.PendingUpdate
	pendingSince  map[string]time.Time

	downloadQueue chan taskstore.Task
	uploadQueue   chan taskstore.Task

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps bundles the Scheduler's collaborators (spec §2 dependency order).
type Deps struct {
	Store    *taskstore.Store
	Transfer transfer.Client
	Notifier *uichannel.Notifier
	Bus      *bus.QueueBus
	Telegram TelegramSource
	Leader   LeaderChecker

	// Locker, when wired, backs the periodic stalled sweep with an advisory
	// lock in addition to Leader (spec §1, §4.8). Typically the same
	// *coordinator.Coordinator passed as Leader.
	Locker LockAcquirer
	Clock  clock.Source
	Logger *slog.Logger

	// InstanceID identifies this replica in claimed_by (spec §3, §5). Empty
	// is valid for a single-instance deployment or in tests.
	InstanceID string

	// Metrics and Tracer back the orchestrator.task.*/download.*/upload.*
	// instruments and spans (SPEC_FULL §4.11). Either may be nil.
	Metrics *orchotel.Metrics
	Tracer  trace.Tracer
}

// New wires a Scheduler. Transfer, Store, and Notifier are required; Bus and
// Telegram may be nil.
func New(deps Deps, cfg Config) *Scheduler {
	src := deps.Clock
	if src == nil {
		src = clock.NewReal()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalized()

	s := &Scheduler{
		store:         deps.Store,
		transfer:      deps.Transfer,
		notifier:      deps.Notifier,
		bus:           deps.Bus,
		telegram:      deps.Telegram,
		leader:        deps.Leader,
		locker:        deps.Locker,
		clock:         src,
		logger:        logger.With("component", "scheduler"),
		cfg:           cfg,
		instanceID:    deps.InstanceID,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		activeWorkers: make(map[string]struct{}),
		inFlight:      make(map[string]*inFlightTask),
		pending:       make(map[string]taskstore.PendingUpdate),
		pendingSince:  make(map[string]time.Time),
		downloadQueue: make(chan taskstore.Task, cfg.DownloadQueueSize),
		uploadQueue:   make(chan taskstore.Task, cfg.UploadQueueSize),
	}
	s.batcher = NewUploadBatcher(BatcherConfig{}, deps.Transfer, src, logger)
	return s
}

// Start spawns the download/upload worker pools, the pendingUpdates
// flusher, the pending-buffer safety sweep, and the UI-update refresh loop.
// Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.cfg.MinDownloadWorkers; i++ {
		s.wg.Add(1)
		go s.downloadWorkerLoop(runCtx, i)
	}
	for i := 0; i < s.cfg.MinUploadWorkers; i++ {
		s.wg.Add(1)
		go s.uploadWorkerLoop(runCtx, i)
	}
	s.wg.Add(4)
	go s.pendingFlushLoop(runCtx)
	go s.pendingSweepLoop(runCtx)
	go s.uiRefreshLoop(runCtx)
	go s.claimPollLoop(runCtx)

	if s.cfg.StalledSweepCron != "" {
		if _, err := cronParser.Parse(s.cfg.StalledSweepCron); err != nil {
			s.logger.Error("invalid stalled_sweep_cron, periodic sweep disabled", slog.String("expr", s.cfg.StalledSweepCron), slog.Any("error", err))
		} else {
			s.wg.Add(1)
			go s.stalledSweepLoop(runCtx)
		}
	}

	s.logger.Info("scheduler started",
		slog.Int("download_workers", s.cfg.MinDownloadWorkers),
		slog.Int("upload_workers", s.cfg.MinUploadWorkers))
	return nil
}

// Stop cancels all Scheduler goroutines and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// AddTask implements spec §4.1 AddTask: sends the initial progress message
// first to obtain a msg_id, then persists the queued row. If persistence
// fails, the already-sent message is rolled back to an error text rather
// than left showing a stale "captured" state.
func (s *Scheduler) AddTask(ctx context.Context, req AddTaskRequest) (string, error) {
	id := uuid.NewString()
	task := taskstore.Task{
		ID:          id,
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		SourceMsgID: req.SourceMsgID,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		Status:      statemachine.StatusQueued,
	}

	msgID, err := s.notifier.Announce(ctx, req.ChatID, task, uichannel.Progress{Action: "Captured"})
	if err != nil {
		return "", fmt.Errorf("scheduler: send initial progress message: %w", err)
	}
	task.MsgID = msgID

	if err := s.store.CreateTask(ctx, task); err != nil {
		failed := task
		failed.Status = statemachine.StatusFailed
		failed.ErrorMsg = "failed to queue task"
		if editErr := s.notifier.EditStatus(ctx, req.ChatID, msgID, failed, uichannel.Progress{}); editErr != nil {
			s.logger.Warn("rollback edit failed", slog.Any("error", editErr))
		}
		return "", fmt.Errorf("scheduler: persist task: %w", err)
	}

	s.dispatchDownload(task, req.SourceRef)
	s.publishEvent(ctx, "system-events", "task.queued", task)
	return id, nil
}

// AddBatchTasks implements spec §4.1 AddBatchTasks: one progress message for
// the whole batch, one row per item sharing a single group_id, one atomic
// batch-insert.
func (s *Scheduler) AddBatchTasks(ctx context.Context, req AddBatchTasksRequest) ([]string, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("scheduler: empty batch")
	}
	groupID := uuid.NewString()

	first := taskstore.Task{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		ChatID:   req.ChatID,
		GroupID:  groupID,
		FileName: fmt.Sprintf("%d items", len(req.Items)),
		Status:   statemachine.StatusQueued,
	}
	msgID, err := s.notifier.Announce(ctx, req.ChatID, first, uichannel.Progress{Action: "Captured"})
	if err != nil {
		return nil, fmt.Errorf("scheduler: send initial batch progress message: %w", err)
	}

	tasks := make([]taskstore.Task, 0, len(req.Items))
	refs := make(map[string]string, len(req.Items))
	ids := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		t := taskstore.Task{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ChatID:      req.ChatID,
			GroupID:     groupID,
			SourceMsgID: item.SourceMsgID,
			FileName:    item.FileName,
			FileSize:    item.FileSize,
			Status:      statemachine.StatusQueued,
			MsgID:       msgID,
		}
		if i == 0 {
			t.ID = first.ID
		}
		tasks = append(tasks, t)
		refs[t.ID] = item.SourceRef
		ids = append(ids, t.ID)
	}

	if err := s.store.CreateBatch(ctx, tasks); err != nil {
		failed := first
		failed.Status = statemachine.StatusFailed
		failed.ErrorMsg = "failed to queue batch"
		if editErr := s.notifier.EditStatus(ctx, req.ChatID, msgID, failed, uichannel.Progress{}); editErr != nil {
			s.logger.Warn("batch rollback edit failed", slog.Any("error", editErr))
		}
		return nil, fmt.Errorf("scheduler: persist batch: %w", err)
	}

	for _, t := range tasks {
		s.dispatchDownload(t, refs[t.ID])
	}
	s.publishEvent(ctx, "system-events", "task.batch_queued", map[string]any{"group_id": groupID, "count": len(tasks)})
	return ids, nil
}

// CancelTask implements spec §4.1 CancelTask: idempotent from the caller's
// perspective (returns true even if already terminal), sets the in-memory
// cancel flag any running worker checks at its next checkpoint, and writes
// cancelled to TaskStore.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	if ft, ok := s.inFlight[taskID]; ok {
		ft.cancelled = true
	}
	s.mu.Unlock()

	err := s.store.Transition(ctx, taskID, statemachine.StatusCancelled, "")
	if err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		s.logger.Warn("cancel transition failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return true
}

// isCancelled reports whether a running worker should abandon taskID at its
// next checkpoint (spec §5 cancellation).
func (s *Scheduler) isCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ft, ok := s.inFlight[taskID]
	return ok && ft.cancelled
}

// Init implements spec §4.1 Init: startup recovery for Task rows stuck in a
// non-terminal state past the stalled threshold.
func (s *Scheduler) Init(ctx context.Context) error {
	n, err := s.recoverStalled(ctx, "init")
	if err != nil {
		return fmt.Errorf("scheduler: init requeue stalled: %w", err)
	}
	s.logger.Info("init recovery complete", slog.Int("requeued", n))
	return nil
}

// recoverStalled requeues stalled rows, fails the ones with a syntactically
// invalid chat_id or (when a TelegramSource is wired) a vanished source
// message, and dispatches the rest for a fresh download attempt. logPrefix
// distinguishes Init's startup pass from the periodic sweep in log lines.
func (s *Scheduler) recoverStalled(ctx context.Context, logPrefix string) (int, error) {
	stalled, err := s.store.RequeueStalled(ctx, s.cfg.StalledThreshold)
	if err != nil {
		return 0, err
	}

	for _, t := range stalled {
		if !validChatID(t.ChatID) {
			s.logger.Warn(logPrefix+": skipping task with invalid chat_id", slog.String("task_id", t.ID))
			if failErr := s.store.Transition(ctx, t.ID, statemachine.StatusFailed, "invalid chat_id"); failErr != nil {
				s.logger.Warn(logPrefix+": failing invalid-chat_id task failed", slog.Any("error", failErr))
			}
			continue
		}

		if s.telegram != nil {
			ok, err := s.telegram.MessageExists(ctx, t.ChatID, t.SourceMsgID)
			if err != nil {
				s.logger.Warn(logPrefix+": source message lookup failed", slog.String("task_id", t.ID), slog.Any("error", err))
			} else if !ok {
				s.logger.Warn(logPrefix+": source message gone, failing task", slog.String("task_id", t.ID))
				if failErr := s.store.Transition(ctx, t.ID, statemachine.StatusFailed, "source message no longer available"); failErr != nil {
					s.logger.Warn(logPrefix+": failing task with missing source failed", slog.Any("error", failErr))
				}
				continue
			}
		}

		s.dispatchDownload(t, "")
	}

	return len(stalled), nil
}

// claimPollLoop is the cross-replica side of the distributed work-claim
// protocol (spec §1, §5 "only one replica holds a task at a time").
// dispatchDownload's direct channel push is the fast path for tasks this
// replica's own AddTask/Init/redispatch already knows about; this loop is
// what lets a replica pick up a queued row nothing local has dispatched yet
// (e.g. a row another replica created against the shared TaskStore), using
// ClaimNext's atomic claim so at most one replica ever wins a given row.
func (s *Scheduler) claimPollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.ClaimPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.pollClaim(ctx)
		}
	}
}

// pollClaim drains every currently claimable queued row in one tick.
func (s *Scheduler) pollClaim(ctx context.Context) {
	for {
		t, err := s.store.ClaimNext(ctx, s.instanceID)
		if errors.Is(err, taskstore.ErrNotFound) {
			return
		}
		if err != nil {
			s.logger.Warn("claim poll failed", slog.Any("error", err))
			return
		}
		s.dispatchClaimed(t)
	}
}

// dispatchClaimed hands a task ClaimNext already transitioned to downloading
// off to a worker, skipping runDownload's own claim step (the row is already
// this replica's).
func (s *Scheduler) dispatchClaimed(t taskstore.Task) {
	s.mu.Lock()
	if _, ok := s.inFlight[t.ID]; ok {
		// This replica's own dispatch already has it in flight; ClaimNext
		// merely confirmed what was already true. Nothing more to do.
		s.mu.Unlock()
		return
	}
	s.inFlight[t.ID] = &inFlightTask{task: t}
	s.mu.Unlock()

	select {
	case s.downloadQueue <- t:
	default:
		s.logger.Warn("download queue full, dropping claimed dispatch", slog.String("task_id", t.ID))
	}
}

func validChatID(chatID string) bool {
	if chatID == "" {
		return false
	}
	for _, r := range chatID {
		if (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func (s *Scheduler) dispatchDownload(t taskstore.Task, sourceRef string) {
	s.mu.Lock()
	s.inFlight[t.ID] = &inFlightTask{task: t, sourceRef: sourceRef}
	s.mu.Unlock()

	select {
	case s.downloadQueue <- t:
	default:
		s.logger.Warn("download queue full, dropping dispatch", slog.String("task_id", t.ID))
	}
}

// sourceRefFor returns the opaque download reference stashed for taskID in
// dispatchDownload. TaskStore has no such column; it is only needed for the
// lifetime of the in-flight dispatch.
func (s *Scheduler) sourceRefFor(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ft, ok := s.inFlight[taskID]; ok {
		return ft.sourceRef
	}
	return ""
}

func (s *Scheduler) dispatchUpload(t taskstore.Task, localPath string) {
	s.mu.Lock()
	s.inFlight[t.ID] = &inFlightTask{task: t, localPath: localPath}
	s.mu.Unlock()

	select {
	case s.uploadQueue <- t:
	default:
		s.logger.Warn("upload queue full, dropping dispatch", slog.String("task_id", t.ID))
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("drop-dispatch cleanup failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
}

// localPathFor returns the on-disk path stashed for taskID by
// dispatchUpload.
func (s *Scheduler) localPathFor(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ft, ok := s.inFlight[taskID]; ok {
		return ft.localPath
	}
	return ""
}

// RedispatchDownload re-enqueues taskID for download processing on behalf of
// the gateway's "download" webhook topic (spec §6): a redelivered QueueBus
// message asking this replica to (re)drive a task it may have already
// claimed in-memory and lost on restart. A task no longer in queued is left
// alone; a worker has already claimed or finished it.
func (s *Scheduler) RedispatchDownload(ctx context.Context, taskID, sourceRef string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: redispatch download: %w", err)
	}
	if t.Status != statemachine.StatusQueued {
		return nil
	}
	s.dispatchDownload(t, sourceRef)
	return nil
}

// RedispatchUpload re-enqueues taskID for upload processing on behalf of the
// gateway's "upload" webhook topic, mirroring RedispatchDownload.
func (s *Scheduler) RedispatchUpload(ctx context.Context, taskID, localPath string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: redispatch upload: %w", err)
	}
	if t.Status != statemachine.StatusDownloaded {
		return nil
	}
	s.dispatchUpload(t, localPath)
	return nil
}

func (s *Scheduler) untrack(taskID string) {
	s.mu.Lock()
	delete(s.inFlight, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) updateProgress(taskID string, p uichannel.Progress) {
	s.mu.Lock()
	if ft, ok := s.inFlight[taskID]; ok {
		ft.progress = p
	}
	s.mu.Unlock()
}

// queuePendingUpdate records a non-terminal status change in the coalescing
// buffer instead of writing TaskStore synchronously (spec §3, §4.1).
func (s *Scheduler) queuePendingUpdate(taskID string, status statemachine.Status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[taskID] = taskstore.PendingUpdate{Status: status, ErrorMsg: errMsg, Timestamp: s.clock.Now()}
	if _, ok := s.pendingSince[taskID]; !ok {
		s.pendingSince[taskID] = s.clock.Now()
	}
}

// writeTerminal bypasses the pendingUpdates buffer entirely, per spec §3
// ("terminal updates bypass the buffer and write synchronously").
func (s *Scheduler) writeTerminal(ctx context.Context, taskID string, status statemachine.Status, errMsg string) error {
	s.mu.Lock()
	delete(s.pending, taskID)
	delete(s.pendingSince, taskID)
	s.mu.Unlock()
	return s.store.Transition(ctx, taskID, status, errMsg)
}

func (s *Scheduler) pendingFlushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.PendingFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.flushPending(ctx)
		}
	}
}

func (s *Scheduler) flushPending(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]taskstore.PendingUpdate)
	for id := range batch {
		delete(s.pendingSince, id)
	}
	s.mu.Unlock()

	if err := s.store.ApplyPendingUpdates(ctx, batch); err != nil {
		s.logger.Warn("pending update flush failed", slog.Int("count", len(batch)), slog.Any("error", err))
	}
}

// pendingSweepLoop is the "5-minute sweep removes entries older than 30
// minutes" safety net (spec §4.1): it guards against a pending entry that
// for some reason never gets naturally overwritten or flushed (e.g. a
// worker crash leaves its key's io in a degenerate retry state).
func (s *Scheduler) pendingSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.PendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepStalePending()
		}
	}
}

func (s *Scheduler) sweepStalePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, since := range s.pendingSince {
		if now.Sub(since) > s.cfg.PendingMaxAge {
			delete(s.pending, id)
			delete(s.pendingSince, id)
			s.logger.Warn("dropped stale pending update", slog.String("task_id", id))
		}
	}
}

// uiRefreshLoop periodically requests a throttled refresh for every
// in-flight task, taking a snapshot at the start of each iteration so a
// worker completing (and untracking) a task mid-loop cannot cause an
// undefined-element read (spec §4.6).
func (s *Scheduler) uiRefreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.UIRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.refreshAllInFlight(ctx)
		}
	}
}

func (s *Scheduler) refreshAllInFlight(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]inFlightTask, 0, len(s.inFlight))
	for _, ft := range s.inFlight {
		snapshot = append(snapshot, *ft)
	}
	s.mu.Unlock()

	for _, ft := range snapshot {
		s.notifier.RequestRefresh(ctx, ft.task.ChatID, ft.task, ft.progress)
	}
}

// stalledSweepLoop re-fires Init's stalled-task recovery on cfg.StalledSweepCron's
// schedule, restricted to the leader when a LeaderChecker is wired (spec
// §4.8). Its sleep-until-next-fire shape mirrors the teacher's
// internal/cron.NextRunTime usage rather than robfig/cron's own Cron runner,
// since the Scheduler already owns its goroutine/Start/Stop lifecycle.
func (s *Scheduler) stalledSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	schedule, err := cronParser.Parse(s.cfg.StalledSweepCron)
	if err != nil {
		// Start already validated this; reaching here would mean cfg was
		// mutated after Start, which isn't supported.
		return
	}
	for {
		next := schedule.Next(s.clock.Now())
		timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			if s.leader == nil || s.leader.IsLeader(ctx) {
				s.runStalledSweep(ctx)
			}
		}
	}
}

// runStalledSweep performs the periodic sweep itself, gated behind the
// advisory lock when one is wired (spec §1, §4.8 "leader-only duties"):
// IsLeader's cached view can straddle a leadership handoff, so the lock is
// what actually excludes a second replica rather than merely making it
// unlikely.
func (s *Scheduler) runStalledSweep(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, stalledSweepLockKey, s.cfg.StalledThreshold)
		if err != nil {
			s.logger.Warn("stalled sweep lock acquire failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if relErr := s.locker.ReleaseLock(ctx, stalledSweepLockKey); relErr != nil {
				s.logger.Warn("stalled sweep lock release failed", slog.Any("error", relErr))
			}
		}()
	}

	n, err := s.recoverStalled(ctx, "sweep")
	if err != nil {
		s.logger.Warn("periodic stalled sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.Info("periodic stalled sweep requeued tasks", slog.Int("count", n))
	}
}

func (s *Scheduler) publishEvent(ctx context.Context, topic, eventType string, payload any) {
	if s.bus == nil {
		return
	}
	body, err := json.Marshal(map[string]any{"type": eventType, "data": payload})
	if err != nil {
		return
	}
	if _, err := s.bus.Publish(ctx, topic, body, bus.PublishOptions{}); err != nil {
		s.logger.Warn("system-event publish failed", slog.String("type", eventType), slog.Any("error", err))
	}
}
