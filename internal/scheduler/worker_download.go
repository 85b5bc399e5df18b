package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	orchotel "github.com/basket/media-orchestrator/internal/otel"
	"github.com/basket/media-orchestrator/internal/statemachine"
	"github.com/basket/media-orchestrator/internal/taskstore"
	"github.com/basket/media-orchestrator/internal/uichannel"
)

func (s *Scheduler) downloadWorkerLoop(ctx context.Context, workerIdx int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.downloadQueue:
			s.runDownload(ctx, t)
		}
	}
}

// runDownload implements spec §4.3 Worker: download.
func (s *Scheduler) runDownload(ctx context.Context, t taskstore.Task) {
	if !s.enterActive(t.ID) {
		return
	}
	defer s.exitActive(t.ID)

	localPath := filepath.Join(s.cfg.DownloadDir, t.ID)
	var producedFile, handedOff bool
	defer func() {
		if producedFile && !handedOff {
			if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("download cleanup failed", slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
		if !handedOff {
			s.untrack(t.ID)
		}
	}()

	if s.metrics != nil {
		s.metrics.ActiveTasks.Add(ctx, 1)
		defer s.metrics.ActiveTasks.Add(ctx, -1)
	}
	start := s.clock.Now()
	var span trace.Span
	if s.tracer != nil {
		ctx, span = orchotel.StartClientSpan(ctx, s.tracer, "download",
			orchotel.AttrTaskID.String(t.ID), orchotel.AttrUserID.String(t.UserID))
	}
	var downloadErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.DownloadDuration.Record(ctx, s.clock.Now().Sub(start).Seconds())
			if downloadErr != nil {
				s.metrics.TasksFailed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stage", "download")))
			}
		}
		if span != nil {
			if downloadErr != nil {
				span.RecordError(downloadErr)
			}
			span.End()
		}
	}()

	// Claim the row for this replica before doing any work (spec §5 "only
	// one replica holds a task at a time"). A task the claim-poll loop
	// already claimed via ClaimNext arrives here already downloading and
	// owned by this instance; anything else must still win the atomic
	// queued->downloading transition itself. A losing claim means another
	// replica already owns this row, so abort rather than download and
	// upload a copy no one asked this replica to produce.
	if t.Status != statemachine.StatusDownloading || t.ClaimedBy != s.instanceID {
		claimed, err := s.store.ClaimTask(ctx, t.ID, s.instanceID)
		if err != nil {
			s.logger.Warn("download claim lost, abandoning to the owning replica", slog.String("task_id", t.ID), slog.Any("error", err))
			return
		}
		t = claimed
	}

	if s.isCancelled(t.ID) {
		s.cancelTask(ctx, t.ID, "")
		return
	}

	// Sec-transfer shortcut (spec §4.2): the remote may already hold an
	// object with the target name and equal size.
	if info, err := s.transfer.GetRemoteFileInfo(ctx, t.FileName, t.UserID, ""); err == nil && info != nil && info.Size == t.FileSize && t.FileSize > 0 {
		if err := s.writeTerminal(ctx, t.ID, statemachine.StatusCompleted, ""); err != nil {
			s.logger.Warn("sec-transfer shortcut write failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		return
	}

	sourceRef := s.sourceRefFor(t.ID)
	if sourceRef == "" {
		sourceRef = fmt.Sprintf("%s:%d", t.ChatID, t.SourceMsgID)
	}

	progress := func(done, total int64) {
		s.updateProgress(t.ID, uichannel.Progress{BytesDone: done, TotalBytes: total, Action: "Downloading"})
	}

	err := s.transfer.Download(ctx, t.ID, sourceRef, localPath, progress)
	producedFile = err == nil || fileExists(localPath)

	if s.isCancelled(t.ID) {
		s.cancelTask(ctx, t.ID, "")
		return
	}
	if err != nil {
		downloadErr = err
		s.logger.Warn("download failed", slog.String("task_id", t.ID), slog.Any("error", err))
		if failErr := s.writeTerminal(ctx, t.ID, statemachine.StatusFailed, shortReason(err)); failErr != nil {
			s.logger.Warn("download failure write failed", slog.String("task_id", t.ID), slog.Any("error", failErr))
		}
		return
	}

	if s.metrics != nil && t.FileSize > 0 {
		s.metrics.BytesTransferred.Add(ctx, t.FileSize, otelmetric.WithAttributes(attribute.String("stage", "download")))
	}

	if err := s.writeTerminal(ctx, t.ID, statemachine.StatusDownloaded, ""); err != nil {
		s.logger.Warn("downloaded write failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}

	t.Status = statemachine.StatusDownloaded
	handedOff = true // ownership of the file and the in-flight entry now transfer to the upload worker

	// Release the re-entry guard before the task is visible on uploadQueue:
	// an upload worker calling enterActive concurrently must not lose the
	// race against this goroutine's own still-deferred exitActive, or it
	// would abandon the task without cleanup (spec §5 at-most-one-active).
	s.exitActive(t.ID)
	s.dispatchUpload(t, localPath)
}

func (s *Scheduler) cancelTask(ctx context.Context, taskID, reason string) {
	if err := s.writeTerminal(ctx, taskID, statemachine.StatusCancelled, reason); err != nil {
		s.logger.Warn("cancel write failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func (s *Scheduler) enterActive(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeWorkers[taskID]; ok {
		return false
	}
	s.activeWorkers[taskID] = struct{}{}
	return true
}

func (s *Scheduler) exitActive(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeWorkers, taskID)
}

func shortReason(err error) string {
	msg := err.Error()
	const maxLen = 240
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
