package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	orchotel "github.com/basket/media-orchestrator/internal/otel"
	"github.com/basket/media-orchestrator/internal/statemachine"
	"github.com/basket/media-orchestrator/internal/taskstore"
	"github.com/basket/media-orchestrator/internal/transfer"
	"github.com/basket/media-orchestrator/internal/uichannel"
)

func (s *Scheduler) uploadWorkerLoop(ctx context.Context, workerIdx int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.uploadQueue:
			s.runUpload(ctx, t)
		}
	}
}

// runUpload implements spec §4.4 Worker: upload.
func (s *Scheduler) runUpload(ctx context.Context, t taskstore.Task) {
	if !s.enterActive(t.ID) {
		return
	}
	defer s.exitActive(t.ID)

	localPath := s.localPathFor(t.ID)
	defer func() {
		// Always delete the local file, even on upload failure (spec §4.4).
		if localPath != "" {
			if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("upload cleanup failed", slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
		s.untrack(t.ID)
	}()

	if s.metrics != nil {
		s.metrics.ActiveTasks.Add(ctx, 1)
		defer s.metrics.ActiveTasks.Add(ctx, -1)
	}
	start := s.clock.Now()
	var span trace.Span
	if s.tracer != nil {
		ctx, span = orchotel.StartClientSpan(ctx, s.tracer, "upload",
			orchotel.AttrTaskID.String(t.ID), orchotel.AttrUserID.String(t.UserID))
	}
	var uploadErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.UploadDuration.Record(ctx, s.clock.Now().Sub(start).Seconds())
			if uploadErr != nil {
				s.metrics.TasksFailed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stage", "upload")))
			}
		}
		if span != nil {
			if uploadErr != nil {
				span.RecordError(uploadErr)
			}
			span.End()
		}
	}()

	if s.isCancelled(t.ID) {
		s.cancelTask(ctx, t.ID, "")
		return
	}

	// Stamp claimed_by for the upload pool taking ownership (spec §3); the
	// download worker that handed this task off already released its own
	// claim in the same statement that moved it to downloaded.
	if err := s.store.UpdateClaim(ctx, t.ID, s.instanceID); err != nil {
		s.logger.Warn("upload claim stamp failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}

	if err := s.writeTerminal(ctx, t.ID, statemachine.StatusUploading, ""); err != nil {
		s.logger.Warn("upload entry write failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}

	progress := func(done, total int64) {
		s.updateProgress(t.ID, uichannel.Progress{BytesDone: done, TotalBytes: total, Action: "Uploading"})
	}

	req := transfer.UploadRequest{TaskID: t.ID, LocalPath: localPath, Name: t.FileName, User: t.UserID}

	// Only tasks sharing a batch group_id (spec §4.1 AddBatchTasks) have
	// plausible siblings to coalesce with; a lone task takes the single-file
	// path directly instead of waiting out the batcher's MaxAge for
	// siblings that will never arrive (spec §4.4).
	var result transfer.UploadResult
	if t.GroupID != "" && s.batcher != nil && s.batcher.Offer(t.UserID, t.FileName, req, progress) {
		result = s.batcher.Await(ctx, t.ID)
	} else {
		result = s.transfer.UploadFile(ctx, req, progress)
	}

	if s.isCancelled(t.ID) {
		s.cancelTask(ctx, t.ID, "")
		return
	}

	if !result.Success {
		reason := "upload failed"
		if result.Err != nil {
			reason = shortReason(result.Err)
		}
		uploadErr = result.Err
		if uploadErr == nil {
			uploadErr = errors.New(reason)
		}
		s.logger.Warn("upload failed", slog.String("task_id", t.ID), slog.String("reason", reason))
		if err := s.writeTerminal(ctx, t.ID, statemachine.StatusFailed, reason); err != nil {
			s.logger.Warn("upload failure write failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		return
	}

	if s.metrics != nil && t.FileSize > 0 {
		s.metrics.BytesTransferred.Add(ctx, t.FileSize, otelmetric.WithAttributes(attribute.String("stage", "upload")))
	}

	// Verify step: use the actual on-disk filename, not a freshly
	// regenerated one, since two renders of the same media can differ
	// (spec §4.2).
	info, err := s.transfer.GetRemoteFileInfo(ctx, t.FileName, t.UserID, "")
	verified := err == nil && info != nil && (t.FileSize <= 0 || info.Size == t.FileSize)
	if !verified {
		reason := "post-upload verify failed"
		if err != nil {
			reason = shortReason(err)
		}
		uploadErr = errors.New(reason)
		if werr := s.writeTerminal(ctx, t.ID, statemachine.StatusFailed, reason); werr != nil {
			s.logger.Warn("verify-failure write failed", slog.String("task_id", t.ID), slog.Any("error", werr))
		}
		return
	}

	if err := s.writeTerminal(ctx, t.ID, statemachine.StatusCompleted, ""); err != nil {
		s.logger.Warn("completed write failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}
