package taskstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/statemachine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newQueuedTask() Task {
	return Task{
		ID:          uuid.NewString(),
		UserID:      "u1",
		ChatID:      "123",
		MsgID:       300,
		SourceMsgID: 200,
		FileName:    "demo.mp4",
		FileSize:    1024,
		Status:      statemachine.StatusQueued,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newQueuedTask()
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusQueued, got.Status)
	require.Equal(t, task.FileName, got.FileName)
}

func TestClaimNextTransitionsToDownloading(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newQueuedTask()
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.ClaimNext(ctx, "instance-a")
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusDownloading, claimed.Status)
	require.Equal(t, "instance-a", claimed.ClaimedBy)

	_, err = s.ClaimNext(ctx, "instance-b")
	require.ErrorIs(t, err, ErrNotFound, "no queued rows left")
}

func TestTerminalWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newQueuedTask()
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimNext(ctx, "instance-a")
	require.NoError(t, err)

	require.NoError(t, s.Transition(ctx, task.ID, statemachine.StatusFailed, "boom"))

	err = s.Transition(ctx, task.ID, statemachine.StatusDownloaded, "")
	require.Error(t, err, "terminal rows must never be overwritten")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusFailed, got.Status)
}

func TestCreateBatchSharesGroupID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	groupID := uuid.NewString()
	var batch []Task
	for i := 0; i < 3; i++ {
		tk := newQueuedTask()
		tk.GroupID = groupID
		batch = append(batch, tk)
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	rows, err := s.ListByGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestRequeueStalled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newQueuedTask()
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimNext(ctx, "instance-a")
	require.NoError(t, err)

	// Force updated_at into the past directly, simulating a stalled worker.
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = '2000-01-01T00:00:00Z' WHERE id = ?`, task.ID)
	require.NoError(t, err)

	stalled, err := s.RequeueStalled(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, statemachine.StatusQueued, stalled[0].Status)
}

func TestApplyPendingUpdatesSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newQueuedTask()
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimNext(ctx, "instance-a")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, task.ID, statemachine.StatusCompleted, ""))

	err = s.ApplyPendingUpdates(ctx, map[string]PendingUpdate{
		task.ID: {Status: statemachine.StatusDownloading},
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusCompleted, got.Status, "terminal rows must not be reopened by the pending-update flush")
}
