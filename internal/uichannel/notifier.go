package uichannel

import (
	"context"
	"log/slog"

	"github.com/basket/media-orchestrator/internal/statemachine"
	"github.com/basket/media-orchestrator/internal/taskstore"
)

// GroupLister is the subset of taskstore.Store needed to fetch a batch
// group's rows live at refresh time (spec §4.6).
type GroupLister interface {
	ListByGroup(ctx context.Context, groupID string) ([]taskstore.Task, error)
}

// Notifier drives UI refreshes for one task or batch group, applying the
// Throttle and rendering via RenderSingleTask/RenderBatch. UIChannel
// failures are logged and swallowed (spec §4.6) — they never fail the
// owning task.
type Notifier struct {
	channel  Channel
	throttle *Throttle
	store    GroupLister
	logger   *slog.Logger
}

func New(channel Channel, throttle *Throttle, store GroupLister, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{channel: channel, throttle: throttle, store: store, logger: logger.With("component", "uichannel")}
}

// Announce sends the initial progress message for a new task and returns
// its msg_id. Failure to send is not swallowed — spec §3 requires AddTask
// to fail the call if the initial message cannot be sent.
func (n *Notifier) Announce(ctx context.Context, peer string, task taskstore.Task, progress Progress) (int64, error) {
	return n.channel.SendMessage(ctx, peer, RenderSingleTask(task, progress))
}

// EditStatus unconditionally renders and edits task's progress message,
// bypassing the throttle. Used for one-off edits outside the regular refresh
// cadence, such as rolling an already-sent message back to an error state
// when persisting the new Task row fails (spec §4.1 AddTask).
func (n *Notifier) EditStatus(ctx context.Context, peer string, msgID int64, task taskstore.Task, progress Progress) error {
	return n.channel.EditMessage(ctx, peer, msgID, RenderSingleTask(task, progress))
}

// RequestRefresh renders and edits the progress message for task, honoring
// the throttle unless task's status is terminal. If task belongs to a
// group, the batch-monitor view is rendered from a live TaskStore read of
// the whole group instead of the single-task template.
func (n *Notifier) RequestRefresh(ctx context.Context, peer string, task taskstore.Task, progress Progress) {
	terminal := statemachine.IsTerminal(task.Status)
	if !n.throttle.Allow(task.MsgID, terminal) {
		return
	}

	var out Outbound
	if task.HasGroup() {
		rows, err := n.store.ListByGroup(ctx, task.GroupID)
		if err != nil {
			n.logger.Warn("batch refresh list failed", slog.String("group_id", task.GroupID), slog.Any("error", err))
			out = RenderSingleTask(task, progress)
		} else {
			out = RenderBatch(rows, task.ID, progress)
		}
	} else {
		out = RenderSingleTask(task, progress)
	}

	if err := n.channel.EditMessage(ctx, peer, task.MsgID, out); err != nil {
		n.logger.Warn("uichannel edit failed", slog.Int64("msg_id", task.MsgID), slog.Any("error", err))
	}

	if terminal {
		n.throttle.Forget(task.MsgID)
	}
}
