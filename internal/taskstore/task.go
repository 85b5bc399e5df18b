package taskstore

import (
	"time"

	"github.com/basket/media-orchestrator/internal/statemachine"
)

// Task is the durable unit of work (spec §3). TaskStore owns this row; the
// in-memory mirror is owned by the Scheduler of the claiming instance for the
// duration of the claim.
type Task struct {
	ID          string
	UserID      string
	ChatID      string
	MsgID       int64 // progress message id
	SourceMsgID int64 // the media reference
	FileName    string
	FileSize    int64
	Status      statemachine.Status
	GroupID     string // empty means not part of a batch
	ClaimedBy   string // instance id, empty if unclaimed
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasGroup reports whether this Task is part of a BatchGroup (spec §3).
func (t Task) HasGroup() bool { return t.GroupID != "" }
