// Package uichannel implements the UI-update scheduler (spec §4.6): a
// bounded-rate, consistent progress display built on top of an abstract
// Channel, with a default adapter in internal/uichannel/telegram.
package uichannel

import "context"

// Button is one element of an inline action row attached to a message.
type Button struct {
	Text string
	Data string
}

// Outbound is a rendered message body, independent of any particular
// chat backend.
type Outbound struct {
	Text    string
	Buttons []Button
}

// Channel abstracts "edit message N in chat C with text/buttons"
// (spec §2, collaborator #5): best-effort, rate-limited, implemented by
// internal/uichannel/telegram.Adapter in production.
type Channel interface {
	SendMessage(ctx context.Context, peer string, msg Outbound) (msgID int64, err error)
	EditMessage(ctx context.Context, peer string, msgID int64, msg Outbound) error
}

// Progress is the transient, in-memory progress state for a task that is
// currently downloading or uploading. It is never persisted to TaskStore
// (spec §4.1: "progress thereafter is reported only via the pendingUpdates
// buffer and via UI edits — no per-chunk writes").
type Progress struct {
	BytesDone  int64
	TotalBytes int64
	Action     string // e.g. "Downloading", "Uploading"
}

// Percentage returns 0-100, or 0 if TotalBytes is unknown.
func (p Progress) Percentage() int {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := int((p.BytesDone * 100) / p.TotalBytes)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
