package uichannel

import (
	"fmt"
	"strings"

	"github.com/basket/media-orchestrator/internal/statemachine"
	"github.com/basket/media-orchestrator/internal/taskstore"
)

var statusIcon = map[statemachine.Status]string{
	statemachine.StatusQueued:      "⏳",
	statemachine.StatusDownloading: "⬇️",
	statemachine.StatusDownloaded:  "📥",
	statemachine.StatusUploading:   "⬆️",
	statemachine.StatusCompleted:   "✅",
	statemachine.StatusFailed:      "❌",
	statemachine.StatusCancelled:   "🚫",
}

func iconFor(s statemachine.Status) string {
	if icon, ok := statusIcon[s]; ok {
		return icon
	}
	return "•"
}

func progressBar(pct int, width int) string {
	if width <= 0 {
		width = 10
	}
	filled := (pct * width) / 100
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RenderSingleTask renders the template for a standalone (non-batch) task:
// percentage, bytes_done/total, action, plus a cancel button (spec §4.6).
func RenderSingleTask(task taskstore.Task, progress Progress) Outbound {
	if statemachine.IsTerminal(task.Status) {
		return renderTerminalSingle(task)
	}

	pct := progress.Percentage()
	action := progress.Action
	if action == "" {
		action = string(task.Status)
	}

	text := fmt.Sprintf("%s %s\n%s %d%%\n%s / %s",
		iconFor(task.Status), task.FileName,
		progressBar(pct, 12), pct,
		humanBytes(progress.BytesDone), humanBytes(progress.TotalBytes))

	return Outbound{
		Text:    text,
		Buttons: []Button{{Text: "Cancel", Data: "cancel:" + task.ID}},
	}
}

func renderTerminalSingle(task taskstore.Task) Outbound {
	switch task.Status {
	case statemachine.StatusCompleted:
		return Outbound{Text: fmt.Sprintf("%s %s\nDone.", iconFor(task.Status), task.FileName)}
	case statemachine.StatusCancelled:
		return Outbound{Text: fmt.Sprintf("%s %s\nCancelled.", iconFor(task.Status), task.FileName)}
	default:
		msg := task.ErrorMsg
		if msg == "" {
			msg = "failed"
		}
		return Outbound{Text: fmt.Sprintf("%s %s\n%s", iconFor(task.Status), task.FileName, msg)}
	}
}

// RenderBatch renders the batch-monitor view: one short icon-led line per
// row in the group, with the currently-focused task expanded with a
// progress bar (spec §4.6). Rows must be fetched live from TaskStore by the
// caller immediately before rendering.
func RenderBatch(rows []taskstore.Task, focusedTaskID string, focusedProgress Progress) Outbound {
	var b strings.Builder
	allTerminal := true
	for _, row := range rows {
		if !statemachine.IsTerminal(row.Status) {
			allTerminal = false
		}
		fmt.Fprintf(&b, "%s %s", iconFor(row.Status), row.FileName)
		if row.ID == focusedTaskID && !statemachine.IsTerminal(row.Status) {
			pct := focusedProgress.Percentage()
			fmt.Fprintf(&b, "  %s %d%%", progressBar(pct, 10), pct)
		}
		b.WriteString("\n")
	}

	out := Outbound{Text: strings.TrimRight(b.String(), "\n")}
	if !allTerminal {
		out.Buttons = []Button{{Text: "Cancel batch", Data: "cancel-batch:" + groupIDOf(rows)}}
	}
	return out
}

func groupIDOf(rows []taskstore.Task) string {
	if len(rows) == 0 {
		return ""
	}
	return rows[0].GroupID
}
