// Package ui renders session progress to a terminal. One line per event,
// colored by kind, with wide-character aware clipping so CJK instructions
// don't wrap the status column.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/deskpilot/internal/bus"
	"github.com/haricheung/deskpilot/internal/history"
	"github.com/haricheung/deskpilot/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiBlue   = "\033[34m"
)

var kindColor = map[types.EventKind]string{
	types.KindSessionStarted:   ansiCyan,
	types.KindSubtaskStarted:   ansiBlue,
	types.KindSubtaskProgress:  ansiDim,
	types.KindSubtaskCompleted: ansiGreen,
	types.KindSubtaskFailed:    ansiYellow,
	types.KindSessionCompleted: ansiBold + ansiGreen,
	types.KindSessionFailed:    ansiBold + ansiRed,
	types.KindSessionCancelled: ansiYellow,
	types.KindWindowHint:       ansiDim,
}

var kindGlyph = map[types.EventKind]string{
	types.KindSessionStarted:   "▶",
	types.KindSubtaskStarted:   "·",
	types.KindSubtaskProgress:  "…",
	types.KindSubtaskCompleted: "✓",
	types.KindSubtaskFailed:    "✗",
	types.KindSessionCompleted: "✔",
	types.KindSessionFailed:    "✖",
	types.KindSessionCancelled: "⊘",
	types.KindWindowHint:       "◱",
}

const lineWidth = 100

// Display writes one rendered line per progress event.
type Display struct {
	w io.Writer
}

// New creates a Display writing to w.
func New(w io.Writer) *Display {
	return &Display{w: w}
}

// Event renders a single progress event.
func (d *Display) Event(e types.ProgressEvent) {
	color := kindColor[e.Kind]
	glyph := kindGlyph[e.Kind]
	fmt.Fprintf(d.w, "%s%s [%3d] %-18s%s %s\n",
		color, glyph, e.Sequence, string(e.Kind), ansiReset, clip(eventLine(e), lineWidth))
}

// Watch drains a subscriber to the terminal until the stream closes.
// Returns true when the stream ended at a terminal event, false when the
// subscriber was ejected for lagging.
func (d *Display) Watch(sub *bus.Subscriber) bool {
	for e := range sub.Events() {
		d.Event(e)
	}
	if sub.Lagged() {
		fmt.Fprintf(d.w, "%s(stream lagged; replay with /show)%s\n", ansiDim, ansiReset)
		return false
	}
	return true
}

// Sessions renders a history listing, newest first.
func (d *Display) Sessions(recs []history.SessionRecord) {
	for _, r := range recs {
		color := ansiDim
		switch r.State {
		case types.StateCompleted:
			color = ansiGreen
		case types.StateFailed:
			color = ansiRed
		case types.StateCancelled:
			color = ansiYellow
		}
		fmt.Fprintf(d.w, "%s%-9s%s  %s  %s\n",
			color, string(r.State), ansiReset,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			clip(r.Instruction, 60))
	}
}

func eventLine(e types.ProgressEvent) string {
	switch {
	case e.Kind == types.KindWindowHint:
		return "window " + string(e.WindowHint)
	case e.Subtask != nil:
		label := e.Subtask.Call.Tool
		if e.Subtask.Description != "" {
			label += ": " + e.Subtask.Description
		}
		if e.Subtask.AttemptCount > 1 {
			label += fmt.Sprintf(" (attempt %d)", e.Subtask.AttemptCount)
		}
		if e.Subtask.Error != "" {
			label += " !! " + e.Subtask.Error
		}
		return label
	case e.Failure != nil:
		return fmt.Sprintf("%s: %s", e.Failure.Kind, e.Failure.Message)
	}
	return e.Message
}

// clip truncates s to at most width display columns, appending an ellipsis.
// Width is terminal columns, not runes: CJK counts double.
func clip(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
