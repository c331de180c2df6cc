package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/deskpilot/internal/types"
)

func TestClip_WideRunesCountDouble(t *testing.T) {
	// Clipping measures terminal columns, so CJK text clips earlier than ASCII
	ascii := strings.Repeat("a", 10)
	if got := clip(ascii, 10); got != ascii {
		t.Errorf("clip(%q, 10) = %q, want unchanged", ascii, got)
	}
	cjk := strings.Repeat("打", 10) // 20 columns
	got := clip(cjk, 10)
	if got == cjk {
		t.Error("expected CJK string to be clipped at 10 columns")
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("clip result %q missing ellipsis", got)
	}
}

func TestClip_FlattensNewlines(t *testing.T) {
	if got := clip("a\nb", 10); got != "a b" {
		t.Errorf("clip = %q, want %q", got, "a b")
	}
}

func TestEvent_RendersSubtaskLine(t *testing.T) {
	// A subtask event shows the tool, description, and attempt count
	var buf bytes.Buffer
	d := New(&buf)
	d.Event(types.ProgressEvent{
		SessionID: "s1",
		Sequence:  3,
		Kind:      types.KindSubtaskCompleted,
		Subtask: &types.Subtask{
			Call:         types.ToolCall{Tool: "click"},
			Description:  "press OK",
			AttemptCount: 2,
		},
		EmittedAt: time.Now(),
	})
	out := buf.String()
	for _, want := range []string{"click", "press OK", "attempt 2", "subtask_completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestEvent_RendersFailure(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)
	d.Event(types.ProgressEvent{
		Sequence: 5,
		Kind:     types.KindSessionFailed,
		Failure:  &types.Failure{Kind: types.KindPlanningFailed, Message: "model unavailable"},
	})
	out := buf.String()
	if !strings.Contains(out, "planning_failed") || !strings.Contains(out, "model unavailable") {
		t.Errorf("output %q missing failure detail", out)
	}
}

func TestEvent_RendersWindowHint(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)
	d.Event(types.ProgressEvent{Sequence: 2, Kind: types.KindWindowHint, WindowHint: types.WindowCompact})
	if !strings.Contains(buf.String(), "window compact") {
		t.Errorf("output %q missing window hint", buf.String())
	}
}
