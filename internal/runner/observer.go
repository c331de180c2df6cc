package runner

import (
	"fmt"
	"strings"

	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/types"
)

// DesktopObserver verifies executor output per tool class. Predicates are
// pure over the driver's reported observations: a driver that reports
// nothing for a key is trusted, a driver that reports a contradicting value
// fails the attempt.
type DesktopObserver struct{}

// NewObserver returns the default verification predicate set.
func NewObserver() *DesktopObserver {
	return &DesktopObserver{}
}

// Verify checks res against the expectation for call's tool class.
// A negative verdict is retryable; the attempt loop owns the budget.
func (o *DesktopObserver) Verify(call types.ToolCall, res types.ActionResult) error {
	switch call.Tool {
	case driver.ToolLaunchApp:
		return o.verifyFocus(res, call.Args["name"])
	case driver.ToolFocusWindow:
		return o.verifyFocus(res, call.Args["title"])
	case driver.ToolTypeText:
		// Typing into nothing silently succeeds at the OS level; require the
		// driver to have observed a focused text cursor when it reports one.
		if v, ok := res.Data["cursor_focused"].(bool); ok && !v {
			return fmt.Errorf("no text cursor focused before typing")
		}
	}
	return nil
}

// verifyFocus checks the driver-reported focused window against the launch
// or focus target.
func (o *DesktopObserver) verifyFocus(res types.ActionResult, target any) error {
	want, _ := target.(string)
	got, ok := res.Data["focused_window"].(string)
	if !ok || want == "" {
		return nil
	}
	if !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
		return fmt.Errorf("focused window %q does not match target %q", got, want)
	}
	return nil
}
