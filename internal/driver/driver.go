// Package driver executes desktop tool calls by shelling out to a platform
// driver binary. The protocol is JSON over stdin/stdout: one request, one
// response, one process per action. Argument shapes are validated here,
// before any process is spawned, so a malformed step fails fast instead of
// burning a retry budget on the desktop.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/types"
)

// Tool names form a closed set. The planner prompt advertises exactly this
// catalog; anything else in a plan is a fatal step.
const (
	ToolLaunchApp   = "launch_app"
	ToolFocusWindow = "focus_window"
	ToolClick       = "click"
	ToolDoubleClick = "double_click"
	ToolTypeText    = "type_text"
	ToolKeyPress    = "key_press"
	ToolScroll      = "scroll"
	ToolReadScreen  = "read_screen"
	ToolWait        = "wait"
)

// ToolSpec describes one catalog entry for the planner prompt.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Args        string `json:"args"`
}

// request is one JSON line written to the driver's stdin.
type request struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// response is the driver's stdout payload. Transient marks failures worth
// retrying (focus races, stale element references); anything else is fatal.
type response struct {
	Output    string         `json:"output,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Transient bool           `json:"transient,omitempty"`
}

// Desktop drives the local desktop through the configured driver command.
type Desktop struct {
	command string
	timeout time.Duration
	log     *zap.Logger

	// run is the process boundary, replaceable in tests.
	run func(ctx context.Context, stdin []byte) ([]byte, error)
}

// New creates a Desktop around the driver binary at command. timeout bounds
// a single action on top of whatever deadline the caller's context carries.
func New(command string, timeout time.Duration, log *zap.Logger) *Desktop {
	d := &Desktop{command: command, timeout: timeout, log: log}
	d.run = d.runProcess
	return d
}

// Catalog returns the closed tool set in planner-prompt order.
func (d *Desktop) Catalog() []ToolSpec {
	return []ToolSpec{
		{ToolLaunchApp, "launch an application by name", `{"name": string}`},
		{ToolFocusWindow, "bring a window to the foreground", `{"title": string}`},
		{ToolClick, "single click an element or point", `{"locator": string} or {"x": number, "y": number}`},
		{ToolDoubleClick, "double click an element or point", `{"locator": string} or {"x": number, "y": number}`},
		{ToolTypeText, "type text into the focused element", `{"text": string}`},
		{ToolKeyPress, "press a key chord", `{"keys": string}`},
		{ToolScroll, "scroll the focused window", `{"direction": "up"|"down"|"left"|"right", "amount": number}`},
		{ToolReadScreen, "read visible text, optionally within a region", `{"region": string (optional)}`},
		{ToolWait, "pause between actions", `{"ms": number}`},
	}
}

// Execute validates the call's argument shape and runs it through the driver.
//
// Expectations:
//   - Unknown tool or malformed args return an executor-fatal error without
//     spawning the driver
//   - A context deadline or driver-reported transient failure returns an
//     executor-transient error
//   - Any other driver failure is executor-fatal
func (d *Desktop) Execute(ctx context.Context, call types.ToolCall) (types.ActionResult, error) {
	if err := validate(call); err != nil {
		return types.ActionResult{}, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(request{Tool: call.Tool, Args: call.Args})
	if err != nil {
		return types.ActionResult{}, types.StepErr(types.KindExecutorFatal, fmt.Errorf("encode request: %w", err))
	}

	started := time.Now()
	out, err := d.run(ctx, payload)
	d.log.Debug("driver action",
		zap.String("tool", call.Tool),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.ActionResult{}, types.StepErr(types.KindExecutorTransient, fmt.Errorf("%s timed out: %w", call.Tool, err))
		}
		return types.ActionResult{}, types.StepErr(types.KindExecutorFatal, fmt.Errorf("%s: driver: %w", call.Tool, err))
	}

	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return types.ActionResult{}, types.StepErr(types.KindExecutorFatal, fmt.Errorf("%s: decode driver response: %w", call.Tool, err))
	}
	if resp.Error != "" {
		kind := types.KindExecutorFatal
		if resp.Transient {
			kind = types.KindExecutorTransient
		}
		return types.ActionResult{}, types.StepErr(kind, fmt.Errorf("%s: %s", call.Tool, resp.Error))
	}
	return types.ActionResult{Output: resp.Output, Data: resp.Data}, nil
}

func (d *Desktop) runProcess(ctx context.Context, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.command)
	cmd.Stdin = bytes.NewReader(stdin)
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", err, bytes.TrimSpace(ee.Stderr))
		}
		return nil, err
	}
	return out, nil
}

// validate checks the argument shape for each tool in the closed set.
// Violations are executor-fatal: retrying a malformed call cannot help.
func validate(call types.ToolCall) error {
	fatal := func(format string, a ...any) error {
		return types.StepErr(types.KindExecutorFatal, fmt.Errorf(format, a...))
	}
	switch call.Tool {
	case ToolLaunchApp:
		if stringArg(call, "name") == "" {
			return fatal("launch_app: missing name")
		}
	case ToolFocusWindow:
		if stringArg(call, "title") == "" {
			return fatal("focus_window: missing title")
		}
	case ToolClick, ToolDoubleClick:
		if call.Locator() == "" && !call.HasCoordinates() {
			return fatal("%s: needs locator or x/y coordinates", call.Tool)
		}
	case ToolTypeText:
		if _, ok := call.Args["text"].(string); !ok {
			return fatal("type_text: missing text")
		}
	case ToolKeyPress:
		if stringArg(call, "keys") == "" {
			return fatal("key_press: missing keys")
		}
	case ToolScroll:
		switch stringArg(call, "direction") {
		case "up", "down", "left", "right":
		default:
			return fatal("scroll: direction must be up, down, left, or right")
		}
	case ToolReadScreen:
		// region is optional free-form
	case ToolWait:
		ms, ok := numberArg(call, "ms")
		if !ok || ms <= 0 {
			return fatal("wait: ms must be a positive number")
		}
	default:
		return fatal("unknown tool %q", call.Tool)
	}
	return nil
}

func stringArg(call types.ToolCall, key string) string {
	s, _ := call.Args[key].(string)
	return s
}

// numberArg tolerates both float64 (decoded JSON) and int (hand-built plans).
func numberArg(call types.ToolCall, key string) (float64, bool) {
	switch v := call.Args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
