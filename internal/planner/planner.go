package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/types"
)

// ChatClient is the transport boundary, replaceable in tests.
type ChatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// LLM plans instructions through a chat model.
type LLM struct {
	client ChatClient
	log    *zap.Logger
}

// New creates an LLM planner over client.
func New(client ChatClient, log *zap.Logger) *LLM {
	return &LLM{client: client, log: log}
}

const systemPrompt = `You plan desktop automation. Break the user's instruction into an ordered
sequence of tool calls from the catalog below. Respond with ONLY a JSON object:

  {"steps": [{"tool": "...", "args": {...}, "description": "..."}, ...],
   "continue_on_error": false}

Prefer element locators over screen coordinates. If the instruction cannot be
carried out with these tools, respond with exactly:

  {"refuse": "<one-line reason>"}

Tool catalog:
%s`

// planDoc is the wire shape of the model's answer.
type planDoc struct {
	Steps           []types.ToolCall `json:"steps"`
	ContinueOnError bool             `json:"continue_on_error"`
	Refuse          string           `json:"refuse"`
}

// Plan asks the model for a plan over catalog.
//
// Expectations:
//   - A context deadline maps to the planning-timeout kind
//   - An explicit model refusal maps to the planning-refused kind
//   - Undecodable output, an empty step list, or a step naming a tool
//     outside the catalog map to the planning-malformed kind
//   - All three kinds are retryable; the runner owns the budget
func (p *LLM) Plan(ctx context.Context, instruction string, catalog []driver.ToolSpec) (types.Plan, error) {
	raw, err := p.client.Chat(ctx, fmt.Sprintf(systemPrompt, renderCatalog(catalog)), instruction)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Plan{}, types.StepErr(types.KindPlanningTimeout, err)
		}
		return types.Plan{}, types.StepErr(types.KindPlanningMalformed, err)
	}

	raw = StripFences(raw)
	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// Some models emit a bare step array despite the prompt.
		if aerr := json.Unmarshal([]byte(raw), &doc.Steps); aerr != nil {
			return types.Plan{}, types.StepErr(types.KindPlanningMalformed,
				fmt.Errorf("parse plan: %w (raw: %s)", err, clip(raw)))
		}
	}

	if doc.Refuse != "" {
		return types.Plan{}, types.StepErr(types.KindPlanningRefused, errors.New(doc.Refuse))
	}
	if len(doc.Steps) == 0 {
		return types.Plan{}, types.StepErr(types.KindPlanningMalformed, errors.New("empty step list"))
	}
	known := make(map[string]bool, len(catalog))
	for _, spec := range catalog {
		known[spec.Name] = true
	}
	for i, step := range doc.Steps {
		if !known[step.Tool] {
			return types.Plan{}, types.StepErr(types.KindPlanningMalformed,
				fmt.Errorf("step %d names unknown tool %q", i, step.Tool))
		}
	}

	p.log.Info("plan produced", zap.Int("steps", len(doc.Steps)), zap.Bool("continue_on_error", doc.ContinueOnError))
	return types.Plan{Steps: doc.Steps, ContinueOnError: doc.ContinueOnError}, nil
}

func renderCatalog(catalog []driver.ToolSpec) string {
	var sb strings.Builder
	for _, spec := range catalog {
		fmt.Fprintf(&sb, "- %s %s: %s\n", spec.Name, spec.Args, spec.Description)
	}
	return sb.String()
}

func clip(s string) string {
	if len(s) > 300 {
		return s[:300] + "…"
	}
	return s
}
