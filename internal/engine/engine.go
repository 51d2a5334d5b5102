// Package engine implements the bounded per-prompt agent step loop (C5):
// build an initial transcript, call the model transport, parse any tool
// call out of its text, gate it through the policy engine (optionally via
// an approval callback), execute it, and repeat until a terminal answer or
// maxSteps is exhausted.
//
// Grounded on the teacher's internal/session/loop.go (the step/retry/
// maxSteps run-loop shape) and internal/session/tools.go (tool-call
// dispatch), rewritten around this package's own message/event contract
// and its own lenient tool-call extraction rather than the teacher's
// provider-native tool_use blocks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/blah-code/blah-code/internal/modeltransport"
	"github.com/blah-code/blah-code/internal/policy"
	"github.com/blah-code/blah-code/internal/toolruntime"
	"github.com/blah-code/blah-code/pkg/types"
)

// DefaultMaxSteps is used when Options.MaxSteps is zero or negative.
const DefaultMaxSteps = 8

// ErrMissingTransport is returned when Options.Transport is nil.
var ErrMissingTransport = errors.New("engine: transport is required")

// ToolRuntime is the subset of toolruntime.Runtime the engine depends on.
// Declared here, rather than imported as a concrete type, so tests and
// alternate runtimes can substitute a fake.
type ToolRuntime interface {
	ListToolSpecs() []types.ToolSpec
	PermissionFor(name string) (types.PermissionOp, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any, cwd string) (map[string]any, error)
	Close() error
}

// PermissionResolution is what an OnPermissionRequest callback returns:
// the human's (or auto-deny timer's) decision, plus an optional rule to
// remember in the run's working policy.
type PermissionResolution struct {
	Decision types.Decision
	Remember *types.RememberRule
}

// Options configures one run, matching spec.md §4.5's `run(options)`.
type Options struct {
	SessionID   string
	Prompt      string
	ModelID     string
	Cwd         string
	MaxSteps    int
	Policy      policy.Policy
	ToolRuntime ToolRuntime
	Transport   modeltransport.Transport

	OnEvent             func(kind types.EventKind, payload map[string]any)
	OnPermissionRequest func(ctx context.Context, req types.PermissionRequest) (PermissionResolution, error)

	TimeoutMs int
}

// Result is what Run returns on any exit path.
type Result struct {
	Text     string
	Messages []types.Message
	Policy   policy.Policy
}

// Run executes the step loop described in spec.md §4.5. The returned error
// is non-nil only when Options.Transport is nil (ErrMissingTransport) or on
// a terminal transport failure (state Failed); every other exit path (plain
// answer, max-steps exhaustion) returns a nil error.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Transport == nil {
		return Result{}, ErrMissingTransport
	}
	if ctx == nil {
		ctx = context.Background()
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	rt := opts.ToolRuntime
	if rt == nil {
		rt = toolruntime.New()
		defer rt.Close()
	}

	workingPolicy := opts.Policy
	if workingPolicy == nil {
		workingPolicy = policy.Policy{}
	}

	specs := rt.ListToolSpecs()
	messages := []types.Message{
		{Role: types.RoleSystem, Content: buildPreamble(specs)},
		{Role: types.RoleUser, Content: opts.Prompt},
	}

	onDelta := func(d modeltransport.Delta) {
		emit(opts, types.EventAssistantDelta, map[string]any{"text": d.Text, "done": d.Done})
	}

	for step := 0; step < maxSteps; step++ {
		if step == 0 {
			emit(opts, types.EventRunStarted, map[string]any{})
		}

		completion, err := opts.Transport.Complete(ctx, modeltransport.CompletionInput{
			Messages:  messages,
			ModelID:   opts.ModelID,
			Tools:     toTransportSpecs(specs),
			TimeoutMs: opts.TimeoutMs,
			OnDelta:   onDelta,
		})
		if err != nil {
			kind := types.EventError
			if strings.Contains(strings.ToLower(err.Error()), "timeout") {
				kind = types.EventModelTimeout
			}
			emit(opts, kind, map[string]any{"message": err.Error()})
			emit(opts, types.EventRunFailed, map[string]any{"message": err.Error()})
			return Result{Messages: messages, Policy: workingPolicy}, err
		}

		call, ok := parseToolCall(completion.Text)
		if !ok {
			messages = append(messages, types.Message{Role: types.RoleAssistant, Content: completion.Text})
			emit(opts, types.EventAssistant, map[string]any{"text": completion.Text})
			emit(opts, types.EventRunFinished, map[string]any{})
			emit(opts, types.EventDone, map[string]any{})
			return Result{Text: completion.Text, Messages: messages, Policy: workingPolicy}, nil
		}

		target := summarize(call.Tool, call.Arguments)

		op, permErr := rt.PermissionFor(call.Tool)
		if permErr != nil {
			msg := fmt.Sprintf("unknown tool %q", call.Tool)
			messages = append(messages, toolResultMessage(call.Tool, false, nil, msg))
			emit(opts, types.EventError, map[string]any{"message": msg})
			continue
		}

		subject := "tool." + call.Tool
		decision := policy.Evaluate(workingPolicy, op, subject, target)

		if decision == types.DecisionAsk && opts.OnPermissionRequest != nil {
			requestID := ulid.Make().String()
			req := types.PermissionRequest{
				RequestID: requestID,
				SessionID: opts.SessionID,
				Op:        op,
				Tool:      call.Tool,
				Target:    target,
				Args:      call.Arguments,
				CreatedAt: time.Now().UTC(),
			}
			emit(opts, types.EventPermissionRequest, map[string]any{
				"requestId": requestID, "op": string(op), "tool": call.Tool, "target": target, "args": call.Arguments,
			})

			resolution, resErr := opts.OnPermissionRequest(ctx, req)
			if resErr != nil {
				resolution = PermissionResolution{Decision: types.DecisionDeny}
			}
			decision = resolution.Decision
			if resolution.Remember != nil {
				workingPolicy = policy.AppendRule(workingPolicy, resolution.Remember.Key, resolution.Remember.Pattern, resolution.Remember.Decision)
			}

			var rememberPayload any
			if resolution.Remember != nil {
				rememberPayload = resolution.Remember
			}
			emit(opts, types.EventPermissionResolved, map[string]any{
				"requestId": requestID, "decision": string(decision), "remember": rememberPayload,
			})
		}

		if decision != types.DecisionAllow {
			msg := fmt.Sprintf("Permission %s for %s", decision, call.Tool)
			messages = append(messages, toolResultMessage(call.Tool, false, nil, msg))
			emit(opts, types.EventError, map[string]any{"message": msg})
			continue
		}

		emit(opts, types.EventToolCall, map[string]any{"tool": call.Tool, "arguments": call.Arguments})
		result, execErr := rt.ExecuteTool(ctx, call.Tool, call.Arguments, opts.Cwd)
		if execErr != nil {
			messages = append(messages, toolResultMessage(call.Tool, false, nil, execErr.Error()))
			emit(opts, types.EventError, map[string]any{"message": execErr.Error()})
			continue
		}

		callJSON, _ := json.Marshal(map[string]any{"type": "tool_call", "tool": call.Tool, "arguments": call.Arguments})
		messages = append(messages, types.Message{Role: types.RoleAssistant, Content: string(callJSON)})
		messages = append(messages, toolResultMessage(call.Tool, true, result, ""))
		emit(opts, types.EventToolResult, map[string]any{"tool": call.Tool, "result": result})
	}

	emit(opts, types.EventDone, map[string]any{"reason": "max_steps"})
	return Result{Text: "Stopped: max steps reached", Messages: messages, Policy: workingPolicy}, nil
}

func emit(opts Options, kind types.EventKind, payload map[string]any) {
	if opts.OnEvent == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	opts.OnEvent(kind, payload)
}

func toolResultMessage(tool string, ok bool, result map[string]any, errMsg string) types.Message {
	payload := map[string]any{"tool": tool, "ok": ok}
	if ok {
		payload["result"] = result
	} else {
		payload["error"] = errMsg
	}
	raw, _ := json.Marshal(payload)
	return types.Message{Role: types.RoleTool, Content: string(raw)}
}

func toTransportSpecs(specs []types.ToolSpec) []modeltransport.ToolSpec {
	out := make([]modeltransport.ToolSpec, len(specs))
	for i, s := range specs {
		out[i] = modeltransport.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema}
	}
	return out
}

func buildPreamble(specs []types.ToolSpec) string {
	var sb strings.Builder
	sb.WriteString("You are an autonomous coding agent operating inside a sandboxed working directory.\n")
	sb.WriteString(`To invoke a tool, respond with exactly one JSON object of the shape {"type":"tool_call","tool":"<name>","arguments":{...}}`)
	sb.WriteString(" and nothing else — no surrounding prose. Otherwise, respond with your final answer as plain text.\n\n")
	sb.WriteString("Available tools:\n")
	for _, spec := range specs {
		fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
	}
	return sb.String()
}

// summarize computes the permission-check target string for a tool call,
// per spec.md §4.5 step 3.
func summarize(tool string, args map[string]any) string {
	switch tool {
	case "exec":
		if v, ok := args["command"].(string); ok {
			return v
		}
	case "read_file", "write_file":
		if v, ok := args["path"].(string); ok {
			return v
		}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}
