package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blah-code/blah-code/internal/engine"
	"github.com/blah-code/blah-code/internal/modeltransport"
	"github.com/blah-code/blah-code/internal/policy"
	"github.com/blah-code/blah-code/pkg/types"
)

// fakeTransport replays a scripted sequence of completions, one per call to
// Complete, optionally emitting deltas first.
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	replies []fakeReply
}

type fakeReply struct {
	deltas []string
	text   string
	err    error
}

func (f *fakeTransport) Complete(_ context.Context, in modeltransport.CompletionInput) (modeltransport.CompletionResult, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.replies) {
		return modeltransport.CompletionResult{Text: "ok"}, nil
	}
	r := f.replies[idx]
	if r.err != nil {
		return modeltransport.CompletionResult{}, r.err
	}
	for _, d := range r.deltas {
		if in.OnDelta != nil {
			in.OnDelta(modeltransport.Delta{Text: d})
		}
	}
	return modeltransport.CompletionResult{Text: r.text}, nil
}

// fakeRuntime is a minimal in-memory ToolRuntime fake.
type fakeRuntime struct {
	mu        sync.Mutex
	specs     []types.ToolSpec
	perms     map[string]types.PermissionOp
	execCount int
	execFn    func(name string, args map[string]any) (map[string]any, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		specs: []types.ToolSpec{
			{Name: "list_files", Description: "list files", Permission: types.OpRead},
			{Name: "exec", Description: "run a command", Permission: types.OpExec},
			{Name: "read_file", Description: "read a file", Permission: types.OpRead},
			{Name: "write_file", Description: "write a file", Permission: types.OpWrite},
		},
		perms: map[string]types.PermissionOp{
			"list_files": types.OpRead,
			"exec":       types.OpExec,
			"read_file":  types.OpRead,
			"write_file": types.OpWrite,
		},
	}
}

func (f *fakeRuntime) ListToolSpecs() []types.ToolSpec { return f.specs }

func (f *fakeRuntime) PermissionFor(name string) (types.PermissionOp, error) {
	op, ok := f.perms[name]
	if !ok {
		return "", errors.New("unknown tool")
	}
	return op, nil
}

func (f *fakeRuntime) ExecuteTool(_ context.Context, name string, args map[string]any, _ string) (map[string]any, error) {
	f.mu.Lock()
	f.execCount++
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(name, args)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeRuntime) Close() error { return nil }

func collectEvents(events *[]types.EventKind, mu *sync.Mutex) func(types.EventKind, map[string]any) {
	return func(kind types.EventKind, _ map[string]any) {
		mu.Lock()
		*events = append(*events, kind)
		mu.Unlock()
	}
}

// S1 — plain assistant reply.
func TestRun_PlainAssistantReply(t *testing.T) {
	transport := &fakeTransport{replies: []fakeReply{
		{deltas: []string{"hello ", "world"}, text: "final answer"},
	}}
	rt := newFakeRuntime()

	var events []types.EventKind
	var mu sync.Mutex

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "hi",
		Policy:      mustPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
		OnEvent:     collectEvents(&events, &mu),
	})

	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Text)
	assert.Equal(t, []types.EventKind{
		types.EventRunStarted,
		types.EventAssistantDelta,
		types.EventAssistantDelta,
		types.EventAssistant,
		types.EventRunFinished,
		types.EventDone,
	}, events)
	assert.Equal(t, 0, rt.execCount)
}

// S2 — tool call inside a fenced block.
func TestRun_ToolCallInFencedBlock(t *testing.T) {
	transport := &fakeTransport{replies: []fakeReply{
		{text: "```\n{\"type\":\"tool_call\",\"tool\":\"list_files\",\"arguments\":{}}\n```"},
		{text: "ok"},
	}}
	rt := newFakeRuntime()

	var events []types.EventKind
	var mu sync.Mutex

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "list files",
		Policy:      mustPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
		OnEvent:     collectEvents(&events, &mu),
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 1, rt.execCount)
	assert.Contains(t, events, types.EventToolCall)
	assert.Contains(t, events, types.EventToolResult)
}

// S3 — tool call with missing arguments defaults to {}.
func TestRun_ToolCallMissingArguments(t *testing.T) {
	var seenArgs map[string]any
	transport := &fakeTransport{replies: []fakeReply{
		{text: `{"type":"tool_call","tool":"list_files"}`},
		{text: "ok"},
	}}
	rt := newFakeRuntime()
	rt.execFn = func(name string, args map[string]any) (map[string]any, error) {
		seenArgs = args
		return map[string]any{}, nil
	}

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "list",
		Policy:      mustPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.NotNil(t, seenArgs)
	assert.Empty(t, seenArgs)
}

// S4 — model timeout.
func TestRun_ModelTimeout(t *testing.T) {
	transport := &fakeTransport{replies: []fakeReply{
		{err: errors.New("Model response timeout after 1000ms")},
	}}
	rt := newFakeRuntime()

	var events []types.EventKind
	var mu sync.Mutex

	_, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "hi",
		Policy:      mustPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
		OnEvent:     collectEvents(&events, &mu),
	})

	require.Error(t, err)
	assert.Equal(t, []types.EventKind{types.EventRunStarted, types.EventModelTimeout, types.EventRunFailed}, events)
}

// S5 — ask then auto-deny (simulated resolver returning deny, as the broker
// would after its 5-minute timer fires), loop exhausts maxSteps.
func TestRun_AskThenDenyExhaustsMaxSteps(t *testing.T) {
	reply := fakeReply{text: `{"type":"tool_call","tool":"exec","arguments":{"command":"rm -rf /"}}`}
	transport := &fakeTransport{replies: []fakeReply{reply, reply, reply}}
	rt := newFakeRuntime()

	resolverCalls := 0
	resolver := func(_ context.Context, req types.PermissionRequest) (engine.PermissionResolution, error) {
		resolverCalls++
		assert.Equal(t, "exec", req.Tool)
		return engine.PermissionResolution{Decision: types.DecisionDeny}, nil
	}

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:              "rm everything",
		MaxSteps:            3,
		Policy:              mustPolicy(t),
		ToolRuntime:         rt,
		Transport:           transport,
		OnPermissionRequest: resolver,
	})

	require.NoError(t, err)
	assert.Equal(t, "Stopped: max steps reached", result.Text)
	assert.Equal(t, 3, resolverCalls)
	assert.Equal(t, 0, rt.execCount)
}

// S6 — remember rule updates the working policy, not the caller's value.
func TestRun_RememberRuleScopedToWorkingPolicy(t *testing.T) {
	transport := &fakeTransport{replies: []fakeReply{
		{text: `{"type":"tool_call","tool":"exec","arguments":{"command":"git status"}}`},
		{text: "ok"},
	}}
	rt := newFakeRuntime()
	basePolicy := mustPolicy(t)

	resolver := func(_ context.Context, req types.PermissionRequest) (engine.PermissionResolution, error) {
		return engine.PermissionResolution{
			Decision: types.DecisionAllow,
			Remember: &types.RememberRule{Key: "exec", Pattern: "git status", Decision: types.DecisionAllow},
		}, nil
	}

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:              "check status",
		Policy:              basePolicy,
		ToolRuntime:         rt,
		Transport:           transport,
		OnPermissionRequest: resolver,
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 1, rt.execCount)

	// The original policy value passed in is untouched.
	assert.Equal(t, types.DecisionAsk, policy.Evaluate(basePolicy, types.OpExec, "tool.exec", "git status"))
	// The returned working policy remembers the rule.
	assert.Equal(t, types.DecisionAllow, policy.Evaluate(result.Policy, types.OpExec, "tool.exec", "git status"))
}

// Invariant 8 — maxSteps=k with a transport that always emits a valid tool
// call invokes executeTool exactly k times, then terminates with
// done{reason:"max_steps"}.
func TestRun_MaxStepsInvariant(t *testing.T) {
	reply := fakeReply{text: `{"type":"tool_call","tool":"list_files","arguments":{}}`}
	replies := make([]fakeReply, 5)
	for i := range replies {
		replies[i] = reply
	}
	transport := &fakeTransport{replies: replies}
	rt := newFakeRuntime()

	var events []types.EventKind
	var mu sync.Mutex

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "loop",
		MaxSteps:    5,
		Policy:      allowAllPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
		OnEvent:     collectEvents(&events, &mu),
	})

	require.NoError(t, err)
	assert.Equal(t, 5, rt.execCount)
	assert.Equal(t, "Stopped: max steps reached", result.Text)
	assert.Equal(t, events[len(events)-1], types.EventDone)
}

func TestRun_UnknownToolFoldedAsError(t *testing.T) {
	transport := &fakeTransport{replies: []fakeReply{
		{text: `{"type":"tool_call","tool":"does_not_exist","arguments":{}}`},
		{text: "ok"},
	}}
	rt := newFakeRuntime()

	result, err := engine.Run(context.Background(), engine.Options{
		Prompt:      "use unknown tool",
		Policy:      mustPolicy(t),
		ToolRuntime: rt,
		Transport:   transport,
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 0, rt.execCount)
}

func TestRun_RequiresTransport(t *testing.T) {
	_, err := engine.Run(context.Background(), engine.Options{ToolRuntime: newFakeRuntime()})
	assert.ErrorIs(t, err, engine.ErrMissingTransport)
}

func mustPolicy(t *testing.T) policy.Policy {
	t.Helper()
	p, err := policy.Normalize(nil)
	require.NoError(t, err)
	return p
}

func allowAllPolicy(t *testing.T) policy.Policy {
	t.Helper()
	p, err := policy.Normalize(policy.Policy{"*": string(types.DecisionAllow)})
	require.NoError(t, err)
	return p
}
