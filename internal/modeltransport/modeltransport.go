// Package modeltransport defines the abstract streaming completion
// capability the Agent Step Engine depends on (C4), plus a concrete
// implementation backed by the Anthropic SDK.
//
// The interface is grounded on spec.md §4.4 exactly: callers assume a
// transport returns final text, forwards zero or more deltas verbatim, and
// fails with a message containing "timeout" or "cancel" so the engine can
// classify the failure without inspecting transport-specific error types.
package modeltransport

import (
	"context"

	"github.com/blah-code/blah-code/pkg/types"
)

// Delta is one incremental (or, per-provider, cumulative) chunk of
// assistant text. The engine forwards these verbatim into assistant_delta
// events without assuming either semantics (spec.md §9).
type Delta struct {
	Text string
	Done bool
}

// ToolSpec is the minimal tool description a transport forwards to the
// remote model so it knows what it may invoke.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CompletionInput carries everything a transport needs to run one
// completion call.
type CompletionInput struct {
	Messages  []types.Message
	ModelID   string
	Tools     []ToolSpec
	TimeoutMs int
	OnDelta   func(Delta)
}

// CompletionResult is the final text a transport call produced.
type CompletionResult struct {
	Text string
}

// Transport is the capability the engine depends on (spec.md §4.4).
type Transport interface {
	Complete(ctx context.Context, input CompletionInput) (CompletionResult, error)
}
