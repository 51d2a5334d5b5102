package modeltransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/blah-code/blah-code/pkg/types"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake in place of *sdk.MessageService. Grounded on
// goadesign-goa-ai's features/model/anthropic/client.go MessagesClient seam.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) sdkStream
}

// sdkStream is satisfied by *ssestream.Stream[sdk.MessageStreamEventUnion].
type sdkStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

const (
	defaultMaxTokens = 4096
	defaultRetries   = 3
)

// AnthropicTransport implements Transport over the Anthropic Messages API.
// Unlike a general-purpose Anthropic adapter, it deliberately does not use
// the SDK's native `tools` request field: the engine's tool-call contract
// (spec.md §4.5) is a plain JSON object embedded in the assistant's own
// text, parsed by the engine itself, not Anthropic's structured tool_use
// content blocks — wiring native tool-calling here would change the
// response shape the engine expects. Tool specs are still accepted on
// CompletionInput so a future transport (or a richer prompt preamble) can
// use them; this implementation ignores their schema and relies on the
// engine's system preamble to describe them in prose.
type AnthropicTransport struct {
	client    MessagesClient
	modelID   string
	maxTokens int
}

// NewAnthropicTransport builds a transport from an API key. defaultModelID
// is used when a completion call's ModelID is empty.
func NewAnthropicTransport(apiKey, defaultModelID string) (*AnthropicTransport, error) {
	if apiKey == "" {
		return nil, errors.New("modeltransport: anthropic api key is required")
	}
	if defaultModelID == "" {
		return nil, errors.New("modeltransport: default model id is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicTransport{
		client:    messagesAdapter{&client.Messages},
		modelID:   defaultModelID,
		maxTokens: defaultMaxTokens,
	}, nil
}

// messagesAdapter adapts *sdk.MessageService's concrete NewStreaming return
// type to the narrower sdkStream interface above.
type messagesAdapter struct {
	svc *sdk.MessageService
}

func (a messagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) sdkStream {
	return a.svc.NewStreaming(ctx, body, opts...)
}

// Complete sends messages to Claude and streams text deltas, following
// spec.md §4.4's contract: returns final text, forwards every delta
// verbatim, fails with a "timeout"/"cancel"-substring message on those
// conditions. Retries transient failures with exponential backoff,
// grounded on the teacher's internal/session/loop.go newRetryBackoff.
func (t *AnthropicTransport) Complete(ctx context.Context, input CompletionInput) (CompletionResult, error) {
	modelID := input.ModelID
	if modelID == "" {
		modelID = t.modelID
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if input.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(input.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(t.maxTokens),
		Messages:  encodeMessages(input.Messages),
	}

	var result CompletionResult
	op := func() error {
		r, err := t.completeOnce(runCtx, params, input.OnDelta)
		if err != nil {
			if isTimeout(runCtx, err) {
				return backoff.Permanent(fmt.Errorf("modeltransport: timeout: %w", err))
			}
			if isCancelled(runCtx, err) {
				return backoff.Permanent(fmt.Errorf("modeltransport: cancelled: %w", err))
			}
			return err
		}
		result = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultRetries), runCtx)
	if err := backoff.Retry(op, b); err != nil {
		return CompletionResult{}, err
	}
	return result, nil
}

func (t *AnthropicTransport) completeOnce(ctx context.Context, params sdk.MessageNewParams, onDelta func(Delta)) (CompletionResult, error) {
	stream := t.client.NewStreaming(ctx, params)
	defer stream.Close()

	var text string
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
			text += delta.Text
			if onDelta != nil {
				onDelta(Delta{Text: delta.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return CompletionResult{}, fmt.Errorf("modeltransport: anthropic stream: %w", err)
	}
	if onDelta != nil {
		onDelta(Delta{Done: true})
	}
	return CompletionResult{Text: text}, nil
}

func encodeMessages(msgs []types.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser, types.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case types.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case types.RoleSystem:
			// Complete does not set params.System, so a system-role
			// message (the engine's preamble) is sent as a user turn in
			// its place so no content is silently dropped.
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return containsFold(err.Error(), "timeout")
}

func isCancelled(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	return containsFold(err.Error(), "cancel")
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// small local helper to avoid importing strings just for this; kept
	// terse since callers only need a yes/no.
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

var _ io.Closer = (*AnthropicTransport)(nil)

// Close is a no-op: the Anthropic SDK client owns no long-lived resources
// beyond its HTTP client, which needs no explicit shutdown.
func (t *AnthropicTransport) Close() error { return nil }
