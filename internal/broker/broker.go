// Package broker implements the Approval Broker (C7): a per-session table
// of in-flight permission requests, each resolved exactly once — by an
// explicit reply, or by a 5-minute auto-deny timer.
//
// Grounded on the teacher's internal/permission/checker.go Checker
// (pending map[string]chan Response, Ask/Respond, context-based waiting),
// generalized to a real time.Timer-based auto-deny per spec.md §4.7 instead
// of the teacher's context-cancellation-only wait, and restructured around
// a sessionID -> requestID map instead of the teacher's session/type
// approval cache (that caching is the policy engine's job here, not the
// broker's).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blah-code/blah-code/pkg/types"
)

// ErrNotFound is returned by Reply when the session or request is unknown.
var ErrNotFound = errors.New("broker: unknown session or request")

// DefaultTimeout is the auto-deny window, per spec.md §4.7.
const DefaultTimeout = 5 * time.Minute

// Resolution is the terminal outcome of one permission request.
type Resolution struct {
	Decision types.Decision
	Remember *types.RememberRule
}

type entry struct {
	request   types.PermissionRequest
	resolveCh chan Resolution
	timer     *time.Timer
	once      sync.Once
}

// Broker holds one pending-request table per session.
type Broker struct {
	mu      sync.Mutex
	timeout time.Duration
	bySess  map[string]map[string]*entry
}

// New constructs a Broker with the default 5-minute auto-deny timeout.
func New() *Broker {
	return &Broker{timeout: DefaultTimeout, bySess: make(map[string]map[string]*entry)}
}

// NewWithTimeout is New with a caller-supplied auto-deny window, for tests.
func NewWithTimeout(timeout time.Duration) *Broker {
	return &Broker{timeout: timeout, bySess: make(map[string]map[string]*entry)}
}

// Enqueue registers req and blocks until it is resolved: by Reply, by the
// auto-deny timer, or by ctx being done (in which case the entry is left
// pending for a later Reply or the timer — ctx cancellation here reflects
// the caller giving up waiting, not the request itself expiring).
func (b *Broker) Enqueue(ctx context.Context, req types.PermissionRequest) (Resolution, error) {
	e := &entry{request: req, resolveCh: make(chan Resolution, 1)}

	b.mu.Lock()
	sess, ok := b.bySess[req.SessionID]
	if !ok {
		sess = make(map[string]*entry)
		b.bySess[req.SessionID] = sess
	}
	sess[req.RequestID] = e
	b.mu.Unlock()

	e.timer = time.AfterFunc(b.timeout, func() {
		b.resolve(req.SessionID, req.RequestID, Resolution{Decision: types.DecisionDeny})
	})

	select {
	case res := <-e.resolveCh:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// List returns a snapshot of the live requests for a session.
func (b *Broker) List(sessionID string) []types.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.bySess[sessionID]
	out := make([]types.PermissionRequest, 0, len(sess))
	for _, e := range sess {
		out = append(out, e.request)
	}
	return out
}

// Reply resolves a pending request with an explicit decision. Returns
// ErrNotFound if the session/request pair is not currently pending.
func (b *Broker) Reply(sessionID, requestID string, decision types.Decision, remember *types.RememberRule) error {
	b.mu.Lock()
	sess, ok := b.bySess[sessionID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	e, ok := sess[requestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}

	b.resolve(sessionID, requestID, Resolution{Decision: decision, Remember: remember})
	return nil
}

// resolve delivers res to the pending entry exactly once (idempotent: a
// timer firing after an explicit Reply, or vice versa, is a no-op), and
// removes the entry from the table.
func (b *Broker) resolve(sessionID, requestID string, res Resolution) {
	b.mu.Lock()
	sess, ok := b.bySess[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	e, ok := sess[requestID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(sess, requestID)
	if len(sess) == 0 {
		delete(b.bySess, sessionID)
	}
	b.mu.Unlock()

	e.once.Do(func() {
		e.timer.Stop()
		e.resolveCh <- res
	})
}
