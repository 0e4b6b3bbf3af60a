// ABOUTME: Request lifecycle state machine over the persistent store.
// ABOUTME: Enforces terminal-state immutability and expires overdue requests.

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/store"
)

// ErrTerminalState is returned when updating a request that has already
// reached completed, failed, or timeout. Terminal records never change.
var ErrTerminalState = errors.New("request is in a terminal state")

// ErrInvalidState is returned for a state value outside the lifecycle.
var ErrInvalidState = errors.New("invalid request state")

var validStates = map[string]bool{
	store.StateCreated:    true,
	store.StateQueued:     true,
	store.StateProcessing: true,
	store.StateCompleted:  true,
	store.StateFailed:     true,
	store.StateTimeout:    true,
}

// Update describes a partial change to a tracked request. Nil fields are
// left untouched.
type Update struct {
	State     *string
	ExitCode  *int
	Output    *string
	Error     *string
	TimedOut  *bool
	TimeoutAt *time.Time
	Callback  *store.CallbackInfo
}

// Tracker records every request's lifecycle durably. Records survive process
// restarts and are never deleted by the runtime; only response artifacts on
// disk are subject to cleanup, elsewhere.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	onExpire func(*store.Request)

	sweepInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates a tracker over the given store. sweepInterval controls how
// often overdue requests are expired; zero selects a default.
func New(st store.Store, sweepInterval time.Duration) *Tracker {
	if sweepInterval == 0 {
		sweepInterval = time.Minute
	}
	return &Tracker{
		store:         st,
		logger:        slog.Default().With("component", "tracker"),
		now:           time.Now,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// OnExpire registers fn to run after ExpireOverdue lands a request in the
// timeout state. A request expired this way never reaches the caller's
// normal completion path, so holders of per-request bookkeeping (session
// counters, artifact shields) release it here. Set before Start.
func (t *Tracker) OnExpire(fn func(*store.Request)) {
	t.onExpire = fn
}

// Start launches the overdue-expiry sweeper.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweeper. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

// Create records a new request. Missing lifecycle fields are filled in; a
// duplicate id surfaces store.ErrDuplicateRequest.
func (t *Tracker) Create(ctx context.Context, req *store.Request) error {
	if req.ID == "" {
		return fmt.Errorf("%w: empty request id", ErrInvalidState)
	}
	if req.State == "" {
		req.State = store.StateCreated
	}
	if !validStates[req.State] {
		return fmt.Errorf("%w: %q", ErrInvalidState, req.State)
	}

	now := t.now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.LastUpdatedAt = now

	if err := t.store.CreateRequest(ctx, req); err != nil {
		return err
	}

	t.logger.Debug("request created",
		"request_id", req.ID,
		"workspace", req.Workspace,
		"state", req.State,
	)
	return nil
}

// Get returns the tracked request, or store.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id string) (*store.Request, error) {
	return t.store.GetRequest(ctx, id)
}

// canTransition reports whether the lifecycle permits moving from one state
// to another. Only forward edges exist: created → queued → processing, with
// any terminal state reachable from any non-terminal one.
func canTransition(from, to string) bool {
	if store.IsTerminalState(to) {
		return !store.IsTerminalState(from)
	}
	switch from {
	case store.StateCreated:
		return to == store.StateQueued || to == store.StateProcessing
	case store.StateQueued:
		return to == store.StateProcessing
	}
	return false
}

// Update applies a partial change. Any update against a terminal record is
// rejected with ErrTerminalState; a state change must follow a forward edge
// of the lifecycle, records the previous state, and stamps the matching
// timestamp.
func (t *Tracker) Update(ctx context.Context, id string, upd Update) (*store.Request, error) {
	req, err := t.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if store.IsTerminalState(req.State) {
		return nil, fmt.Errorf("%s is %s: %w", id, req.State, ErrTerminalState)
	}

	now := t.now().UTC()
	if upd.State != nil && *upd.State != req.State {
		if !validStates[*upd.State] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidState, *upd.State)
		}
		if !canTransition(req.State, *upd.State) {
			return nil, fmt.Errorf("%w: cannot move %s from %s to %s", ErrInvalidState, id, req.State, *upd.State)
		}
		req.PreviousState = req.State
		req.State = *upd.State

		switch req.State {
		case store.StateQueued:
			req.QueuedAt = &now
		case store.StateProcessing:
			req.ProcessingStartedAt = &now
		case store.StateCompleted, store.StateFailed, store.StateTimeout:
			req.CompletedAt = &now
		}
	}
	if upd.ExitCode != nil {
		req.ExitCode = upd.ExitCode
	}
	if upd.Output != nil {
		req.Output = *upd.Output
	}
	if upd.Error != nil {
		req.Error = *upd.Error
	}
	if upd.TimedOut != nil {
		req.TimedOut = *upd.TimedOut
	}
	if upd.TimeoutAt != nil {
		req.TimeoutAt = upd.TimeoutAt
	}
	if upd.Callback != nil {
		req.Callback = *upd.Callback
	}
	req.LastUpdatedAt = now

	if err := t.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}

	t.logger.Debug("request updated",
		"request_id", req.ID,
		"state", req.State,
		"previous_state", req.PreviousState,
	)
	return req, nil
}

// ListByState returns up to limit requests in the given state, most recently
// updated first.
func (t *Tracker) ListByState(ctx context.Context, state string, limit int) ([]*store.Request, error) {
	if !validStates[state] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return t.store.ListRequestsByState(ctx, state, limit)
}

// ListByWorkspace returns up to limit requests for a workspace.
func (t *Tracker) ListByWorkspace(ctx context.Context, workspace string, limit int) ([]*store.Request, error) {
	return t.store.ListRequestsByWorkspace(ctx, workspace, limit)
}

// ListByChat returns up to limit requests for a chat.
func (t *Tracker) ListByChat(ctx context.Context, chatID string, limit int) ([]*store.Request, error) {
	return t.store.ListRequestsByChat(ctx, chatID, limit)
}

// ExpireOverdue moves every non-terminal request whose deadline has passed
// into the timeout state. Returns the number of requests expired.
func (t *Tracker) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := t.store.ListOverdueRequests(ctx, t.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing overdue requests: %w", err)
	}

	expired := 0
	for _, req := range overdue {
		state := store.StateTimeout
		timedOut := true
		updated, err := t.Update(ctx, req.ID, Update{State: &state, TimedOut: &timedOut})
		if err != nil {
			// A concurrent completion may have won; that is not a failure.
			if errors.Is(err, ErrTerminalState) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			t.logger.Warn("failed to expire request", "request_id", req.ID, "error", err)
			continue
		}
		expired++
		if t.onExpire != nil {
			t.onExpire(updated)
		}
		t.logger.Info("request expired", "request_id", req.ID, "workspace", req.Workspace)
	}
	return expired, nil
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.ExpireOverdue(context.Background()); err != nil {
				t.logger.Warn("overdue sweep failed", "error", err)
			}
		case <-t.done:
			return
		}
	}
}
