// ABOUTME: Orchestration service tying sessions, tracking, transport, and artifacts together.
// ABOUTME: Implements the execute and completion-callback flows end to end.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/artifact"
	"github.com/2389/fold-relay/internal/dedupe"
	"github.com/2389/fold-relay/internal/session"
	"github.com/2389/fold-relay/internal/store"
	"github.com/2389/fold-relay/internal/tracker"
	"github.com/2389/fold-relay/internal/transport"
)

// ErrValidation flags a malformed or incomplete caller request.
var ErrValidation = errors.New("invalid request")

// Sender is the transport dependency of the service. Satisfied by
// *transport.Client.
type Sender interface {
	Send(ctx context.Context, target transport.Target, req *transport.Request, timeout time.Duration) (*transport.Response, error)
}

// ServiceConfig holds the service's tunables.
type ServiceConfig struct {
	// DefaultTimeout bounds a dispatch when the caller supplies none.
	DefaultTimeout time.Duration
	// ArtifactDir is the base directory for response artifacts.
	ArtifactDir string
}

// Service orchestrates one request's journey: dedupe check, session
// acquisition, durable tracking, dispatch, terminal transition, artifact
// write. Once a request is recorded, dispatch failures become terminal
// states on the record rather than lost errors.
type Service struct {
	cfg      ServiceConfig
	store    store.Store
	tracker  *tracker.Tracker
	registry *session.Registry
	mux      session.Controller
	sender   Sender
	guard    *dedupe.Guard
	reaper   *artifact.Reaper
	logger   *slog.Logger
}

// NewService wires the orchestration service.
func NewService(cfg ServiceConfig, st store.Store, tr *tracker.Tracker, reg *session.Registry, mux session.Controller, sender Sender, guard *dedupe.Guard, reaper *artifact.Reaper) *Service {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	s := &Service{
		cfg:      cfg,
		store:    st,
		tracker:  tr,
		registry: reg,
		mux:      mux,
		sender:   sender,
		guard:    guard,
		reaper:   reaper,
		logger:   slog.Default().With("component", "gateway"),
	}
	// Requests the sweeper expires never reach finish; release their
	// bookkeeping here or sessions and artifacts stay pinned forever.
	tr.OnExpire(s.releaseExpired)
	return s
}

// releaseExpired drops the per-request holds for a request that timed out
// without a completion: the session's in-flight slot, the artifact shield,
// and the retry guard entry.
func (s *Service) releaseExpired(req *store.Request) {
	s.guard.MarkProcessed(req.ID, req.ChatID, req.Workspace)
	if err := s.registry.TrackComplete(req.Workspace); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("failed to release expired dispatch", "workspace", req.Workspace, "error", err)
	}
	s.reaper.UntrackRequest(req.ID)
	s.logger.Info("expired request released",
		"request_id", req.ID,
		"workspace", req.Workspace,
	)
}

// ExecuteInput is one unit of work submitted by a caller.
type ExecuteInput struct {
	RequestID   string
	ChatID      string
	Workspace   string
	Prompt      string
	Interactive bool
	Async       bool
	Timeout     time.Duration
}

// ExecuteResult is the caller-visible outcome of an execute call.
type ExecuteResult struct {
	RequestID string
	State     string
	Duplicate bool
	ExitCode  *int
	Stdout    string
	Stderr    string
	Error     string

	// Cause carries the dispatch error for status mapping. The request
	// record already reflects it as a terminal state.
	Cause error
}

// Execute runs the full control flow for one request. Retried submissions
// with a known request id short-circuit to the recorded outcome instead of
// executing twice.
func (s *Service) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	if in.Workspace == "" {
		return nil, fmt.Errorf("%w: workspace is required", ErrValidation)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}
	if in.Timeout <= 0 {
		in.Timeout = s.cfg.DefaultTimeout
	}

	if s.guard.IsDuplicate(in.RequestID) {
		return s.replay(ctx, in.RequestID)
	}

	sess, err := s.registry.GetOrCreate(ctx, in.Workspace)
	if err != nil {
		return nil, fmt.Errorf("acquiring session for %s: %w", in.Workspace, err)
	}

	now := time.Now().UTC()
	deadline := now.Add(in.Timeout)
	req := &store.Request{
		ID:        in.RequestID,
		ChatID:    in.ChatID,
		Workspace: in.Workspace,
		Prompt:    in.Prompt,
		State:     store.StateCreated,
		TimeoutAt: &deadline,
	}
	if err := s.tracker.Create(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// Known to the tracker but not the guard: a retry from before a
			// restart. Replay the recorded outcome.
			return s.replay(ctx, in.RequestID)
		}
		return nil, fmt.Errorf("recording request: %w", err)
	}

	s.reaper.TrackRequest(in.RequestID)
	if err := s.registry.TrackStart(in.Workspace); err != nil {
		s.logger.Warn("failed to track dispatch", "workspace", in.Workspace, "error", err)
	}

	queued := store.StateQueued
	if _, err := s.tracker.Update(ctx, in.RequestID, tracker.Update{State: &queued}); err != nil {
		s.logger.Warn("failed to mark queued", "request_id", in.RequestID, "error", err)
	}

	if in.Async {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), in.Timeout+5*time.Second)
			defer cancel()
			if _, err := s.dispatch(ctx, in, sess); err != nil {
				s.logger.Warn("async dispatch failed", "request_id", in.RequestID, "error", err)
			}
		}()
		return &ExecuteResult{RequestID: in.RequestID, State: store.StateQueued}, nil
	}

	return s.dispatch(ctx, in, sess)
}

// replay returns the recorded outcome of a previously seen request id.
func (s *Service) replay(ctx context.Context, id string) (*ExecuteResult, error) {
	req, err := s.tracker.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Guard remembers it but the record predates retention; treat as
			// a processed no-op.
			return &ExecuteResult{RequestID: id, State: store.StateCompleted, Duplicate: true}, nil
		}
		return nil, err
	}
	return &ExecuteResult{
		RequestID: id,
		State:     req.State,
		Duplicate: true,
		ExitCode:  req.ExitCode,
		Stdout:    req.Output,
		Error:     req.Error,
	}, nil
}

// dispatch moves the request to processing, performs the exchange, and
// lands it in a terminal state.
func (s *Service) dispatch(ctx context.Context, in ExecuteInput, sess *store.Session) (*ExecuteResult, error) {
	processing := store.StateProcessing
	if _, err := s.tracker.Update(ctx, in.RequestID, tracker.Update{State: &processing}); err != nil {
		s.logger.Warn("failed to mark processing", "request_id", in.RequestID, "error", err)
	}

	if in.Interactive {
		return s.dispatchInteractive(ctx, in, sess)
	}
	return s.dispatchTransport(ctx, in, sess)
}

// dispatchTransport performs a synchronous request/response exchange and
// finalizes the record from the outcome.
func (s *Service) dispatchTransport(ctx context.Context, in ExecuteInput, sess *store.Session) (*ExecuteResult, error) {
	resp, err := s.sender.Send(ctx, transport.Target{Container: sess.ContainerID}, &transport.Request{
		ID:        in.RequestID,
		ChatID:    in.ChatID,
		Workspace: in.Workspace,
		Prompt:    in.Prompt,
	}, in.Timeout)

	switch {
	case err == nil && !resp.IsAppError():
		return s.finish(ctx, in, terminalOutcome{
			state:    store.StateCompleted,
			exitCode: &resp.ExitCode,
			stdout:   resp.Stdout,
			stderr:   resp.Stderr,
		})

	case err == nil:
		return s.finish(ctx, in, terminalOutcome{
			state:    store.StateFailed,
			exitCode: &resp.ExitCode,
			stdout:   resp.Stdout,
			stderr:   resp.Stderr,
			errMsg:   resp.Error,
		})

	case errors.Is(err, transport.ErrTimeout):
		timedOut := true
		return s.finish(ctx, in, terminalOutcome{
			state:    store.StateTimeout,
			timedOut: &timedOut,
			errMsg:   err.Error(),
			cause:    err,
		})

	default:
		return s.finish(ctx, in, terminalOutcome{
			state:  store.StateFailed,
			errMsg: err.Error(),
			cause:  err,
		})
	}
}

// dispatchInteractive types the prompt into the workspace's tmux session.
// The agent answers out of band via the completion callback; the request
// stays in processing until then. A dead session is recreated and the
// prompt resent exactly once.
func (s *Service) dispatchInteractive(ctx context.Context, in ExecuteInput, sess *store.Session) (*ExecuteResult, error) {
	meta := session.RouteMeta{RequestID: in.RequestID, ChatID: in.ChatID, Workspace: in.Workspace}

	err := s.mux.SendPrompt(ctx, sess.ContainerID, sess.SessionID, meta, in.Prompt)
	if errors.Is(err, session.ErrSessionGone) {
		s.logger.Info("session died, recreating once", "workspace", in.Workspace)
		if dropErr := s.registry.Delete(ctx, in.Workspace, true); dropErr != nil && !errors.Is(dropErr, session.ErrNotFound) {
			s.logger.Warn("failed to drop dead session", "workspace", in.Workspace, "error", dropErr)
		}
		sess, err = s.registry.GetOrCreate(ctx, in.Workspace)
		if err == nil {
			if trackErr := s.registry.TrackStart(in.Workspace); trackErr != nil {
				s.logger.Warn("failed to re-track dispatch", "workspace", in.Workspace, "error", trackErr)
			}
			err = s.mux.SendPrompt(ctx, sess.ContainerID, sess.SessionID, meta, in.Prompt)
		}
	}
	if err != nil {
		return s.finish(ctx, in, terminalOutcome{
			state:  store.StateFailed,
			errMsg: err.Error(),
			cause:  err,
		})
	}

	return &ExecuteResult{RequestID: in.RequestID, State: store.StateProcessing}, nil
}

// terminalOutcome is the final shape a dispatch resolves to.
type terminalOutcome struct {
	state    string
	exitCode *int
	stdout   string
	stderr   string
	errMsg   string
	timedOut *bool
	cause    error
}

// finish lands the request in its terminal state, persists the artifact,
// and releases the bookkeeping holds.
func (s *Service) finish(ctx context.Context, in ExecuteInput, out terminalOutcome) (*ExecuteResult, error) {
	upd := tracker.Update{State: &out.state, TimedOut: out.timedOut}
	if out.exitCode != nil {
		upd.ExitCode = out.exitCode
	}
	if out.stdout != "" {
		upd.Output = &out.stdout
	}
	if out.errMsg != "" {
		upd.Error = &out.errMsg
	}
	_, err := s.tracker.Update(ctx, in.RequestID, upd)
	if err != nil {
		// Already terminal means the expiry sweeper (or a racing completion)
		// won and released the bookkeeping; do not release it twice.
		if errors.Is(err, tracker.ErrTerminalState) {
			return &ExecuteResult{
				RequestID: in.RequestID,
				State:     out.state,
				ExitCode:  out.exitCode,
				Stdout:    out.stdout,
				Stderr:    out.stderr,
				Error:     out.errMsg,
				Cause:     out.cause,
			}, nil
		}
		s.logger.Warn("failed to finalize request", "request_id", in.RequestID, "error", err)
	}

	s.writeArtifact(in, out)
	s.guard.MarkProcessed(in.RequestID, in.ChatID, in.Workspace)
	s.recordCallback(ctx, in)
	if err := s.registry.TrackComplete(in.Workspace); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("failed to release dispatch", "workspace", in.Workspace, "error", err)
	}
	s.reaper.UntrackRequest(in.RequestID)

	s.logger.Info("request finished",
		"request_id", in.RequestID,
		"workspace", in.Workspace,
		"state", out.state,
	)

	return &ExecuteResult{
		RequestID: in.RequestID,
		State:     out.state,
		ExitCode:  out.exitCode,
		Stdout:    out.stdout,
		Stderr:    out.stderr,
		Error:     out.errMsg,
		Cause:     out.cause,
	}, nil
}

// writeArtifact persists the serialized outcome for out-of-band readers.
func (s *Service) writeArtifact(in ExecuteInput, out terminalOutcome) {
	if s.cfg.ArtifactDir == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"request_id": in.RequestID,
		"chat_id":    in.ChatID,
		"workspace":  in.Workspace,
		"state":      out.state,
		"exit_code":  out.exitCode,
		"stdout":     out.stdout,
		"stderr":     out.stderr,
		"error":      out.errMsg,
	})
	if err != nil {
		s.logger.Warn("failed to serialize artifact", "request_id", in.RequestID, "error", err)
		return
	}
	if _, err := artifact.Write(s.cfg.ArtifactDir, in.Workspace, in.RequestID, payload); err != nil {
		s.logger.Warn("failed to write artifact", "request_id", in.RequestID, "error", err)
	}
}

// recordCallback persists the proactive-callback record for this request.
func (s *Service) recordCallback(ctx context.Context, in ExecuteInput) {
	if in.ChatID == "" {
		return
	}
	cb := &store.CallbackRecord{
		RequestID: in.RequestID,
		ChatID:    in.ChatID,
		Workspace: in.Workspace,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertCallback(ctx, cb); err != nil {
		s.logger.Warn("failed to record callback", "request_id", in.RequestID, "error", err)
	}
}

// CallbackInput is an agent-side completion report. Delivery is
// at-least-once; the guard collapses retries to one effect.
type CallbackInput struct {
	RequestID string
	ExitCode  *int
	Stdout    string
	Stderr    string
	Error     string
}

// CompleteCallback applies an out-of-band completion to an interactive
// request. Returns the record and whether the callback was a duplicate.
func (s *Service) CompleteCallback(ctx context.Context, in CallbackInput) (*store.Request, bool, error) {
	if in.RequestID == "" {
		return nil, false, fmt.Errorf("%w: request_id is required", ErrValidation)
	}

	req, err := s.tracker.Get(ctx, in.RequestID)
	if err != nil {
		return nil, false, err
	}

	if s.guard.IsDuplicate(in.RequestID) || store.IsTerminalState(req.State) {
		return req, true, nil
	}

	state := store.StateCompleted
	if in.Error != "" || (in.ExitCode != nil && *in.ExitCode != 0) {
		state = store.StateFailed
	}

	out := terminalOutcome{
		state:    state,
		exitCode: in.ExitCode,
		stdout:   in.Stdout,
		stderr:   in.Stderr,
		errMsg:   in.Error,
	}
	if _, err := s.finish(ctx, ExecuteInput{
		RequestID: in.RequestID,
		ChatID:    req.ChatID,
		Workspace: req.Workspace,
	}, out); err != nil {
		return nil, false, err
	}

	req, err = s.tracker.Get(ctx, in.RequestID)
	return req, false, err
}

// GetStatus returns the tracked request, or store.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, requestID string) (*store.Request, error) {
	return s.tracker.Get(ctx, requestID)
}

// CreateSession provisions the workspace's session. created reports whether
// this call made it (false means it already existed).
func (s *Service) CreateSession(ctx context.Context, workspace string) (*store.Session, bool, error) {
	if workspace == "" {
		return nil, false, fmt.Errorf("%w: workspace is required", ErrValidation)
	}
	if sess, err := s.registry.Get(workspace); err == nil {
		return sess, false, nil
	}
	sess, err := s.registry.GetOrCreate(ctx, workspace)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// DeleteSession tears down the workspace's session.
func (s *Service) DeleteSession(ctx context.Context, workspace string, force bool) error {
	return s.registry.Delete(ctx, workspace, force)
}

// ListSessions returns all live sessions.
func (s *Service) ListSessions() []*store.Session {
	return s.registry.List()
}

// Health summarizes runtime health for the health endpoint.
func (s *Service) Health() map[string]any {
	stats := s.registry.GetStats()
	guard := s.guard.GetStats()
	reaper := s.reaper.GetStatus()
	return map[string]any{
		"status":   "ok",
		"sessions": stats,
		"dedupe": map[string]any{
			"size":     guard.Size,
			"max_size": guard.MaxSize,
			"hit_rate": guard.HitRate,
		},
		"artifacts": map[string]any{
			"tracked":  reaper.TrackedRequests,
			"last_run": reaper.LastRunAt,
		},
	}
}
