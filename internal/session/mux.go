// ABOUTME: Terminal-multiplexer controller for interactive agent sessions.
// ABOUTME: Drives tmux inside workspace containers via the Docker exec API.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ErrSessionGone indicates the target tmux session no longer exists. The
// caller should recreate the session and resend exactly once, not loop.
var ErrSessionGone = errors.New("session no longer exists")

// ErrContainerGone indicates the workspace container itself is missing.
var ErrContainerGone = errors.New("container not found")

// Controller drives named tmux sessions inside workspace containers. Each
// send is tagged with routing metadata so the agent side can correlate its
// output back to the originating request.
type Controller interface {
	// EnsureSession creates the named session in the container if it does
	// not already exist. Idempotent.
	EnsureSession(ctx context.Context, containerID, sessionName string) error
	// SendPrompt types a prompt into the session, tagged with routing
	// metadata. Returns ErrSessionGone if the session has died.
	SendPrompt(ctx context.Context, containerID, sessionName string, meta RouteMeta, prompt string) error
	// ListSessions returns the names of live sessions in the container.
	ListSessions(ctx context.Context, containerID string) ([]string, error)
	// KillSession tears down the named session. Killing an absent session
	// is not an error.
	KillSession(ctx context.Context, containerID, sessionName string) error
}

// RouteMeta tags a prompt with the identifiers needed to correlate output.
type RouteMeta struct {
	RequestID string
	ChatID    string
	Workspace string
}

// execResult holds the outcome of one in-container command.
type execResult struct {
	exitCode int
	output   string
}

// execRunner runs one command inside a container and waits for completion.
type execRunner interface {
	run(ctx context.Context, containerID string, cmd []string) (*execResult, error)
}

// TmuxController implements Controller by driving tmux through an exec
// runner, normally the Docker exec API.
type TmuxController struct {
	runner execRunner
	logger *slog.Logger
}

// NewTmuxController creates a controller backed by a Docker client from the
// environment.
func NewTmuxController() (*TmuxController, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newTmuxController(&dockerRunner{cli: cli}), nil
}

func newTmuxController(runner execRunner) *TmuxController {
	return &TmuxController{
		runner: runner,
		logger: slog.Default().With("component", "mux"),
	}
}

// dockerRunner executes commands via the Docker exec API.
type dockerRunner struct {
	cli client.APIClient
}

func (d *dockerRunner) run(ctx context.Context, containerID string, cmd []string) (*execResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", containerID, ErrContainerGone)
		}
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &execResult{exitCode: inspect.ExitCode, output: string(out)}, nil
}

// exec runs a command in the container and waits for completion.
func (c *TmuxController) exec(ctx context.Context, containerID string, cmd []string) (*execResult, error) {
	return c.runner.run(ctx, containerID, cmd)
}

// EnsureSession creates the named tmux session if absent. tmux exits non-zero
// with "duplicate session" when it already exists, which is success here.
func (c *TmuxController) EnsureSession(ctx context.Context, containerID, sessionName string) error {
	res, err := c.exec(ctx, containerID, []string{"tmux", "new-session", "-d", "-s", sessionName})
	if err != nil {
		return err
	}
	if res.exitCode != 0 && !strings.Contains(res.output, "duplicate session") {
		return fmt.Errorf("tmux new-session %s: exit %d: %s", sessionName, res.exitCode, strings.TrimSpace(res.output))
	}

	c.logger.Debug("session ensured", "container", containerID, "session", sessionName)
	return nil
}

// SendPrompt sets routing metadata in the session environment, then types the
// prompt. The metadata lets the agent-side writer tag its response artifact.
func (c *TmuxController) SendPrompt(ctx context.Context, containerID, sessionName string, meta RouteMeta, prompt string) error {
	env := []struct{ key, value string }{
		{"FOLD_REQUEST_ID", meta.RequestID},
		{"FOLD_CHAT_ID", meta.ChatID},
		{"FOLD_WORKSPACE", meta.Workspace},
	}
	for _, kv := range env {
		res, err := c.exec(ctx, containerID, []string{
			"tmux", "set-environment", "-t", sessionName, kv.key, kv.value,
		})
		if err != nil {
			return err
		}
		if res.exitCode != 0 {
			return c.classifySendFailure(sessionName, res)
		}
	}

	res, err := c.exec(ctx, containerID, []string{
		"tmux", "send-keys", "-t", sessionName, prompt, "Enter",
	})
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return c.classifySendFailure(sessionName, res)
	}

	c.logger.Debug("prompt sent",
		"container", containerID,
		"session", sessionName,
		"request_id", meta.RequestID,
	)
	return nil
}

// classifySendFailure maps tmux errors onto the retryable ErrSessionGone
// contract where the session has died underneath us.
func (c *TmuxController) classifySendFailure(sessionName string, res *execResult) error {
	out := strings.TrimSpace(res.output)
	if strings.Contains(out, "can't find session") ||
		strings.Contains(out, "session not found") ||
		strings.Contains(out, "no server running") {
		return fmt.Errorf("%s: %w", sessionName, ErrSessionGone)
	}
	return fmt.Errorf("tmux send to %s: exit %d: %s", sessionName, res.exitCode, out)
}

// ListSessions returns live tmux session names in the container. A container
// with no tmux server has no sessions.
func (c *TmuxController) ListSessions(ctx context.Context, containerID string) ([]string, error) {
	res, err := c.exec(ctx, containerID, []string{"tmux", "list-sessions", "-F", "#{session_name}"})
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		// tmux exits non-zero when no server is running; that's zero sessions.
		if strings.Contains(res.output, "no server running") || strings.Contains(res.output, "error connecting") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: exit %d: %s", res.exitCode, strings.TrimSpace(res.output))
	}

	var names []string
	for _, line := range strings.Split(res.output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// KillSession tears down the named session. Absent sessions are fine.
func (c *TmuxController) KillSession(ctx context.Context, containerID, sessionName string) error {
	res, err := c.exec(ctx, containerID, []string{"tmux", "kill-session", "-t", sessionName})
	if err != nil {
		if errors.Is(err, ErrContainerGone) {
			return nil
		}
		return err
	}
	if res.exitCode != 0 &&
		!strings.Contains(res.output, "can't find session") &&
		!strings.Contains(res.output, "no server running") {
		return fmt.Errorf("tmux kill-session %s: exit %d: %s", sessionName, res.exitCode, strings.TrimSpace(res.output))
	}
	return nil
}
