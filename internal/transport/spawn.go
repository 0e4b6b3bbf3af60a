// ABOUTME: Spawn channel invoking the agent endpoint via docker exec.
// ABOUTME: Parses the response out of mixed stdout by scanning lines backwards.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// SpawnChannel exchanges requests by spawning `docker exec` against the
// target container. This is the fallback of last resort: always considered
// available, one subprocess per call, serialized per request rather than
// globally.
type SpawnChannel struct {
	// AgentCommand is the in-container command that reads a request JSON on
	// stdin and prints a response JSON on stdout. Defaults to "fold-agent".
	AgentCommand []string
	// MaxOutputBytes caps how much subprocess output is buffered.
	MaxOutputBytes int64
}

const defaultMaxOutputBytes = 10 * 1024 * 1024

// Name implements Channel.
func (s *SpawnChannel) Name() string { return "spawn" }

// Available implements Channel. The spawn channel is the last resort and is
// always worth attempting; docker itself failing is reported by Send.
func (s *SpawnChannel) Available(_ context.Context, _ Target) bool { return true }

// Send spawns the agent command inside the target container, feeds it the
// request JSON on stdin, and parses the response from its stdout. The
// subprocess is killed when ctx expires, never leaked.
func (s *SpawnChannel) Send(ctx context.Context, target Target, req *Request) (*Response, error) {
	command := s.AgentCommand
	if len(command) == 0 {
		command = []string{"fold-agent"}
	}
	args := append([]string{"exec", "-i", target.Container}, command...)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	maxOut := s.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(payload)

	stdout := &limitedBuffer{max: maxOut}
	stderr := &limitedBuffer{max: maxOut}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The spawned process may interleave log lines with the response on the
	// same stream. A non-zero exit with a parseable matching response is
	// still a response; a non-zero exit without one is a transport failure.
	resp, parseErr := ParseResponseOutput(stdout.buf.Bytes(), req.ID)
	if parseErr == nil {
		return resp, nil
	}

	if runErr != nil {
		return nil, fmt.Errorf("docker exec %s: %w: %s", target.Container, runErr, firstLine(stderr.buf.String()))
	}
	return nil, parseErr
}

// ParseResponseOutput scans output lines from the end backwards for the most
// recent well-formed JSON object whose id matches requestID. Returns
// ErrBadResponse if none is found.
func ParseResponseOutput(output []byte, requestID string) (*Response, error) {
	lines := strings.Split(string(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			continue
		}
		if resp.ID != requestID {
			continue
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("%w: no response with id %q", ErrBadResponse, requestID)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// limitedBuffer buffers writes up to max bytes and silently discards the rest,
// so a chatty subprocess cannot exhaust memory.
type limitedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

var _ io.Writer = (*limitedBuffer)(nil)
