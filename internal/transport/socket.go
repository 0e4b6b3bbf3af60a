// ABOUTME: Unix socket and TCP channels speaking newline-delimited JSON.
// ABOUTME: One request out, one response back, per connection.

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

const dialProbeTimeout = 500 * time.Millisecond

// UnixChannel exchanges requests over a local unix domain socket. This is the
// fast path when the agent endpoint shares a host (or a mounted socket) with
// the relay.
type UnixChannel struct {
	// DefaultPath is used when the target carries no socket hint.
	DefaultPath string
}

// Name implements Channel.
func (u *UnixChannel) Name() string { return "unix" }

func (u *UnixChannel) path(target Target) string {
	if target.SocketPath != "" {
		return target.SocketPath
	}
	return u.DefaultPath
}

// Available reports whether the socket path exists.
func (u *UnixChannel) Available(_ context.Context, target Target) bool {
	path := u.path(target)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Send dials the socket and performs one JSON exchange.
func (u *UnixChannel) Send(ctx context.Context, target Target, req *Request) (*Response, error) {
	return dialAndExchange(ctx, "unix", u.path(target), req)
}

// TCPChannel exchanges requests over a TCP connection to the agent endpoint
// published by the container.
type TCPChannel struct {
	// DefaultAddr is used when the target carries no TCP hint.
	DefaultAddr string
}

// Name implements Channel.
func (t *TCPChannel) Name() string { return "tcp" }

func (t *TCPChannel) addr(target Target) string {
	if target.TCPAddr != "" {
		return target.TCPAddr
	}
	return t.DefaultAddr
}

// Available probes the address with a short dial.
func (t *TCPChannel) Available(_ context.Context, target Target) bool {
	addr := t.addr(target)
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, dialProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Send dials the address and performs one JSON exchange.
func (t *TCPChannel) Send(ctx context.Context, target Target, req *Request) (*Response, error) {
	return dialAndExchange(ctx, "tcp", t.addr(target), req)
}

// dialAndExchange writes one newline-terminated JSON request and reads one
// newline-terminated JSON response. The connection is closed when ctx is
// cancelled so a timed-out call never leaks it.
func dialAndExchange(ctx context.Context, network, addr string, req *Request) (*Response, error) {
	if addr == "" {
		return nil, fmt.Errorf("no %s address configured", network)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	defer conn.Close()

	// Tear down the connection on cancellation; the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response id %q does not match request %q", ErrBadResponse, resp.ID, req.ID)
	}
	return &resp, nil
}
