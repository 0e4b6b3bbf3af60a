// ABOUTME: Transport client for request/response exchanges with agent containers.
// ABOUTME: Selects channels in priority order and wraps calls in a circuit breaker.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the transport when the
// target's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit open: target temporarily unavailable")

// ErrUnavailable indicates the agent could not be reached on any channel.
// Transient; feeds the circuit breaker; callers may retry.
var ErrUnavailable = errors.New("agent unreachable")

// ErrTimeout indicates the transport call exceeded its deadline. Distinct
// from ErrUnavailable so callers can tell "agent took too long" from
// "agent unreachable".
var ErrTimeout = errors.New("transport call timed out")

// ErrBadResponse indicates output was received but no well-formed response
// matching the request id could be parsed from it.
var ErrBadResponse = errors.New("no parseable response in output")

// Response status values carried on the wire.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Target names the container to exchange with, plus per-target connectivity
// hints that override the client defaults. Changing a hint invalidates the
// cached channel selection for the target.
type Target struct {
	Container  string
	SocketPath string
	TCPAddr    string
}

func (t Target) hints() string {
	return t.SocketPath + "|" + t.TCPAddr
}

// Request is one prompt dispatched to an agent.
type Request struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id,omitempty"`
	Workspace string `json:"workspace"`
	Prompt    string `json:"prompt"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// Response is the agent's reply to a Request.
type Response struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IsAppError reports whether the response is a deliberate application-level
// error. These are successfully communicated and must not trip the breaker.
func (r *Response) IsAppError() bool {
	return r.Status == StatusError
}

// Channel is one way of exchanging a request with a container. Channels are
// tried in priority order; the first available one is used.
type Channel interface {
	// Name identifies the channel in logs ("unix", "tcp", "spawn").
	Name() string
	// Available reports whether the channel can plausibly reach the target
	// right now. It should be cheap; Send remains the real test.
	Available(ctx context.Context, target Target) bool
	// Send performs one request/response exchange. It must honor ctx
	// cancellation without leaking the underlying connection or process.
	Send(ctx context.Context, target Target, req *Request) (*Response, error)
}

// Options configures a Client.
type Options struct {
	Channels       []Channel
	Breakers       *BreakerSet
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Client multiplexes request/response exchanges to agent containers over the
// first available channel, wrapped in a per-target circuit breaker.
type Client struct {
	channels       []Channel
	breakers       *BreakerSet
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]activeChannel // container -> cached selection
}

type activeChannel struct {
	channel Channel
	hints   string
}

// NewClient creates a transport client. Channels are tried in the order given.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	timeout := opts.DefaultTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerSet(DefaultBreakerConfig())
	}
	return &Client{
		channels:       opts.Channels,
		breakers:       breakers,
		defaultTimeout: timeout,
		logger:         logger,
		active:         make(map[string]activeChannel),
	}
}

// Send performs one request/response exchange with the target container.
// A zero timeout uses the client default. The call never blocks past its
// deadline: on timeout the subprocess or connection is torn down and a
// synthetic timeout response is returned alongside ErrTimeout.
//
// Communication failures and timeouts feed the target's circuit breaker;
// application-level error responses do not.
func (c *Client) Send(ctx context.Context, target Target, req *Request, timeout time.Duration) (*Response, error) {
	breaker := c.breakers.For(target.Container)
	if !breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", target.Container, ErrCircuitOpen)
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	req.TimeoutMs = timeout.Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := c.pick(ctx, target)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	start := time.Now()
	resp, err := ch.Send(ctx, target, req)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		// An app-level error payload was still successfully communicated.
		breaker.RecordSuccess()
		c.logger.Debug("transport exchange complete",
			"target", target.Container,
			"channel", ch.Name(),
			"status", resp.Status,
			"elapsed", elapsed,
		)
		return resp, nil

	case ctx.Err() != nil:
		breaker.RecordFailure()
		c.invalidate(target)
		c.logger.Warn("transport call timed out",
			"target", target.Container,
			"channel", ch.Name(),
			"timeout", timeout,
		)
		return &Response{ID: req.ID, Status: StatusTimeout}, fmt.Errorf("%s after %s: %w", target.Container, timeout, ErrTimeout)

	default:
		breaker.RecordFailure()
		c.invalidate(target)
		c.logger.Warn("transport call failed",
			"target", target.Container,
			"channel", ch.Name(),
			"error", err,
		)
		if errors.Is(err, ErrBadResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%s via %s: %w: %v", target.Container, ch.Name(), ErrUnavailable, err)
	}
}

// pick returns the cached channel for the target if its hints are unchanged,
// otherwise probes channels in priority order.
func (c *Client) pick(ctx context.Context, target Target) (Channel, error) {
	c.mu.Lock()
	if cached, ok := c.active[target.Container]; ok && cached.hints == target.hints() {
		c.mu.Unlock()
		return cached.channel, nil
	}
	c.mu.Unlock()

	for _, ch := range c.channels {
		if !ch.Available(ctx, target) {
			continue
		}
		c.mu.Lock()
		c.active[target.Container] = activeChannel{channel: ch, hints: target.hints()}
		c.mu.Unlock()
		c.logger.Debug("transport channel selected",
			"target", target.Container,
			"channel", ch.Name(),
		)
		return ch, nil
	}
	return nil, fmt.Errorf("%s: no channel available: %w", target.Container, ErrUnavailable)
}

// invalidate drops the cached channel selection so the next call re-probes.
func (c *Client) invalidate(target Target) {
	c.mu.Lock()
	delete(c.active, target.Container)
	c.mu.Unlock()
}
