// Package transport sends request/response exchanges to agent containers.
//
// # Overview
//
// A Client tries an ordered list of channels — unix socket, TCP, then a
// docker-exec spawn — and uses the first one available, caching the selection
// per target until its connectivity hints change or an exchange fails. Every
// call races a timeout that resolves to a synthetic timeout response rather
// than leaving the caller blocked.
//
// # Circuit breaking
//
// Each logical target has its own Breaker. Communication failures (network
// errors, timeouts, non-zero exits with no parseable output) open the circuit
// after a threshold; a deliberate application-level error response that was
// successfully received is not a transport failure and never trips it. Open
// circuits reject calls immediately with ErrCircuitOpen, allow one trial call
// after the half-open timeout, and reset fully after the reset timeout.
//
// # Wire format
//
// The unix and TCP channels speak newline-delimited JSON: one Request out,
// one Response back per connection. The spawn channel feeds the Request to
// the in-container agent command on stdin and scans stdout lines from the end
// backwards for the most recent response whose id matches, tolerating
// incidental log lines on the same stream.
package transport
