// Package tracker is the durable request state machine.
//
// Every request moves created → queued → processing → one of completed,
// failed, or timeout. Terminal states are immutable: any further update is
// rejected with ErrTerminalState. Records are persisted on every transition
// so in-flight work is visible across restarts, and a background sweeper
// expires requests whose deadline passed while nobody was watching.
package tracker
