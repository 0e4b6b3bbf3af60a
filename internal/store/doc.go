// Package store provides persistence for fold-relay's durable state.
//
// # Overview
//
// The store holds three kinds of records, all keyed and small:
//
//   - Request: the lifecycle record for every dispatched unit of work.
//     Requests survive process restarts and are never physically deleted by
//     the runtime; only their on-disk response artifacts are reclaimed.
//   - Session: metadata for the one live interactive session per workspace.
//   - CallbackRecord: proactive completion-callback deliveries, persisted so
//     retries survive a restart.
//
// # Implementations
//
// SQLiteStore is the production implementation, using modernc.org/sqlite with
// WAL mode and schema creation on open. MockStore is an in-memory
// implementation with identical semantics for tests.
//
// # Errors
//
// Lookups of absent records return ErrNotFound. Creating a request or session
// whose key already exists returns ErrDuplicateRequest or ErrDuplicateSession.
// Callers branch with errors.Is.
package store
