// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Mirrors SQLiteStore semantics including sentinel errors and list ordering

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of the Store interface for tests.
type MockStore struct {
	mu        sync.RWMutex
	requests  map[string]*Request
	sessions  map[string]*Session
	callbacks map[string]*CallbackRecord
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		requests:  make(map[string]*Request),
		sessions:  make(map[string]*Session),
		callbacks: make(map[string]*CallbackRecord),
	}
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error { return nil }

func copyRequest(r *Request) *Request {
	cp := *r
	if r.ExitCode != nil {
		ec := *r.ExitCode
		cp.ExitCode = &ec
	}
	cp.QueuedAt = copyTime(r.QueuedAt)
	cp.ProcessingStartedAt = copyTime(r.ProcessingStartedAt)
	cp.CompletedAt = copyTime(r.CompletedAt)
	cp.TimeoutAt = copyTime(r.TimeoutAt)
	cp.Callback.RetryTimestamps = append([]time.Time(nil), r.Callback.RetryTimestamps...)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest inserts a request, enforcing id uniqueness.
func (m *MockStore) CreateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return ErrDuplicateRequest
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

// GetRequest returns a copy of the stored request.
func (m *MockStore) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(req), nil
}

// UpdateRequest replaces a stored request.
func (m *MockStore) UpdateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrNotFound
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MockStore) listRequests(match func(*Request) bool, limit int) []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, req := range m.requests {
		if match(req) {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListRequestsByState returns requests in the given state, newest first.
func (m *MockStore) ListRequestsByState(_ context.Context, state string, limit int) ([]*Request, error) {
	return m.listRequests(func(r *Request) bool { return r.State == state }, limit), nil
}

// ListRequestsByWorkspace returns requests for the workspace, newest first.
func (m *MockStore) ListRequestsByWorkspace(_ context.Context, workspace string, limit int) ([]*Request, error) {
	return m.listRequests(func(r *Request) bool { return r.Workspace == workspace }, limit), nil
}

// ListRequestsByChat returns requests for the chat, newest first.
func (m *MockStore) ListRequestsByChat(_ context.Context, chatID string, limit int) ([]*Request, error) {
	return m.listRequests(func(r *Request) bool { return r.ChatID == chatID }, limit), nil
}

// ListOverdueRequests returns non-terminal requests past their timeout deadline.
func (m *MockStore) ListOverdueRequests(_ context.Context, now time.Time) ([]*Request, error) {
	return m.listRequests(func(r *Request) bool {
		return r.TimeoutAt != nil && r.TimeoutAt.Before(now) && !IsTerminalState(r.State)
	}, -1), nil
}

// CreateSession inserts a session, enforcing one per workspace.
func (m *MockStore) CreateSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.Workspace]; exists {
		return ErrDuplicateSession
	}
	cp := *sess
	m.sessions[sess.Workspace] = &cp
	return nil
}

// GetSession returns a copy of the stored session.
func (m *MockStore) GetSession(_ context.Context, workspace string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[workspace]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession replaces a stored session.
func (m *MockStore) UpdateSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.Workspace]; !ok {
		return ErrNotFound
	}
	cp := *sess
	m.sessions[sess.Workspace] = &cp
	return nil
}

// DeleteSession removes a session record.
func (m *MockStore) DeleteSession(_ context.Context, workspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[workspace]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, workspace)
	return nil
}

// ListSessions returns all sessions ordered by workspace.
func (m *MockStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workspace < out[j].Workspace })
	return out, nil
}

// UpsertCallback inserts or replaces a callback record.
func (m *MockStore) UpsertCallback(_ context.Context, cb *CallbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cb
	cp.LastAttemptAt = copyTime(cb.LastAttemptAt)
	m.callbacks[cb.RequestID] = &cp
	return nil
}

// GetCallback returns a copy of the stored callback record.
func (m *MockStore) GetCallback(_ context.Context, requestID string) (*CallbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.callbacks[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cb
	cp.LastAttemptAt = copyTime(cb.LastAttemptAt)
	return &cp, nil
}

// ListUndeliveredCallbacks returns undelivered callback records, oldest first.
func (m *MockStore) ListUndeliveredCallbacks(_ context.Context, limit int) ([]*CallbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CallbackRecord
	for _, cb := range m.callbacks {
		if !cb.Delivered {
			cp := *cb
			cp.LastAttemptAt = copyTime(cb.LastAttemptAt)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
