// ABOUTME: Store interface and data types for fold-relay persistence
// ABOUTME: Defines Request, Session, CallbackRecord structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRequest is returned when trying to create a request whose id already exists
var ErrDuplicateRequest = errors.New("request already exists")

// ErrDuplicateSession is returned when trying to create a session for a workspace that has one
var ErrDuplicateSession = errors.New("session already exists")

// Request lifecycle states. Terminal states permit no further transition.
const (
	StateCreated    = "created"
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateTimeout    = "timeout"
)

// IsTerminalState reports whether state permits no further transitions.
func IsTerminalState(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimeout:
		return true
	}
	return false
}

// Session status values
const (
	SessionActive      = "active"
	SessionIdle        = "idle"
	SessionTerminating = "terminating"
)

// Request represents one unit of work dispatched to an agent, independent of
// which transport or session handled it. The logical record is never deleted
// by the runtime; only its on-disk artifact is subject to cleanup.
type Request struct {
	ID            string
	ChatID        string
	Workspace     string
	State         string
	PreviousState string
	Prompt        string

	CreatedAt           time.Time
	LastUpdatedAt       time.Time
	QueuedAt            *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	TimeoutAt           *time.Time

	TimedOut bool
	ExitCode *int
	Output   string
	Error    string

	Callback CallbackInfo
}

// CallbackInfo tracks delivery of the proactive completion callback for a request.
type CallbackInfo struct {
	Success         bool        `json:"success"`
	Attempts        int         `json:"attempts"`
	RetryTimestamps []time.Time `json:"retry_timestamps,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Session represents one interactive agent process context bound to a
// workspace inside one container. At most one session exists per workspace.
type Session struct {
	Workspace      string
	SessionID      string
	ContainerID    string
	Status         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ActiveRequests int
	TotalRequests  int
}

// CallbackRecord is a tracked proactive-callback delivery, persisted so
// retries survive a restart.
type CallbackRecord struct {
	RequestID     string
	ChatID        string
	Workspace     string
	Delivered     bool
	Attempts      int
	LastAttemptAt *time.Time
	Error         string
	CreatedAt     time.Time
}

// Store defines the interface for request, session, and callback persistence
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	UpdateRequest(ctx context.Context, req *Request) error
	ListRequestsByState(ctx context.Context, state string, limit int) ([]*Request, error)
	ListRequestsByWorkspace(ctx context.Context, workspace string, limit int) ([]*Request, error)
	ListRequestsByChat(ctx context.Context, chatID string, limit int) ([]*Request, error)
	// ListOverdueRequests returns non-terminal requests whose timeout_at has
	// passed as of now.
	ListOverdueRequests(ctx context.Context, now time.Time) ([]*Request, error)

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, workspace string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	DeleteSession(ctx context.Context, workspace string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// Callbacks
	UpsertCallback(ctx context.Context, cb *CallbackRecord) error
	GetCallback(ctx context.Context, requestID string) (*CallbackRecord, error)
	ListUndeliveredCallbacks(ctx context.Context, limit int) ([]*CallbackRecord, error)

	Close() error
}
