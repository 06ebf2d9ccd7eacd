// Package store defines the coordination store contract: a hierarchical,
// session-based key/value store with ephemeral nodes, conditional writes and
// one-shot watches.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the node does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNodeExists indicates a create collided with an existing node.
	ErrNodeExists = errors.New("store: node exists")
	// ErrVersionConflict indicates a conditional write saw a different version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrConnectionLost indicates the client is disconnected from the store.
	ErrConnectionLost = errors.New("store: connection lost")
	// ErrClosed indicates the client was closed.
	ErrClosed = errors.New("store: client closed")
	// ErrNotEmpty indicates a delete of a node that still has children.
	ErrNotEmpty = errors.New("store: node has children")
	// ErrNotImplemented is returned by backends lacking an optional feature.
	ErrNotImplemented = errors.New("store: not implemented")
)

// AnyVersion disables the version check of Set and Delete.
const AnyVersion int64 = -1

// CreateMode selects node lifetime.
type CreateMode int

const (
	// Persistent nodes survive the creating session.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the creating session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// Stat is the bookkeeping the store keeps per node.
type Stat struct {
	Version     int64
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Ephemeral   bool
	Owner       string
	NumChildren int
}

// WatchKind selects what a watch observes.
type WatchKind int

const (
	// WatchData fires on creation, modification or deletion of the node.
	WatchData WatchKind = iota
	// WatchChildren fires when the node's child set changes or the node is
	// deleted.
	WatchChildren
)

func (k WatchKind) String() string {
	if k == WatchChildren {
		return "children"
	}
	return "data"
}

// EventType describes what triggered a watch.
type EventType int

const (
	// EventCreated reports a node creation.
	EventCreated EventType = iota + 1
	// EventModified reports a data change.
	EventModified
	// EventDeleted reports a node deletion.
	EventDeleted
	// EventChildrenChanged reports a child set change.
	EventChildrenChanged
	// EventNotWatching reports that the watch was dropped because the
	// session ended or the client closed. Callers must re-read and re-arm.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	case EventChildrenChanged:
		return "children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is delivered once per armed watch.
type Event struct {
	Type EventType
	Path string
}

// Watch is a one-shot watch registration. Events delivers at most one event
// and is then closed.
type Watch interface {
	Events() <-chan Event
	Cancel()
}

// SessionState describes the client's connection to the store.
type SessionState int

const (
	// StateDisconnected means operations fail with ErrConnectionLost.
	StateDisconnected SessionState = iota + 1
	// StateConnected means a session is established.
	StateConnected
	// StateClosed means the client was closed and will not reconnect.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent reports a connection state change. When a reconnect produced a
// new session, SessionID differs from Previous and every ephemeral node of the
// previous session is gone.
type SessionEvent struct {
	State     SessionState
	SessionID string
	Previous  string
}

// NewSession reports whether the event established a different session.
func (e SessionEvent) NewSession() bool {
	return e.State == StateConnected && e.SessionID != e.Previous
}

// Client is a session-scoped connection to the coordination store.
type Client interface {
	// SessionID returns the current session id, or "" while disconnected.
	SessionID() string
	// Create writes a new node, creating missing parents as empty persistent
	// nodes. Returns ErrNodeExists when path exists.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) error
	// Get returns node data and stat or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	// Exists reports whether the node exists.
	Exists(ctx context.Context, path string) (Stat, bool, error)
	// Set replaces node data when expectedVersion matches (or is AnyVersion).
	Set(ctx context.Context, path string, data []byte, expectedVersion int64) (Stat, error)
	// Delete removes a leaf node when expectedVersion matches.
	Delete(ctx context.Context, path string, expectedVersion int64) error
	// Children returns the sorted child names of path.
	Children(ctx context.Context, path string) ([]string, error)
	// Watch arms a one-shot watch. Register the watch before reading the
	// state it guards so no change is missed.
	Watch(ctx context.Context, path string, kind WatchKind) (Watch, error)
	// SubscribeSession delivers connection state changes until cancel is
	// called.
	SubscribeSession() (events <-chan SessionEvent, cancel func())
	// Close ends the session and releases resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ConnectionLost returns a transient error wrapping ErrConnectionLost.
func ConnectionLost(cause error) error {
	if cause == nil {
		return NewTransientError(ErrConnectionLost)
	}
	return NewTransientError(errors.Join(ErrConnectionLost, cause))
}
