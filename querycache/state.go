package querycache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSuperseded is returned to waiters of a fetch whose key was invalidated,
	// replaced or cleared before the fetch settled. Its result was discarded.
	ErrSuperseded = errors.New("querycache: fetch superseded")
	// ErrNotEnabled is returned by Handle.Get when a dependency has no usable value.
	ErrNotEnabled = errors.New("querycache: query not enabled")
	// ErrClosed is returned after the cache has been closed.
	ErrClosed = errors.New("querycache: cache closed")
)

// Status is the tagged state of one query.
type Status uint8

const (
	// StatusDisabled means a dependency has not resolved to a non-empty value.
	StatusDisabled Status = iota
	// StatusPending means a fetch is outstanding and no value is known.
	StatusPending
	// StatusReady means the value is within the staleness window.
	StatusReady
	// StatusStale means the value is served while a refresh is due or running.
	StatusStale
	// StatusErrored means the last fetch failed and no value is known.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusStale:
		return "stale"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of one query. Err may be set alongside a stale value when
// a background refresh failed.
type State struct {
	Status    Status
	Value     any
	Err       error
	UpdatedAt time.Time
}

// HasValue reports whether the state carries a usable value.
func (s State) HasValue() bool {
	return s.Status == StatusReady || s.Status == StatusStale
}

// Value extracts a typed value from s.
func Value[T any](s State) (T, bool) {
	var zero T
	if !s.HasValue() {
		return zero, false
	}
	v, ok := s.Value.(T)
	return v, ok
}

// Key identifies a cached result by query name and rendered arguments.
type Key struct {
	Query string
	Args  string
}

// NewKey renders args into a key for query. Arguments are formatted with
// fmt.Sprint, so types with a String method key by their string form.
func NewKey(query string, args ...any) Key {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprint(arg)
	}
	return Key{Query: query, Args: strings.Join(parts, "/")}
}

func (k Key) String() string {
	if k.Args == "" {
		return k.Query
	}
	return k.Query + "(" + k.Args + ")"
}
