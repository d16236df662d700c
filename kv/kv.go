// Package kv defines the ordered byte-keyed storage driver the runtime builds
// on, together with the bundled bbolt, in-memory, and redis implementations.
//
// Every actor and every workflow instance is handed a logically isolated
// namespace. Drivers must return List results in lexicographic key order;
// message FIFO and workflow replay both depend on it.
package kv

import (
	"context"
	"time"
)

// Entry is one key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// ListOptions tunes ListRange.
type ListOptions struct {
	// Reverse returns entries in descending key order.
	Reverse bool
	// Limit bounds the number of returned entries; 0 means unbounded.
	Limit int
}

// AlarmFunc is invoked when a scheduled alarm fires. It runs outside any
// driver lock and may call back into the driver.
type AlarmFunc func(namespace, id string, at time.Time)

// Driver is the storage contract for one namespace.
//
// Get returns (nil, nil) for absent keys. The runtime only ever stores
// non-empty payloads, so an empty value never needs to be distinguished from
// absence.
type Driver interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	DeletePrefix(ctx context.Context, prefix []byte) error

	// List returns all entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix []byte) ([]Entry, error)
	// ListRange returns entries with start <= key < end, sorted by key
	// (descending when opts.Reverse).
	ListRange(ctx context.Context, start, end []byte, opts ListOptions) ([]Entry, error)

	// Batch applies all puts and deletes atomically within the namespace.
	Batch(ctx context.Context, puts []Entry, deletes [][]byte) error

	// SetAlarm schedules (or reschedules) a wake-up for this namespace.
	SetAlarm(ctx context.Context, id string, wakeAt time.Time) error
	ClearAlarm(ctx context.Context, id string) error

	// WorkerPollInterval is the threshold between in-memory sleeps and
	// alarm-driven sleeps, and the driver's alarm granularity bound.
	WorkerPollInterval() time.Duration
}

// Factory opens per-namespace drivers over one shared store.
type Factory interface {
	// Namespace returns the driver for a logical namespace, creating it on
	// first use. The same name always maps to the same keyspace.
	Namespace(name string) (Driver, error)
	// OnAlarm registers the process-wide alarm handler. Must be called
	// before any alarm is scheduled.
	OnAlarm(fn AlarmFunc)
	Close() error
}

// DefaultWorkerPollInterval is used when a factory is not configured with an
// explicit poll interval.
const DefaultWorkerPollInterval = 15 * time.Second
