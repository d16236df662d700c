// Package state owns the persisted state blob of one actor: the in-memory
// mirror, dirty tracking, and flush scheduling. There is exactly one
// authoritative copy per live actor; all mutation goes through Mutate under
// the actor's single-writer discipline.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// InitFunc produces the initial state on first load.
type InitFunc func() (json.RawMessage, error)

// Store mirrors one actor's persisted state blob.
type Store struct {
	store  kv.Driver
	logger *logrus.Entry

	mu        sync.Mutex
	loaded    bool
	state     json.RawMessage
	dirty     bool
	unhealthy bool

	flushTries uint
}

// NewStore builds a store over the actor's KV namespace.
func NewStore(store kv.Driver, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		store:      store,
		logger:     logger.WithField("component", "state"),
		flushTries: 4,
	}
}

// Load reads the persisted blob, or calls init for a fresh actor. Idempotent.
func (s *Store) Load(ctx context.Context, init InitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	raw, err := s.store.Get(ctx, keys.ActorState())
	if err != nil {
		return fmt.Errorf("state: load: %w", err)
	}
	if raw != nil {
		payload, err := wire.Open(raw)
		if err != nil {
			return fmt.Errorf("state: open blob: %w", err)
		}
		s.state = payload
		s.loaded = true
		return nil
	}
	if init != nil {
		initial, err := init()
		if err != nil {
			return fmt.Errorf("state: create initial state: %w", err)
		}
		s.state = initial
		s.dirty = initial != nil
	}
	s.loaded = true
	return nil
}

// Get returns the current in-memory state. The caller must not mutate the
// returned slice; use Mutate.
func (s *Store) Get() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mutate applies f to the current state and marks the store dirty when the
// blob changed.
func (s *Store) Mutate(f func(current json.RawMessage) (json.RawMessage, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unhealthy {
		return errs.StorageUnavailable(nil)
	}
	next, err := f(s.state)
	if err != nil {
		return err
	}
	s.state = next
	s.dirty = true
	return nil
}

// Set replaces the state blob outright.
func (s *Store) Set(next json.RawMessage) error {
	return s.Mutate(func(json.RawMessage) (json.RawMessage, error) {
		return next, nil
	})
}

// Dirty reports whether an unflushed mutation exists.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush writes the blob to KV when dirty, retrying transient failures with
// bounded backoff. Repeated failure marks the store unhealthy; subsequent
// mutations fail with StorageUnavailable until Recover.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	blob := wire.Seal(s.state)
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := s.store.Set(ctx, keys.ActorState(), blob); err != nil {
			s.logger.WithError(err).Warn("state flush failed, retrying")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.flushTries))
	if err != nil {
		s.mu.Lock()
		s.unhealthy = true
		s.mu.Unlock()
		return errs.StorageUnavailable(err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Snapshot clones the state into a value safe to hand to external observers.
func (s *Store) Snapshot() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	out := make(json.RawMessage, len(s.state))
	copy(out, s.state)
	return out
}

// Healthy reports whether flushes are succeeding.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unhealthy
}

// Recover clears the unhealthy flag after the operator restored storage.
func (s *Store) Recover() {
	s.mu.Lock()
	s.unhealthy = false
	s.mu.Unlock()
}
