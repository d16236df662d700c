package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
)

// Func is a user workflow. It must be deterministic outside of steps: no
// wall-clock reads, randomness, or external state except through the Context
// primitives.
type Func func(c *Context) (json.RawMessage, error)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger attaches a scoped logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHistoryUpdated registers a hook fired after any flush containing
// history or metadata writes, for inspector adapters.
func WithHistoryUpdated(fn func()) Option {
	return func(e *Engine) { e.historyUpdated = fn }
}

// WithMaxAttempts sets the default step retry budget.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// DefaultMaxAttempts is the step retry budget when neither the engine nor the
// step overrides it.
const DefaultMaxAttempts = 3

// Engine drives one workflow instance over its exclusive KV namespace. The
// sole external ingress is AddMessage; every other write is workflow-driven.
type Engine struct {
	store  kv.Driver
	logger *logrus.Entry

	mu       sync.Mutex
	loaded   bool
	names    []string
	nameIdx  map[string]uint64
	entries  map[string]*Entry
	metadata map[string]*EntryMetadata
	msgs     []Message
	wfState  WorkflowState
	wfOutput json.RawMessage
	wfError  string
	wfInput  json.RawMessage
	wake     chan struct{}

	inStep         atomic.Int32
	poisoned       atomic.Bool
	historyUpdated func()
	maxAttempts    int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelCauseFunc
}

// New builds an engine over the given namespace. Call Run to start or resume.
func New(store kv.Driver, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      logrus.NewEntry(logrus.StandardLogger()).WithField("component", "workflow"),
		nameIdx:     make(map[string]uint64),
		entries:     make(map[string]*Entry),
		metadata:    make(map[string]*EntryMetadata),
		wfState:     WorkflowPending,
		wake:        make(chan struct{}),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load reads the name registry, entries, entry metadata, messages, and
// workflow metadata into memory. Idempotent.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}

	nameEntries, err := e.store.List(ctx, keys.NamesPrefix())
	if err != nil {
		return fmt.Errorf("workflow: load names: %w", err)
	}
	for _, ent := range nameEntries {
		var name string
		if err := unmarshalRecord(ent.Value, &name); err != nil {
			return err
		}
		e.nameIdx[name] = uint64(len(e.names))
		e.names = append(e.names, name)
	}

	histEntries, err := e.store.List(ctx, keys.HistoryPrefix())
	if err != nil {
		return fmt.Errorf("workflow: load history: %w", err)
	}
	for _, ent := range histEntries {
		var entry Entry
		if err := unmarshalRecord(ent.Value, &entry); err != nil {
			return err
		}
		e.entries[string(ent.Key)] = &entry
	}

	metaEntries, err := e.store.List(ctx, keys.EntryMetaPrefix())
	if err != nil {
		return fmt.Errorf("workflow: load entry metadata: %w", err)
	}
	for _, ent := range metaEntries {
		var meta EntryMetadata
		if err := unmarshalRecord(ent.Value, &meta); err != nil {
			return err
		}
		// Metadata keys mirror history keys modulo the prefix byte.
		key := append([]byte{keys.PrefixHistory}, ent.Key[1:]...)
		e.metadata[string(key)] = &meta
	}

	msgEntries, err := e.store.List(ctx, keys.MessagesPrefix())
	if err != nil {
		return fmt.Errorf("workflow: load messages: %w", err)
	}
	for _, ent := range msgEntries {
		var msg Message
		if err := unmarshalRecord(ent.Value, &msg); err != nil {
			return err
		}
		e.msgs = append(e.msgs, msg)
	}

	if err := e.loadWfMetaLocked(ctx); err != nil {
		return err
	}
	e.loaded = true
	return nil
}

func (e *Engine) loadWfMetaLocked(ctx context.Context) error {
	read := func(field uint64, v any) (bool, error) {
		raw, err := e.store.Get(ctx, keys.Meta(field))
		if err != nil || raw == nil {
			return false, err
		}
		return true, unmarshalRecord(raw, v)
	}
	var state string
	ok, err := read(keys.MetaState, &state)
	if err != nil {
		return err
	}
	if ok {
		e.wfState = WorkflowState(state)
	}
	if _, err := read(keys.MetaOutput, &e.wfOutput); err != nil {
		return err
	}
	if _, err := read(keys.MetaError, &e.wfError); err != nil {
		return err
	}
	if _, err := read(keys.MetaInput, &e.wfInput); err != nil {
		return err
	}
	return nil
}

// Run starts or resumes the workflow. It blocks until the function completes,
// fails, or suspends via context cancellation (eviction). Calling Run again
// after a suspension replays history and continues.
func (e *Engine) Run(ctx context.Context, fn Func, input json.RawMessage) (json.RawMessage, error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	switch e.wfState {
	case WorkflowCompleted:
		out := e.wfOutput
		e.mu.Unlock()
		return out, nil
	case WorkflowFailed:
		msg := e.wfError
		e.mu.Unlock()
		return nil, errors.New(msg)
	}
	e.mu.Unlock()

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return nil, fmt.Errorf("workflow: already running")
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	e.running = true
	e.cancel = cancel
	e.runMu.Unlock()
	defer func() {
		cancel(nil)
		e.runMu.Lock()
		e.running = false
		e.cancel = nil
		e.runMu.Unlock()
	}()

	if err := e.markRunning(ctx, input); err != nil {
		return nil, err
	}

	root := &Context{engine: e, ctx: runCtx, run: newRunState()}
	out, err := fn(root)

	if err != nil {
		if suspended(runCtx, err) {
			// Parked, not failed: state stays running so the next Run
			// resumes via replay.
			return nil, err
		}
		if rbErr := e.rollback(context.WithoutCancel(ctx), root); rbErr != nil {
			err = rbErr
		}
		e.setTerminal(context.WithoutCancel(ctx), WorkflowFailed, nil, err)
		return nil, err
	}

	e.setTerminal(ctx, WorkflowCompleted, out, nil)
	return out, nil
}

// suspended distinguishes parking (eviction, cancellation, deadline) from a
// genuine workflow failure.
func suspended(ctx context.Context, err error) bool {
	if errs.IsCode(err, errs.CodeWorkflowEvicted) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, context.Cause(ctx))
}

// Evict cancels the in-flight run so the host may hibernate. The workflow
// stays in running state and resumes on the next Run.
func (e *Engine) Evict() {
	e.runMu.Lock()
	cancel := e.cancel
	e.runMu.Unlock()
	if cancel != nil {
		cancel(errs.WorkflowEvicted())
	}
}

// Wake nudges suspended primitives (sleep, listen) to re-check their wake
// condition. Called by the host when an alarm fires.
func (e *Engine) Wake() { e.notify() }

// Running reports whether a run is currently in flight.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// State returns the persisted workflow state.
func (e *Engine) State() WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wfState
}

// InStep reports whether the calling goroutine family is inside a step body.
// The actor context consults it to enforce the state-access guard.
func (e *Engine) InStep() bool { return e.inStep.Load() > 0 }

// GuardViolation marks the workflow poisoned, persists a breadcrumb, and
// returns the guard error. what names the resource that was touched.
func (e *Engine) GuardViolation(ctx context.Context, what string) error {
	e.poisoned.Store(true)
	breadcrumb, err := marshalRecord(map[string]any{
		"what": what,
		"at":   time.Now().UnixMilli(),
	})
	if err == nil {
		if sErr := e.store.Set(ctx, keys.Meta(keys.MetaGuardBreadcrumb), breadcrumb); sErr != nil {
			e.logger.WithError(sErr).Warn("failed to persist guard breadcrumb")
		}
	}
	return errs.WorkflowStateAccessOutsideStep(what)
}

// Poisoned reports whether a determinism violation was observed.
func (e *Engine) Poisoned() bool { return e.poisoned.Load() }

func (e *Engine) markRunning(ctx context.Context, input json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wfState == WorkflowRunning {
		return nil
	}
	e.wfState = WorkflowRunning
	var puts []kv.Entry
	stateRec, err := marshalRecord(string(WorkflowRunning))
	if err != nil {
		return err
	}
	puts = append(puts, kv.Entry{Key: keys.Meta(keys.MetaState), Value: stateRec})
	if input != nil && e.wfInput == nil {
		e.wfInput = input
		inputRec, err := marshalRecord(input)
		if err != nil {
			return err
		}
		puts = append(puts, kv.Entry{Key: keys.Meta(keys.MetaInput), Value: inputRec})
	}
	return e.flushLocked(ctx, puts, nil)
}

func (e *Engine) setTerminal(ctx context.Context, state WorkflowState, output json.RawMessage, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wfState = state
	var puts []kv.Entry
	stateRec, err := marshalRecord(string(state))
	if err != nil {
		e.logger.WithError(err).Error("failed to encode workflow state")
		return
	}
	puts = append(puts, kv.Entry{Key: keys.Meta(keys.MetaState), Value: stateRec})
	if output != nil {
		e.wfOutput = output
		if rec, err := marshalRecord(output); err == nil {
			puts = append(puts, kv.Entry{Key: keys.Meta(keys.MetaOutput), Value: rec})
		}
	}
	if cause != nil {
		e.wfError = cause.Error()
		if rec, err := marshalRecord(cause.Error()); err == nil {
			puts = append(puts, kv.Entry{Key: keys.Meta(keys.MetaError), Value: rec})
		}
	}
	if err := e.flushLocked(ctx, puts, nil); err != nil {
		e.logger.WithError(err).Error("failed to persist workflow terminal state")
	}
}

// intern returns the registry index of name, appending it on first use.
// Indices are never reused.
func (e *Engine) intern(ctx context.Context, name string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.nameIdx[name]; ok {
		return idx, nil
	}
	idx := uint64(len(e.names))
	rec, err := marshalRecord(name)
	if err != nil {
		return 0, err
	}
	if err := e.store.Set(ctx, keys.Name(idx), rec); err != nil {
		return 0, fmt.Errorf("workflow: persist name: %w", err)
	}
	e.names = append(e.names, name)
	e.nameIdx[name] = idx
	return idx, nil
}

// lookup returns the entry and metadata at path, or nils.
func (e *Engine) lookup(path keys.Path) (*Entry, *EntryMetadata) {
	key := string(keys.History(path))
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[key], e.metadata[key]
}

// persistEntry writes an entry and its metadata atomically, together with any
// extra puts/deletes (message consumption rides along here so that recording
// a listen and deleting its message is one batch). Fires the history hook.
func (e *Engine) persistEntry(ctx context.Context, entry *Entry, meta *EntryMetadata, extraPuts []kv.Entry, deletes [][]byte) error {
	histKey := keys.History(entry.Location)
	entryRec, err := marshalRecord(entry)
	if err != nil {
		return err
	}
	metaRec, err := marshalRecord(meta)
	if err != nil {
		return err
	}
	puts := append([]kv.Entry{
		{Key: histKey, Value: entryRec},
		{Key: keys.EntryMeta(entry.Location), Value: metaRec},
	}, extraPuts...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(ctx, puts, deletes); err != nil {
		return err
	}
	e.entries[string(histKey)] = entry
	e.metadata[string(histKey)] = meta
	return nil
}

// flushLocked performs one atomic batch and fires the history-updated hook.
func (e *Engine) flushLocked(ctx context.Context, puts []kv.Entry, deletes [][]byte) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	if err := e.store.Batch(ctx, puts, deletes); err != nil {
		return fmt.Errorf("workflow: flush: %w", err)
	}
	if e.historyUpdated != nil {
		go e.historyUpdated()
	}
	return nil
}

func (e *Engine) wakeChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wake
}

func (e *Engine) notify() {
	e.mu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.mu.Unlock()
}

// AddMessage is the external ingress: it durably appends a message to the
// workflow's queue and wakes any pending listen.
func (e *Engine) AddMessage(ctx context.Context, name string, data json.RawMessage) (uuid.UUID, error) {
	if err := e.Load(ctx); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	msg := Message{ID: id, Name: name, Data: data, SentAt: time.Now()}
	rec, err := marshalRecord(&msg)
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.store.Set(ctx, keys.Message(id), rec); err != nil {
		return uuid.Nil, fmt.Errorf("workflow: append message: %w", err)
	}
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	e.notify()
	return id, nil
}

// PeekMessages is a non-consuming debug view of the queue, in send order.
func (e *Engine) PeekMessages(names []string, limit int) []Message {
	match := func(n string) bool {
		if len(names) == 0 {
			return true
		}
		for _, want := range names {
			if n == want {
				return true
			}
		}
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Message
	for _, m := range e.msgs {
		if !match(m.Name) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// takeMessages removes up to n in-memory messages matching any of names and
// returns them along with their kv keys. The caller must include the keys as
// deletes in the batch that records the consuming entry; until that batch
// commits, a crash redelivers the messages (at-least-once).
func (e *Engine) takeMessages(names []string, n int) ([]Message, [][]byte) {
	match := func(name string) bool {
		for _, want := range names {
			if name == want {
				return true
			}
		}
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var (
		taken   []Message
		deletes [][]byte
		rest    []Message
	)
	for _, m := range e.msgs {
		if len(taken) < n && match(m.Name) {
			taken = append(taken, m)
			deletes = append(deletes, keys.Message(m.ID))
			continue
		}
		rest = append(rest, m)
	}
	e.msgs = rest
	return taken, deletes
}

// requeueMessages puts messages back at their original queue positions after
// a failed consume. Key order restores FIFO.
func (e *Engine) requeueMessages(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	e.msgs = append(e.msgs, msgs...)
	sortMessages(e.msgs)
	e.mu.Unlock()
}
