package workflow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-dev/rivetkit-go/keys"
)

// Context is the handle user workflow code sees. Every side effect goes
// through one of its primitives; each primitive derives a stable Path from
// the enclosing scope plus the user-chosen name, consults history, and either
// replays the recorded result or executes once and records it.
type Context struct {
	engine *Engine
	ctx    context.Context
	path   keys.Path
	run    *runState
}

// runState is shared by all contexts of one run.
type runState struct {
	mu           sync.Mutex
	compensators map[string]func(ctx context.Context) error
}

func newRunState() *runState {
	return &runState{compensators: make(map[string]func(ctx context.Context) error)}
}

func (r *runState) register(path keys.Path, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensators[string(keys.History(path))] = fn
}

func (r *runState) compensator(histKey string) func(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compensators[histKey]
}

// Ctx exposes the run's cancellation context. Step bodies should derive I/O
// deadlines from it.
func (c *Context) Ctx() context.Context { return c.ctx }

// child builds the context for a nested scope.
func (c *Context) child(path keys.Path, ctx context.Context) *Context {
	return &Context{engine: c.engine, ctx: ctx, path: path, run: c.run}
}

// enter interns name and resolves the scope path plus any recorded entry.
func (c *Context) enter(name string) (keys.Path, *Entry, *EntryMetadata, error) {
	idx, err := c.engine.intern(c.ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	path := c.path.Child(idx)
	entry, meta := c.engine.lookup(path)
	return path, entry, meta, nil
}

func alarmID(path keys.Path) string {
	return "wf:" + hex.EncodeToString(keys.History(path))
}

// StepFunc is the body of a step. It is the only place workflow code may
// perform I/O, read the clock, or touch actor state.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// StepOption tunes one step.
type StepOption func(*stepOptions)

type stepOptions struct {
	maxAttempts int
	rollback    func(ctx context.Context) error
}

// WithMaxAttempts overrides the retry budget for one step.
func WithStepMaxAttempts(n int) StepOption {
	return func(o *stepOptions) { o.maxAttempts = n }
}

// WithRollback binds a compensator invoked in reverse order when the workflow
// rolls back past this step.
func WithRollback(fn func(ctx context.Context) error) StepOption {
	return func(o *stepOptions) { o.rollback = fn }
}

// Step executes f once, records its output, and replays the recorded output
// on subsequent passes. Failing steps are retried with backoff up to the
// attempt budget; exhaustion fails the workflow.
func (c *Context) Step(name string, f StepFunc, opts ...StepOption) (json.RawMessage, error) {
	o := stepOptions{maxAttempts: c.engine.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	path, entry, meta, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	if o.rollback != nil {
		c.run.register(path, o.rollback)
	}

	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Step == nil {
			return nil, fmt.Errorf("workflow: entry %s replayed as %s, expected step", path, entry.Kind.Type())
		}
		if meta.Status == StatusExhausted {
			return nil, fmt.Errorf("step %q: %s", name, entry.Kind.Step.Error)
		}
		return entry.Kind.Step.Output, nil
	}

	if entry == nil {
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Step: &StepEntry{}}}
	}
	if meta == nil {
		meta = &EntryMetadata{Status: StatusPending, CreatedAt: time.Now()}
	}

	var lastErr error
	for meta.Attempts < o.maxAttempts {
		meta.Attempts++
		meta.Status = StatusRunning
		meta.LastAttemptAt = time.Now()
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return nil, err
		}

		c.engine.inStep.Add(1)
		out, err := f(c.ctx)
		c.engine.inStep.Add(-1)

		if err == nil {
			now := time.Now()
			entry.Kind.Step.Output = out
			meta.Status = StatusCompleted
			meta.Error = ""
			meta.CompletedAt = &now
			if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
				return nil, err
			}
			return out, nil
		}
		if suspended(c.ctx, err) {
			// Parked mid-step; the attempt is retried on resume.
			meta.Attempts--
			return nil, err
		}

		lastErr = err
		meta.Status = StatusFailed
		meta.Error = err.Error()
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return nil, err
		}
		if meta.Attempts < o.maxAttempts {
			if err := c.retryDelay(meta.Attempts); err != nil {
				return nil, err
			}
		}
	}

	entry.Kind.Step.Error = lastErr.Error()
	meta.Status = StatusExhausted
	if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("step %q exhausted after %d attempts: %w", name, o.maxAttempts, lastErr)
}

// retryDelay waits out the exponential backoff between step attempts.
func (c *Context) retryDelay(attempt int) error {
	d := 100 * time.Millisecond << uint(attempt-1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case <-t.C:
		return nil
	}
}

// LoopResult controls loop continuation.
type LoopResult struct {
	brk    bool
	output json.RawMessage
	state  json.RawMessage
}

// Continue carries state into the next iteration.
func Continue(state json.RawMessage) LoopResult { return LoopResult{state: state} }

// Break terminates the loop with an output.
func Break(output json.RawMessage) LoopResult { return LoopResult{brk: true, output: output} }

// LoopFunc is one loop iteration. Its context scopes nested primitives under
// the iteration marker, so each iteration has its own history namespace.
type LoopFunc func(c *Context, state json.RawMessage, iteration uint64) (LoopResult, error)

// Loop runs f repeatedly, persisting carried state per iteration, until it
// breaks. Completed loops replay their recorded output.
func (c *Context) Loop(name string, initial json.RawMessage, f LoopFunc) (json.RawMessage, error) {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	idx := path[len(path)-1].Name

	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Loop == nil {
			return nil, fmt.Errorf("workflow: entry %s replayed as %s, expected loop", path, entry.Kind.Type())
		}
		return entry.Kind.Loop.Output, nil
	}

	state := initial
	var iteration uint64
	if entry != nil && entry.Kind.Loop != nil {
		state = entry.Kind.Loop.State
		iteration = entry.Kind.Loop.Iteration
	} else {
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Loop: &LoopEntry{State: state}}}
	}
	if meta == nil {
		meta = &EntryMetadata{Status: StatusRunning, CreatedAt: time.Now()}
	}
	meta.Status = StatusRunning

	for {
		iterScope := c.child(path.Iteration(idx, iteration), c.ctx)
		res, err := f(iterScope, state, iteration)
		if err != nil {
			return nil, fmt.Errorf("loop %q iteration %d: %w", name, iteration, err)
		}
		if res.brk {
			now := time.Now()
			entry.Kind.Loop.Output = res.output
			meta.Status = StatusCompleted
			meta.CompletedAt = &now
			if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
				return nil, err
			}
			return res.output, nil
		}
		state = res.state
		iteration++
		entry.Kind.Loop.State = state
		entry.Kind.Loop.Iteration = iteration
		meta.LastAttemptAt = time.Now()
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return nil, err
		}
	}
}

// Sleep suspends the workflow for d. The deadline is persisted on first
// entry, so the total wall-clock bound holds across crashes.
func (c *Context) Sleep(name string, d time.Duration) error {
	return c.sleep(name, time.Now().Add(d))
}

// SleepUntil suspends the workflow until the given wall-clock time.
func (c *Context) SleepUntil(name string, at time.Time) error {
	return c.sleep(name, at)
}

func (c *Context) sleep(name string, at time.Time) error {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return err
	}
	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Sleep == nil {
			return fmt.Errorf("workflow: entry %s replayed as %s, expected sleep", path, entry.Kind.Type())
		}
		return nil
	}
	if entry == nil {
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Sleep: &SleepEntry{
			DeadlineMs: at.UnixMilli(),
			State:      SleepPending,
		}}}
		meta = &EntryMetadata{Status: StatusRunning, CreatedAt: time.Now()}
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return err
		}
	}
	deadline := time.UnixMilli(entry.Kind.Sleep.DeadlineMs)
	poll := c.engine.store.WorkerPollInterval()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			now := time.Now()
			entry.Kind.Sleep.State = SleepCompleted
			meta.Status = StatusCompleted
			meta.CompletedAt = &now
			if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
				return err
			}
			if cErr := c.engine.store.ClearAlarm(c.ctx, alarmID(path)); cErr != nil {
				c.engine.logger.WithError(cErr).Warn("failed to clear sleep alarm")
			}
			return nil
		}
		if remaining > poll {
			// Long sleep: arm a durable alarm so the actor may hibernate
			// and still wake on time.
			if err := c.engine.store.SetAlarm(c.ctx, alarmID(path), deadline); err != nil {
				return err
			}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return context.Cause(c.ctx)
		case <-timer.C:
		case <-c.engine.wakeChan():
			timer.Stop()
		}
	}
}

// Listen consumes one message with the given name, blocking until it arrives.
func (c *Context) Listen(name, msgName string) (json.RawMessage, error) {
	msgs, err := c.listen(name, []string{msgName}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0].Data, nil
}

// ListenWithTimeout is Listen with a deadline; it resolves to nil when no
// matching message arrives in time.
func (c *Context) ListenWithTimeout(name, msgName string, d time.Duration) (json.RawMessage, error) {
	msgs, err := c.listen(name, []string{msgName}, 1, d)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0].Data, nil
}

// ListenUntil is ListenWithTimeout with an absolute deadline.
func (c *Context) ListenUntil(name, msgName string, at time.Time) (json.RawMessage, error) {
	return c.ListenWithTimeout(name, msgName, time.Until(at))
}

// ListenN consumes up to n messages matching any of msgNames, resolving once
// n arrived or the deadline passed (d == 0 means no deadline).
func (c *Context) ListenN(name string, msgNames []string, n int, d time.Duration) ([]Message, error) {
	return c.listen(name, msgNames, n, d)
}

func (c *Context) listen(name string, msgNames []string, n int, timeout time.Duration) ([]Message, error) {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Message == nil {
			return nil, fmt.Errorf("workflow: entry %s replayed as %s, expected message", path, entry.Kind.Type())
		}
		return decodeListenRecord(entry.Kind.Message)
	}

	// Persist the deadline on first entry so replay sees the same one.
	if entry == nil {
		var deadlineMs int64
		if timeout > 0 {
			deadlineMs = time.Now().Add(timeout).UnixMilli()
		}
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Message: &MessageEntry{
			DeadlineMs: deadlineMs,
		}}}
		meta = &EntryMetadata{Status: StatusRunning, CreatedAt: time.Now()}
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return nil, err
		}
	}
	var deadline time.Time
	if ms := entry.Kind.Message.DeadlineMs; ms > 0 {
		deadline = time.UnixMilli(ms)
	}
	poll := c.engine.store.WorkerPollInterval()

	var collected []Message
	var deletes [][]byte
	finish := func() ([]Message, error) {
		now := time.Now()
		fillListenRecord(entry.Kind.Message, collected)
		meta.Status = StatusCompleted
		meta.CompletedAt = &now
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, deletes); err != nil {
			c.engine.requeueMessages(collected)
			return nil, err
		}
		if cErr := c.engine.store.ClearAlarm(c.ctx, alarmID(path)); cErr != nil {
			c.engine.logger.WithError(cErr).Warn("failed to clear listen alarm")
		}
		return collected, nil
	}

	for {
		taken, takenKeys := c.engine.takeMessages(msgNames, n-len(collected))
		collected = append(collected, taken...)
		deletes = append(deletes, takenKeys...)
		if len(collected) >= n {
			return finish()
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return finish()
			}
			if remaining > poll {
				if err := c.engine.store.SetAlarm(c.ctx, alarmID(path), deadline); err != nil {
					c.engine.requeueMessages(collected)
					return nil, err
				}
			}
			timer = time.NewTimer(remaining)
			timerC = timer.C
		}
		select {
		case <-c.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.engine.requeueMessages(collected)
			return nil, context.Cause(c.ctx)
		case <-timerC:
		case <-c.engine.wakeChan():
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// fillListenRecord encodes consumed messages into the entry payload: a single
// message is stored directly, batches as a JSON array, a timeout as null.
func fillListenRecord(rec *MessageEntry, msgs []Message) {
	switch len(msgs) {
	case 0:
	case 1:
		rec.Name = msgs[0].Name
		rec.Data = msgs[0].Data
	default:
		rec.Name = msgs[0].Name
		if raw, err := json.Marshal(msgs); err == nil {
			rec.Batch = raw
		}
	}
}

func decodeListenRecord(rec *MessageEntry) ([]Message, error) {
	if rec.Batch != nil {
		var msgs []Message
		if err := json.Unmarshal(rec.Batch, &msgs); err != nil {
			return nil, fmt.Errorf("workflow: decode listen batch: %w", err)
		}
		return msgs, nil
	}
	if rec.Name == "" && rec.Data == nil {
		return nil, nil
	}
	return []Message{{Name: rec.Name, Data: rec.Data}}, nil
}

// RollbackCheckpoint records a marker bounding how far a later rollback
// walks. Always succeeds.
func (c *Context) RollbackCheckpoint(name string) error {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return err
	}
	if entry != nil && meta != nil && meta.Status.terminal() {
		return nil
	}
	now := time.Now()
	entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{
		RollbackCheckpoint: &RollbackCheckpointEntry{Name: name},
	}}
	meta = &EntryMetadata{Status: StatusCompleted, CreatedAt: now, CompletedAt: &now}
	return c.engine.persistEntry(c.ctx, entry, meta, nil, nil)
}

// Removed tombstones a retired entry name so future replays do not expect it.
func (c *Context) Removed(name string, originalType EntryType) error {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return err
	}
	if entry != nil && entry.Kind.Removed != nil && meta != nil && meta.Status.terminal() {
		return nil
	}
	id := uuid.New()
	if entry != nil {
		id = entry.ID
	}
	now := time.Now()
	entry = &Entry{ID: id, Location: path, Kind: EntryKind{
		Removed: &RemovedEntry{OriginalType: originalType, OriginalName: name},
	}}
	meta = &EntryMetadata{Status: StatusCompleted, CreatedAt: now, CompletedAt: &now}
	return c.engine.persistEntry(c.ctx, entry, meta, nil, nil)
}

// Send enqueues a message into the workflow's own queue. Call it inside a
// step when exactly-once matters: a bare Send re-executes on replay.
func (c *Context) Send(name string, data json.RawMessage) error {
	_, err := c.engine.AddMessage(c.ctx, name, data)
	return err
}

// PeekMessages is a non-consuming view of the queue.
func (c *Context) PeekMessages(names []string, limit int) []Message {
	return c.engine.PeekMessages(names, limit)
}

// Branch is one arm of a Join or Race.
type Branch func(c *Context) (json.RawMessage, error)

// Join runs all branches concurrently and waits for every one. If any branch
// fails, the rest are cancelled and the join fails.
func (c *Context) Join(name string, branches map[string]Branch) (map[string]json.RawMessage, error) {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return nil, err
	}

	// Intern branch names in sorted order so the registry stays
	// deterministic regardless of map iteration order.
	branchNames := make([]string, 0, len(branches))
	for bn := range branches {
		branchNames = append(branchNames, bn)
	}
	sort.Strings(branchNames)
	branchIdx := make(map[string]uint64, len(branchNames))
	for _, bn := range branchNames {
		idx, err := c.engine.intern(c.ctx, bn)
		if err != nil {
			return nil, err
		}
		branchIdx[bn] = idx
	}

	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Join == nil {
			return nil, fmt.Errorf("workflow: entry %s replayed as %s, expected join", path, entry.Kind.Type())
		}
		// Branch sub-entries are cached; re-running them is pure replay.
		results := make(map[string]json.RawMessage, len(branches))
		for _, bn := range branchNames {
			out, err := branches[bn](c.child(path.Child(branchIdx[bn]), c.ctx))
			if err != nil {
				return nil, err
			}
			results[bn] = out
		}
		return results, nil
	}

	if entry == nil {
		statuses := make(map[string]BranchStatus, len(branches))
		for _, bn := range branchNames {
			statuses[bn] = BranchPending
		}
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Join: &JoinEntry{Branches: statuses}}}
		meta = &EntryMetadata{Status: StatusRunning, CreatedAt: time.Now()}
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return nil, err
		}
	}

	branchCtx, cancelBranches := context.WithCancelCause(c.ctx)
	defer cancelBranches(nil)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		results  = make(map[string]json.RawMessage, len(branches))
	)
	for _, bn := range branchNames {
		bn := bn
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := branches[bn](c.child(path.Child(branchIdx[bn]), branchCtx))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if entry.Kind.Join.Branches[bn] == BranchPending {
					entry.Kind.Join.Branches[bn] = BranchFailed
				}
				if firstErr == nil {
					firstErr = fmt.Errorf("join %q branch %q: %w", name, bn, err)
					cancelBranches(firstErr)
					for _, other := range branchNames {
						if other != bn && entry.Kind.Join.Branches[other] == BranchPending {
							entry.Kind.Join.Branches[other] = BranchCancelled
						}
					}
				}
				return
			}
			entry.Kind.Join.Branches[bn] = BranchCompleted
			results[bn] = out
		}()
	}
	wg.Wait()

	if firstErr != nil {
		if suspended(c.ctx, firstErr) {
			return nil, firstErr
		}
		meta.Status = StatusFailed
		meta.Error = firstErr.Error()
		if pErr := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); pErr != nil {
			return nil, pErr
		}
		return nil, firstErr
	}

	now := time.Now()
	meta.Status = StatusCompleted
	meta.CompletedAt = &now
	if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
		return nil, err
	}
	return results, nil
}

// NamedBranch pairs a race branch with its name.
type NamedBranch struct {
	Name string
	Fn   Branch
}

// Race runs all branches concurrently; the first to complete wins and the
// rest are cancelled. The winner and its output are recorded.
func (c *Context) Race(name string, branches []NamedBranch) (string, json.RawMessage, error) {
	path, entry, meta, err := c.enter(name)
	if err != nil {
		return "", nil, err
	}
	branchIdx := make(map[string]uint64, len(branches))
	for _, b := range branches {
		idx, err := c.engine.intern(c.ctx, b.Name)
		if err != nil {
			return "", nil, err
		}
		branchIdx[b.Name] = idx
	}

	if entry != nil && meta != nil && meta.Status.terminal() {
		if entry.Kind.Race == nil {
			return "", nil, fmt.Errorf("workflow: entry %s replayed as %s, expected race", path, entry.Kind.Type())
		}
		return entry.Kind.Race.Winner, entry.Kind.Race.Output, nil
	}

	if entry == nil {
		statuses := make(map[string]BranchStatus, len(branches))
		for _, b := range branches {
			statuses[b.Name] = BranchPending
		}
		entry = &Entry{ID: uuid.New(), Location: path, Kind: EntryKind{Race: &RaceEntry{Branches: statuses}}}
		meta = &EntryMetadata{Status: StatusRunning, CreatedAt: time.Now()}
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return "", nil, err
		}
	}

	type outcome struct {
		name string
		out  json.RawMessage
		err  error
	}
	branchCtx, cancelBranches := context.WithCancelCause(c.ctx)
	defer cancelBranches(nil)

	resultCh := make(chan outcome, len(branches))
	for _, b := range branches {
		b := b
		go func() {
			out, err := b.Fn(c.child(path.Child(branchIdx[b.Name]), branchCtx))
			resultCh <- outcome{name: b.Name, out: out, err: err}
		}()
	}

	var firstErr error
	for range branches {
		res := <-resultCh
		if res.err != nil {
			if suspended(c.ctx, res.err) {
				return "", nil, res.err
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("race %q branch %q: %w", name, res.name, res.err)
			}
			entry.Kind.Race.Branches[res.name] = BranchFailed
			continue
		}

		// Winner: cancel the rest and record.
		cancelBranches(fmt.Errorf("race %q lost to %q", name, res.name))
		now := time.Now()
		entry.Kind.Race.Winner = res.name
		entry.Kind.Race.Output = res.out
		entry.Kind.Race.Branches[res.name] = BranchCompleted
		for bn, st := range entry.Kind.Race.Branches {
			if bn != res.name && st == BranchPending {
				entry.Kind.Race.Branches[bn] = BranchCancelled
			}
		}
		meta.Status = StatusCompleted
		meta.CompletedAt = &now
		if err := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); err != nil {
			return "", nil, err
		}
		return res.name, res.out, nil
	}

	// Every branch failed.
	meta.Status = StatusFailed
	meta.Error = firstErr.Error()
	if pErr := c.engine.persistEntry(c.ctx, entry, meta, nil, nil); pErr != nil {
		return "", nil, pErr
	}
	return "", nil, firstErr
}
