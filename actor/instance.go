package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/state"
	"github.com/rivet-dev/rivetkit-go/tracing"
	"github.com/rivet-dev/rivetkit-go/wire"
	"github.com/rivet-dev/rivetkit-go/workflow"
)

// Options are the per-host runtime limits.
type Options struct {
	ActionTimeout        time.Duration
	HibernationIdle      time.Duration
	SendQueueCap         int
	MaxHibernatableConns int
	MaxIncomingBytes     int
	MaxOutgoingBytes     int
	// TraceEnabled records action spans into a per-actor trace namespace.
	TraceEnabled bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ActionTimeout:        15 * time.Second,
		HibernationIdle:      30 * time.Second,
		SendQueueCap:         256,
		MaxHibernatableConns: 128,
		MaxIncomingBytes:     1 << 20,
		MaxOutgoingBytes:     4 << 20,
	}
}

// task is one unit of mailbox work.
type task struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Instance is one live actor: the single logical execution agent serializing
// every state-touching operation through its mailbox.
type Instance struct {
	ID  string
	def *Definition

	store   kv.Driver
	wfStore kv.Driver
	state   *state.Store
	conns   *ConnManager
	queues  *Queues
	engine  *workflow.Engine
	client  ActorClient
	tracer  *tracing.Sink
	opts    Options
	logger  *logrus.Entry

	mailbox  chan *task
	stopOnce sync.Once
	stopped  chan struct{}
	stopping atomic.Bool
	inFlight atomic.Int32
	lastBusy atomic.Int64

	vars sync.Map

	runMu   sync.Mutex
	runDone chan struct{}

	// scheduleMu guards the persisted schedule records.
	scheduleMu sync.Mutex
	nextWake   atomic.Int64
}

// NewInstance builds an actor instance over its two namespaces: the actor
// namespace and, for workflow-hosting definitions, an exclusive workflow
// namespace.
func NewInstance(id string, def *Definition, store, wfStore kv.Driver, client ActorClient, opts Options, logger *logrus.Entry) *Instance {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{"actor": id, "definition": def.Name})
	inst := &Instance{
		ID:      id,
		def:     def,
		store:   store,
		wfStore: wfStore,
		state:   state.NewStore(store, logger),
		conns:   newConnManager(store, logger, opts.SendQueueCap, opts.MaxHibernatableConns, opts.MaxOutgoingBytes),
		queues:  newQueues(store, def.Queues, logger),
		client:  client,
		opts:    opts,
		logger:  logger,
		mailbox: make(chan *task, 64),
		stopped: make(chan struct{}),
	}
	if def.Workflow != nil {
		inst.engine = workflow.New(wfStore, workflow.WithLogger(logger))
	}
	inst.markBusy()
	return inst
}

func (i *Instance) markBusy() { i.lastBusy.Store(time.Now().UnixMilli()) }

// SetTracer attaches an optional span sink. Must be called before Start.
func (i *Instance) SetTracer(sink *tracing.Sink) { i.tracer = sink }

// Tracer returns the attached span sink, or nil.
func (i *Instance) Tracer() *tracing.Sink { return i.tracer }

// Start loads state, restores hibernatable connections, runs OnStart, and
// launches the mailbox and run loop.
func (i *Instance) Start(ctx context.Context, input json.RawMessage) error {
	err := i.state.Load(ctx, func() (json.RawMessage, error) {
		if i.def.CreateState == nil {
			return nil, nil
		}
		return i.def.CreateState(input)
	})
	if err != nil {
		return err
	}
	if err := i.conns.load(ctx); err != nil {
		return fmt.Errorf("actor %s: load connections: %w", i.ID, err)
	}

	go i.loop()

	if i.def.OnStart != nil {
		if err := i.perform(ctx, func(ctx context.Context) {
			if hErr := i.def.OnStart(i.newContext(ctx, nil)); hErr != nil {
				err = hErr
			}
		}); err != nil {
			return err
		}
		if err != nil {
			return fmt.Errorf("actor %s: onStart: %w", i.ID, err)
		}
	}

	i.startRun(input)
	return nil
}

// loop is the mailbox goroutine. Tasks run one at a time in arrival order.
func (i *Instance) loop() {
	for {
		select {
		case t := <-i.mailbox:
			t.fn(context.Background())
			close(t.done)
		case <-i.stopped:
			// Drain what is already queued so callers unblock.
			for {
				select {
				case t := <-i.mailbox:
					t.fn(context.Background())
					close(t.done)
				default:
					return
				}
			}
		}
	}
}

// perform enqueues fn on the mailbox and waits for it to run. The supplied
// ctx bounds the wait, not the execution.
func (i *Instance) perform(ctx context.Context, fn func(ctx context.Context)) error {
	t := &task{done: make(chan struct{})}
	t.fn = func(context.Context) { fn(ctx) }
	select {
	case i.mailbox <- t:
	case <-i.stopped:
		return errs.ActorStopping()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) newContext(ctx context.Context, conn *Conn) *Context {
	return &Context{inst: i, ctx: ctx, conn: conn}
}

// InvokeAction executes a named action through the mailbox with the
// configured deadline. conn may be nil for HTTP one-shots.
func (i *Instance) InvokeAction(ctx context.Context, conn *Conn, name string, args json.RawMessage) (json.RawMessage, error) {
	if i.stopping.Load() {
		return nil, errs.ActorStopping()
	}
	if !i.state.Healthy() {
		return nil, errs.StorageUnavailable(nil)
	}
	action, ok := i.def.Actions[name]
	if !ok {
		return nil, errs.ActionNotFound(name)
	}
	if i.def.CanInvoke != nil && conn != nil {
		allowed := i.def.CanInvoke(i.newContext(ctx, conn), conn, Invoke{Kind: InvokeAction, Name: name})
		if !allowed {
			return nil, errs.Forbidden("action " + name)
		}
	}

	actionCtx, cancel := context.WithTimeout(ctx, i.opts.ActionTimeout)
	defer cancel()
	if conn != nil {
		// Disconnect cancels in-flight actions owned by that connection.
		go func() {
			select {
			case <-conn.closed:
				cancel()
			case <-actionCtx.Done():
			}
		}()
	}

	i.inFlight.Add(1)
	defer func() {
		i.inFlight.Add(-1)
		i.markBusy()
	}()

	var spanID string
	if i.tracer != nil {
		spanID, _ = i.tracer.StartSpan(ctx, "action."+name, "", map[string]string{"actor": i.ID})
	}

	var (
		output json.RawMessage
		aErr   error
	)
	err := i.perform(actionCtx, func(ctx context.Context) {
		output, aErr = action(i.newContext(ctx, conn), args)
		if aErr == nil {
			aErr = i.state.Flush(ctx)
		}
	})
	if err == nil {
		err = aErr
	}
	if i.tracer != nil && spanID != "" {
		status := "ok"
		if err != nil {
			status = errs.From(err).Code
		}
		_ = i.tracer.EndSpan(ctx, spanID, status)
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// Subscribe updates a connection's subscription set, consulting CanInvoke.
func (i *Instance) Subscribe(ctx context.Context, conn *Conn, event string, subscribe bool) error {
	if subscribe && i.def.CanInvoke != nil {
		allowed := i.def.CanInvoke(i.newContext(ctx, conn), conn, Invoke{Kind: InvokeSubscribe, Name: event})
		if !allowed {
			return errs.Forbidden("subscribe " + event)
		}
	}
	return i.perform(ctx, func(context.Context) {
		if subscribe {
			conn.Subscribe(event)
		} else {
			conn.Unsubscribe(event)
		}
	})
}

// Broadcast fans an event out to subscribed connections, serialized through
// the mailbox so event order matches state mutation order.
func (i *Instance) Broadcast(ctx context.Context, event string, args json.RawMessage) error {
	if !i.def.eventDeclared(event) {
		return errs.InvalidRequest("undeclared event " + event)
	}
	return i.perform(ctx, func(ctx context.Context) {
		i.conns.broadcast(ctx, event, args)
	})
}

// Connect authenticates and registers an inbound connection: runs
// OnBeforeConnect, attaches (or reattaches a hibernatable transport), emits
// Init, and fires OnConnect for genuinely new connections.
func (i *Instance) Connect(ctx context.Context, requestID string, params json.RawMessage, enc wire.Encoding, transport Transport) (*Conn, error) {
	if i.stopping.Load() {
		return nil, errs.ActorStopping()
	}
	if i.def.OnBeforeConnect != nil {
		var hookErr error
		if err := i.perform(ctx, func(ctx context.Context) {
			hookErr = i.def.OnBeforeConnect(i.newContext(ctx, nil), params)
		}); err != nil {
			return nil, err
		}
		if hookErr != nil {
			return nil, errs.Forbidden(hookErr.Error())
		}
	}

	conn, reattached, err := i.conns.attach(ctx, requestID, params, enc, transport)
	if err != nil {
		return nil, err
	}
	i.markBusy()

	init := &wire.ToClient{Body: wire.ToClientBody{Init: &wire.Init{
		ActorID:      i.ID,
		ConnectionID: conn.ID.String(),
	}}}
	if err := conn.EnqueueFrame(init, i.opts.MaxOutgoingBytes); err != nil {
		_ = i.conns.disconnect(ctx, conn, "init backpressure")
		return nil, err
	}

	if !reattached && i.def.OnConnect != nil {
		if err := i.perform(ctx, func(ctx context.Context) {
			if hErr := i.def.OnConnect(i.newContext(ctx, conn), conn); hErr != nil {
				i.logger.WithError(hErr).Warn("onConnect hook failed")
			}
		}); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// Disconnect runs the close handshake and the OnDisconnect hook.
func (i *Instance) Disconnect(ctx context.Context, conn *Conn, reason string) error {
	err := i.conns.disconnect(ctx, conn, reason)
	if i.def.OnDisconnect != nil {
		_ = i.perform(ctx, func(ctx context.Context) {
			i.def.OnDisconnect(i.newContext(ctx, conn), conn)
		})
	}
	i.markBusy()
	return err
}

// Conns exposes the connection manager to transports and tests.
func (i *Instance) Conns() *ConnManager { return i.conns }

// Queues exposes the durable queue set.
func (i *Instance) Queues() *Queues { return i.queues }

// Engine exposes the hosted workflow engine, or nil.
func (i *Instance) Engine() *workflow.Engine { return i.engine }

// startRun launches the run loop or hosted workflow.
func (i *Instance) startRun(input json.RawMessage) {
	if i.def.Run == nil && i.def.Workflow == nil {
		return
	}
	i.runMu.Lock()
	if i.runDone != nil {
		i.runMu.Unlock()
		return
	}
	done := make(chan struct{})
	i.runDone = done
	i.runMu.Unlock()

	go func() {
		defer close(done)
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-i.stopped
			cancel()
		}()

		switch {
		case i.def.Workflow != nil:
			wfActorCtx := &Context{inst: i, ctx: runCtx, wfDriver: true}
			_, err := i.engine.Run(runCtx, func(wc *workflow.Context) (json.RawMessage, error) {
				return i.def.Workflow(wc, wfActorCtx)
			}, input)
			if err != nil && !errs.IsCode(err, errs.CodeWorkflowEvicted) {
				i.logger.WithError(err).Warn("workflow run ended")
			}
		case i.def.Run != nil:
			if err := i.def.Run(i.newContext(runCtx, nil)); err != nil && runCtx.Err() == nil {
				i.logger.WithError(err).Warn("run loop ended")
			}
		}
	}()
}

// scheduleRecord is the persisted form of one named wake-up.
type scheduleRecord struct {
	Name   string `json:"name"`
	WakeAt int64  `json:"wakeAt"`
}

// ScheduleAfter arms a named durable wake-up after d.
func (i *Instance) ScheduleAfter(ctx context.Context, d time.Duration, name string) error {
	return i.ScheduleAt(ctx, time.Now().Add(d), name)
}

// ScheduleAt arms a named durable wake-up. The record and alarm survive
// hibernation; firing invokes the matching Schedules handler in mailbox order.
func (i *Instance) ScheduleAt(ctx context.Context, at time.Time, name string) error {
	if _, ok := i.def.Schedules[name]; !ok {
		return errs.InvalidRequest("no schedule handler named " + name)
	}
	rec, err := json.Marshal(scheduleRecord{Name: name, WakeAt: at.UnixMilli()})
	if err != nil {
		return err
	}
	i.scheduleMu.Lock()
	defer i.scheduleMu.Unlock()
	if err := i.store.Set(ctx, keys.ActorSchedule(name), wire.Seal(rec)); err != nil {
		return err
	}
	if err := i.store.SetAlarm(ctx, "sched:"+name, at); err != nil {
		return err
	}
	if next := i.nextWake.Load(); next == 0 || at.UnixMilli() < next {
		i.nextWake.Store(at.UnixMilli())
	}
	return nil
}

// FireScheduled runs the named schedule handler and clears its record. Called
// by the host when the alarm fires.
func (i *Instance) FireScheduled(ctx context.Context, name string) error {
	handler, ok := i.def.Schedules[name]
	if !ok {
		return errs.InvalidRequest("no schedule handler named " + name)
	}
	i.scheduleMu.Lock()
	if err := i.store.Delete(ctx, keys.ActorSchedule(name)); err != nil {
		i.scheduleMu.Unlock()
		return err
	}
	i.nextWake.Store(0)
	i.scheduleMu.Unlock()

	i.markBusy()
	var hErr error
	if err := i.perform(ctx, func(ctx context.Context) {
		hErr = handler(i.newContext(ctx, nil))
		if hErr == nil {
			hErr = i.state.Flush(ctx)
		}
	}); err != nil {
		return err
	}
	return hErr
}

// HandleRaw forwards a raw HTTP request to the definition's raw handler. Raw
// handlers run outside the mailbox.
func (i *Instance) HandleRaw(ctx context.Context, conn *Conn, req *RawRequest) (*RawResponse, error) {
	if i.def.HandleRawRequest == nil {
		return nil, errs.InvalidRequest("actor does not handle raw requests")
	}
	i.markBusy()
	return i.def.HandleRawRequest(ctx, i.newContext(ctx, conn), conn, req)
}

// HandleRawWS forwards a raw websocket to the definition's handler.
func (i *Instance) HandleRawWS(ctx context.Context, conn *Conn, adapter RawWebSocket, req *RawRequest) error {
	if i.def.HandleRawWebSocket == nil {
		return errs.InvalidRequest("actor does not handle raw websockets")
	}
	i.markBusy()
	return i.def.HandleRawWebSocket(ctx, i.newContext(ctx, conn), conn, adapter, req)
}

// Stop shuts the instance down: evicts the workflow, runs OnStop, suspends or
// closes connections, and flushes state. Safe to call more than once.
func (i *Instance) Stop(ctx context.Context) error {
	var err error
	i.stopOnce.Do(func() {
		i.stopping.Store(true)

		if i.engine != nil {
			i.engine.Evict()
		}
		i.runMu.Lock()
		done := i.runDone
		i.runMu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				i.logger.Warn("run loop did not stop within grace period")
			}
		}

		if i.def.OnStop != nil {
			_ = i.perform(ctx, func(ctx context.Context) {
				if hErr := i.def.OnStop(i.newContext(ctx, nil)); hErr != nil {
					i.logger.WithError(hErr).Warn("onStop hook failed")
				}
			})
		}

		if sErr := i.conns.suspendAll(ctx); sErr != nil {
			err = sErr
		}
		if fErr := i.state.Flush(ctx); fErr != nil && err == nil {
			err = fErr
		}
		close(i.stopped)
	})
	return err
}

// Stopped reports whether the instance has shut down.
func (i *Instance) Stopped() bool {
	select {
	case <-i.stopped:
		return true
	default:
		return false
	}
}
