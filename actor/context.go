package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
)

// ActorClient invokes actions on other actors. Cross-actor calls go through
// the same abstraction external clients use, so they never bypass the
// callee's mailbox.
type ActorClient interface {
	Resolve(ctx context.Context, definition string, key []string) (string, error)
	Action(ctx context.Context, actorID, action string, args json.RawMessage) (json.RawMessage, error)
}

// Context is the handle user actor code sees inside actions, hooks, and
// workflow steps. It exposes state, vars, broadcast, the durable queues, the
// user KV area, and cross-actor calls.
type Context struct {
	inst *Instance
	ctx  context.Context
	conn *Conn

	// wfDriver marks contexts handed to workflow driver code, where state
	// access is only legal inside a step body.
	wfDriver bool
}

// Ctx is the cancellation context of the current operation.
func (c *Context) Ctx() context.Context { return c.ctx }

// ActorID returns the hosting actor's id.
func (c *Context) ActorID() string { return c.inst.ID }

// Conn returns the connection that triggered this operation, or nil.
func (c *Context) Conn() *Conn { return c.conn }

// Log returns a logger scoped to this actor.
func (c *Context) Log() *logrus.Entry { return c.inst.logger }

// guard enforces the workflow state-access rule: inside workflow driver code,
// state, vars, client, and the KV area may only be touched from a step body.
func (c *Context) guard(what string) error {
	if c.wfDriver && c.inst.engine != nil && !c.inst.engine.InStep() {
		return c.inst.engine.GuardViolation(c.ctx, what)
	}
	return nil
}

// State returns the current state blob.
func (c *Context) State() (json.RawMessage, error) {
	if err := c.guard("state"); err != nil {
		return nil, err
	}
	return c.inst.state.Get(), nil
}

// SetState replaces the state blob and marks it dirty.
func (c *Context) SetState(next json.RawMessage) error {
	if err := c.guard("state"); err != nil {
		return err
	}
	return c.inst.state.Set(next)
}

// MutateState applies f to the state under the single-writer invariant.
func (c *Context) MutateState(f func(current json.RawMessage) (json.RawMessage, error)) error {
	if err := c.guard("state"); err != nil {
		return err
	}
	return c.inst.state.Mutate(f)
}

// Var returns a per-instance ephemeral value. Vars never persist.
func (c *Context) Var(key string) (any, bool) {
	if err := c.guard("vars"); err != nil {
		return nil, false
	}
	return c.inst.vars.Load(key)
}

// SetVar stores a per-instance ephemeral value.
func (c *Context) SetVar(key string, value any) error {
	if err := c.guard("vars"); err != nil {
		return err
	}
	c.inst.vars.Store(key, value)
	return nil
}

// Broadcast enqueues an Event frame to every connection subscribed to name.
// This context already runs inside the mailbox, so the fan-out happens
// directly; ordering follows from action serialization.
func (c *Context) Broadcast(name string, args json.RawMessage) error {
	if !c.inst.def.eventDeclared(name) {
		return errs.InvalidRequest("undeclared event " + name)
	}
	c.inst.conns.broadcast(c.ctx, name, args)
	return nil
}

// KVGet reads one entry from the actor's user KV area.
func (c *Context) KVGet(key []byte) ([]byte, error) {
	if err := c.guard("kv"); err != nil {
		return nil, err
	}
	return c.inst.store.Get(c.ctx, keys.ActorKV(key))
}

// KVPut writes one entry to the actor's user KV area.
func (c *Context) KVPut(key, value []byte) error {
	if err := c.guard("kv"); err != nil {
		return err
	}
	return c.inst.store.Set(c.ctx, keys.ActorKV(key), value)
}

// KVDelete removes one entry from the actor's user KV area.
func (c *Context) KVDelete(key []byte) error {
	if err := c.guard("kv"); err != nil {
		return err
	}
	return c.inst.store.Delete(c.ctx, keys.ActorKV(key))
}

// Queue returns the actor's durable queue set.
func (c *Context) Queue() *Queues { return c.inst.queues }

// Client returns the cross-actor client.
func (c *Context) Client() (ActorClient, error) {
	if err := c.guard("client"); err != nil {
		return nil, err
	}
	return c.inst.client, nil
}

// ScheduleAfter arms a named durable wake-up after d.
func (c *Context) ScheduleAfter(d time.Duration, name string) error {
	return c.inst.ScheduleAfter(c.ctx, d, name)
}

// ScheduleAt arms a named durable wake-up at an absolute time.
func (c *Context) ScheduleAt(at time.Time, name string) error {
	return c.inst.ScheduleAt(c.ctx, at, name)
}
