// Package actor implements the stateful actor core: definitions, the
// single-writer instance mailbox, connection multiplexing, durable queues,
// hibernation, and the host that owns live instances.
package actor

import (
	"context"
	"encoding/json"

	"github.com/rivet-dev/rivetkit-go/workflow"
)

// ActionFunc is one named action. It runs inside the instance mailbox, so it
// may freely touch state through the context.
type ActionFunc func(c *Context, args json.RawMessage) (json.RawMessage, error)

// WorkflowFunc is a durable workflow hosted as an actor's run loop.
type WorkflowFunc func(wc *workflow.Context, c *Context) (json.RawMessage, error)

// InvokeKind discriminates what a client is trying to invoke.
type InvokeKind string

const (
	InvokeAction    InvokeKind = "action"
	InvokeSubscribe InvokeKind = "subscribe"
)

// Invoke describes one authorization check handed to CanInvoke.
type Invoke struct {
	Kind InvokeKind
	Name string
}

// QueueConfig declares one named queue on a definition.
type QueueConfig struct {
	// Completable queues hand out handles whose Complete resolves a sender
	// waiting with wait=true.
	Completable bool
}

// RawRequest is an inbound raw HTTP request forwarded past the protocol.
type RawRequest struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

// RawResponse is the raw handler's reply.
type RawResponse struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Definition declares an actor type: its action table, declared event and
// queue names, lifecycle hooks, and optional run loop or workflow. All hooks
// are optional and all run serialized through the instance mailbox, except
// the raw handlers.
type Definition struct {
	Name string

	Actions map[string]ActionFunc

	// Events is the finite set of broadcastable event names.
	Events []string

	Queues map[string]QueueConfig

	// CreateState produces the initial state blob on first load.
	CreateState func(input json.RawMessage) (json.RawMessage, error)

	OnStart         func(c *Context) error
	OnBeforeConnect func(c *Context, params json.RawMessage) error
	CanInvoke       func(c *Context, conn *Conn, invoke Invoke) bool
	OnConnect       func(c *Context, conn *Conn) error
	OnDisconnect    func(c *Context, conn *Conn)
	OnStop          func(c *Context) error

	// Run is a long-lived loop started after OnStart. Mutually exclusive
	// with Workflow.
	Run func(c *Context) error

	// Workflow hosts a durable workflow as the actor's run loop; it is
	// resumed under replay semantics after every wake. The actor context is
	// only valid inside step bodies; touching it elsewhere trips the
	// state-access guard.
	Workflow WorkflowFunc

	// Schedules maps alarm names to handlers invoked in mailbox order when
	// a scheduled wake-up fires.
	Schedules map[string]func(c *Context) error

	// HandleRawRequest serves ANY /raw/… traffic. Runs outside the mailbox.
	HandleRawRequest func(ctx context.Context, c *Context, conn *Conn, req *RawRequest) (*RawResponse, error)

	// HandleRawWebSocket owns a raw websocket for its lifetime. Runs
	// outside the mailbox.
	HandleRawWebSocket func(ctx context.Context, c *Context, conn *Conn, adapter RawWebSocket, req *RawRequest) error
}

// RawWebSocket is the transport handle given to raw websocket handlers.
type RawWebSocket interface {
	ReadMessage() (data []byte, err error)
	WriteMessage(data []byte) error
	Close() error
}

// eventDeclared reports whether name is in the definition's event set. An
// empty set allows everything, for definitions that broadcast ad hoc.
func (d *Definition) eventDeclared(name string) bool {
	if len(d.Events) == 0 {
		return true
	}
	for _, e := range d.Events {
		if e == name {
			return true
		}
	}
	return false
}
