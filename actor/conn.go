package actor

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// TransportKind names the driver behind a connection.
type TransportKind string

const (
	TransportHTTP         TransportKind = "http"
	TransportWebSocket    TransportKind = "websocket"
	TransportRawHTTP      TransportKind = "raw-http"
	TransportRawWebSocket TransportKind = "raw-websocket"
)

// ReadyState is the connection lifecycle:
// connecting → open → closing → closed, with suspended for hibernation.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
	StateSuspended
)

// Transport is the wire half of a connection. Implementations must make Close
// block until the peer observed the close (clean handshake for websockets).
type Transport interface {
	Kind() TransportKind
	Send(data []byte) error
	Close(code int, reason string) error
	Hibernatable() bool
}

// Conn is one bound session from an external client to one actor.
type Conn struct {
	ID uuid.UUID
	// RequestID is the transport-stable identifier used to reattach
	// hibernatable connections.
	RequestID string
	Params    json.RawMessage
	Encoding  wire.Encoding

	transport Transport
	state     atomic.Int32
	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	// sendErr records why the write pump stopped.
	sendErr atomic.Value

	mu   sync.Mutex
	subs map[string]struct{}

	lastSeen atomic.Int64
}

func newConn(requestID string, params json.RawMessage, enc wire.Encoding, transport Transport, sendQueueCap int) *Conn {
	c := &Conn{
		ID:        uuid.New(),
		RequestID: requestID,
		Params:    params,
		Encoding:  enc,
		transport: transport,
		sendCh:    make(chan []byte, sendQueueCap),
		closed:    make(chan struct{}),
		subs:      make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixMilli()) }

// State returns the current ready state.
func (c *Conn) State() ReadyState { return ReadyState(c.state.Load()) }

func (c *Conn) setState(s ReadyState) { c.state.Store(int32(s)) }

// Kind returns the transport driver kind.
func (c *Conn) Kind() TransportKind { return c.transport.Kind() }

// Hibernatable reports whether this connection may survive hibernation.
func (c *Conn) Hibernatable() bool { return c.transport.Hibernatable() }

// Subscribe adds an event name to the subscription set.
func (c *Conn) Subscribe(event string) {
	c.mu.Lock()
	c.subs[event] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes an event name from the subscription set.
func (c *Conn) Unsubscribe(event string) {
	c.mu.Lock()
	delete(c.subs, event)
	c.mu.Unlock()
}

// SubscribedTo reports whether the connection wants the given event.
func (c *Conn) SubscribedTo(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[event]
	return ok
}

// Subscriptions snapshots the subscription set.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// EnqueueFrame encodes the frame for this connection and queues it for
// delivery. A full queue means the client cannot keep up; the caller must
// disconnect it with BackpressureOverflow.
func (c *Conn) EnqueueFrame(f *wire.ToClient, maxOutgoing int) error {
	data, err := wire.EncodeToClient(f, c.Encoding, maxOutgoing)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) error {
	if c.State() == StateClosed {
		// Disconnected connections drop frames silently.
		return nil
	}
	select {
	case c.sendCh <- data:
		c.touch()
		return nil
	case <-c.closed:
		return nil
	default:
		return errs.BackpressureOverflow()
	}
}

// writePump drains the send queue onto the transport. Runs in its own
// goroutine for the connection's lifetime; frames sent on one connection are
// delivered in enqueue order.
func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.transport.Send(data); err != nil {
				c.sendErr.Store(err)
				c.markClosed()
				return
			}
		case <-c.closed:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case data := <-c.sendCh:
					if err := c.transport.Send(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// close performs the close handshake and releases the pump. It does not
// return before the transport observed the close.
func (c *Conn) close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closed)
		err = c.transport.Close(code, reason)
		c.setState(StateClosed)
	})
	return err
}

// suspend marks the connection hibernated without closing the logical record.
func (c *Conn) suspend() {
	c.setState(StateSuspended)
}

// markClosed flags a transport-initiated close.
func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setState(StateClosed)
	})
}
