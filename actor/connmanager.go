package actor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// websocket close code for a normal closure.
const closeNormal = 1000

// HibernatableConn is the durable record of a connection that may be
// reattached after the actor wakes.
type HibernatableConn struct {
	RequestID string          `json:"requestId"`
	ConnID    uuid.UUID       `json:"connId"`
	Params    json.RawMessage `json:"params,omitempty"`
	Encoding  wire.Encoding   `json:"encoding"`
	Subs      []string        `json:"subs,omitempty"`
	LastSeen  int64           `json:"lastSeen"`
}

// ConnManager owns the connection set of one actor: live connections, the
// persisted hibernatable records, and broadcast fan-out.
type ConnManager struct {
	store  kv.Driver
	logger *logrus.Entry

	sendQueueCap     int
	maxHibernatable  int
	maxOutgoingBytes int

	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
	byReq map[string]*Conn
	// hibernatable is ordered most-recently-seen first; the tail is evicted
	// on overflow.
	hibernatable []HibernatableConn
}

func newConnManager(store kv.Driver, logger *logrus.Entry, sendQueueCap, maxHibernatable, maxOutgoingBytes int) *ConnManager {
	return &ConnManager{
		store:            store,
		logger:           logger.WithField("component", "conns"),
		sendQueueCap:     sendQueueCap,
		maxHibernatable:  maxHibernatable,
		maxOutgoingBytes: maxOutgoingBytes,
		conns:            make(map[uuid.UUID]*Conn),
		byReq:            make(map[string]*Conn),
	}
}

// load restores the hibernatable-connection records from KV.
func (m *ConnManager) load(ctx context.Context) error {
	raw, err := m.store.Get(ctx, keys.ActorConns())
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	payload, err := wire.Open(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Unmarshal(payload, &m.hibernatable)
}

// persistLocked writes the hibernatable list. The list is mutated exclusively
// under m.mu inside flush paths.
func (m *ConnManager) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.hibernatable)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, keys.ActorConns(), wire.Seal(raw))
}

// attach registers a new connection, or reattaches a hibernatable transport
// whose request-id matches a persisted record. The second return reports
// whether this is a reattach (no second OnConnect fires for those).
func (m *ConnManager) attach(ctx context.Context, requestID string, params json.RawMessage, enc wire.Encoding, transport Transport) (*Conn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if transport.Hibernatable() && requestID != "" {
		for i, rec := range m.hibernatable {
			if rec.RequestID != requestID {
				continue
			}
			conn := newConn(requestID, rec.Params, rec.Encoding, transport, m.sendQueueCap)
			conn.ID = rec.ConnID
			for _, s := range rec.Subs {
				conn.Subscribe(s)
			}
			conn.setState(StateOpen)
			m.conns[conn.ID] = conn
			m.byReq[requestID] = conn
			// Move to front: most recently seen.
			rec.LastSeen = time.Now().UnixMilli()
			m.hibernatable = append(m.hibernatable[:i], m.hibernatable[i+1:]...)
			m.hibernatable = append([]HibernatableConn{rec}, m.hibernatable...)
			if err := m.persistLocked(ctx); err != nil {
				return nil, false, err
			}
			go conn.writePump()
			return conn, true, nil
		}
	}

	conn := newConn(requestID, params, enc, transport, m.sendQueueCap)
	conn.setState(StateOpen)
	m.conns[conn.ID] = conn
	if requestID != "" {
		m.byReq[requestID] = conn
	}
	if transport.Hibernatable() && requestID != "" {
		m.hibernatable = append([]HibernatableConn{{
			RequestID: requestID,
			ConnID:    conn.ID,
			Params:    params,
			Encoding:  enc,
			LastSeen:  time.Now().UnixMilli(),
		}}, m.hibernatable...)
		if len(m.hibernatable) > m.maxHibernatable {
			dropped := m.hibernatable[m.maxHibernatable:]
			m.hibernatable = m.hibernatable[:m.maxHibernatable]
			m.logger.WithField("dropped", len(dropped)).Debug("evicted oldest hibernatable connections")
		}
		if err := m.persistLocked(ctx); err != nil {
			return nil, false, err
		}
	}
	go conn.writePump()
	return conn, false, nil
}

// get returns the live connection with the given id.
func (m *ConnManager) get(id uuid.UUID) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// byRequestID returns the live connection bound to a transport request id.
func (m *ConnManager) byRequestID(requestID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byReq[requestID]
}

// broadcast enqueues an Event frame to every connection subscribed to event.
// Connections that cannot keep up are disconnected with BackpressureOverflow.
func (m *ConnManager) broadcast(ctx context.Context, event string, payload json.RawMessage) {
	m.mu.Lock()
	targets := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		if c.State() == StateOpen && c.SubscribedTo(event) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	frame := wire.EventFrame(event, payload)
	for _, c := range targets {
		if err := c.EnqueueFrame(frame, m.maxOutgoingBytes); err != nil {
			m.logger.WithError(err).WithField("conn", c.ID).Warn("dropping connection")
			_ = m.disconnect(ctx, c, "backpressure overflow")
		}
	}
}

// disconnect closes the transport cleanly, removes the connection from the
// live set, and drops its hibernatable record.
func (m *ConnManager) disconnect(ctx context.Context, conn *Conn, reason string) error {
	err := conn.close(closeNormal, reason)

	m.mu.Lock()
	delete(m.conns, conn.ID)
	if conn.RequestID != "" {
		delete(m.byReq, conn.RequestID)
	}
	for i, rec := range m.hibernatable {
		if rec.RequestID == conn.RequestID {
			m.hibernatable = append(m.hibernatable[:i], m.hibernatable[i+1:]...)
			if pErr := m.persistLocked(ctx); pErr != nil && err == nil {
				err = pErr
			}
			break
		}
	}
	m.mu.Unlock()
	return err
}

// suspendAll parks hibernatable connections and closes the rest. Called on
// hibernation; subscription sets are folded into the persisted records so a
// reattached connection keeps its subscriptions.
func (m *ConnManager) suspendAll(ctx context.Context) error {
	m.mu.Lock()
	var toClose []*Conn
	for id, c := range m.conns {
		if c.Hibernatable() && c.RequestID != "" {
			c.suspend()
			for i := range m.hibernatable {
				if m.hibernatable[i].RequestID == c.RequestID {
					m.hibernatable[i].Subs = c.Subscriptions()
					m.hibernatable[i].LastSeen = time.Now().UnixMilli()
				}
			}
		} else {
			toClose = append(toClose, c)
		}
		delete(m.conns, id)
		if c.RequestID != "" {
			delete(m.byReq, c.RequestID)
		}
	}
	err := m.persistLocked(ctx)
	m.mu.Unlock()

	for _, c := range toClose {
		_ = c.close(closeNormal, "actor hibernating")
	}
	return err
}

// liveCount returns how many open connections exist; nonHibernatable counts
// the ones blocking hibernation.
func (m *ConnManager) liveCount() (total, nonHibernatable int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.State() != StateOpen {
			continue
		}
		total++
		if !c.Hibernatable() {
			nonHibernatable++
		}
	}
	return total, nonHibernatable
}

// hibernatableRecords snapshots the persisted list, for tests and inspection.
func (m *ConnManager) hibernatableRecords() []HibernatableConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HibernatableConn, len(m.hibernatable))
	copy(out, m.hibernatable)
	return out
}
