package actor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// QueueMessage is one delivered queue message. For completable queues,
// Complete resolves the sender blocked on wait=true.
type QueueMessage struct {
	ID     uuid.UUID       `json:"id"`
	Queue  string          `json:"queue"`
	Body   json.RawMessage `json:"body,omitempty"`
	SentAt time.Time       `json:"sentAt"`

	complete func(response json.RawMessage)
}

// Complete resolves the waiting sender with a response. No-op for messages
// from non-completable queues or senders that did not wait.
func (m *QueueMessage) Complete(response json.RawMessage) {
	if m.complete != nil {
		m.complete(response)
	}
}

// NextOptions filters a queue receive.
type NextOptions struct {
	// Names selects which queues to receive from. Required, non-empty.
	Names []string
	// Completable requests handles carrying Complete.
	Completable bool
	// Limit caps the batch size; 0 means 1.
	Limit int
	// Timeout bounds the wait; 0 blocks until a message arrives.
	Timeout time.Duration
}

// Queues is the durable named message channel set of one actor. Sends append
// to KV before returning; receives delete in one batch, which keeps delivery
// at-least-once across crashes.
type Queues struct {
	store  kv.Driver
	defs   map[string]QueueConfig
	logger *logrus.Entry

	mu      sync.Mutex
	wake    chan struct{}
	waiters map[uuid.UUID]chan json.RawMessage
}

func newQueues(store kv.Driver, defs map[string]QueueConfig, logger *logrus.Entry) *Queues {
	return &Queues{
		store:   store,
		defs:    defs,
		logger:  logger.WithField("component", "queue"),
		wake:    make(chan struct{}),
		waiters: make(map[uuid.UUID]chan json.RawMessage),
	}
}

// Send durably appends a message. Unnamed queues are rejected.
func (q *Queues) Send(ctx context.Context, queue string, body json.RawMessage) (uuid.UUID, error) {
	if _, ok := q.defs[queue]; !ok {
		return uuid.Nil, errs.UnknownQueue(queue)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	msg := QueueMessage{ID: id, Queue: queue, Body: body, SentAt: time.Now()}
	raw, err := json.Marshal(&msg)
	if err != nil {
		return uuid.Nil, err
	}
	if err := q.store.Set(ctx, keys.ActorQueueMessage(queue, id), wire.Seal(raw)); err != nil {
		return uuid.Nil, err
	}
	q.notify()
	return id, nil
}

// SendStatus classifies a SendAndWait outcome.
type SendStatus string

const (
	SendSent      SendStatus = "sent"
	SendCompleted SendStatus = "completed"
	SendTimedOut  SendStatus = "timedOut"
)

// SendAndWait appends durably and, when wait is set, blocks until a consumer
// calls Complete on the delivered handle or the timeout elapses.
func (q *Queues) SendAndWait(ctx context.Context, queue string, body json.RawMessage, wait bool, timeout time.Duration) (SendStatus, json.RawMessage, error) {
	cfg, ok := q.defs[queue]
	if !ok {
		return "", nil, errs.UnknownQueue(queue)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, err
	}
	msg := QueueMessage{ID: id, Queue: queue, Body: body, SentAt: time.Now()}
	raw, err := json.Marshal(&msg)
	if err != nil {
		return "", nil, err
	}

	var done chan json.RawMessage
	if wait && cfg.Completable {
		done = make(chan json.RawMessage, 1)
		q.mu.Lock()
		q.waiters[id] = done
		q.mu.Unlock()
		defer func() {
			q.mu.Lock()
			delete(q.waiters, id)
			q.mu.Unlock()
		}()
	}

	if err := q.store.Set(ctx, keys.ActorQueueMessage(queue, id), wire.Seal(raw)); err != nil {
		return "", nil, err
	}
	q.notify()

	if done == nil {
		return SendSent, nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-done:
		return SendCompleted, resp, nil
	case <-timer.C:
		return SendTimedOut, nil, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Next blocks until at least one message matching any of the requested queue
// names is available, returning up to Limit. A timeout returns an empty
// batch. Returned messages are deleted in one KV batch before delivery.
func (q *Queues) Next(ctx context.Context, opts NextOptions) ([]QueueMessage, error) {
	if len(opts.Names) == 0 {
		return nil, errs.InvalidRequest("queue.next requires at least one queue name")
	}
	for _, name := range opts.Names {
		if _, ok := q.defs[name]; !ok {
			return nil, errs.UnknownQueue(name)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		batch, err := q.take(ctx, opts.Names, limit, opts.Completable)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-q.wakeChan():
		}
	}
}

// take reads up to limit messages across names in key order and deletes them
// in one batch. A crash between the read and the delete leaves the messages
// in place for redelivery.
func (q *Queues) take(ctx context.Context, names []string, limit int, completable bool) ([]QueueMessage, error) {
	var (
		batch   []QueueMessage
		deletes [][]byte
	)
	for _, name := range names {
		if len(batch) >= limit {
			break
		}
		entries, err := q.store.List(ctx, keys.ActorQueuePrefix(name))
		if err != nil {
			return nil, err
		}
		for _, ent := range entries {
			if len(batch) >= limit {
				break
			}
			payload, err := wire.Open(ent.Value)
			if err != nil {
				q.logger.WithError(err).Warn("skipping corrupt queue message")
				continue
			}
			var msg QueueMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				q.logger.WithError(err).Warn("skipping undecodable queue message")
				continue
			}
			if completable {
				id := msg.ID
				msg.complete = func(response json.RawMessage) {
					q.resolve(id, response)
				}
			}
			batch = append(batch, msg)
			deletes = append(deletes, ent.Key)
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := q.store.Batch(ctx, nil, deletes); err != nil {
		return nil, err
	}
	return batch, nil
}

// Peek is a non-consuming view of one queue, in send order.
func (q *Queues) Peek(ctx context.Context, queue string, limit int) ([]QueueMessage, error) {
	if _, ok := q.defs[queue]; !ok {
		return nil, errs.UnknownQueue(queue)
	}
	entries, err := q.store.List(ctx, keys.ActorQueuePrefix(queue))
	if err != nil {
		return nil, err
	}
	var out []QueueMessage
	for _, ent := range entries {
		payload, err := wire.Open(ent.Value)
		if err != nil {
			continue
		}
		var msg QueueMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// resolve hands a completion response to the waiting sender, if any.
func (q *Queues) resolve(id uuid.UUID, response json.RawMessage) {
	q.mu.Lock()
	done := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()
	if done != nil {
		done <- response
	}
}

func (q *Queues) wakeChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queues) notify() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}
