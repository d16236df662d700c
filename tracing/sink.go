// Package tracing implements a chunked, time-bucketed span sink on top of the
// ordered kv driver. Spans emit append-only records into the chunk for the
// current time bucket; long-lived spans get periodic snapshot records so that
// range reads never have to walk unbounded history.
package tracing

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

// StatusDropped marks spans evicted by the active-span cap. No further
// records are accepted for a dropped span.
const StatusDropped = "dropped"

// Config tunes the sink. Zero values fall back to the defaults.
type Config struct {
	// BucketWidth is the wall-clock width of one chunk bucket.
	BucketWidth time.Duration
	// MaxActiveSpans caps concurrently open spans. Overflow drops spans
	// deepest-first, ties broken by the most recent start.
	MaxActiveSpans int
	// MaxChunkBytes bounds one persisted chunk. A single record larger than
	// this is rejected at write time.
	MaxChunkBytes int
	// MaxReadLimit caps ReadRange regardless of the caller's limit.
	MaxReadLimit int
	// SnapshotEvery emits a snapshot record after this many records for one
	// span.
	SnapshotEvery int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BucketWidth:    60 * time.Second,
		MaxActiveSpans: 512,
		MaxChunkBytes:  1 << 20,
		MaxReadLimit:   10000,
		SnapshotEvery:  32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BucketWidth <= 0 {
		c.BucketWidth = d.BucketWidth
	}
	if c.MaxActiveSpans <= 0 {
		c.MaxActiveSpans = d.MaxActiveSpans
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = d.MaxChunkBytes
	}
	if c.MaxReadLimit <= 0 {
		c.MaxReadLimit = d.MaxReadLimit
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
	return c
}

// spanState is the in-memory view of one open span.
type spanState struct {
	id            string
	parent        string
	name          string
	attrs         map[string]string
	events        []SpanEvent
	startNs       int64
	depth         int
	sinceSnapshot int
	ref           recordRef
}

// Sink appends span records to kv chunks and serves range reads.
type Sink struct {
	store  kv.Driver
	cfg    Config
	logger *logrus.Entry
	now    func() time.Time

	mu         sync.Mutex
	active     map[string]*spanState
	cur        *chunk
	curIntern  *interner
	curBucket  int64
	curChunkID uint64
	curBytes   int
	// nextChunkID carries the chunk counter across seals within one bucket.
	nextChunkID map[int64]uint64
}

// NewSink builds a sink over one kv namespace.
func NewSink(store kv.Driver, cfg Config, logger *logrus.Entry) *Sink {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sink{
		store:       store,
		cfg:         cfg.withDefaults(),
		logger:      logger.WithField("component", "tracing"),
		now:         time.Now,
		active:      make(map[string]*spanState),
		nextChunkID: make(map[int64]uint64),
	}
}

func (s *Sink) bucketOf(t time.Time) int64 {
	width := int64(s.cfg.BucketWidth / time.Second)
	return t.Unix() / width * width
}

// StartSpan opens a span and returns its id. parentID may be empty for a
// root span.
func (s *Sink) StartSpan(ctx context.Context, name, parentID string, attrs map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	at := s.now()
	depth := 0
	if parent, ok := s.active[parentID]; ok {
		depth = parent.depth + 1
	}
	state := &spanState{
		id:      id,
		parent:  parentID,
		name:    name,
		attrs:   cloneAttrs(attrs),
		startNs: at.UnixNano(),
		depth:   depth,
	}

	ref, err := s.emit(ctx, at, func(in *interner) recordKind {
		start := &startRecord{
			Span:  in.intern(id),
			Name:  in.intern(name),
			Attrs: in.internAttrs(attrs),
		}
		if parentID != "" {
			idx := in.intern(parentID)
			start.Parent = &idx
		}
		return recordKind{Start: start}
	})
	if err != nil {
		return "", err
	}
	state.ref = ref
	s.active[id] = state

	if len(s.active) > s.cfg.MaxActiveSpans {
		if err := s.dropDeepestLocked(ctx); err != nil {
			return "", err
		}
	}
	return id, nil
}

// UpdateSpan merges attributes into an open span. Records against unknown or
// dropped spans are ignored.
func (s *Sink) UpdateSpan(ctx context.Context, spanID string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.active[spanID]
	if !ok {
		return nil
	}
	_, err := s.emit(ctx, s.now(), func(in *interner) recordKind {
		return recordKind{Update: &updateRecord{
			Span:  in.intern(spanID),
			Attrs: in.internAttrs(attrs),
		}}
	})
	if err != nil {
		return err
	}
	for k, v := range attrs {
		if state.attrs == nil {
			state.attrs = make(map[string]string)
		}
		state.attrs[k] = v
	}
	return s.maybeSnapshotLocked(ctx, state)
}

// AddEvent appends a point-in-time event to an open span.
func (s *Sink) AddEvent(ctx context.Context, spanID, name string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.active[spanID]
	if !ok {
		return nil
	}
	at := s.now()
	_, err := s.emit(ctx, at, func(in *interner) recordKind {
		return recordKind{Event: &eventRecord{
			Span:  in.intern(spanID),
			Name:  in.intern(name),
			Attrs: in.internAttrs(attrs),
		}}
	})
	if err != nil {
		return err
	}
	state.events = append(state.events, SpanEvent{
		Name:   name,
		UnixNs: at.UnixNano(),
		Attrs:  cloneAttrs(attrs),
	})
	return s.maybeSnapshotLocked(ctx, state)
}

// EndSpan closes a span with a terminal status.
func (s *Sink) EndSpan(ctx context.Context, spanID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked(ctx, spanID, status)
}

func (s *Sink) endLocked(ctx context.Context, spanID, status string) error {
	if _, ok := s.active[spanID]; !ok {
		return nil
	}
	_, err := s.emit(ctx, s.now(), func(in *interner) recordKind {
		return recordKind{End: &endRecord{
			Span:   in.intern(spanID),
			Status: in.intern(status),
		}}
	})
	if err != nil {
		return err
	}
	delete(s.active, spanID)
	return nil
}

// dropDeepestLocked evicts one span: the deepest, ties broken by the most
// recent start.
func (s *Sink) dropDeepestLocked(ctx context.Context) error {
	var victim *spanState
	for _, state := range s.active {
		if victim == nil ||
			state.depth > victim.depth ||
			(state.depth == victim.depth && state.startNs > victim.startNs) {
			victim = state
		}
	}
	if victim == nil {
		return nil
	}
	s.logger.WithField("span", victim.id).Warn("active span cap reached, dropping span")
	return s.endLocked(ctx, victim.id, StatusDropped)
}

// maybeSnapshotLocked emits a snapshot record once enough records have
// accumulated since the span's start or previous snapshot.
func (s *Sink) maybeSnapshotLocked(ctx context.Context, state *spanState) error {
	state.sinceSnapshot++
	if state.sinceSnapshot < s.cfg.SnapshotEvery {
		return nil
	}
	ref, err := s.emit(ctx, s.now(), func(in *interner) recordKind {
		snap := &snapshotRecord{
			Span:        in.intern(state.id),
			Name:        in.intern(state.name),
			StartUnixNs: state.startNs,
			Attrs:       in.internAttrs(state.attrs),
		}
		if state.parent != "" {
			idx := in.intern(state.parent)
			snap.Parent = &idx
		}
		for _, ev := range state.events {
			snap.Events = append(snap.Events, snapEvent{
				Name:     in.intern(ev.Name),
				AtUnixNs: ev.UnixNs,
				Attrs:    in.internAttrs(ev.Attrs),
			})
		}
		return recordKind{Snapshot: snap}
	})
	if err != nil {
		return err
	}
	state.ref = ref
	state.sinceSnapshot = 0
	return nil
}

// emit appends one record to the current chunk, sealing and rotating chunks
// on bucket roll-over or byte overflow. It returns the persisted address of
// the record.
func (s *Sink) emit(ctx context.Context, at time.Time, build func(in *interner) recordKind) (recordRef, error) {
	bucket := s.bucketOf(at)
	if s.cur != nil && bucket != s.curBucket {
		if err := s.sealLocked(ctx); err != nil {
			return recordRef{}, err
		}
		delete(s.nextChunkID, s.curBucket)
	}
	if s.cur == nil {
		s.openLocked(bucket, at)
	}

	rec := record{At: at.UnixNano() - s.cur.BaseUnixNs, Kind: build(s.curIntern)}
	data, err := json.Marshal(rec)
	if err != nil {
		return recordRef{}, errs.Internal(err)
	}
	if len(data) > s.cfg.MaxChunkBytes {
		return recordRef{}, errs.TraceRecordTooLarge(len(data), s.cfg.MaxChunkBytes)
	}
	if len(s.cur.Records) > 0 && s.curBytes+len(data) > s.cfg.MaxChunkBytes {
		if err := s.sealLocked(ctx); err != nil {
			return recordRef{}, err
		}
		s.openLocked(bucket, at)
		// Rebuild against the fresh intern table.
		rec = record{At: at.UnixNano() - s.cur.BaseUnixNs, Kind: build(s.curIntern)}
		data, err = json.Marshal(rec)
		if err != nil {
			return recordRef{}, errs.Internal(err)
		}
	}

	ref := recordRef{Bucket: s.curBucket, Chunk: s.curChunkID, Index: len(s.cur.Records)}
	s.cur.Records = append(s.cur.Records, rec)
	s.curBytes += len(data)
	return ref, nil
}

func (s *Sink) openLocked(bucket int64, at time.Time) {
	s.curBucket = bucket
	s.curChunkID = s.nextChunkID[bucket]
	s.curIntern = newInterner()
	s.cur = &chunk{BaseUnixNs: at.UnixNano()}
	s.curBytes = 0
}

// sealLocked persists the open chunk together with the active-span carryover
// list and advances the chunk counter.
func (s *Sink) sealLocked(ctx context.Context) error {
	if s.cur == nil || len(s.cur.Records) == 0 {
		s.cur = nil
		return nil
	}
	s.cur.Strings = s.curIntern.table
	for _, state := range s.active {
		s.cur.ActiveSpans = append(s.cur.ActiveSpans, activeSpan{SpanID: state.id, Ref: state.ref})
	}
	data, err := json.Marshal(s.cur)
	if err != nil {
		return errs.Internal(err)
	}
	key := keys.TraceChunk(s.curBucket, s.curChunkID)
	if err := s.store.Set(ctx, key, wire.Seal(data)); err != nil {
		return errs.StorageUnavailable(err)
	}
	s.nextChunkID[s.curBucket] = s.curChunkID + 1
	s.cur = nil
	return nil
}

// Flush persists any buffered records. Subsequent records open a new chunk.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked(ctx)
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
