package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
)

func testSink(t *testing.T, cfg Config) (*Sink, kv.Driver, *time.Time) {
	t.Helper()
	f := kv.NewMemory()
	t.Cleanup(func() { _ = f.Close() })
	store, err := f.Namespace("traces")
	require.NoError(t, err)

	s := NewSink(store, cfg, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, store, &now
}

func msOf(ts time.Time) int64 { return ts.UnixMilli() }

func TestSpanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{})
	begin := *now

	id, err := s.StartSpan(ctx, "handle-action", "", map[string]string{"actor": "abc"})
	require.NoError(t, err)
	*now = now.Add(5 * time.Millisecond)
	require.NoError(t, s.UpdateSpan(ctx, id, map[string]string{"action": "increment"}))
	*now = now.Add(5 * time.Millisecond)
	require.NoError(t, s.AddEvent(ctx, id, "state-flushed", nil))
	*now = now.Add(5 * time.Millisecond)
	require.NoError(t, s.EndSpan(ctx, id, "ok"))

	res, err := s.ReadRange(ctx, msOf(begin)-1000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	span := res.Spans[0]
	assert.Equal(t, id, span.SpanID)
	assert.Equal(t, "handle-action", span.Name)
	assert.Equal(t, "ok", span.Status)
	assert.Equal(t, "abc", span.Attrs["actor"])
	assert.Equal(t, "increment", span.Attrs["action"])
	require.Len(t, span.Events, 1)
	assert.Equal(t, "state-flushed", span.Events[0].Name)
	assert.NotZero(t, span.EndUnixNs)
	assert.False(t, res.Clamped)
}

func TestLongSpanHydratedAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{})
	begin := *now

	id, err := s.StartSpan(ctx, "long-job", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	// Two buckets later the span is still alive and emits an event.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, s.AddEvent(ctx, id, "heartbeat", nil))

	// Read a window that starts after the span began.
	res, err := s.ReadRange(ctx, msOf(begin)+90_000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	span := res.Spans[0]
	assert.Equal(t, id, span.SpanID)
	assert.Equal(t, begin.UnixNano(), span.StartUnixNs)
	assert.Zero(t, span.EndUnixNs)
	require.Len(t, span.Events, 1)
	assert.Equal(t, "heartbeat", span.Events[0].Name)
}

func TestOverflowDropsDeepestFirst(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{MaxActiveSpans: 2})
	begin := *now

	root, err := s.StartSpan(ctx, "root", "", nil)
	require.NoError(t, err)
	*now = now.Add(time.Millisecond)
	child, err := s.StartSpan(ctx, "child", root, nil)
	require.NoError(t, err)
	*now = now.Add(time.Millisecond)
	other, err := s.StartSpan(ctx, "other-root", "", nil)
	require.NoError(t, err)

	// Records for the dropped span are ignored from here on.
	require.NoError(t, s.AddEvent(ctx, child, "late", nil))
	require.NoError(t, s.EndSpan(ctx, root, "ok"))
	require.NoError(t, s.EndSpan(ctx, other, "ok"))

	res, err := s.ReadRange(ctx, msOf(begin)-1000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	byID := make(map[string]Span)
	for _, span := range res.Spans {
		byID[span.SpanID] = span
	}
	require.Len(t, byID, 3)
	assert.Equal(t, StatusDropped, byID[child].Status)
	assert.Empty(t, byID[child].Events)
	assert.Equal(t, "ok", byID[root].Status)
	assert.Equal(t, "ok", byID[other].Status)
}

func TestOverflowTieDropsMostRecentStart(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{MaxActiveSpans: 2})

	_, err := s.StartSpan(ctx, "a", "", nil)
	require.NoError(t, err)
	*now = now.Add(time.Millisecond)
	_, err = s.StartSpan(ctx, "b", "", nil)
	require.NoError(t, err)
	*now = now.Add(time.Millisecond)
	c, err := s.StartSpan(ctx, "c", "", nil)
	require.NoError(t, err)

	// All three are roots, so the newest one is the victim.
	s.mu.Lock()
	_, stillActive := s.active[c]
	count := len(s.active)
	s.mu.Unlock()
	assert.False(t, stillActive)
	assert.Equal(t, 2, count)
}

func TestOversizedRecordRejected(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testSink(t, Config{MaxChunkBytes: 512})

	id, err := s.StartSpan(ctx, "small", "", nil)
	require.NoError(t, err)
	err = s.AddEvent(ctx, id, "huge", map[string]string{"blob": strings.Repeat("x", 2048)})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeTraceRecordTooLarge))
}

func TestChunkRotationOnByteOverflow(t *testing.T) {
	ctx := context.Background()
	s, store, now := testSink(t, Config{MaxChunkBytes: 1024, SnapshotEvery: 1000})
	begin := *now

	id, err := s.StartSpan(ctx, "chatty", "", nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		*now = now.Add(time.Millisecond)
		require.NoError(t, s.AddEvent(ctx, id, "tick", map[string]string{"pad": strings.Repeat("p", 64)}))
	}
	require.NoError(t, s.EndSpan(ctx, id, "ok"))
	require.NoError(t, s.Flush(ctx))

	chunks, err := store.List(ctx, keys.TracesPrefix())
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	res, err := s.ReadRange(ctx, msOf(begin)-1000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Len(t, res.Spans[0].Events, 50)
	assert.Equal(t, "ok", res.Spans[0].Status)
}

func TestSnapshotKeepsFullStateAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{SnapshotEvery: 4})
	begin := *now

	id, err := s.StartSpan(ctx, "snapshotted", "", map[string]string{"k": "v"})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		*now = now.Add(time.Millisecond)
		require.NoError(t, s.AddEvent(ctx, id, "ev", nil))
	}
	require.NoError(t, s.Flush(ctx))

	// Cross into a later bucket and keep the span alive there.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, s.AddEvent(ctx, id, "late", nil))
	require.NoError(t, s.Flush(ctx))

	// A read starting after the first bucket still sees the span with its
	// full attribute and event history.
	res, err := s.ReadRange(ctx, msOf(begin)+90_000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	span := res.Spans[0]
	assert.Equal(t, begin.UnixNano(), span.StartUnixNs)
	assert.Equal(t, "v", span.Attrs["k"])
	assert.Len(t, span.Events, 7)
}

func TestReadRangeClampsAtLimit(t *testing.T) {
	ctx := context.Background()
	s, _, now := testSink(t, Config{})
	begin := *now

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Millisecond)
		id, err := s.StartSpan(ctx, "burst", "", nil)
		require.NoError(t, err)
		require.NoError(t, s.EndSpan(ctx, id, "ok"))
	}

	res, err := s.ReadRange(ctx, msOf(begin)-1000, msOf(*now)+1000, 2)
	require.NoError(t, err)
	assert.Len(t, res.Spans, 2)
	assert.True(t, res.Clamped)
}

func TestCorruptedChunkIsSkipped(t *testing.T) {
	ctx := context.Background()
	s, store, now := testSink(t, Config{})
	begin := *now

	id, err := s.StartSpan(ctx, "survivor", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.EndSpan(ctx, id, "ok"))
	require.NoError(t, s.Flush(ctx))

	// Plant garbage alongside the real chunk.
	bucket := s.bucketOf(begin)
	require.NoError(t, store.Set(ctx, keys.TraceChunk(bucket, 99), []byte{0x01, 0xff, 0xfe}))

	res, err := s.ReadRange(ctx, msOf(begin)-1000, msOf(*now)+1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, id, res.Spans[0].SpanID)
}
