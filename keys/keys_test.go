package keys

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixSeparation(t *testing.T) {
	// Every key must live under exactly one top-level prefix.
	assert.True(t, bytes.HasPrefix(Name(0), NamesPrefix()))
	assert.True(t, bytes.HasPrefix(History(Path{}.Child(1)), HistoryPrefix()))
	assert.True(t, bytes.HasPrefix(Message(uuid.New()), MessagesPrefix()))
	assert.True(t, bytes.HasPrefix(EntryMeta(Path{}.Child(1)), EntryMetaPrefix()))
	assert.True(t, bytes.HasPrefix(TraceChunk(100, 0), TracesPrefix()))

	assert.False(t, bytes.HasPrefix(Message(uuid.New()), HistoryPrefix()))
	assert.False(t, bytes.HasPrefix(Meta(MetaState), HistoryPrefix()))
}

func TestHistoryKeyOrderMatchesPathOrder(t *testing.T) {
	// Paths in semantic tuple order; their encodings must be byte-ordered
	// the same way.
	paths := []Path{
		Path{}.Child(0),
		Path{}.Child(0).Child(5),
		Path{}.Child(1),
		Path{}.Child(1).Iteration(1, 0),
		Path{}.Child(1).Iteration(1, 0).Child(2),
		Path{}.Child(1).Iteration(1, 1),
		Path{}.Child(1).Iteration(1, 10),
		Path{}.Child(2),
		Path{}.Child(300),
	}

	keys := make([][]byte, len(paths))
	for i, p := range paths {
		keys[i] = History(p)
	}
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, bytes.Compare(keys[i-1], keys[i]),
			"key for %s must sort before key for %s", paths[i-1], paths[i])
	}
}

func TestMessageKeysAreFIFO(t *testing.T) {
	// Time-ordered UUIDs must produce ascending keys.
	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		id, err := uuid.NewV7()
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = Message(id)
	}
	sorted := sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	assert.True(t, sorted)
}

func TestActorQueueKeysGroupByName(t *testing.T) {
	id1, err := uuid.NewV7()
	require.NoError(t, err)
	id2, err := uuid.NewV7()
	require.NoError(t, err)

	a := ActorQueueMessage("alpha", id1)
	b := ActorQueueMessage("alpha", id2)
	other := ActorQueueMessage("beta", id1)

	prefix := ActorQueuePrefix("alpha")
	assert.True(t, bytes.HasPrefix(a, prefix))
	assert.True(t, bytes.HasPrefix(b, prefix))
	assert.False(t, bytes.HasPrefix(other, prefix))
	assert.Negative(t, bytes.Compare(a, b))
}

func TestQueueNameEmbeddedNulDoesNotLeakAcrossQueues(t *testing.T) {
	// "a" and "a\x00b" must not share a queue prefix.
	id := uuid.New()
	inA := ActorQueueMessage("a", id)
	inWeird := ActorQueueMessage("a\x00b", id)
	assert.False(t, bytes.HasPrefix(inWeird, ActorQueuePrefix("a")))
	assert.True(t, bytes.HasPrefix(inA, ActorQueuePrefix("a")))
}

func TestTraceChunkOrder(t *testing.T) {
	older := TraceChunk(100, 5)
	newerChunk := TraceChunk(100, 6)
	newerBucket := TraceChunk(160, 0)

	assert.Negative(t, bytes.Compare(older, newerChunk))
	assert.Negative(t, bytes.Compare(newerChunk, newerBucket))
	assert.True(t, bytes.HasPrefix(older, TraceBucketPrefix(100)))
	assert.False(t, bytes.HasPrefix(newerBucket, TraceBucketPrefix(100)))
}
