package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openFactories builds one factory per backend so the driver contract is
// verified against all of them.
func openFactories(t *testing.T) map[string]Factory {
	t.Helper()

	boltFactory, err := OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltFactory.Close() })

	mr := miniredis.RunT(t)
	redisFactory, err := OpenRedis(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { redisFactory.Close() })

	memFactory := NewMemory()
	t.Cleanup(func() { memFactory.Close() })

	return map[string]Factory{
		"bolt":   boltFactory,
		"redis":  redisFactory,
		"memory": memFactory,
	}
}

func TestDriverContract(t *testing.T) {
	ctx := context.Background()
	for name, factory := range openFactories(t) {
		t.Run(name, func(t *testing.T) {
			d, err := factory.Namespace("actor-1")
			require.NoError(t, err)

			// Absent key reads as nil.
			v, err := d.Get(ctx, []byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, v)

			// Insert out of order; List must come back byte-sorted.
			require.NoError(t, d.Set(ctx, []byte("k/3"), []byte("c")))
			require.NoError(t, d.Set(ctx, []byte("k/1"), []byte("a")))
			require.NoError(t, d.Set(ctx, []byte("k/2"), []byte("b")))
			require.NoError(t, d.Set(ctx, []byte("other"), []byte("x")))

			entries, err := d.List(ctx, []byte("k/"))
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, []byte("k/1"), entries[0].Key)
			assert.Equal(t, []byte("k/2"), entries[1].Key)
			assert.Equal(t, []byte("k/3"), entries[2].Key)
			assert.Equal(t, []byte("b"), entries[1].Value)

			// Range scans are [start, end).
			entries, err = d.ListRange(ctx, []byte("k/1"), []byte("k/3"), ListOptions{})
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, []byte("k/1"), entries[0].Key)
			assert.Equal(t, []byte("k/2"), entries[1].Key)

			entries, err = d.ListRange(ctx, []byte("k/1"), []byte("k/9"), ListOptions{Reverse: true, Limit: 2})
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, []byte("k/3"), entries[0].Key)
			assert.Equal(t, []byte("k/2"), entries[1].Key)

			// Overwrite wins.
			require.NoError(t, d.Set(ctx, []byte("k/2"), []byte("b2")))
			v, err = d.Get(ctx, []byte("k/2"))
			require.NoError(t, err)
			assert.Equal(t, []byte("b2"), v)

			require.NoError(t, d.Delete(ctx, []byte("k/2")))
			v, err = d.Get(ctx, []byte("k/2"))
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, d.DeletePrefix(ctx, []byte("k/")))
			entries, err = d.List(ctx, []byte("k/"))
			require.NoError(t, err)
			assert.Empty(t, entries)

			// Keys outside the prefix survive.
			v, err = d.Get(ctx, []byte("other"))
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), v)
		})
	}
}

func TestDriverBatch(t *testing.T) {
	ctx := context.Background()
	for name, factory := range openFactories(t) {
		t.Run(name, func(t *testing.T) {
			d, err := factory.Namespace("actor-2")
			require.NoError(t, err)

			require.NoError(t, d.Set(ctx, []byte("gone"), []byte("1")))
			err = d.Batch(ctx,
				[]Entry{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}},
				[][]byte{[]byte("gone")},
			)
			require.NoError(t, err)

			entries, err := d.List(ctx, nil)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, []byte("a"), entries[0].Key)
			assert.Equal(t, []byte("b"), entries[1].Key)
		})
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	for name, factory := range openFactories(t) {
		t.Run(name, func(t *testing.T) {
			a, err := factory.Namespace("iso-a")
			require.NoError(t, err)
			b, err := factory.Namespace("iso-b")
			require.NoError(t, err)

			require.NoError(t, a.Set(ctx, []byte("k"), []byte("from-a")))
			v, err := b.Get(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestAlarmFires(t *testing.T) {
	ctx := context.Background()
	for name, factory := range openFactories(t) {
		t.Run(name, func(t *testing.T) {
			var (
				mu    sync.Mutex
				fired []string
			)
			done := make(chan struct{})
			factory.OnAlarm(func(ns, id string, _ time.Time) {
				mu.Lock()
				fired = append(fired, ns+"/"+id)
				mu.Unlock()
				close(done)
			})

			d, err := factory.Namespace("alarm-ns")
			require.NoError(t, err)
			require.NoError(t, d.SetAlarm(ctx, "wake", time.Now().Add(30*time.Millisecond)))

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("alarm did not fire")
			}
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"alarm-ns/wake"}, fired)
		})
	}
}

func TestAlarmClear(t *testing.T) {
	ctx := context.Background()
	factory := NewMemory()
	defer factory.Close()

	firedCh := make(chan string, 1)
	factory.OnAlarm(func(ns, id string, _ time.Time) { firedCh <- id })

	d, err := factory.Namespace("alarm-ns")
	require.NoError(t, err)
	require.NoError(t, d.SetAlarm(ctx, "wake", time.Now().Add(50*time.Millisecond)))
	require.NoError(t, d.ClearAlarm(ctx, "wake"))

	select {
	case id := <-firedCh:
		t.Fatalf("cleared alarm %q fired anyway", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBoltAlarmSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	factory, err := OpenBolt(path)
	require.NoError(t, err)
	d, err := factory.Namespace("actor-3")
	require.NoError(t, err)
	require.NoError(t, d.SetAlarm(ctx, "wake", time.Now().Add(40*time.Millisecond)))
	require.NoError(t, factory.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	done := make(chan struct{})
	reopened.OnAlarm(func(ns, id string, _ time.Time) {
		assert.Equal(t, "actor-3", ns)
		assert.Equal(t, "wake", id)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restored alarm did not fire after reopen")
	}
}
