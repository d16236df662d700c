package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepRetriesUntilSuccess(t *testing.T) {
	store := testStore(t)
	var calls atomic.Int32

	fn := func(c *Context) (json.RawMessage, error) {
		return c.Step("flaky", func(context.Context) (json.RawMessage, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("transient")
			}
			return raw(`"ok"`), nil
		})
	}

	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestStepExhaustionRecordsError(t *testing.T) {
	store := testStore(t)
	var calls atomic.Int32

	fn := func(c *Context) (json.RawMessage, error) {
		return c.Step("broken", func(context.Context) (json.RawMessage, error) {
			calls.Add(1)
			return nil, fmt.Errorf("boom")
		}, WithStepMaxAttempts(2))
	}

	_, err := New(store).Run(context.Background(), fn, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoopCarriesStateAcrossIterations(t *testing.T) {
	store := testStore(t)
	var stepRuns atomic.Int32

	fn := func(c *Context) (json.RawMessage, error) {
		return c.Loop("count", raw(`0`), func(it *Context, state json.RawMessage, iteration uint64) (LoopResult, error) {
			var n int
			if err := json.Unmarshal(state, &n); err != nil {
				return LoopResult{}, err
			}
			// A step inside the iteration gets its own history scope.
			if _, err := it.Step("tick", func(context.Context) (json.RawMessage, error) {
				stepRuns.Add(1)
				return nil, nil
			}); err != nil {
				return LoopResult{}, err
			}
			if n >= 3 {
				return Break(raw(fmt.Sprintf("%d", n))), nil
			}
			return Continue(raw(fmt.Sprintf("%d", n+1))), nil
		})
	}

	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(out))
	assert.Equal(t, int32(4), stepRuns.Load())

	// Completed loop replays its output; iteration steps do not rerun.
	out, err = New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(out))
	assert.Equal(t, int32(4), stepRuns.Load())
}

func TestSleepCompletesAndReplaysInstantly(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		if err := c.Sleep("nap", 30*time.Millisecond); err != nil {
			return nil, err
		}
		return raw(`true`), nil
	}

	start := time.Now()
	_, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Replay must not sleep again.
	start = time.Now()
	_, err = New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 25*time.Millisecond)
}

func TestSleepDeadlineSurvivesEviction(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		if err := c.Sleep("long", 80*time.Millisecond); err != nil {
			return nil, err
		}
		return raw(`"woke"`), nil
	}

	e := New(store)
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), fn, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	e.Evict()
	require.Error(t, <-done)

	// Resume: the original deadline holds, so total wait stays near 80ms
	// rather than restarting the full duration.
	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"woke"`, string(out))
}

func TestListenWithTimeoutResolvesNil(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		data, err := c.ListenWithTimeout("maybe", "never-sent", 30*time.Millisecond)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return raw(`"timed-out"`), nil
		}
		return data, nil
	}

	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"timed-out"`, string(out))

	// The timeout resolution is recorded: replay returns instantly.
	start := time.Now()
	out, err = New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"timed-out"`, string(out))
	assert.Less(t, time.Since(start), 25*time.Millisecond)
}

func TestListenConsumesMessageExactlyOnce(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		return c.Listen("wait", "ping")
	}

	e := New(store)
	done := make(chan json.RawMessage, 1)
	go func() {
		out, err := e.Run(context.Background(), fn, nil)
		require.NoError(t, err)
		done <- out
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := e.AddMessage(context.Background(), "ping", raw(`{"k":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(<-done))

	// The message was deleted in the same batch that recorded the listen.
	e2 := New(store)
	require.NoError(t, e2.Load(context.Background()))
	assert.Empty(t, e2.PeekMessages(nil, 0))
}

func TestListenNCollectsBatch(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		msgs, err := c.ListenN("batch", []string{"a", "b"}, 3, 0)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(msgs))
		for i, m := range msgs {
			names[i] = m.Name
		}
		return json.Marshal(names)
	}

	e := New(store)
	done := make(chan json.RawMessage, 1)
	go func() {
		out, err := e.Run(context.Background(), fn, nil)
		require.NoError(t, err)
		done <- out
	}()
	time.Sleep(20 * time.Millisecond)
	for _, name := range []string{"a", "ignored", "b", "a"} {
		_, err := e.AddMessage(context.Background(), name, raw(`{}`))
		require.NoError(t, err)
	}
	assert.JSONEq(t, `["a","b","a"]`, string(<-done))

	// The non-matching message is still queued.
	left := e.PeekMessages(nil, 0)
	require.Len(t, left, 1)
	assert.Equal(t, "ignored", left[0].Name)
}

func TestJoinWaitsForAllBranches(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		results, err := c.Join("fanout", map[string]Branch{
			"left": func(b *Context) (json.RawMessage, error) {
				return b.Step("l", func(context.Context) (json.RawMessage, error) {
					return raw(`"L"`), nil
				})
			},
			"right": func(b *Context) (json.RawMessage, error) {
				return b.Step("r", func(context.Context) (json.RawMessage, error) {
					return raw(`"R"`), nil
				})
			},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	}

	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"left":"L","right":"R"}`, string(out))

	// Replay reconstructs branch outputs from cached sub-entries.
	out, err = New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"left":"L","right":"R"}`, string(out))
}

func TestJoinBranchFailureCancelsSiblings(t *testing.T) {
	store := testStore(t)
	siblingCancelled := make(chan struct{})

	wf := func(c *Context) (json.RawMessage, error) {
		_, err := c.Join("fanout", map[string]Branch{
			"bad": func(b *Context) (json.RawMessage, error) {
				return b.Step("fail", func(context.Context) (json.RawMessage, error) {
					return nil, fmt.Errorf("branch error")
				}, WithStepMaxAttempts(1))
			},
			"slow": func(b *Context) (json.RawMessage, error) {
				<-b.Ctx().Done()
				close(siblingCancelled)
				return nil, context.Cause(b.Ctx())
			},
		})
		return nil, err
	}

	_, err := New(store).Run(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch error")
	select {
	case <-siblingCancelled:
	case <-time.After(time.Second):
		t.Fatal("sibling branch was not cancelled")
	}
}

func TestRaceRecordsWinner(t *testing.T) {
	store := testStore(t)
	var slowRuns atomic.Int32

	fn := func(c *Context) (json.RawMessage, error) {
		winner, out, err := c.Race("race", []NamedBranch{
			{Name: "fast", Fn: func(b *Context) (json.RawMessage, error) {
				return b.Step("f", func(context.Context) (json.RawMessage, error) {
					return raw(`"fast"`), nil
				})
			}},
			{Name: "slow", Fn: func(b *Context) (json.RawMessage, error) {
				slowRuns.Add(1)
				select {
				case <-time.After(5 * time.Second):
					return raw(`"slow"`), nil
				case <-b.Ctx().Done():
					return nil, context.Cause(b.Ctx())
				}
			}},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"winner": raw(fmt.Sprintf("%q", winner)), "out": out})
	}

	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner":"fast","out":"fast"}`, string(out))

	// Replay returns the recorded winner without rerunning either branch.
	before := slowRuns.Load()
	out, err = New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner":"fast","out":"fast"}`, string(out))
	assert.Equal(t, before, slowRuns.Load())
}

func TestRollbackRunsCompensatorsInReverse(t *testing.T) {
	store := testStore(t)
	var undone []string

	fn := func(c *Context) (json.RawMessage, error) {
		if err := c.RollbackCheckpoint("start"); err != nil {
			return nil, err
		}
		if _, err := c.Step("reserve", func(context.Context) (json.RawMessage, error) {
			return raw(`1`), nil
		}, WithRollback(func(context.Context) error {
			undone = append(undone, "reserve")
			return nil
		})); err != nil {
			return nil, err
		}
		if _, err := c.Step("charge", func(context.Context) (json.RawMessage, error) {
			return raw(`2`), nil
		}, WithRollback(func(context.Context) error {
			undone = append(undone, "charge")
			return nil
		})); err != nil {
			return nil, err
		}
		_, err := c.Step("ship", func(context.Context) (json.RawMessage, error) {
			return nil, fmt.Errorf("out of stock")
		}, WithStepMaxAttempts(1))
		return nil, err
	}

	e := New(store)
	_, err := e.Run(context.Background(), fn, nil)
	require.Error(t, err)
	assert.Equal(t, WorkflowFailed, e.State())
	assert.Equal(t, []string{"charge", "reserve"}, undone)
}

func TestRemovedTombstoneIsIdempotent(t *testing.T) {
	store := testStore(t)
	fn := func(c *Context) (json.RawMessage, error) {
		if err := c.Removed("old-step", TypeStep); err != nil {
			return nil, err
		}
		return raw(`"done"`), nil
	}

	_, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	out, err := New(store).Run(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(out))
}
