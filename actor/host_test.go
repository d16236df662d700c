package actor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/kv"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	f := kv.NewMemory()
	f.SetPollInterval(20 * time.Millisecond)
	h, err := NewHost(f, testOptions(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestResolveIsStable(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Register(counterDefinition()))

	id1, err := h.Resolve(context.Background(), "counter", []string{"room", "42"})
	require.NoError(t, err)
	id2, err := h.Resolve(context.Background(), "counter", []string{"room", "42"})
	require.NoError(t, err)
	other, err := h.Resolve(context.Background(), "counter", []string{"room", "43"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same key resolves to the same actor")
	assert.NotEqual(t, id1, other)
}

func TestResolveUnknownDefinition(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Resolve(context.Background(), "ghost", nil)
	assert.True(t, errs.IsCode(err, errs.CodeActorNotFound))
}

func TestRegistrationFreezesAfterFirstLoad(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Register(counterDefinition()))

	id, err := h.Resolve(context.Background(), "counter", []string{"a"})
	require.NoError(t, err)
	_, err = h.GetOrLoad(context.Background(), id)
	require.NoError(t, err)

	err = h.Register(&Definition{Name: "late"})
	assert.Error(t, err)
}

func TestStatePersistsAcrossReload(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Register(counterDefinition()))

	id, err := h.Resolve(context.Background(), "counter", []string{"durable"})
	require.NoError(t, err)
	inst, err := h.GetOrLoad(context.Background(), id)
	require.NoError(t, err)
	_, err = inst.InvokeAction(context.Background(), nil, "increment", json.RawMessage(`5`))
	require.NoError(t, err)

	// Hibernate the instance, then wake it.
	require.NoError(t, inst.Stop(context.Background()))
	h.mu.Lock()
	delete(h.instances, id)
	h.mu.Unlock()

	woken, err := h.GetOrLoad(context.Background(), id)
	require.NoError(t, err)
	out, err := woken.InvokeAction(context.Background(), nil, "increment", json.RawMessage(`0`))
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))
}

func TestCrossActorCallThroughLocalClient(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Register(counterDefinition()))
	require.NoError(t, h.Register(&Definition{
		Name: "caller",
		Actions: map[string]ActionFunc{
			"bump-other": func(c *Context, args json.RawMessage) (json.RawMessage, error) {
				cl, err := c.Client()
				if err != nil {
					return nil, err
				}
				id, err := cl.Resolve(c.Ctx(), "counter", []string{"shared"})
				if err != nil {
					return nil, err
				}
				return cl.Action(c.Ctx(), id, "increment", json.RawMessage(`3`))
			},
		},
	}))

	callerID, err := h.Resolve(context.Background(), "caller", []string{"c"})
	require.NoError(t, err)
	caller, err := h.GetOrLoad(context.Background(), callerID)
	require.NoError(t, err)

	out, err := caller.InvokeAction(context.Background(), nil, "bump-other", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(out))
}

func TestActionSpansRecordedWhenTracingEnabled(t *testing.T) {
	f := kv.NewMemory()
	f.SetPollInterval(20 * time.Millisecond)
	opts := testOptions()
	opts.TraceEnabled = true
	h, err := NewHost(f, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, h.Register(counterDefinition()))

	id, err := h.Resolve(context.Background(), "counter", []string{"traced"})
	require.NoError(t, err)
	inst, err := h.GetOrLoad(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inst.Tracer())

	_, err = inst.InvokeAction(context.Background(), nil, "increment", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = inst.InvokeAction(context.Background(), nil, "missing", nil)
	require.Error(t, err)

	now := time.Now().UnixMilli()
	res, err := inst.Tracer().ReadRange(context.Background(), now-60_000, now+60_000, 0)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, "action.increment", res.Spans[0].Name)
	assert.Equal(t, "ok", res.Spans[0].Status)
}
