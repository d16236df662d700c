package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/gateway"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/wire"
)

func startGateway(t *testing.T) string {
	t.Helper()
	f := kv.NewMemory()
	f.SetPollInterval(20 * time.Millisecond)
	host, err := actor.NewHost(f, actor.DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, host.Register(&actor.Definition{
		Name:   "echo",
		Queues: map[string]actor.QueueConfig{"inbox": {}},
		Actions: map[string]actor.ActionFunc{
			"say": func(_ *actor.Context, args json.RawMessage) (json.RawMessage, error) {
				return args, nil
			},
		},
	}))

	e := echo.New()
	gateway.New(host, actor.DefaultOptions(), nil).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		_ = host.Close()
	})
	return srv.URL
}

func TestResolveAndActionJSON(t *testing.T) {
	c := New(startGateway(t))

	id, err := c.Resolve(context.Background(), "echo", []string{"a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := c.Action(context.Background(), id, "say", json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(out))
}

func TestResolveAndActionBare(t *testing.T) {
	c := New(startGateway(t), WithEncoding(wire.EncodingBare))

	id, err := c.Resolve(context.Background(), "echo", []string{"b"})
	require.NoError(t, err)

	out, err := c.Action(context.Background(), id, "say", json.RawMessage(`42`))
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(out))
}

func TestActionErrorMapsToCode(t *testing.T) {
	c := New(startGateway(t))

	id, err := c.Resolve(context.Background(), "echo", nil)
	require.NoError(t, err)

	_, err = c.Action(context.Background(), id, "missing", nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeActionNotFound))
}

func TestQueueSendWithoutWait(t *testing.T) {
	c := New(startGateway(t))

	id, err := c.Resolve(context.Background(), "echo", []string{"q"})
	require.NoError(t, err)

	resp, err := c.QueueSend(context.Background(), id, "inbox", json.RawMessage(`{"n":1}`), false, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.QueueSendStatusSent, resp.Status)
}

func TestUnknownDefinitionResolve(t *testing.T) {
	c := New(startGateway(t))
	_, err := c.Resolve(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeActorNotFound))
}
