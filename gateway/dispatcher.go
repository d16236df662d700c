package gateway

import (
	"context"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// dispatch decodes one client frame, routes it, and queues the reply. Size
// limits are enforced on the encoded bytes before decoding.
func (g *Gateway) dispatch(ctx context.Context, inst *actor.Instance, conn *actor.Conn, data []byte) {
	frame, err := wire.DecodeToServer(data, conn.Encoding, g.opts.MaxIncomingBytes)
	if err != nil {
		g.reply(ctx, inst, conn, wire.ErrorFrame(err))
		return
	}

	switch {
	case frame.Body.ActionRequest != nil:
		req := frame.Body.ActionRequest
		output, err := inst.InvokeAction(ctx, conn, req.Name, req.Args)
		if err != nil {
			g.reply(ctx, inst, conn, wire.ErrorFrame(errs.From(err).WithActionID(req.ID)))
			return
		}
		g.reply(ctx, inst, conn, &wire.ToClient{Body: wire.ToClientBody{
			ActionResponse: &wire.ActionResponse{ID: req.ID, Output: output},
		}})

	case frame.Body.SubscriptionRequest != nil:
		req := frame.Body.SubscriptionRequest
		if err := inst.Subscribe(ctx, conn, req.EventName, req.Subscribe); err != nil {
			g.reply(ctx, inst, conn, wire.ErrorFrame(err))
		}

	default:
		g.reply(ctx, inst, conn, wire.ErrorFrame(errs.InvalidRequest("empty frame body")))
	}
}

// reply enqueues a server frame, disconnecting the connection on
// backpressure overflow.
func (g *Gateway) reply(ctx context.Context, inst *actor.Instance, conn *actor.Conn, frame *wire.ToClient) {
	if err := conn.EnqueueFrame(frame, g.opts.MaxOutgoingBytes); err != nil {
		g.logger.WithError(err).Warn("dropping connection")
		_ = inst.Disconnect(ctx, conn, "backpressure overflow")
	}
}
