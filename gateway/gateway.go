package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// HeaderRequestID carries the client-chosen stable request id used to
// reattach hibernatable websockets.
const HeaderRequestID = "x-rivetkit-request-id"

// Gateway routes /gateway traffic onto actor instances.
type Gateway struct {
	host    *actor.Host
	opts    actor.Options
	logger  *logrus.Entry
	limiter *rate.Limiter
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRateLimit applies a process-wide request rate limit.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(g *Gateway) { g.limiter = limiter }
}

// New builds a gateway over a host.
func New(host *actor.Host, opts actor.Options, logger *logrus.Entry, gwOpts ...Option) *Gateway {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &Gateway{
		host:   host,
		opts:   opts,
		logger: logger.WithField("component", "gateway"),
	}
	for _, opt := range gwOpts {
		opt(g)
	}
	return g
}

// Register wires the gateway routes and middleware onto an echo instance.
func (g *Gateway) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%d", g.opts.MaxIncomingBytes)))
	if g.limiter != nil {
		e.Use(g.rateLimit)
	}
	e.Any("/gateway/*", g.handle)
}

func (g *Gateway) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !g.limiter.Allow() {
			return c.NoContent(http.StatusTooManyRequests)
		}
		return next(c)
	}
}

// handle parses the gateway path grammar and routes onto the actor router.
func (g *Gateway) handle(c echo.Context) error {
	enc, err := wire.ParseEncoding(c.Request().Header.Get(wire.HeaderEncoding))
	if err != nil {
		return g.writeError(c, err)
	}

	parsed := ParseActorPath(c.Request().URL.RequestURI())
	if parsed == nil {
		return g.writeError(c, errs.InvalidRequest("malformed gateway path"))
	}
	route, _, _ := strings.Cut(parsed.RemainingPath, "?")

	switch {
	case route == "/resolve" && c.Request().Method == http.MethodPost:
		return g.handleResolve(c, enc)
	case strings.HasPrefix(route, "/action/") && c.Request().Method == http.MethodPost:
		return g.handleAction(c, enc, parsed, strings.TrimPrefix(route, "/action/"))
	case route == "/queue-send" || strings.HasPrefix(route, "/queue-send/"):
		if c.Request().Method != http.MethodPost {
			return c.NoContent(http.StatusMethodNotAllowed)
		}
		return g.handleQueueSend(c, enc, parsed, strings.TrimPrefix(strings.TrimPrefix(route, "/queue-send"), "/"))
	case route == "/websocket" || strings.HasPrefix(route, "/websocket/"):
		return g.handleWebSocket(c, parsed)
	case route == "/raw" || strings.HasPrefix(route, "/raw/"):
		return g.handleRaw(c, parsed, strings.TrimPrefix(route, "/raw"))
	default:
		return g.writeError(c, errs.InvalidRequest("unknown gateway route "+route))
	}
}

// actorQuery is the x-rivetkit-actor-query header payload.
type actorQuery struct {
	Name string   `json:"name"`
	Key  []string `json:"key"`
}

func (g *Gateway) handleResolve(c echo.Context, enc wire.Encoding) error {
	raw := c.Request().Header.Get(wire.HeaderActorQuery)
	if raw == "" {
		return g.writeError(c, errs.InvalidRequest("missing "+wire.HeaderActorQuery+" header"))
	}
	var query actorQuery
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		return g.writeError(c, errs.InvalidQueryJSON(err))
	}
	actorID, err := g.host.Resolve(c.Request().Context(), query.Name, query.Key)
	if err != nil {
		return g.writeError(c, err)
	}
	return g.writeBody(c, enc, &wire.HTTPResolveResponse{ActorID: actorID})
}

func (g *Gateway) handleAction(c echo.Context, enc wire.Encoding, parsed *ActorPath, name string) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return g.writeError(c, errs.InvalidRequest(err.Error()))
	}
	var req wire.HTTPActionRequest
	if err := wire.DecodeBody(body, enc, g.opts.MaxIncomingBytes, &req); err != nil {
		return g.writeError(c, err)
	}

	inst, err := g.host.GetOrLoad(c.Request().Context(), parsed.ActorID)
	if err != nil {
		return g.writeError(c, err)
	}

	// HTTP actions run over a fresh one-shot connection.
	params := connParams(c)
	conn, err := inst.Connect(c.Request().Context(), "", params, enc, httpTransport{})
	if err != nil {
		return g.writeError(c, err)
	}
	defer func() {
		_ = inst.Disconnect(c.Request().Context(), conn, "http one-shot")
	}()

	output, err := inst.InvokeAction(c.Request().Context(), conn, name, req.Args)
	if err != nil {
		return g.writeError(c, err)
	}
	return g.writeBody(c, enc, &wire.HTTPActionResponse{Output: output})
}

func (g *Gateway) handleQueueSend(c echo.Context, enc wire.Encoding, parsed *ActorPath, pathName string) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return g.writeError(c, errs.InvalidRequest(err.Error()))
	}
	var req wire.HTTPQueueSendRequest
	if err := wire.DecodeBody(body, enc, g.opts.MaxIncomingBytes, &req); err != nil {
		return g.writeError(c, err)
	}
	name := req.Name
	if pathName != "" {
		name = pathName
	}
	if name == "" {
		return g.writeError(c, errs.InvalidRequest("queue name missing from path and body"))
	}

	inst, err := g.host.GetOrLoad(c.Request().Context(), parsed.ActorID)
	if err != nil {
		return g.writeError(c, err)
	}

	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	status, response, err := inst.Queues().SendAndWait(c.Request().Context(), name, req.Body, req.Wait, timeout)
	if err != nil {
		return g.writeError(c, err)
	}
	return g.writeBody(c, enc, &wire.HTTPQueueSendResponse{
		Status:   string(status),
		Response: response,
	})
}

func (g *Gateway) handleWebSocket(c echo.Context, parsed *ActorPath) error {
	offers := websocket.Subprotocols(c.Request())
	enc, params, accepted, err := wire.NegotiateSubprotocols(offers)
	if err != nil {
		return g.writeError(c, err)
	}
	if params == nil {
		params = connParams(c)
	}

	inst, err := g.host.GetOrLoad(c.Request().Context(), parsed.ActorID)
	if err != nil {
		return g.writeError(c, err)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if accepted != "" {
		upgrader.Subprotocols = []string{accepted}
	}
	wsConn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the handshake failure.
	}

	requestID := c.Request().Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	transport := newWSTransport(wsConn, enc)
	conn, err := inst.Connect(c.Request().Context(), requestID, params, enc, transport)
	if err != nil {
		frame, eErr := wire.EncodeToClient(wire.ErrorFrame(err), enc, g.opts.MaxOutgoingBytes)
		if eErr == nil {
			_ = transport.Send(frame)
		}
		_ = transport.Close(closePolicyViolation, "connect rejected")
		return nil
	}

	g.readLoop(c, inst, conn, transport, wsConn)
	return nil
}

const closePolicyViolation = 1008

// readLoop pumps client frames into the dispatcher until the peer goes away.
// Frames are processed in receive order.
func (g *Gateway) readLoop(c echo.Context, inst *actor.Instance, conn *actor.Conn, transport *wsTransport, wsConn *websocket.Conn) {
	ctx := c.Request().Context()
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			transport.markPeerClosed()
			if conn.Hibernatable() && !inst.Stopped() {
				// The logical connection survives; reattach happens by
				// request id on the next upgrade.
				return
			}
			_ = inst.Disconnect(ctx, conn, "transport closed")
			return
		}
		g.dispatch(ctx, inst, conn, data)
	}
}

// connParams reads connection params from the HTTP header.
func connParams(c echo.Context) json.RawMessage {
	if raw := c.Request().Header.Get(wire.HeaderConnParams); raw != "" {
		return json.RawMessage(raw)
	}
	return nil
}

func (g *Gateway) handleRaw(c echo.Context, parsed *ActorPath, rest string) error {
	inst, err := g.host.GetOrLoad(c.Request().Context(), parsed.ActorID)
	if err != nil {
		return g.writeError(c, err)
	}
	if rest == "" {
		rest = "/"
	}

	if strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket") {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		wsConn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return nil
		}
		req := &actor.RawRequest{
			Method:  c.Request().Method,
			Path:    rest,
			Headers: c.Request().Header,
		}
		if err := inst.HandleRawWS(c.Request().Context(), nil, &rawWSAdapter{conn: wsConn}, req); err != nil {
			g.logger.WithError(err).Debug("raw websocket handler ended")
		}
		_ = wsConn.Close()
		return nil
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return g.writeError(c, errs.InvalidRequest(err.Error()))
	}
	resp, err := inst.HandleRaw(c.Request().Context(), nil, &actor.RawRequest{
		Method:  c.Request().Method,
		Path:    rest,
		Headers: c.Request().Header,
		Body:    body,
	})
	if err != nil {
		return g.writeError(c, err)
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			c.Response().Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return c.Blob(status, c.Response().Header().Get(echo.HeaderContentType), resp.Body)
}

// writeBody responds with an HTTP one-shot body in the negotiated encoding.
func (g *Gateway) writeBody(c echo.Context, enc wire.Encoding, v any) error {
	data, err := wire.EncodeBody(v, enc)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.Blob(http.StatusOK, wire.ContentType(enc), data)
}

// writeError maps a runtime error onto an HTTP status with the redacted wire
// error body. Error bodies are always JSON for debuggability.
func (g *Gateway) writeError(c echo.Context, err error) error {
	e := errs.From(err)
	return c.JSON(e.HTTPStatus(), wire.NewErrorBody(err))
}
