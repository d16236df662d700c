// Package client talks to a rivetkit gateway over HTTP. It implements the
// same resolve/action surface actors use for cross-actor calls, so a handle
// works identically in-process and across the network.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// Client is a gateway-backed actor client. It is safe for concurrent use.
type Client struct {
	endpoint string
	token    string
	enc      wire.Encoding
	http     *http.Client
	logger   *logrus.Entry
}

// Option customizes a Client.
type Option func(*Client)

// WithEncoding selects the wire encoding for request and response bodies.
func WithEncoding(enc wire.Encoding) Option {
	return func(c *Client) { c.enc = enc }
}

// WithToken attaches a connection token to every actor path.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger scopes client logs.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client for a gateway base URL such as http://localhost:6420.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		enc:      wire.EncodingJSON,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "client")
	return c
}

// actorURL builds /gateway/<id>[@token]<rest> against the endpoint.
func (c *Client) actorURL(actorID, rest string) string {
	seg := url.PathEscape(actorID)
	if c.token != "" {
		seg += "@" + url.PathEscape(c.token)
	}
	return c.endpoint + "/gateway/" + seg + rest
}

// Resolve maps a definition name and key tuple onto a stable actor id.
func (c *Client) Resolve(ctx context.Context, definition string, key []string) (string, error) {
	query, err := json.Marshal(map[string]any{"name": definition, "key": key})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actorURL("-", "/resolve"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(wire.HeaderActorQuery, string(query))

	var resp wire.HTTPResolveResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.ActorID, nil
}

// Action invokes a named action on an actor and returns its output.
func (c *Client) Action(ctx context.Context, actorID, action string, args json.RawMessage) (json.RawMessage, error) {
	body, err := wire.EncodeBody(&wire.HTTPActionRequest{Args: args}, c.enc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.actorURL(actorID, "/action/"+url.PathEscape(action)), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var resp wire.HTTPActionResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// QueueSend enqueues a message. With wait set, it blocks until the actor
// completes the message or timeout elapses.
func (c *Client) QueueSend(ctx context.Context, actorID, queue string, body json.RawMessage, wait bool, timeout time.Duration) (*wire.HTTPQueueSendResponse, error) {
	payload, err := wire.EncodeBody(&wire.HTTPQueueSendRequest{
		Body:      body,
		Wait:      wait,
		TimeoutMs: timeout.Milliseconds(),
	}, c.enc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.actorURL(actorID, "/queue-send/"+url.PathEscape(queue)), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp wire.HTTPQueueSendResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends the request with the negotiated encoding and decodes either the
// expected body or a protocol error.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(wire.HeaderEncoding, string(c.enc))
	req.Header.Set("Content-Type", wire.ContentType(c.enc))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Error bodies are always JSON, independent of the encoding.
		var body wire.ErrorBody
		if jErr := json.Unmarshal(data, &body); jErr == nil && body.Code != "" {
			e := errs.New(errs.Group(body.Group), body.Code, "%s", body.Message)
			if len(body.Metadata) > 0 {
				var meta map[string]any
				if json.Unmarshal(body.Metadata, &meta) == nil {
					for k, v := range meta {
						e = e.WithMeta(k, v)
					}
				}
			}
			return e
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return wire.DecodeBody(data, c.enc, 0, out)
}
