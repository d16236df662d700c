// Package wire defines the framed protocol spoken between clients and actors,
// in two interchangeable encodings (json and bare), plus the versioned-frame
// envelope used for every persisted record whose layout may evolve.
package wire

import (
	"encoding/json"

	"github.com/rivet-dev/rivetkit-go/errs"
)

// ProtocolVersion is the current wire schema version. Frames and persisted
// records carry it as a uvarint prefix; unknown versions fail loudly.
const ProtocolVersion = 1

// ToClient is a server-to-client frame. Exactly one body variant is set.
type ToClient struct {
	Body ToClientBody `json:"body"`
}

// ToClientBody is the tagged union of server-to-client variants.
type ToClientBody struct {
	Init           *Init           `json:"init,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
	ActionResponse *ActionResponse `json:"actionResponse,omitempty"`
	Event          *Event          `json:"event,omitempty"`
}

// Init is the first frame on every connection, confirming the handshake.
type Init struct {
	ActorID      string `json:"actorId"`
	ConnectionID string `json:"connectionId"`
}

// ErrorBody carries a runtime error across the wire.
type ErrorBody struct {
	Group    string          `json:"group"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	ActionID *uint64         `json:"actionId,omitempty"`
}

// ActionResponse answers the ActionRequest with the same id.
type ActionResponse struct {
	ID     uint64          `json:"id"`
	Output json.RawMessage `json:"output"`
}

// Event is a broadcast delivered to subscribed connections.
type Event struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToServer is a client-to-server frame. Exactly one body variant is set.
type ToServer struct {
	Body ToServerBody `json:"body"`
}

// ToServerBody is the tagged union of client-to-server variants.
type ToServerBody struct {
	ActionRequest       *ActionRequest       `json:"actionRequest,omitempty"`
	SubscriptionRequest *SubscriptionRequest `json:"subscriptionRequest,omitempty"`
}

// ActionRequest invokes a named action. ID correlates the response.
type ActionRequest struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// SubscriptionRequest toggles delivery of one broadcast event name.
type SubscriptionRequest struct {
	EventName string `json:"eventName"`
	Subscribe bool   `json:"subscribe"`
}

// HTTP one-shot bodies. These reuse the frame encodings but are not part of
// the two framed channels.

type HTTPActionRequest struct {
	Args json.RawMessage `json:"args"`
}

type HTTPActionResponse struct {
	Output json.RawMessage `json:"output"`
}

type HTTPQueueSendRequest struct {
	Name string          `json:"name,omitempty"`
	Body json.RawMessage `json:"body"`
	Wait bool            `json:"wait,omitempty"`
	// TimeoutMs bounds how long a wait=true request blocks for completion.
	TimeoutMs int64 `json:"timeout,omitempty"`
}

// Queue-send terminal statuses.
const (
	QueueSendStatusSent      = "sent"
	QueueSendStatusCompleted = "completed"
	QueueSendStatusTimedOut  = "timedOut"
)

type HTTPQueueSendResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type HTTPResolveRequest struct{}

type HTTPResolveResponse struct {
	ActorID string `json:"actorId"`
}

// NewErrorBody converts a runtime error into its wire form, applying the
// expose-errors redaction policy.
func NewErrorBody(err error) *ErrorBody {
	e := errs.From(err).Redacted(errs.ExposeErrors())
	body := &ErrorBody{
		Group:    string(e.Group),
		Code:     e.Code,
		Message:  e.Message,
		ActionID: e.ActionID,
	}
	if len(e.Metadata) > 0 {
		if raw, mErr := json.Marshal(e.Metadata); mErr == nil {
			body.Metadata = raw
		}
	}
	return body
}

// ErrorFrame wraps an error into a complete server-to-client frame.
func ErrorFrame(err error) *ToClient {
	return &ToClient{Body: ToClientBody{Error: NewErrorBody(err)}}
}

// EventFrame wraps a broadcast into a complete server-to-client frame.
func EventFrame(name string, args json.RawMessage) *ToClient {
	return &ToClient{Body: ToClientBody{Event: &Event{Name: name, Args: args}}}
}
