// Package errs defines the error taxonomy shared by the runtime, the wire
// protocol, and the workflow engine. Every protocol-visible failure carries a
// stable group and code so clients can branch on them without parsing messages.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"os"
)

// Group classifies an error by the subsystem responsible for it.
type Group string

const (
	GroupUser      Group = "user"
	GroupTransport Group = "transport"
	GroupLifecycle Group = "lifecycle"
	GroupWorkflow  Group = "workflow"
	GroupInternal  Group = "internal"
)

// Stable error codes. These are part of the wire contract and must not change.
const (
	CodeActionNotFound   = "action_not_found"
	CodeUnknownQueue     = "unknown_queue"
	CodeInvalidEncoding  = "invalid_encoding"
	CodeInvalidParams    = "invalid_params"
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidQueryJSON = "invalid_query_json"
	CodeForbidden        = "forbidden"

	CodeIncomingMessageTooLong = "incoming_message_too_long"
	CodeOutgoingMessageTooLong = "outgoing_message_too_long"
	CodeBackpressureOverflow   = "backpressure_overflow"

	CodeActorNotFound      = "actor_not_found"
	CodeActorStopping      = "actor_stopping"
	CodeStorageUnavailable = "storage_unavailable"

	CodeWorkflowStateAccessOutsideStep = "workflow_state_access_outside_step"
	CodeWorkflowEvicted                = "workflow_evicted"
	CodeWorkflowTimedOut               = "workflow_timed_out"
	CodeWorkflowRollbackFailed         = "workflow_rollback_failed"

	CodeTraceRecordTooLarge = "trace_record_too_large"

	CodeInternalError = "internal_error"
)

// Error is the canonical runtime error. It is serialized into Error frames for
// protocol traffic and mapped onto HTTP status codes by the gateway.
type Error struct {
	Group    Group          `json:"group"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// ActionID correlates the error with the action request that caused it.
	ActionID *uint64 `json:"actionId,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Group, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithActionID returns a copy of the error bound to an action request id.
func (e *Error) WithActionID(id uint64) *Error {
	cp := *e
	cp.ActionID = &id
	return &cp
}

// WithMeta returns a copy of the error with one metadata entry added.
func (e *Error) WithMeta(key string, value any) *Error {
	cp := *e
	cp.Metadata = make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// New builds an error with an explicit group and code.
func New(group Group, code, format string, args ...any) *Error {
	return &Error{Group: group, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ActionNotFound(name string) *Error {
	return New(GroupUser, CodeActionNotFound, "no action named %q", name)
}

func UnknownQueue(name string) *Error {
	return New(GroupUser, CodeUnknownQueue, "no queue named %q", name)
}

func InvalidEncoding(token string) *Error {
	return New(GroupUser, CodeInvalidEncoding, "unsupported encoding %q", token)
}

func InvalidParams(reason string) *Error {
	return New(GroupUser, CodeInvalidParams, "invalid connection params: %s", reason)
}

func InvalidRequest(reason string) *Error {
	return New(GroupUser, CodeInvalidRequest, "invalid request: %s", reason)
}

func InvalidQueryJSON(err error) *Error {
	e := New(GroupUser, CodeInvalidQueryJSON, "invalid actor query")
	e.cause = err
	return e
}

func Forbidden(what string) *Error {
	return New(GroupUser, CodeForbidden, "forbidden: %s", what)
}

func IncomingMessageTooLong(size, max int) *Error {
	return New(GroupTransport, CodeIncomingMessageTooLong,
		"incoming message is %d bytes, limit is %d", size, max)
}

func OutgoingMessageTooLong(size, max int) *Error {
	return New(GroupTransport, CodeOutgoingMessageTooLong,
		"outgoing message is %d bytes, limit is %d", size, max)
}

func BackpressureOverflow() *Error {
	return New(GroupTransport, CodeBackpressureOverflow, "connection send queue overflowed")
}

func ActorNotFound(id string) *Error {
	return New(GroupLifecycle, CodeActorNotFound, "actor %q not found", id)
}

func ActorStopping() *Error {
	return New(GroupLifecycle, CodeActorStopping, "actor is stopping")
}

func StorageUnavailable(err error) *Error {
	e := New(GroupLifecycle, CodeStorageUnavailable, "storage unavailable")
	e.cause = err
	return e
}

func WorkflowStateAccessOutsideStep(what string) *Error {
	return New(GroupWorkflow, CodeWorkflowStateAccessOutsideStep,
		"%s accessed outside a workflow step", what)
}

func WorkflowEvicted() *Error {
	return New(GroupWorkflow, CodeWorkflowEvicted, "workflow evicted")
}

func WorkflowTimedOut(what string) *Error {
	return New(GroupWorkflow, CodeWorkflowTimedOut, "workflow timed out: %s", what)
}

func TraceRecordTooLarge(size, max int) *Error {
	return New(GroupInternal, CodeTraceRecordTooLarge,
		"trace record of %d bytes exceeds chunk limit of %d bytes", size, max)
}

func WorkflowRollbackFailed(err error) *Error {
	e := New(GroupWorkflow, CodeWorkflowRollbackFailed, "workflow rollback failed")
	e.cause = err
	return e
}

func Internal(err error) *Error {
	e := New(GroupInternal, CodeInternalError, "internal")
	e.cause = err
	return e
}

// From coerces any error into a runtime Error. Unknown errors become opaque
// internal errors so accidental detail leaks stay behind ExposeErrors.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCode reports whether err carries the given runtime error code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Retryable reports whether the caller may retry the failed operation.
// ActorStopping is the only retryable code: up to 3 attempts, 25ms apart.
func Retryable(err error) bool {
	return IsCode(err, CodeActorStopping)
}

// ExposeErrors reports whether internal error messages may be shown to
// clients. Controlled by RIVET_EXPOSE_ERRORS, with NODE_ENV=development as an
// alias for compatibility with the TypeScript SDKs.
func ExposeErrors() bool {
	if v := os.Getenv("RIVET_EXPOSE_ERRORS"); v == "1" || v == "true" {
		return true
	}
	return os.Getenv("NODE_ENV") == "development"
}

// Redacted returns the error as it should cross the wire. Internal errors get
// their message replaced unless error exposure is enabled.
func (e *Error) Redacted(expose bool) *Error {
	if e.Group != GroupInternal || expose {
		return e
	}
	cp := *e
	cp.Message = "internal"
	cp.Metadata = nil
	cp.cause = nil
	return &cp
}

// HTTPStatus maps an error to the status the gateway responds with for
// non-framed traffic.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeActionNotFound, CodeActorNotFound, CodeUnknownQueue:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeIncomingMessageTooLong:
		return http.StatusRequestEntityTooLarge
	case CodeActorStopping, CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		if e.Group == GroupUser {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
