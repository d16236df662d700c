package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/rivetkit-go/errs"
)

// Seal wraps a payload in the versioned-frame envelope:
// uvarint(version) followed by the payload bytes.
func Seal(payload []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], ProtocolVersion)
	out := make([]byte, 0, n+len(payload))
	out = append(out, tmp[:n]...)
	return append(out, payload...)
}

// Open unwraps a versioned frame, failing loudly on unknown versions.
func Open(data []byte) ([]byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("wire: missing version prefix")
	}
	if v != ProtocolVersion {
		return nil, fmt.Errorf("wire: unknown frame version %d", v)
	}
	return data[n:], nil
}

// Bare union tags. Tag order is fixed; appending new variants is the only
// permitted evolution.
const (
	tagToClientInit           = 1
	tagToClientError          = 2
	tagToClientActionResponse = 3
	tagToClientEvent          = 4

	tagToServerActionRequest       = 1
	tagToServerSubscriptionRequest = 2
)

// EncodeToClient serializes a server-to-client frame, enforcing the outgoing
// size limit. A limit of 0 disables the check.
func EncodeToClient(f *ToClient, enc Encoding, maxSize int) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch enc {
	case EncodingBare:
		data, err = encodeToClientBare(f)
	default:
		data, err = json.Marshal(f)
	}
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, errs.OutgoingMessageTooLong(len(data), maxSize)
	}
	return data, nil
}

// DecodeToClient parses a server-to-client frame. Used by the in-repo client
// and by tests; servers only encode this direction.
func DecodeToClient(data []byte, enc Encoding) (*ToClient, error) {
	if enc == EncodingBare {
		return decodeToClientBare(data)
	}
	var f ToClient
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.InvalidRequest(err.Error())
	}
	return &f, nil
}

// EncodeToServer serializes a client-to-server frame.
func EncodeToServer(f *ToServer, enc Encoding) ([]byte, error) {
	if enc == EncodingBare {
		return encodeToServerBare(f)
	}
	return json.Marshal(f)
}

// DecodeToServer parses a client-to-server frame, enforcing the incoming size
// limit before any decoding work happens.
func DecodeToServer(data []byte, enc Encoding, maxSize int) (*ToServer, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, errs.IncomingMessageTooLong(len(data), maxSize)
	}
	if enc == EncodingBare {
		return decodeToServerBare(data)
	}
	var f ToServer
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.InvalidRequest(err.Error())
	}
	if f.Body.ActionRequest == nil && f.Body.SubscriptionRequest == nil {
		return nil, errs.InvalidRequest("frame body has no known variant")
	}
	return &f, nil
}

func encodeToClientBare(f *ToClient) ([]byte, error) {
	w := &bareWriter{}
	switch b := f.Body; {
	case b.Init != nil:
		w.uint(tagToClientInit)
		w.string(b.Init.ActorID)
		w.string(b.Init.ConnectionID)
	case b.Error != nil:
		w.uint(tagToClientError)
		w.string(b.Error.Group)
		w.string(b.Error.Code)
		w.string(b.Error.Message)
		w.present(b.Error.Metadata != nil)
		if b.Error.Metadata != nil {
			w.bytes(b.Error.Metadata)
		}
		w.present(b.Error.ActionID != nil)
		if b.Error.ActionID != nil {
			w.u64(*b.Error.ActionID)
		}
	case b.ActionResponse != nil:
		w.uint(tagToClientActionResponse)
		w.u64(b.ActionResponse.ID)
		w.bytes(b.ActionResponse.Output)
	case b.Event != nil:
		w.uint(tagToClientEvent)
		w.string(b.Event.Name)
		w.bytes(b.Event.Args)
	default:
		return nil, fmt.Errorf("wire: ToClient frame has no body variant")
	}
	return Seal(w.buf.Bytes()), nil
}

func decodeToClientBare(data []byte) (*ToClient, error) {
	payload, err := Open(data)
	if err != nil {
		return nil, err
	}
	r := &bareReader{data: payload}
	tag, err := r.uint()
	if err != nil {
		return nil, err
	}
	var f ToClient
	switch tag {
	case tagToClientInit:
		v := &Init{}
		if v.ActorID, err = r.string(); err != nil {
			return nil, err
		}
		if v.ConnectionID, err = r.string(); err != nil {
			return nil, err
		}
		f.Body.Init = v
	case tagToClientError:
		v := &ErrorBody{}
		if v.Group, err = r.string(); err != nil {
			return nil, err
		}
		if v.Code, err = r.string(); err != nil {
			return nil, err
		}
		if v.Message, err = r.string(); err != nil {
			return nil, err
		}
		ok, err := r.present()
		if err != nil {
			return nil, err
		}
		if ok {
			if v.Metadata, err = r.bytes(); err != nil {
				return nil, err
			}
		}
		if ok, err = r.present(); err != nil {
			return nil, err
		}
		if ok {
			id, err := r.u64()
			if err != nil {
				return nil, err
			}
			v.ActionID = &id
		}
		f.Body.Error = v
	case tagToClientActionResponse:
		v := &ActionResponse{}
		if v.ID, err = r.u64(); err != nil {
			return nil, err
		}
		if v.Output, err = r.bytes(); err != nil {
			return nil, err
		}
		f.Body.ActionResponse = v
	case tagToClientEvent:
		v := &Event{}
		if v.Name, err = r.string(); err != nil {
			return nil, err
		}
		if v.Args, err = r.bytes(); err != nil {
			return nil, err
		}
		f.Body.Event = v
	default:
		return nil, fmt.Errorf("wire: unknown ToClient tag %d", tag)
	}
	return &f, nil
}

func encodeToServerBare(f *ToServer) ([]byte, error) {
	w := &bareWriter{}
	switch b := f.Body; {
	case b.ActionRequest != nil:
		w.uint(tagToServerActionRequest)
		w.u64(b.ActionRequest.ID)
		w.string(b.ActionRequest.Name)
		w.bytes(b.ActionRequest.Args)
	case b.SubscriptionRequest != nil:
		w.uint(tagToServerSubscriptionRequest)
		w.string(b.SubscriptionRequest.EventName)
		w.bool(b.SubscriptionRequest.Subscribe)
	default:
		return nil, fmt.Errorf("wire: ToServer frame has no body variant")
	}
	return Seal(w.buf.Bytes()), nil
}

func decodeToServerBare(data []byte) (*ToServer, error) {
	payload, err := Open(data)
	if err != nil {
		return nil, errs.InvalidRequest(err.Error())
	}
	r := &bareReader{data: payload}
	tag, err := r.uint()
	if err != nil {
		return nil, errs.InvalidRequest(err.Error())
	}
	var f ToServer
	switch tag {
	case tagToServerActionRequest:
		v := &ActionRequest{}
		if v.ID, err = r.u64(); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
		if v.Name, err = r.string(); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
		if v.Args, err = r.bytes(); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
		f.Body.ActionRequest = v
	case tagToServerSubscriptionRequest:
		v := &SubscriptionRequest{}
		if v.EventName, err = r.string(); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
		if v.Subscribe, err = r.bool(); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
		f.Body.SubscriptionRequest = v
	default:
		return nil, errs.InvalidRequest(fmt.Sprintf("unknown ToServer tag %d", tag))
	}
	return &f, nil
}

// EncodeBody serializes an HTTP one-shot body in the negotiated encoding.
func EncodeBody(v any, enc Encoding) ([]byte, error) {
	if enc != EncodingBare {
		return json.Marshal(v)
	}
	w := &bareWriter{}
	switch b := v.(type) {
	case *HTTPActionRequest:
		w.bytes(b.Args)
	case *HTTPActionResponse:
		w.bytes(b.Output)
	case *HTTPQueueSendRequest:
		w.present(b.Name != "")
		if b.Name != "" {
			w.string(b.Name)
		}
		w.bytes(b.Body)
		w.bool(b.Wait)
		w.i64(b.TimeoutMs)
	case *HTTPQueueSendResponse:
		w.string(b.Status)
		w.present(b.Response != nil)
		if b.Response != nil {
			w.bytes(b.Response)
		}
	case *HTTPResolveRequest:
		// empty body
	case *HTTPResolveResponse:
		w.string(b.ActorID)
	default:
		return nil, fmt.Errorf("wire: no bare layout for %T", v)
	}
	return Seal(w.buf.Bytes()), nil
}

// DecodeBody parses an HTTP one-shot body in the negotiated encoding,
// enforcing the incoming size limit.
func DecodeBody(data []byte, enc Encoding, maxSize int, v any) error {
	if maxSize > 0 && len(data) > maxSize {
		return errs.IncomingMessageTooLong(len(data), maxSize)
	}
	if enc != EncodingBare {
		if len(data) == 0 {
			data = []byte("{}")
		}
		if err := json.Unmarshal(data, v); err != nil {
			return errs.InvalidRequest(err.Error())
		}
		return nil
	}
	payload, err := Open(data)
	if err != nil {
		return errs.InvalidRequest(err.Error())
	}
	r := &bareReader{data: payload}
	switch b := v.(type) {
	case *HTTPActionRequest:
		if b.Args, err = r.bytes(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
	case *HTTPActionResponse:
		if b.Output, err = r.bytes(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
	case *HTTPQueueSendRequest:
		ok, pErr := r.present()
		if pErr != nil {
			return errs.InvalidRequest(pErr.Error())
		}
		if ok {
			if b.Name, err = r.string(); err != nil {
				return errs.InvalidRequest(err.Error())
			}
		}
		if b.Body, err = r.bytes(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
		if b.Wait, err = r.bool(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
		if b.TimeoutMs, err = r.i64(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
	case *HTTPQueueSendResponse:
		if b.Status, err = r.string(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
		ok, pErr := r.present()
		if pErr != nil {
			return errs.InvalidRequest(pErr.Error())
		}
		if ok {
			if b.Response, err = r.bytes(); err != nil {
				return errs.InvalidRequest(err.Error())
			}
		}
	case *HTTPResolveRequest:
		// empty body
	case *HTTPResolveResponse:
		if b.ActorID, err = r.string(); err != nil {
			return errs.InvalidRequest(err.Error())
		}
	default:
		return fmt.Errorf("wire: no bare layout for %T", v)
	}
	return nil
}
