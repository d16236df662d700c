package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/rivetkit-go/errs"
)

func TestToClientRoundTrip(t *testing.T) {
	actionID := uint64(9)
	frames := []*ToClient{
		{Body: ToClientBody{Init: &Init{ActorID: "a-1", ConnectionID: "c-1"}}},
		{Body: ToClientBody{Error: &ErrorBody{
			Group:    "user",
			Code:     errs.CodeActionNotFound,
			Message:  `no action named "x"`,
			Metadata: json.RawMessage(`{"name":"x"}`),
			ActionID: &actionID,
		}}},
		{Body: ToClientBody{ActionResponse: &ActionResponse{ID: 42, Output: json.RawMessage(`{"count":1}`)}}},
		{Body: ToClientBody{Event: &Event{Name: "changed", Args: json.RawMessage(`1`)}}},
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingBare} {
		for _, f := range frames {
			data, err := EncodeToClient(f, enc, 0)
			require.NoError(t, err)

			got, err := DecodeToClient(data, enc)
			require.NoError(t, err)
			assert.Equal(t, f, got, "encoding %s", enc)
		}
	}
}

func TestToServerRoundTrip(t *testing.T) {
	frames := []*ToServer{
		{Body: ToServerBody{ActionRequest: &ActionRequest{ID: 7, Name: "increment", Args: json.RawMessage(`1`)}}},
		{Body: ToServerBody{SubscriptionRequest: &SubscriptionRequest{EventName: "changed", Subscribe: true}}},
		{Body: ToServerBody{SubscriptionRequest: &SubscriptionRequest{EventName: "changed", Subscribe: false}}},
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingBare} {
		for _, f := range frames {
			data, err := EncodeToServer(f, enc)
			require.NoError(t, err)

			got, err := DecodeToServer(data, enc, 0)
			require.NoError(t, err)
			assert.Equal(t, f, got, "encoding %s", enc)
		}
	}
}

func TestSizeLimits(t *testing.T) {
	big := make(json.RawMessage, 0, 2048)
	big = append(big, '"')
	for i := 0; i < 2000; i++ {
		big = append(big, 'x')
	}
	big = append(big, '"')

	out := &ToClient{Body: ToClientBody{Event: &Event{Name: "e", Args: big}}}
	_, err := EncodeToClient(out, EncodingJSON, 64)
	assert.True(t, errs.IsCode(err, errs.CodeOutgoingMessageTooLong))

	in := &ToServer{Body: ToServerBody{ActionRequest: &ActionRequest{ID: 1, Name: "a", Args: big}}}
	data, err := EncodeToServer(in, EncodingJSON)
	require.NoError(t, err)
	_, err = DecodeToServer(data, EncodingJSON, 64)
	assert.True(t, errs.IsCode(err, errs.CodeIncomingMessageTooLong))
}

func TestVersionedEnvelope(t *testing.T) {
	payload := []byte("payload")
	sealed := Seal(payload)

	got, err := Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// An unknown version must fail loudly, not be skipped.
	bad := append([]byte{0x7f}, payload...)
	_, err = Open(bad)
	assert.Error(t, err)
}

func TestHTTPBodiesRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingBare} {
		req := &HTTPQueueSendRequest{
			Name:      "work",
			Body:      json.RawMessage(`{"job":1}`),
			Wait:      true,
			TimeoutMs: 10_000,
		}
		data, err := EncodeBody(req, enc)
		require.NoError(t, err)

		var got HTTPQueueSendRequest
		require.NoError(t, DecodeBody(data, enc, 0, &got))
		assert.Equal(t, *req, got, "encoding %s", enc)

		resp := &HTTPQueueSendResponse{Status: QueueSendStatusCompleted, Response: json.RawMessage(`{"ok":true}`)}
		data, err = EncodeBody(resp, enc)
		require.NoError(t, err)

		var gotResp HTTPQueueSendResponse
		require.NoError(t, DecodeBody(data, enc, 0, &gotResp))
		assert.Equal(t, *resp, gotResp, "encoding %s", enc)
	}
}

func TestDecodeToServer_RejectsUnknownVariant(t *testing.T) {
	_, err := DecodeToServer([]byte(`{"body":{}}`), EncodingJSON, 0)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidRequest))
}

func TestNegotiateSubprotocols(t *testing.T) {
	tests := []struct {
		name       string
		offers     []string
		wantEnc    Encoding
		wantParams string
		wantErr    bool
	}{
		{name: "Empty", offers: nil, wantEnc: EncodingJSON},
		{name: "Bare", offers: []string{"rivetkit.enc.bare"}, wantEnc: EncodingBare},
		{
			name:       "ParamsAndEncoding",
			offers:     []string{"rivetkit.enc.json", "rivetkit.params.%7B%22room%22%3A%2242%22%7D"},
			wantEnc:    EncodingJSON,
			wantParams: `{"room":"42"}`,
		},
		{name: "UnknownEncoding", offers: []string{"rivetkit.enc.msgpack"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, params, _, err := NegotiateSubprotocols(tt.offers)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEnc, enc)
			assert.Equal(t, tt.wantParams, string(params))
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, ContentTypeJSON, ContentType(EncodingJSON))
	assert.Equal(t, ContentTypeBare, ContentType(EncodingBare))
}
