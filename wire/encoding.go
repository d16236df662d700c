package wire

import (
	"net/url"
	"strings"

	"github.com/rivet-dev/rivetkit-go/errs"
)

// Encoding selects the serialization of framed traffic.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingBare Encoding = "bare"
)

// Content types per encoding. JSON stays a text type so curl output is
// readable; bare is an opaque octet stream.
const (
	ContentTypeJSON = "application/json"
	ContentTypeBare = "application/octet-stream"
)

// HTTP headers carrying connection metadata alongside the request body.
const (
	HeaderEncoding   = "x-rivetkit-encoding"
	HeaderConnParams = "x-rivetkit-conn-params"
	HeaderActorQuery = "x-rivetkit-actor-query"
)

// WebSocket subprotocol token prefixes negotiating encoding and params.
const (
	SubprotocolEncPrefix    = "rivetkit.enc."
	SubprotocolParamsPrefix = "rivetkit.params."
)

// ContentType returns the negotiated MIME type for an encoding.
func ContentType(enc Encoding) string {
	if enc == EncodingBare {
		return ContentTypeBare
	}
	return ContentTypeJSON
}

// ParseEncoding validates an encoding token. The empty token defaults to json
// to keep plain HTTP clients usable.
func ParseEncoding(token string) (Encoding, error) {
	switch token {
	case "", string(EncodingJSON):
		return EncodingJSON, nil
	case string(EncodingBare):
		return EncodingBare, nil
	default:
		return "", errs.InvalidEncoding(token)
	}
}

// NegotiateSubprotocols inspects the client's websocket subprotocol offers and
// extracts the requested encoding and url-encoded connection params. Absent
// offers default to json with no params. The returned accepted token is the
// encoding subprotocol to echo back in the handshake, or empty.
func NegotiateSubprotocols(offers []string) (enc Encoding, params []byte, accepted string, err error) {
	enc = EncodingJSON
	for _, offer := range offers {
		offer = strings.TrimSpace(offer)
		switch {
		case strings.HasPrefix(offer, SubprotocolEncPrefix):
			enc, err = ParseEncoding(strings.TrimPrefix(offer, SubprotocolEncPrefix))
			if err != nil {
				return "", nil, "", err
			}
			accepted = offer
		case strings.HasPrefix(offer, SubprotocolParamsPrefix):
			raw := strings.TrimPrefix(offer, SubprotocolParamsPrefix)
			decoded, dErr := url.QueryUnescape(raw)
			if dErr != nil {
				return "", nil, "", errs.InvalidParams("params subprotocol is not url-encoded")
			}
			params = []byte(decoded)
		}
	}
	return enc, params, accepted, nil
}
