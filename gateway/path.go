// Package gateway exposes actors over HTTP and WebSocket through an echo
// router: the /gateway path grammar, the protocol dispatcher, and the raw
// pass-through.
package gateway

import (
	"net/url"
	"strings"
)

// ActorPath is the parsed form of a gateway request path.
type ActorPath struct {
	ActorID string
	// Token is the optional credential after '@', percent-decoded.
	Token string
	// RemainingPath is everything after the actor segment, query string
	// included, fragment stripped.
	RemainingPath string
}

const gatewayPrefix = "/gateway/"

// ParseActorPath parses `/gateway/<actor-id>[@<token>]/<remaining…>`.
// Malformed input returns nil: empty actor or token, double slashes, or a
// case-mangled prefix. The fragment is stripped; the query string stays part
// of RemainingPath.
func ParseActorPath(raw string) *ActorPath {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	if !strings.HasPrefix(raw, gatewayPrefix) {
		return nil
	}
	if strings.Contains(raw, "//") {
		return nil
	}
	rest := raw[len(gatewayPrefix):]

	// The actor segment ends at the first slash or query string.
	end := len(rest)
	for i, ch := range rest {
		if ch == '/' || ch == '?' {
			end = i
			break
		}
	}
	segment := rest[:end]
	remaining := rest[end:]
	if segment == "" {
		return nil
	}

	idPart, tokenPart, hasToken := strings.Cut(segment, "@")
	if idPart == "" {
		return nil
	}
	if hasToken && tokenPart == "" {
		return nil
	}

	actorID, err := url.PathUnescape(idPart)
	if err != nil || actorID == "" {
		return nil
	}
	var token string
	if hasToken {
		token, err = url.PathUnescape(tokenPart)
		if err != nil || token == "" {
			return nil
		}
	}
	return &ActorPath{ActorID: actorID, Token: token, RemainingPath: remaining}
}
