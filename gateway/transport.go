package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/wire"
)

const closeHandshakeTimeout = 5 * time.Second

// wsTransport adapts a gorilla websocket connection to the actor transport
// contract. Close performs the full handshake: it sends a close frame and
// waits for the peer's close before returning.
type wsTransport struct {
	conn *websocket.Conn
	enc  wire.Encoding

	writeMu sync.Mutex
	// peerClosed is closed by the read loop once the peer's close frame (or
	// a read error) was observed.
	peerClosed chan struct{}
	closeOnce  sync.Once
}

func newWSTransport(conn *websocket.Conn, enc wire.Encoding) *wsTransport {
	return &wsTransport{conn: conn, enc: enc, peerClosed: make(chan struct{})}
}

func (t *wsTransport) Kind() actor.TransportKind { return actor.TransportWebSocket }
func (t *wsTransport) Hibernatable() bool        { return true }

func (t *wsTransport) Send(data []byte) error {
	messageType := websocket.TextMessage
	if t.enc == wire.EncodingBare {
		messageType = websocket.BinaryMessage
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		deadline := time.Now().Add(closeHandshakeTimeout)
		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		t.writeMu.Unlock()

		select {
		case <-t.peerClosed:
		case <-time.After(closeHandshakeTimeout):
		}
		if cErr := t.conn.Close(); err == nil {
			err = cErr
		}
	})
	return err
}

// markPeerClosed is called by the read loop when the peer went away.
func (t *wsTransport) markPeerClosed() {
	select {
	case <-t.peerClosed:
	default:
		close(t.peerClosed)
	}
}

// httpTransport is the one-shot connection backing HTTP action endpoints. It
// swallows frames: the response body travels back through the handler, not
// the framed channel.
type httpTransport struct{}

func (httpTransport) Kind() actor.TransportKind    { return actor.TransportHTTP }
func (httpTransport) Hibernatable() bool           { return false }
func (httpTransport) Send([]byte) error            { return nil }
func (httpTransport) Close(int, string) error      { return nil }

// rawWSAdapter hands a raw websocket to user handlers.
type rawWSAdapter struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (a *rawWSAdapter) ReadMessage() ([]byte, error) {
	_, data, err := a.conn.ReadMessage()
	return data, err
}

func (a *rawWSAdapter) WriteMessage(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (a *rawWSAdapter) Close() error { return a.conn.Close() }
