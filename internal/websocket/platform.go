package websocket

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaynet"
)

// Platform converts upgraded gorilla connections into transports.
type Platform struct {
	opts ConnOptions
}

var _ relaynet.Platform[*websocket.Conn] = (*Platform)(nil)

func NewPlatform(opts ConnOptions) *Platform {
	return &Platform{opts: opts}
}

func (p *Platform) Convert(conn *websocket.Conn) (relaynet.Transport, error) {
	if conn == nil {
		return nil, errors.New("websocket: nil connection")
	}
	return NewConn(conn, p.opts), nil
}

// NewUniqueID returns a random UUID.
func (p *Platform) NewUniqueID() string {
	return uuid.NewString()
}

func (p *Platform) Async() bool { return true }

// NewUpgrader returns the upgrader used for incoming connections.
// The server uses read/write buffer sizes of 1024 bytes.
func NewUpgrader(checkOrigin CheckOriginFn) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// IsUpgrade reports whether r asks for a websocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
