package netconn

import (
	"errors"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
)

// Platform converts raw upgraded connections into synchronous transports.
type Platform struct {
	opts Options
}

var _ relaynet.Platform[net.Conn] = (*Platform)(nil)

func NewPlatform(opts Options) *Platform {
	return &Platform{opts: opts}
}

func (p *Platform) Convert(conn net.Conn) (relaynet.Transport, error) {
	if conn == nil {
		return nil, errors.New("netconn: nil connection")
	}
	return NewConn(conn, p.opts), nil
}

func (p *Platform) NewUniqueID() string {
	return uuid.NewString()
}

func (p *Platform) Async() bool { return false }

// Handler upgrades each request and passes the hijacked connection to
// onConn. Failed upgrades are answered by the upgrader itself.
func Handler(onConn func(r *http.Request, conn net.Conn), logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "netconn").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
			return
		}
		onConn(r, conn)
	})
}
