package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/arve0/electric/internal/conn"
	"github.com/arve0/electric/internal/wire"
)

// closeWriteTimeout bounds how long a close control frame write may block
// before giving up on the peer.
const closeWriteTimeout = 5 * time.Second

const (
	protocolMajor = 1
	protocolMinor = 0
)

// wsUpgrader performs the HTTP-to-WebSocket upgrade. Subprotocol
// negotiation is handled manually in handleConnect rather than through
// Upgrader.Subprotocols, since electric's electric.<major>.<minor>
// scheme picks the highest mutually supported minor version rather than
// the first exact string match gorilla's default negotiation performs.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/electric/ws", s.handleConnect)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func offeredSubprotocols(r *http.Request) []string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// handleConnect is the Satellite replication websocket endpoint
// (§2, §4.1). It negotiates the protocol subprotocol, upgrades the
// connection, and drives internal/conn.Conn for the socket's lifetime.
// GET /electric/ws
func (s *Server) handleConnect(c echo.Context) error {
	offered := offeredSubprotocols(c.Request())
	chosen, err := conn.NegotiateSubprotocol(offered, protocolMajor, protocolMinor)
	if err != nil {
		return c.JSON(http.StatusUpgradeRequired, map[string]string{
			"error":   "ProtoVsnMismatch",
			"message": "no mutually supported electric.<major>.<minor> subprotocol",
		})
	}

	responseHeader := http.Header{}
	responseHeader.Set("Sec-WebSocket-Protocol", chosen)

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), responseHeader)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	electricConn := conn.New(func(f wire.Frame) error {
		return ws.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(f.Type, f.Payload))
	}, s.collab, s.log)

	ctx := c.Request().Context()
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			mt, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				// §4.1: only binary frames carry protocol messages.
				msg := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
				return
			}
			if err := electricConn.HandleInbound(ctx, raw); err != nil {
				s.log.Warn().Err(err).Msg("inbound frame handling failed")
				return
			}
			if electricConn.State() == conn.StateClosed {
				return
			}
		}
	}()

	select {
	case <-disconnected:
	case <-ctx.Done():
	}
	electricConn.Close()
	return nil
}
