package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Authenticator resolves the handshake request to an identity. Returning an
// error refuses the upgrade with 401.
type Authenticator func(r *http.Request) (Identity, error)

// Options configures a WebSocketHandler.
type Options struct {
	SendBuffer     int
	AllowedOrigins []string
	Authenticate   Authenticator
	OnConnect      func(*Client)
	OnDisconnect   func(*Client)
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and runs the pumps.
type WebSocketHandler struct {
	hub        *Hub
	dispatcher *Dispatcher
	opts       Options
	upgrader   gorillawebsocket.Upgrader
	logger     zerolog.Logger
}

// NewWebSocketHandler creates a handler bound to hub and dispatcher.
func NewWebSocketHandler(hub *Hub, dispatcher *Dispatcher, logger zerolog.Logger, opts Options) *WebSocketHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	wsh := &WebSocketHandler{
		hub:        hub,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
	wsh.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     wsh.checkOrigin,
	}
	return wsh
}

// RegisterRoutes registers the WebSocket endpoint.
func (wsh *WebSocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// checkOrigin admits non-browser clients (no Origin header) and browsers
// from an allowed origin.
func (wsh *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(wsh.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range wsh.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleConnect authenticates the handshake, upgrades, registers the client
// with the hub and starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	var identity Identity
	if wsh.opts.Authenticate != nil {
		id, err := wsh.opts.Authenticate(c.Request())
		if err != nil {
			wsh.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("websocket handshake refused")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}
		identity = id
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		wsh.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(uuid.New().String(), identity, wsh.opts.SendBuffer)
	client.conn = &gorillaConnAdapter{ws}
	wsh.hub.Register(client)

	wsh.logger.Info().
		Str("conn_id", client.ID).
		Str("subject", identity.Subject).
		Int("connections", wsh.hub.ClientCount()).
		Msg("websocket connected")

	if wsh.opts.OnConnect != nil {
		wsh.opts.OnConnect(client)
	}

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// readPump handles inbound frames one at a time until the socket fails, then
// runs the disconnect hook and unregisters the client.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		if wsh.opts.OnDisconnect != nil {
			wsh.opts.OnDisconnect(client)
		}
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Info().
			Str("conn_id", client.ID).
			Str("actor_id", client.ActorID()).
			Msg("websocket disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.logger.Debug().Err(err).Str("conn_id", client.ID).Msg("websocket read error")
			}
			return
		}
		wsh.dispatcher.Dispatch(client.Context(), client, frame)
	}
}

// writePump drains the Send queue in order and keeps the connection alive
// with pings.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
