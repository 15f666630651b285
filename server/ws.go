package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/tipchat/backend/chatroom"
	"github.com/onnwee/tipchat/backend/protocol"
	"github.com/onnwee/tipchat/backend/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 16 * 1024
	// sendBufferSize bounds the per-connection outbound queue. When it is
	// full the frame is dropped rather than stalling the room manager.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origins are vetted by the CORS layer; the handshake itself
	// accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one chat WebSocket connection. It implements chatroom.Member:
// the manager's event loop calls Deliver, which enqueues without blocking;
// the write pump drains the queue onto the socket.
type Client struct {
	id      string
	conn    *websocket.Conn
	manager *chatroom.Manager
	send    chan any
	done    chan struct{}
}

func (c *Client) ClientID() string { return c.id }

// Deliver queues one outbound frame. It reports false, and drops the frame,
// when the client cannot keep up or the connection is closing.
func (c *Client) Deliver(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		telemetry.IncFramesDropped()
		return false
	}
}

// HandleWS upgrades the connection and runs the read pump until the client
// goes away.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &Client{
		id:      uuid.New().String(),
		conn:    conn,
		manager: h.manager,
		send:    make(chan any, sendBufferSize),
		done:    make(chan struct{}),
	}
	telemetry.AddConnections(1)
	slog.Debug("client connected", slog.String("client", c.id), slog.String("remote_addr", r.RemoteAddr))

	go c.writePump()
	c.Deliver(protocol.NewConnection(c.id))
	c.readPump()
}

// readPump consumes frames until the connection errors or closes, then
// tears the client down.
func (c *Client) readPump() {
	defer func() {
		c.manager.Disconnect(c)
		close(c.done)
		_ = c.conn.Close()
		telemetry.AddConnections(-1)
		slog.Debug("client disconnected", slog.String("client", c.id))
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", slog.String("client", c.id), slog.Any("err", err))
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch normalizes one inbound frame and routes it to the manager.
// Protocol violations are answered on this connection only.
func (c *Client) dispatch(data []byte) {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		c.Deliver(protocol.NewError(protocol.ReasonProtocol, err.Error()))
		telemetry.IncChatErrors()
		return
	}
	switch in.Type {
	case protocol.KindJoinChat:
		c.manager.Join(c, chatroom.JoinRequest{
			Room:            in.Room,
			Address:         in.UserAddress,
			UserType:        in.UserType,
			Proof:           in.UserSignature,
			SessionToken:    in.SessionToken,
			LastMessageTime: in.LastMessageTime,
		})
	case protocol.KindLeaveChat:
		c.manager.Leave(c, in.Room)
	case protocol.KindChatMessage:
		c.manager.Post(c, chatroom.PostRequest{
			Room:         in.Room,
			Text:         in.Message,
			Address:      in.UserAddress,
			Signature:    in.UserSignature,
			Counter:      in.Counter,
			SessionToken: in.SessionToken,
		})
	case protocol.KindIsSupporter:
		c.manager.CheckSupporter(c, in.UserAddress, in.UserSignature)
	}
}

// writePump serializes queued frames onto the socket and keeps the
// connection alive with pings. It exits when the read pump closes done.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is already queued, then close.
			for {
				select {
				case v := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(v); err != nil {
						return
					}
				default:
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
