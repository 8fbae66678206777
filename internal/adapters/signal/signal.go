package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// SignalWSController dispatches the group-call signaling protocol: it decodes
// inbound messages, drives rooms and sessions, and encodes outbound events.
type SignalWSController struct {
	Rooms    *core.RoomManager
	Registry *core.UserRegistry
}

func NewSignalWSController(rooms *core.RoomManager, registry *core.UserRegistry) *SignalWSController {
	return &SignalWSController{Rooms: rooms, Registry: registry}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and services it until it drops. A
// dropped connection behaves like an explicit leave.
//
// The registry identity is minted per upgraded connection: the cookie token
// only names the browser, and one browser may hold several connections whose
// lifecycles must not interfere.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).
		Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, conn)
		ctl.leaveCurrentRoom(ctx, sid)
	}()
}

// leaveCurrentRoom removes the session bound to sid from its room, closing
// the room when it empties. Safe to call for an unbound sid.
func (ctl *SignalWSController) leaveCurrentRoom(ctx context.Context, sid core.SessionID) {
	sess, ok := ctl.Registry.Unregister(sid)
	if !ok {
		return
	}
	room, ok := ctl.Rooms.Get(sess.RoomName())
	if !ok {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("orphan session close")
		}
		return
	}
	room.Leave(ctx, sess)
	ctl.Rooms.RemoveIfEmpty(room.Name())
}
