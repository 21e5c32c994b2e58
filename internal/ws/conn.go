package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opalchat/call-relay/internal/metrics"
	"github.com/opalchat/call-relay/internal/protocol"
	"github.com/opalchat/call-relay/internal/ratelimit"
	"github.com/opalchat/call-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is one client WebSocket connection. It implements presence.Conn: the
// relay delivers events through Send, which hands them to the write pump
// without blocking.
type Conn struct {
	srv     *Server
	ws      *websocket.Conn
	log     *slog.Logger
	send    chan protocol.ServerEvent
	done    chan struct{}
	limiter *ratelimit.MessageLimiter

	alive     atomic.Bool
	closeOnce sync.Once

	mu         sync.Mutex
	authed     bool
	identity   string
	user       string
	room       string
	cleanClose bool
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	c := &Conn{
		srv:     srv,
		ws:      ws,
		log:     srv.log,
		send:    make(chan protocol.ServerEvent, sendBuffer),
		done:    make(chan struct{}),
		limiter: ratelimit.NewMessageLimiter(srv.clock, srv.cfg.MessageBurst, srv.cfg.MessagesPerSecond),
		authed:  srv.verifier == nil,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) Send(ev protocol.ServerEvent) error {
	if !c.alive.Load() {
		return errConnClosed
	}
	select {
	case c.send <- ev:
		return nil
	default:
		// A consumer that can't keep up with the send buffer is treated as
		// dead; queued signals are retried against its replacement.
		c.log.Warn("send buffer full, dropping connection", "user", c.currentUser())
		c.shutdown()
		return errSendBufferFull
	}
}

func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// setAuthenticated records a credential verified before the pumps start
// (query-parameter auth on the upgrade request).
func (c *Conn) setAuthenticated(identity string) {
	c.mu.Lock()
	c.authed = true
	c.identity = identity
	c.mu.Unlock()
}

func (c *Conn) currentUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// shutdown marks the connection dead and wakes the write pump so it closes
// the socket, which in turn unblocks the read pump.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}

func (c *Conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.shutdown()
}

func (c *Conn) enqueue(ev protocol.ServerEvent) {
	_ = c.Send(ev)
}

func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if authed {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.cleanClose = true
				c.mu.Unlock()
			}
			return
		}

		if !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			c.enqueue(protocol.ErrorEvent(string(relay.CodeInvalidRequest), err.Error()))
			continue
		}
		if !c.handle(ev) {
			return
		}
	}
}

// teardown runs exactly once when the read pump exits. The identity binding
// is always dropped; call membership is only torn down on a clean close,
// so a transient transport death leaves the user's calls recoverable.
func (c *Conn) teardown() {
	c.shutdown()

	c.mu.Lock()
	room, user, clean := c.room, c.user, c.cleanClose
	c.room, c.user = "", ""
	c.mu.Unlock()

	if room == "" || user == "" {
		return
	}
	c.srv.pres.Remove(room, user, c)
	if clean {
		c.srv.relay.DisconnectUser(room, user)
	}
	c.log.Info("client disconnected", "room", room, "user", user, "clean", clean)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handle dispatches one parsed event. It returns false when the connection
// must be dropped.
func (c *Conn) handle(ev protocol.ClientEvent) bool {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()

	if !authed {
		return c.handleAuth(ev)
	}

	switch ev.Type {
	case protocol.EventAuth:
		// Already authenticated; nothing to do.
		return true
	case protocol.EventJoin:
		return c.handleJoin(ev)
	case protocol.EventLeave:
		c.handleLeave()
		return true
	}

	from, ok := c.peer()
	if !ok {
		c.enqueue(protocol.ErrorEvent(string(relay.CodeUnauthorized), "join a room first"))
		return true
	}
	c.srv.pres.Touch(from.Room, from.User, c.srv.clock.Now())

	var rerr *relay.Error
	switch ev.Type {
	case protocol.EventCallInitiate:
		rerr = c.srv.relay.InitiateCall(from, ev)
	case protocol.EventCallAccepted:
		rerr = c.srv.relay.AcceptCall(from, ev.CallID)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		rerr = c.srv.relay.RelaySignal(from, ev)
	case protocol.EventRejectCall:
		rerr = c.srv.relay.RejectCall(from, ev.CallID, ev.Reason)
	case protocol.EventEndCall:
		rerr = c.srv.relay.EndCall(from, ev.CallID)
	case protocol.EventMuteState, protocol.EventVideoState:
		rerr = c.srv.relay.RelayState(from, ev)
	case protocol.EventCheckPresence:
		present := c.srv.relay.CheckPresence(from.Room, ev.UserID)
		c.enqueue(protocol.ServerEvent{
			Type:      protocol.EventPresenceStatus,
			UserID:    ev.UserID,
			IsPresent: &present,
		})
	}
	if rerr != nil {
		c.enqueue(protocol.ErrorEvent(string(rerr.Code), rerr.Message))
	}
	return true
}

func (c *Conn) handleAuth(ev protocol.ClientEvent) bool {
	if ev.Type != protocol.EventAuth {
		c.srv.metrics.Inc(metrics.AuthFailures)
		c.closeWith(websocket.ClosePolicyViolation, "authentication required")
		return false
	}
	identity, err := c.srv.verifier.Verify(ev.Token)
	if err != nil {
		c.srv.metrics.Inc(metrics.AuthFailures)
		c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}

	c.mu.Lock()
	c.authed = true
	c.identity = identity
	c.mu.Unlock()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return true
}

func (c *Conn) handleJoin(ev protocol.ClientEvent) bool {
	c.mu.Lock()
	identity := c.identity
	prevRoom, prevUser := c.room, c.user
	c.mu.Unlock()

	if identity != "" && ev.Username != identity {
		c.srv.metrics.Inc(metrics.AuthFailures)
		c.closeWith(websocket.ClosePolicyViolation, "username does not match credentials")
		return false
	}

	if prevRoom != "" {
		c.srv.pres.Remove(prevRoom, prevUser, c)
		c.srv.relay.DisconnectUser(prevRoom, prevUser)
	}

	displaced := c.srv.pres.Register(ev.Room, ev.Username, c, c.srv.clock.Now())
	if displaced {
		c.log.Info("displaced previous connection", "room", ev.Room, "user", ev.Username)
	}
	c.mu.Lock()
	c.room, c.user = ev.Room, ev.Username
	c.mu.Unlock()
	c.log.Info("client joined", "room", ev.Room, "user", ev.Username)
	return true
}

func (c *Conn) handleLeave() {
	c.mu.Lock()
	room, user := c.room, c.user
	c.room, c.user = "", ""
	c.mu.Unlock()

	if room == "" {
		return
	}
	c.srv.pres.Remove(room, user, c)
	c.srv.relay.DisconnectUser(room, user)
	c.log.Info("client left", "room", room, "user", user)
}

func (c *Conn) peer() (relay.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == "" || c.user == "" {
		return relay.Peer{}, false
	}
	return relay.Peer{User: c.user, Room: c.room}, true
}
