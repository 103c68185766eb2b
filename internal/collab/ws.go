package collab

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/presence"
)

const (
	sendBuffer  = 32
	joinTimeout = 10 * time.Second
)

// WSHandler upgrades HTTP requests to collaboration connections. The first
// frame on every connection must be a join message carrying a credential;
// everything before a successful join is rejected.
type WSHandler struct {
	gateway  *Gateway
	manager  *Manager
	hub      *presence.Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(gateway *Gateway, manager *Manager, hub *presence.Hub, allowedOrigin string) *WSHandler {
	return &WSHandler{
		gateway: gateway,
		manager: manager,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab: upgrade failed: %v", err)
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop(r.Context(), h)
}

// conn is one client connection. Outbound messages go through a buffered
// channel consumed by writeLoop; when the buffer is full the message is
// dropped rather than blocking the sender.
type conn struct {
	ws   *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// Send implements Sink.
func (c *conn) Send(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
	}
}

// Deliver implements presence.Handle.
func (c *conn) Deliver(event presence.Event) {
	c.Send(Message{
		Type:     event.Type,
		NoteID:   event.NoteID,
		UserID:   event.UserID,
		Username: event.Username,
		Name:     event.Name,
		Position: event.Position,
		Users:    event.Users,
		Payload:  event.Payload,
	})
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context, h *WSHandler) {
	defer c.close()

	session, err := c.awaitJoin(ctx, h)
	if err != nil {
		return
	}
	defer func() {
		h.manager.Leave(context.Background(), session)
		h.hub.Logout(session.UserID, c)
	}()

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("collab: read (user=%s, note=%s): %v", session.UserID, session.NoteID, err)
			}
			return
		}

		switch msg.Type {
		case TypeEditDelta:
			if err := h.manager.Submit(session, msg.Delta); err != nil {
				c.Send(c.submitError(err))
			}
		case TypeTyping:
			h.hub.RelayTyping(session.UserID, session.NoteID)
		case TypeStopTyping:
			h.hub.RelayStopTyping(session.UserID, session.NoteID)
		case TypeCursorPosition:
			h.hub.RelayCursor(ctx, session.UserID, session.NoteID, msg.Position)
		default:
			c.Send(errorMessage("unknownType", "unknown message type "+msg.Type))
		}
	}
}

// awaitJoin reads the opening frame, authenticates it, and attaches the
// session. Any failure sends one error frame and ends the connection.
func (c *conn) awaitJoin(ctx context.Context, h *WSHandler) (*Session, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(joinTimeout))

	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	if msg.Type != TypeJoin {
		c.Send(errorMessage("joinRequired", "first message must be a join"))
		return nil, errors.New("protocol: first message not a join")
	}

	grant, err := h.gateway.Authenticate(msg.Token)
	if err != nil {
		c.Send(errorMessage("unauthorized", "invalid or expired credential"))
		return nil, err
	}

	session, state, err := h.manager.Join(ctx, grant, c)
	if err != nil {
		log.Printf("collab: join note %s: %v", grant.NoteID, err)
		c.Send(errorMessage("joinFailed", "could not open document"))
		return nil, err
	}

	h.hub.Login(session.UserID, c)
	c.Send(Message{
		Type:   TypeJoined,
		NoteID: session.NoteID,
		UserID: session.UserID,
		State:  state,
	})
	return session, nil
}

func (c *conn) submitError(err error) Message {
	switch {
	case errors.Is(err, ErrReadOnly):
		return errorMessage("readOnly", "credential does not permit editing")
	case errors.Is(err, ErrMalformedDelta):
		return errorMessage("malformedDelta", "delta could not be decoded")
	case errors.Is(err, ErrNotActive):
		return errorMessage("notActive", "session is not active")
	default:
		return errorMessage("internal", "could not apply delta")
	}
}
