// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32

	// disconnectTimeout bounds the cleanup work after a socket closes.
	disconnectTimeout = 5 * time.Second
)

// BookHandler receives book_spot requests from the socket. The handler
// replies to the client through the hub.
type BookHandler func(ctx context.Context, connID string, userID int64, req BookRequest)

// AuthFunc resolves the authenticated user behind an upgrade request.
type AuthFunc func(r *http.Request) (int64, error)

// QueryAuth reads the user id from the user_id query parameter. Real
// deployments sit behind an authenticating proxy that injects it.
func QueryAuth(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("missing or invalid user_id")
	}
	return id, nil
}

// WSHandler upgrades HTTP requests to websocket sessions on the hub.
type WSHandler struct {
	Hub    *Hub
	Book   BookHandler
	Auth   AuthFunc
	Logger zerolog.Logger

	upgrader websocket.Upgrader
}

// NewWSHandler wires the websocket endpoint.
func NewWSHandler(hub *Hub, book BookHandler, auth AuthFunc, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		Hub:    hub,
		Book:   book,
		Auth:   auth,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced at the edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	ws := &wsConn{conn: conn, send: make(chan Envelope, sendBuffer), logger: h.Logger}
	h.Hub.Register(connID, userID, ws)

	go ws.writePump()
	h.readPump(r.Context(), ws, connID, userID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
	defer cancel()
	h.Hub.Disconnect(ctx, connID)
	ws.close()
}

func (h *WSHandler) readPump(ctx context.Context, ws *wsConn, connID string, userID int64) {
	ws.conn.SetReadLimit(4096)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Logger.Debug().Err(err).Str("connection_id", connID).Msg("socket closed")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = ws.Send(EventSubscriptionError, ErrorMessage{Message: "malformed message"})
			continue
		}
		h.dispatch(ctx, ws, connID, userID, env)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, ws *wsConn, connID string, userID int64, env Envelope) {
	switch env.Event {
	case eventSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			_ = ws.Send(EventSubscriptionError, ErrorMessage{Message: "malformed subscribe payload"})
			return
		}
		w, err := model.ParseWindow(req.StartTime, req.EndTime)
		if err != nil {
			_ = ws.Send(EventSubscriptionError, ErrorMessage{Message: err.Error()})
			return
		}
		if err := h.Hub.Subscribe(ctx, connID, req.ParkingLotID, req.BookingDate, w); err != nil {
			_ = ws.Send(EventSubscriptionError, ErrorMessage{Message: err.Error()})
		}

	case eventBookSpot:
		var req BookRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			_ = ws.Send(EventBookingFailed, Reason{Reason: "malformed booking payload"})
			return
		}
		h.Book(ctx, connID, userID, req)

	default:
		h.Logger.Debug().Str("event", env.Event).Str("connection_id", connID).Msg("unknown event ignored")
	}
}

// wsConn serializes writes to one gorilla connection through a buffered
// channel so any goroutine can send.
type wsConn struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	send   chan Envelope
	closed bool
}

// Send queues one event. A full buffer drops the message: a client too
// slow to drain updates re-syncs through the availability endpoint.
func (c *wsConn) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("realtime: connection closed, dropped %s", event)
	}
	select {
	case c.send <- Envelope{Event: event, Data: raw}:
		return nil
	default:
		return fmt.Errorf("realtime: send buffer full, dropped %s", event)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
