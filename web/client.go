package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/lilygo-motion/motioncontroller/logging"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxMessage   = 64 * 1024
)

// A client is one WebSocket connection. Outgoing messages are queued and dropped when the
// client falls behind.
type client struct {
	id     string
	conn   *websocket.Conn
	logger logging.Logger
	sendCh chan interface{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, logger logging.Logger) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		logger: logger,
		sendCh: make(chan interface{}, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) send(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.logger.Debugw("client is behind, dropping message", "client", c.id)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		//nolint:errcheck
		c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			//nolint:errcheck
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debugw("write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			//nolint:errcheck
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop handles incoming commands until the connection fails.
func (c *client) readLoop(handle func(msg map[string]interface{}) interface{}) {
	c.conn.SetReadLimit(maxMessage)
	//nolint:errcheck
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("read failed", "client", c.id, "error", err)
			}
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(errorMessage{Type: "error", Message: errors.Wrap(err, "invalid json").Error()})
			continue
		}
		c.send(handle(msg))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s.logger.Sublogger("ws"))

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Infow("websocket client connected", "client", c.id, "remote", r.RemoteAddr, "clients", count)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.close()
		s.logger.Infow("websocket client disconnected", "client", c.id)
	}()

	c.send(newStatusMessage(s.ctrl.Status()))
	goutils.PanicCapturingGo(c.writeLoop)

	// commands are not tied to the connection
	c.readLoop(func(msg map[string]interface{}) interface{} {
		resp, err := s.dispatch(context.Background(), msg)
		if err != nil {
			return errorMessage{Type: "error", Message: err.Error()}
		}
		return resp
	})
}
