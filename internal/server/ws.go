package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tessara/warden/internal/console"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is same-host; the daemon has no cross-origin surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the envelope for every frame in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func marshalMsg(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsMessage{Type: typ, Data: raw})
}

// handleWS upgrades the connection and relays console traffic. The first
// frame is always the full history snapshot so the client never misses
// lines that arrived before the subscription.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go s.wsReadLoop(conn, done)
	s.wsWriteLoop(conn, sub, done)
}

func (s *Server) wsReadLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(32 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type != "command" {
			continue
		}
		var cmd string
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			continue
		}
		if err := s.sup.Handle(cmd); err != nil {
			s.log.Warn("websocket command failed", "error", err)
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, sub *console.Subscription, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(payload []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	if payload, err := marshalMsg("history", sub.History); err == nil {
		if !write(payload) {
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped as a slow consumer; the client reconnects and
				// resynchronizes from the history snapshot.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			typ := "log"
			if ev.Kind == console.KindStatus {
				typ = "status"
			}
			payload, err := marshalMsg(typ, ev.Text)
			if err != nil {
				continue
			}
			if !write(payload) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case <-done:
			return
		}
	}
}
