package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"margin-monitor-go/margin"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsQueueSize  = 16
)

// wsConn 一个 WebSocket 连接就是一个订阅者。
// 队列满时丢弃最旧的一条，保证慢客户端最终看到最新状态且不阻塞投递。
type wsConn struct {
	id   string
	conn *websocket.Conn
	req  func() margin.Requirements
	log  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsConn) enqueue(st margin.SyncState) {
	payload, err := json.Marshal(BuildView(st, c.req()))
	if err != nil {
		c.log.Error("encode view failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
		return
	default:
	}
	select {
	case <-c.send:
		c.log.Debug("slow consumer, dropped oldest update")
	default:
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 只处理控制帧；客户端断开时返回。
func (c *wsConn) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := parseClientID(w, r)
	if !ok {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写好了错误响应
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		req:  s.Requirements,
		send: make(chan []byte, wsQueueSize),
	}
	c.log = s.log.With(zap.String("conn_id", c.id), zap.Int64("client_id", id))

	release, err := s.hub.Subscribe(id, c.enqueue)
	if err != nil {
		c.log.Warn("subscribe failed", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	c.log.Info("websocket subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump()
	release()
	c.close()
	<-done
	c.log.Info("websocket subscriber disconnected")
}
